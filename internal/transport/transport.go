// Package transport bridges the NATS event bus and the orchestrator. The
// chat gateway publishes inbound events on one subject; supportd decodes
// them into per-thread mailboxes drained by a bounded worker pool, so events
// for one thread apply in arrival order while distinct threads run in
// parallel.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/orchestrator"
	"github.com/supportdhq/supportd/internal/store"
)

const instrumentationName = "github.com/supportdhq/supportd/internal/transport"

// Sink consumes decoded inbound events.
type Sink interface {
	Ingest(ctx context.Context, ev orchestrator.Event) (*store.Conversation, error)
}

// Connect dials the bus with reconnect semantics suited to a long-running
// daemon.
func Connect(url string, logger *logging.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return conn, nil
}

// Ingress subscribes to the inbound subject and dispatches events.
type Ingress struct {
	conn    *nats.Conn
	subject string
	sink    Sink
	workers *pool.Pool
	logger  *logging.Logger
	sub     *nats.Subscription

	// Pending events keyed by (channel, thread). At most one drain task per
	// key is in flight, so same-thread events are delivered serially.
	mu        sync.Mutex
	mailboxes map[string][]orchestrator.Event

	eventCounter metric.Int64Counter
}

// NewIngress builds the ingress with a worker pool of the configured size.
func NewIngress(conn *nats.Conn, cfg config.TransportConfig, sink Sink, logger *logging.Logger) *Ingress {
	meter := otel.Meter(instrumentationName)
	counter, _ := meter.Int64Counter("supportd.transport.events",
		metric.WithDescription("Inbound transport events by outcome"))

	return &Ingress{
		conn:         conn,
		subject:      cfg.InboundSubject,
		sink:         sink,
		workers:      pool.New().WithMaxGoroutines(cfg.Workers),
		logger:       logger.Named("transport"),
		mailboxes:    make(map[string][]orchestrator.Event),
		eventCounter: counter,
	}
}

// Start subscribes to the inbound subject. Returns once the subscription is
// established; event handling continues until Close.
func (i *Ingress) Start(ctx context.Context) error {
	sub, err := i.conn.Subscribe(i.subject, func(msg *nats.Msg) {
		i.handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", i.subject, err)
	}
	i.sub = sub
	i.logger.Info(ctx, "transport ingress started", zap.String("subject", i.subject))
	return nil
}

// handle decodes one event and queues it on its thread's mailbox. Malformed
// payloads are dropped with a warning; they are not the orchestrator's
// problem.
func (i *Ingress) handle(ctx context.Context, data []byte) {
	var ev orchestrator.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		i.logger.Warn(ctx, "dropping malformed event", zap.Error(err))
		i.count(ctx, "malformed")
		return
	}
	if ev.ChannelID == "" || ev.TS == "" {
		i.logger.Warn(ctx, "dropping event without channel or timestamp")
		i.count(ctx, "malformed")
		return
	}
	i.enqueue(ctx, ev)
}

// enqueue appends the event to its mailbox and schedules a drain task unless
// one is already pending for the key. NATS invokes the subscription callback
// sequentially, so mailbox order is arrival order.
func (i *Ingress) enqueue(ctx context.Context, ev orchestrator.Event) {
	key := mailboxKey(ev)

	i.mu.Lock()
	_, pending := i.mailboxes[key]
	i.mailboxes[key] = append(i.mailboxes[key], ev)
	i.mu.Unlock()
	if pending {
		return
	}

	i.workers.Go(func() {
		i.drain(ctx, key)
	})
}

// drain delivers the mailbox's events one at a time until it is empty, then
// retires the mailbox. Events queued while draining are picked up by the
// same task.
func (i *Ingress) drain(ctx context.Context, key string) {
	for {
		i.mu.Lock()
		queue := i.mailboxes[key]
		if len(queue) == 0 {
			delete(i.mailboxes, key)
			i.mu.Unlock()
			return
		}
		ev := queue[0]
		i.mailboxes[key] = queue[1:]
		i.mu.Unlock()

		i.deliver(ctx, ev)
	}
}

func (i *Ingress) deliver(ctx context.Context, ev orchestrator.Event) {
	if _, err := i.sink.Ingest(ctx, ev); err != nil {
		i.logger.Error(ctx, "event ingest failed",
			zap.String("channel_id", ev.ChannelID),
			zap.Error(err))
		i.count(ctx, "error")
		return
	}
	i.count(ctx, "ok")
}

// mailboxKey groups events by conversation thread. Top-level messages start
// their own thread, so their timestamp is the thread identity.
func mailboxKey(ev orchestrator.Event) string {
	thread := ev.ThreadID
	if thread == "" {
		thread = ev.TS
	}
	return ev.ChannelID + "/" + thread
}

// Close unsubscribes and drains in-flight workers.
func (i *Ingress) Close() {
	if i.sub != nil {
		_ = i.sub.Unsubscribe()
	}
	i.workers.Wait()
}

func (i *Ingress) count(ctx context.Context, outcome string) {
	if i.eventCounter != nil {
		i.eventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome)))
	}
}
