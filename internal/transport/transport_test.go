package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/orchestrator"
	"github.com/supportdhq/supportd/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []orchestrator.Event
}

func (s *captureSink) Ingest(_ context.Context, ev orchestrator.Event) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil, nil
}

func (s *captureSink) all() []orchestrator.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orchestrator.Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestIngress(sink Sink) *Ingress {
	return NewIngress(nil, config.TransportConfig{
		InboundSubject: "supportd.events.inbound",
		Workers:        4,
	}, sink, logging.NewNop())
}

func TestHandleDecodesAndDispatches(t *testing.T) {
	sink := &captureSink{}
	ingress := newTestIngress(sink)

	payload := `{
		"channel_id": "C1",
		"thread_id": "1700000000.000100",
		"actor_id": "U333",
		"text": "how do I restart the api?",
		"attachments": ["https://files.example.com/a.png"],
		"event_type": "message",
		"ts": "1700000000.000200"
	}`
	ingress.handle(context.Background(), []byte(payload))
	ingress.workers.Wait()

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "C1", events[0].ChannelID)
	assert.Equal(t, "U333", events[0].ActorID)
	assert.Equal(t, []string{"https://files.example.com/a.png"}, events[0].Attachments)
	assert.Equal(t, "message", events[0].EventType)
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	sink := &captureSink{}
	ingress := newTestIngress(sink)

	ingress.handle(context.Background(), []byte("not json"))
	ingress.handle(context.Background(), []byte(`{"text": "missing identifiers"}`))
	ingress.workers.Wait()

	assert.Empty(t, sink.all())
}

// slowFirstSink stalls the first delivery, so out-of-order dispatch would
// let a later event overtake it.
type slowFirstSink struct {
	captureSink
	first sync.Once
}

func (s *slowFirstSink) Ingest(ctx context.Context, ev orchestrator.Event) (*store.Conversation, error) {
	s.first.Do(func() { time.Sleep(50 * time.Millisecond) })
	return s.captureSink.Ingest(ctx, ev)
}

func TestSameThreadEventsApplyInArrivalOrder(t *testing.T) {
	sink := &slowFirstSink{}
	ingress := newTestIngress(sink)
	ctx := context.Background()

	for _, ts := range []string{"1", "2", "3"} {
		payload := []byte(`{"channel_id": "C1", "thread_id": "1700000000.000100", "event_type": "message", "ts": "` + ts + `"}`)
		ingress.handle(ctx, payload)
	}
	ingress.workers.Wait()

	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, "1", events[0].TS)
	assert.Equal(t, "2", events[1].TS)
	assert.Equal(t, "3", events[2].TS)
}

func TestHandleProcessesConcurrently(t *testing.T) {
	sink := &captureSink{}
	ingress := newTestIngress(sink)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		payload := []byte(`{"channel_id": "C1", "event_type": "message", "ts": "` +
			time.Now().Format("150405.000000000") + string(rune('a'+i)) + `"}`)
		ingress.handle(ctx, payload)
	}
	ingress.workers.Wait()

	assert.Len(t, sink.all(), 20)
}
