// Package orchestrator drives each threaded conversation through its state
// machine: classification, confirmation, answer generation or approved action
// execution, feedback capture and SLA escalation.
//
// Many conversations run concurrently; within one conversation every
// transition is serialized behind a per-conversation lock. External calls run
// outside the lock and re-enter through typed triggers.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/action"
	"github.com/supportdhq/supportd/internal/answer"
	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/classify"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/notify"
	"github.com/supportdhq/supportd/internal/sla"
	"github.com/supportdhq/supportd/internal/store"
	"github.com/supportdhq/supportd/internal/ticketing"
)

const instrumentationName = "github.com/supportdhq/supportd/internal/orchestrator"

// ErrInvalidTransition reports a trigger that is not legal for the
// conversation's current state. Logged and audited, never fatal.
var ErrInvalidTransition = errors.New("orchestrator: invalid transition")

// Event is one inbound transport event.
type Event struct {
	ChannelID     string   `json:"channel_id"`
	ThreadID      string   `json:"thread_id"`
	ActorID       string   `json:"actor_id"`
	Text          string   `json:"text"`
	Attachments   []string `json:"attachments,omitempty"`
	ExtractedText string   `json:"extracted_text,omitempty"`
	EventType     string   `json:"event_type"`
	Subtype       string   `json:"subtype,omitempty"`
	TS            string   `json:"ts"`
	Reaction      string   `json:"reaction,omitempty"`
	TargetTS      string   `json:"target_ts,omitempty"`
}

// Inbound event types.
const (
	EventTypeMessage  = "message"
	EventTypeReaction = "reaction_added"
)

// TriggerKind names the transitions advance accepts.
type TriggerKind string

const (
	TriggerClassification TriggerKind = "classification_result"
	TriggerConfirmation   TriggerKind = "confirmation_response"
	TriggerAnswerReady    TriggerKind = "answer_ready"
	TriggerApprovalResult TriggerKind = "approval_result"
	TriggerActionResult   TriggerKind = "action_result"
	TriggerSLAExpired     TriggerKind = "sla_expired"
	TriggerFeedback       TriggerKind = "feedback_received"
)

// Trigger carries one transition request plus its payload. Exactly one
// payload field is set, matching Kind.
type Trigger struct {
	Kind TriggerKind

	Classification *classify.Classification
	Confirmation   *Confirmation
	Answer         *answer.Answer
	Result         *action.Result
	SLAKind        sla.Kind
	Feedback       *store.Feedback

	// Err carries the adapter failure when the side effect did not produce
	// a payload.
	Err error
}

// Confirmation is a user's reply to the rendered summary.
type Confirmation struct {
	Approved      bool
	Denied        bool
	Actor         string
	ActionName    string
	Params        map[string]string
	EditedSummary string
	ReceivedAt    time.Time
}

// Orchestrator composes the store, gate, executor, scheduler and adapters
// into the end-to-end conversation flow.
type Orchestrator struct {
	store      *store.Store
	auditLog   audit.Log
	channels   *config.Channels
	classifier classify.Classifier
	generator  answer.Generator
	executor   *action.Executor
	scheduler  *sla.Scheduler
	tickets    ticketing.Client
	escalation notify.EscalationSender
	notifier   notify.Notifier
	logger     *logging.Logger

	// Per-conversation transition locks plus the buffered confirmation that
	// arrived before classification finished. Newer buffered confirmations
	// overwrite older ones.
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	buffered map[string]*Confirmation

	// Side effects and trigger continuations run here, off the
	// per-conversation lock.
	tasks *conc.WaitGroup

	conversationsCreated metric.Int64Counter
	transitions          metric.Int64Counter
	escalations          metric.Int64Counter
	feedbackCounter      metric.Int64Counter
	firstResponseLatency metric.Float64Histogram
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      *store.Store
	Audit      audit.Log
	Channels   *config.Channels
	Classifier classify.Classifier
	Generator  answer.Generator
	Executor   *action.Executor
	Scheduler  *sla.Scheduler
	Ticketing  ticketing.Client
	Escalation notify.EscalationSender
	Notifier   notify.Notifier
	Logger     *logging.Logger
}

// New wires the orchestrator.
func New(deps Deps) *Orchestrator {
	meter := otel.Meter(instrumentationName)
	created, _ := meter.Int64Counter("supportd.conversations.created")
	transitions, _ := meter.Int64Counter("supportd.conversations.transitions")
	escalations, _ := meter.Int64Counter("supportd.escalations")
	feedback, _ := meter.Int64Counter("supportd.feedback")
	latency, _ := meter.Float64Histogram("supportd.first_response.seconds",
		metric.WithDescription("Seconds from conversation creation to first response"))

	return &Orchestrator{
		store:      deps.Store,
		auditLog:   deps.Audit,
		channels:   deps.Channels,
		classifier: deps.Classifier,
		generator:  deps.Generator,
		executor:   deps.Executor,
		scheduler:  deps.Scheduler,
		tickets:    deps.Ticketing,
		escalation: deps.Escalation,
		notifier:   deps.Notifier,
		logger:     deps.Logger.Named("orchestrator"),

		locks:    make(map[string]*sync.Mutex),
		buffered: make(map[string]*Confirmation),
		tasks:    conc.NewWaitGroup(),

		conversationsCreated: created,
		transitions:          transitions,
		escalations:          escalations,
		feedbackCounter:      feedback,
		firstResponseLatency: latency,
	}
}

// OnSLAExpired is the scheduler callback. It must not block, so the trigger
// is handed to the task pool.
func (o *Orchestrator) OnSLAExpired(conversationID string, kind sla.Kind) {
	o.tasks.Go(func() {
		ctx := logging.WithConversationID(context.Background(), conversationID)
		_ = o.Advance(ctx, conversationID, Trigger{Kind: TriggerSLAExpired, SLAKind: kind})
	})
}

// Resume re-arms SLA timers for every non-terminal conversation from its
// persisted deadlines. Called once on startup so a restart does not lose
// pending obligations.
func (o *Orchestrator) Resume(ctx context.Context) error {
	convs, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if conv.FirstResponseAt == nil {
			o.scheduler.Arm(conv.ID, sla.KindFirstResponse, conv.FirstResponseDeadline)
		}
		o.scheduler.Arm(conv.ID, sla.KindResolution, conv.ResolutionDeadline)
	}
	o.logger.Info(ctx, "resumed conversations", zap.Int("count", len(convs)))
	return nil
}

// Run relays action progress updates into the conversation thread until the
// context is cancelled. Duplicate or dropped progress lines are acceptable;
// delivery is best effort.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-o.executor.Progress():
			conv, err := o.store.GetConversation(ctx, update.ConversationID)
			if err != nil {
				continue
			}
			o.post(logging.WithConversationID(ctx, conv.ID), conv, update.Message)
		}
	}
}

// Close waits for in-flight side effects to drain.
func (o *Orchestrator) Close() {
	o.tasks.Wait()
}

func (o *Orchestrator) conversationLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[conversationID] = lock
	}
	return lock
}

// post delivers one thread reply and stamps first_response_at on the first
// successful delivery, cancelling only the first-response timer.
func (o *Orchestrator) post(ctx context.Context, conv *store.Conversation, text string) {
	err := o.notifier.Post(ctx, notify.Message{
		ChannelID: conv.ChannelID,
		ThreadID:  conv.ThreadTS,
		Text:      text,
	})
	if err != nil {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventIntegrationFailure,
			Result:         "notification",
			Err:            err,
		})
		return
	}

	stamped, err := o.store.MarkFirstResponse(ctx, conv.ID)
	if err != nil {
		o.logger.Warn(ctx, "failed to stamp first response", zap.Error(err))
		return
	}
	if stamped {
		o.scheduler.Cancel(conv.ID, sla.KindFirstResponse)
		if o.firstResponseLatency != nil {
			o.firstResponseLatency.Record(ctx, time.Since(conv.CreatedAt).Seconds())
		}
	}
}

func (o *Orchestrator) count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
