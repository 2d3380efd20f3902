package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdhq/supportd/internal/action"
	"github.com/supportdhq/supportd/internal/answer"
	"github.com/supportdhq/supportd/internal/approval"
	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/classify"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/notify"
	"github.com/supportdhq/supportd/internal/sla"
	"github.com/supportdhq/supportd/internal/store"
	"github.com/supportdhq/supportd/internal/ticketing"
)

const waitFor = 3 * time.Second

type fakeClassifier struct {
	result classify.Classification
	err    error
	block  chan struct{}
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) (classify.Classification, error) {
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

type fakeGenerator struct {
	answer answer.Answer
	err    error
}

func (f *fakeGenerator) Answer(_ context.Context, _, _ string, _ config.RetrievalParams) (answer.Answer, error) {
	return f.answer, f.err
}

type fakeTickets struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeTickets) CreateIssue(_ context.Context, _ ticketing.Issue) (string, error) {
	f.calls.Add(1)
	if f.fail {
		return "", ticketing.ErrTicketing
	}
	return "SUP-1", nil
}

func (f *fakeTickets) AddComment(_ context.Context, _, _ string) error { return nil }

type fakeEmail struct {
	mu       sync.Mutex
	calls    int
	subjects []string
	bodies   []string
}

func (f *fakeEmail) SendEscalation(_ context.Context, _ []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Post(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, msg.Text)
	return nil
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type okHandler struct {
	name  string
	calls atomic.Int32
}

func (h *okHandler) Name() string { return h.name }

func (h *okHandler) Run(_ context.Context, _ map[string]string, progress action.ProgressReporter) (string, error) {
	h.calls.Add(1)
	progress("working")
	return "done", nil
}

type failingHandler struct {
	name      string
	rollbacks atomic.Int32
}

func (h *failingHandler) Name() string { return h.name }

func (h *failingHandler) Run(_ context.Context, _ map[string]string, _ action.ProgressReporter) (string, error) {
	return "", errors.New("exploded mid-run")
}

func (h *failingHandler) Rollback(_ context.Context, _ string) (string, error) {
	h.rollbacks.Add(1)
	return "restored", nil
}

type env struct {
	orch       *Orchestrator
	store      *store.Store
	audit      audit.Log
	scheduler  *sla.Scheduler
	notifier   *fakeNotifier
	tickets    *fakeTickets
	email      *fakeEmail
	classifier *fakeClassifier
	generator  *fakeGenerator
	registry   *action.Registry
}

func testChannel() config.ChannelConfig {
	return config.ChannelConfig{
		ID:                   "C1",
		Name:                 "ops-support",
		Enabled:              true,
		Approvers:            []string{"U111", "U222"},
		ActionWhitelist:      []string{"restart_service"},
		FirstResponseMinutes: 15,
		ResolutionMinutes:    120,
		EscalationRecipients: []string{"ops@example.com"},
		RAGIndex:             "ops",
		Retrieval:            config.RetrievalParams{TopK: 3, SimilarityThreshold: 0.5},
	}
}

func newEnv(t *testing.T, chs ...config.ChannelConfig) *env {
	t.Helper()
	if len(chs) == 0 {
		chs = []config.ChannelConfig{testChannel()}
	}

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	log := logging.NewNop()
	auditLog, err := audit.NewSQLLog(st.DB(), log)
	require.NoError(t, err)

	channels := config.NewChannels(&config.Config{Channels: chs}, "", log)
	registry := action.NewRegistry()
	executor := action.NewExecutor(registry, approval.NewGate(st), st, auditLog, log)

	e := &env{
		store:      st,
		audit:      auditLog,
		notifier:   &fakeNotifier{},
		tickets:    &fakeTickets{},
		email:      &fakeEmail{},
		classifier: &fakeClassifier{result: classify.Classification{Type: store.QuestionHowTo, Confidence: 0.9}},
		generator:  &fakeGenerator{answer: answer.Answer{Text: "Use supportctl restart.", Citations: []string{"runbook.md"}}},
		registry:   registry,
	}

	var orch *Orchestrator
	e.scheduler = sla.NewScheduler(func(id string, kind sla.Kind) {
		orch.OnSLAExpired(id, kind)
	}, log)

	orch = New(Deps{
		Store:      st,
		Audit:      auditLog,
		Channels:   channels,
		Classifier: e.classifier,
		Generator:  e.generator,
		Executor:   executor,
		Scheduler:  e.scheduler,
		Ticketing:  e.tickets,
		Escalation: e.email,
		Notifier:   e.notifier,
		Logger:     log,
	})
	e.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.scheduler.Run(ctx) }()
	go func() { _ = orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		orch.Close()
	})
	return e
}

func (e *env) awaitStatus(t *testing.T, id string, want store.ConversationStatus) *store.Conversation {
	t.Helper()
	var conv *store.Conversation
	require.Eventually(t, func() bool {
		c, err := e.store.GetConversation(context.Background(), id)
		if err != nil {
			return false
		}
		conv = c
		return c.Status == want
	}, waitFor, 10*time.Millisecond, "conversation never reached %s", want)
	return conv
}

func messageEvent(ts, actor, text string) Event {
	return Event{
		ChannelID: "C1",
		ThreadID:  "1700000000.000100",
		ActorID:   actor,
		Text:      text,
		EventType: EventTypeMessage,
		TS:        ts,
	}
}

func (e *env) transitionsFor(t *testing.T, id string) []string {
	t.Helper()
	entries, err := e.audit.Entries(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, entry := range entries {
		if entry.EventType == audit.EventTransition {
			out = append(out, entry.Result)
		}
	}
	return out
}

func TestRoundTripToCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "how do I restart the api service?"))
	require.NoError(t, err)
	require.NotNil(t, conv)

	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)

	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)

	final := e.awaitStatus(t, conv.ID, store.StatusCompleted)
	assert.Equal(t, store.QuestionHowTo, final.QuestionType)
	assert.True(t, final.SummaryConfirmed)

	// One audit transition per state change, in order.
	assert.Equal(t, []string{
		string(store.StatusClassifying),
		string(store.StatusAwaitingConfirmation),
		string(store.StatusResolving),
		string(store.StatusCompleted),
	}, e.transitionsFor(t, conv.ID))

	require.Eventually(t, func() bool {
		for _, text := range e.notifier.all() {
			if text == "Use supportctl restart.\n\nSources: runbook.md" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestDisabledChannelIgnored(t *testing.T) {
	e := newEnv(t)

	ev := messageEvent("1", "U333", "hello")
	ev.ChannelID = "C_UNKNOWN"
	conv, err := e.orch.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestBotSubtypeIgnored(t *testing.T) {
	e := newEnv(t)

	ev := messageEvent("1", "B1", "I am a bot")
	ev.Subtype = "bot_message"
	conv, err := e.orch.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestTerminalThreadNotReopened(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusCompleted)

	// Same thread after completion: recorded, not reopened.
	same, err := e.orch.Ingest(ctx, messageEvent("3", "U333", "one more thing"))
	require.NoError(t, err)
	assert.Equal(t, conv.ID, same.ID)
	assert.Equal(t, store.StatusCompleted, same.Status)

	msgs, err := e.store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestReopenNewPolicyStartsFreshConversation(t *testing.T) {
	ch := testChannel()
	ch.ReopenPolicy = config.ReopenNew
	e := newEnv(t, ch)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusCompleted)

	fresh, err := e.orch.Ingest(ctx, messageEvent("3", "U333", "new question, same thread"))
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, fresh.ID)
	assert.False(t, fresh.Terminal())
}

func TestConfirmationBufferedDuringClassification(t *testing.T) {
	e := newEnv(t)
	e.classifier.block = make(chan struct{})
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "how do I restart?"))
	require.NoError(t, err)

	// Reply lands before classification finishes.
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)

	entries, err := e.audit.Entries(ctx, conv.ID)
	require.NoError(t, err)
	var buffered bool
	for _, entry := range entries {
		if entry.EventType == audit.EventConfirmationBuffer {
			buffered = true
		}
	}
	assert.True(t, buffered)

	close(e.classifier.block)

	// The buffered confirmation replays once classification lands.
	e.awaitStatus(t, conv.ID, store.StatusCompleted)
}

func TestNewerBufferedConfirmationWins(t *testing.T) {
	e := newEnv(t)
	e.classifier.block = make(chan struct{})
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "how do I restart?"))
	require.NoError(t, err)

	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "no"))
	require.NoError(t, err)
	_, err = e.orch.Ingest(ctx, messageEvent("3", "U333", "yes"))
	require.NoError(t, err)

	close(e.classifier.block)
	e.awaitStatus(t, conv.ID, store.StatusCompleted)
}

func TestSequentialFollowUpsApplyInOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "how do I restart?"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)

	// A correction followed by a confirmation takes effect in that order:
	// the edited summary is what gets confirmed.
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "actually the db is down"))
	require.NoError(t, err)
	_, err = e.orch.Ingest(ctx, messageEvent("3", "U333", "yes"))
	require.NoError(t, err)

	final := e.awaitStatus(t, conv.ID, store.StatusCompleted)
	assert.True(t, final.SummaryConfirmed)
	assert.Equal(t, "actually the db is down", final.Summary)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 120))

	// Two-byte runes: a limit landing mid-rune must back up to the boundary.
	s := strings.Repeat("é", 80)
	got := truncate(s, 99)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 49)+"...", got)
}

func TestOpsActionApprovedAndExecuted(t *testing.T) {
	e := newEnv(t)
	e.classifier.result = classify.Classification{Type: store.QuestionOpsAction, Confidence: 0.9}
	handler := &okHandler{name: "restart_service"}
	e.registry.Register(handler)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "please restart the api"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)

	_, err = e.orch.Ingest(ctx, messageEvent("2", "U111", "run restart_service service=api"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusCompleted)
	assert.Equal(t, int32(1), handler.calls.Load())

	transitions := e.transitionsFor(t, conv.ID)
	assert.Contains(t, transitions, string(store.StatusAwaitingApproval))
	assert.Contains(t, transitions, string(store.StatusExecuting))
	assert.Equal(t, string(store.StatusCompleted), transitions[len(transitions)-1])
}

func TestOpsActionDeniedForNonApprover(t *testing.T) {
	e := newEnv(t)
	e.classifier.result = classify.Classification{Type: store.QuestionOpsAction, Confidence: 0.9}
	handler := &okHandler{name: "restart_service"}
	e.registry.Register(handler)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U999", "restart it"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)

	_, err = e.orch.Ingest(ctx, messageEvent("2", "U999", "run restart_service"))
	require.NoError(t, err)

	// Denial returns the conversation to confirmation; the handler never ran.
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	require.Eventually(t, func() bool {
		run := lastRun(t, e, conv.ID)
		return run != nil && run.Status == store.RunRejected
	}, waitFor, 10*time.Millisecond)

	run := lastRun(t, e, conv.ID)
	assert.Equal(t, string(approval.NotApprover), run.Error)
	assert.Equal(t, int32(0), handler.calls.Load())
}

func lastRun(t *testing.T, e *env, conversationID string) *store.ActionRun {
	t.Helper()
	var runs []store.ActionRun
	require.NoError(t, e.store.DB().
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Find(&runs).Error)
	if len(runs) == 0 {
		return nil
	}
	return &runs[0]
}

func TestSLAEscalationExactlyOnce(t *testing.T) {
	ch := testChannel()
	ch.FirstResponseMinutes = 0 // deadline already due
	e := newEnv(t, ch)
	e.classifier.block = make(chan struct{}) // no response is ever posted
	defer close(e.classifier.block)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "anyone there?"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusEscalated)

	require.Eventually(t, func() bool {
		return e.tickets.calls.Load() == 1 && e.email.count() == 1
	}, waitFor, 10*time.Millisecond)

	// Re-fires are no-ops.
	e.orch.OnSLAExpired(conv.ID, sla.KindFirstResponse)
	e.orch.OnSLAExpired(conv.ID, sla.KindResolution)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), e.tickets.calls.Load())
	assert.Equal(t, 1, e.email.count())

	final, err := e.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "SUP-1", final.TicketKey)
}

func TestSLAExpiredOnTerminalIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusCompleted)

	require.NoError(t, e.orch.Advance(ctx, conv.ID, Trigger{Kind: TriggerSLAExpired, SLAKind: sla.KindResolution}))
	assert.Equal(t, int32(0), e.tickets.calls.Load())

	conv, err = e.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, conv.Status)
}

func TestFirstResponseCancelsOnlyFirstResponseTimer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)

	// The confirmation prompt is the first response.
	require.Eventually(t, func() bool {
		c, err := e.store.GetConversation(ctx, conv.ID)
		return err == nil && c.FirstResponseAt != nil
	}, waitFor, 10*time.Millisecond)

	assert.False(t, e.scheduler.Armed(conv.ID, sla.KindFirstResponse))
	assert.True(t, e.scheduler.Armed(conv.ID, sla.KindResolution))
}

func TestActionFailureEscalatesPerPolicy(t *testing.T) {
	ch := testChannel()
	ch.EscalateOnActionFailure = true
	e := newEnv(t, ch)
	e.classifier.result = classify.Classification{Type: store.QuestionOpsAction, Confidence: 0.9}
	handler := &failingHandler{name: "restart_service"}
	e.registry.Register(handler)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U111", "restart it"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U111", "run restart_service"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusEscalated)
	assert.Equal(t, int32(1), handler.rollbacks.Load())
	require.Eventually(t, func() bool {
		return e.tickets.calls.Load() == 1
	}, waitFor, 10*time.Millisecond)
}

func TestActionFailureFailsConversation(t *testing.T) {
	e := newEnv(t)
	e.classifier.result = classify.Classification{Type: store.QuestionOpsAction, Confidence: 0.9}
	handler := &failingHandler{name: "restart_service"}
	e.registry.Register(handler)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U111", "restart it"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U111", "run restart_service"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusFailed)
	assert.Equal(t, int32(1), handler.rollbacks.Load())
	assert.Equal(t, int32(0), e.tickets.calls.Load())
}

func TestClassificationFailureFailsConversation(t *testing.T) {
	e := newEnv(t)
	e.classifier.err = classify.ErrUnavailable
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusFailed)
	require.Eventually(t, func() bool {
		for _, text := range e.notifier.all() {
			if text == "Sorry, I couldn't process your request right now. Please try again later." {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestAnswerFailureFailsConversation(t *testing.T) {
	e := newEnv(t)
	e.generator.err = answer.ErrGeneration
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusFailed)
}

func TestEscalationDegradesWhenTicketingFails(t *testing.T) {
	ch := testChannel()
	ch.FirstResponseMinutes = 0
	e := newEnv(t, ch)
	e.tickets.fail = true
	e.classifier.block = make(chan struct{})
	defer close(e.classifier.block)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "anyone?"))
	require.NoError(t, err)

	e.awaitStatus(t, conv.ID, store.StatusEscalated)
	require.Eventually(t, func() bool {
		return e.email.count() == 1
	}, waitFor, 10*time.Millisecond)

	e.email.mu.Lock()
	body := e.email.bodies[0]
	e.email.mu.Unlock()
	assert.Contains(t, body, "ticket pending")
}

func TestFeedbackReactionRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusAwaitingConfirmation)
	_, err = e.orch.Ingest(ctx, messageEvent("2", "U333", "yes"))
	require.NoError(t, err)
	e.awaitStatus(t, conv.ID, store.StatusCompleted)

	reaction := Event{
		ChannelID: "C1",
		ThreadID:  "1700000000.000100",
		ActorID:   "U333",
		EventType: EventTypeReaction,
		Reaction:  "+1",
		TargetTS:  "1",
	}
	got, err := e.orch.Ingest(ctx, reaction)
	require.NoError(t, err)
	require.NotNil(t, got)

	fbs, err := e.store.Feedback(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, fbs, 1)
	assert.Equal(t, store.RatingHelpful, fbs[0].Rating)
}

func TestUnmappedReactionIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)

	got, err := e.orch.Ingest(ctx, Event{
		ChannelID: "C1",
		EventType: EventTypeReaction,
		Reaction:  "eyes",
		TargetTS:  "1",
	})
	require.NoError(t, err)
	assert.Nil(t, got)

	fbs, err := e.store.Feedback(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, fbs)
}

func TestInvalidTransitionLoggedNotFatal(t *testing.T) {
	e := newEnv(t)
	e.classifier.block = make(chan struct{})
	defer close(e.classifier.block)
	ctx := context.Background()

	conv, err := e.orch.Ingest(ctx, messageEvent("1", "U333", "question"))
	require.NoError(t, err)

	// answer_ready is not legal while classifying.
	err = e.orch.Advance(ctx, conv.ID, Trigger{Kind: TriggerAnswerReady, Answer: &answer.Answer{}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := e.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClassifying, got.Status)
}

func TestResumeRearmsPersistedDeadlines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	future := 30 * time.Minute
	conv, _, err := e.store.GetOrCreateConversation(ctx, "C1", "t-resume", "U1", future, 2*future)
	require.NoError(t, err)

	responded, _, err := e.store.GetOrCreateConversation(ctx, "C1", "t-resume-2", "U1", future, 2*future)
	require.NoError(t, err)
	_, err = e.store.MarkFirstResponse(ctx, responded.ID)
	require.NoError(t, err)

	require.NoError(t, e.orch.Resume(ctx))

	assert.True(t, e.scheduler.Armed(conv.ID, sla.KindFirstResponse))
	assert.True(t, e.scheduler.Armed(conv.ID, sla.KindResolution))
	assert.False(t, e.scheduler.Armed(responded.ID, sla.KindFirstResponse))
	assert.True(t, e.scheduler.Armed(responded.ID, sla.KindResolution))
}

func TestConcurrentIngestSingleConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conv, err := e.orch.Ingest(ctx, messageEvent(fmt.Sprintf("ts-%d", n), "U333", "same thread"))
			if err == nil && conv != nil {
				ids <- conv.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "all events for one thread map to one conversation")
}
