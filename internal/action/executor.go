package action

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/approval"
	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/store"
)

const instrumentationName = "github.com/supportdhq/supportd/internal/action"

// ProgressUpdate is one progress line from a running action, tagged with the
// run it came from so the orchestrator can route it to the right thread.
type ProgressUpdate struct {
	ConversationID string
	RunID          string
	ActionName     string
	Message        string
}

// Result is the terminal outcome of an execution attempt.
type Result struct {
	Run      *store.ActionRun
	Decision approval.Decision
}

// Executor runs actions through the approval gate with per-conversation
// serialization.
type Executor struct {
	registry *Registry
	gate     *approval.Gate
	store    *store.Store
	auditLog audit.Log
	logger   *logging.Logger

	progress chan ProgressUpdate

	// One mutex per conversation, held from run creation to terminal
	// status. Enforces at most one active run per conversation even under
	// concurrent duplicate triggers.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runCounter metric.Int64Counter
}

// NewExecutor creates the executor. Progress updates are delivered on the
// channel returned by Progress; the buffer provides backpressure when the
// outbound transport is slow.
func NewExecutor(registry *Registry, gate *approval.Gate, st *store.Store, auditLog audit.Log, logger *logging.Logger) *Executor {
	meter := otel.Meter(instrumentationName)
	runCounter, _ := meter.Int64Counter("supportd.action.runs",
		metric.WithDescription("Action runs by terminal status"))

	return &Executor{
		registry:   registry,
		gate:       gate,
		store:      st,
		auditLog:   auditLog,
		logger:     logger.Named("action"),
		progress:   make(chan ProgressUpdate, 64),
		locks:      make(map[string]*sync.Mutex),
		runCounter: runCounter,
	}
}

// Progress exposes the stream of handler progress updates.
func (e *Executor) Progress() <-chan ProgressUpdate {
	return e.progress
}

// Execute runs actionName for the conversation after authorization. On
// denial the returned run is in rejected status and no handler is invoked.
// On handler failure the run ends failed, with rollback attempted once when
// the handler supports it.
func (e *Executor) Execute(ctx context.Context, conv *store.Conversation, actionName string, params map[string]string, actor string, ch config.ChannelConfig) (*Result, error) {
	lock := e.conversationLock(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	decision, err := e.gate.Authorize(ctx, conv, actor, actionName, ch)
	if err != nil {
		return nil, err
	}

	paramsJSON, _ := json.Marshal(params)
	run := &store.ActionRun{
		ConversationID: conv.ID,
		ChannelID:      conv.ChannelID,
		ActionName:     actionName,
		Parameters:     string(paramsJSON),
	}

	if !decision.Allowed {
		run.Status = store.RunRejected
		run.Error = string(decision.Reason)
		if err := e.store.CreateActionRun(ctx, run); err != nil {
			return nil, err
		}
		e.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			ActionRunID:    run.ID,
			Type:           audit.EventApprovalDenied,
			Actor:          actor,
			Result:         string(decision.Reason),
		})
		e.count(ctx, store.RunRejected)
		e.logger.Warn(ctx, "action denied",
			zap.String("action", actionName),
			zap.String("actor", actor),
			zap.String("reason", string(decision.Reason)))
		return &Result{Run: run, Decision: decision}, nil
	}

	handler, err := e.registry.Get(actionName)
	if err != nil {
		// Whitelisted but unregistered: a configuration gap, not a
		// user error.
		run.Status = store.RunFailed
		run.Error = err.Error()
		if createErr := e.store.CreateActionRun(ctx, run); createErr != nil {
			return nil, createErr
		}
		e.count(ctx, store.RunFailed)
		return &Result{Run: run, Decision: decision}, err
	}

	run.Status = store.RunApproved
	run.ApprovedBy = actor
	if err := e.store.CreateActionRun(ctx, run); err != nil {
		return nil, err
	}
	e.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		ActionRunID:    run.ID,
		Type:           audit.EventApprovalGranted,
		Actor:          actor,
		Result:         "allowed",
	})

	now := time.Now().UTC()
	run.Status = store.RunRunning
	run.StartedAt = &now
	if err := e.store.UpdateActionRun(ctx, run); err != nil {
		return nil, err
	}
	e.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		ActionRunID:    run.ID,
		Type:           audit.EventActionStarted,
		Actor:          actor,
	})

	reporter := func(message string) {
		// Progress is best effort; drop lines when nothing is reading rather
		// than block the handler.
		select {
		case e.progress <- ProgressUpdate{
			ConversationID: conv.ID,
			RunID:          run.ID,
			ActionName:     actionName,
			Message:        message,
		}:
		default:
		}
	}

	output, runErr := e.runHandler(ctx, handler, params, reporter)

	finished := time.Now().UTC()
	run.FinishedAt = &finished

	if runErr == nil {
		run.Status = store.RunSucceeded
		run.Output = output
	} else {
		run.Status = store.RunFailed
		run.Error = runErr.Error()
		run.RollbackOutcome = e.rollback(ctx, handler, run)
	}
	if err := e.store.UpdateActionRun(ctx, run); err != nil {
		return nil, err
	}

	e.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		ActionRunID:    run.ID,
		Type:           audit.EventActionFinished,
		Actor:          actor,
		Result:         string(run.Status),
		Err:            runErr,
	})
	e.count(ctx, run.Status)
	e.logger.Info(ctx, "action finished",
		zap.String("action", actionName),
		zap.String("status", string(run.Status)))

	return &Result{Run: run, Decision: decision}, nil
}

// runHandler invokes the handler, converting panics into run failures so a
// misbehaving action cannot take the conversation loop down.
func (e *Executor) runHandler(ctx context.Context, handler Handler, params map[string]string, reporter ProgressReporter) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return handler.Run(ctx, params, reporter)
}

// rollback invokes the handler's rollback once, best-effort. The outcome is
// recorded but never changes the run's failed status.
func (e *Executor) rollback(ctx context.Context, handler Handler, run *store.ActionRun) string {
	rb, ok := handler.(RollbackHandler)
	if !ok {
		return ""
	}
	outcome, err := rb.Rollback(ctx, run.ID)
	e.auditLog.Record(ctx, audit.Event{
		ConversationID: run.ConversationID,
		ActionRunID:    run.ID,
		Type:           audit.EventActionRollback,
		Result:         rollbackResult(err),
		Err:            err,
	})
	if err != nil {
		e.logger.Warn(ctx, "rollback failed",
			zap.String("action", run.ActionName),
			zap.Error(err))
		return "rollback failed: " + err.Error()
	}
	return outcome
}

func (e *Executor) conversationLock(conversationID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[conversationID] = lock
	}
	return lock
}

func (e *Executor) count(ctx context.Context, status store.ActionRunStatus) {
	if e.runCounter != nil {
		e.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}
}

func rollbackResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return "action handler panicked"
}
