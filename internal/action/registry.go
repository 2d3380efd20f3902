// Package action executes privileged, whitelisted operations within a
// conversation. The executor serializes runs per conversation, streams
// handler progress to the orchestrator, and attempts best-effort rollback on
// failure.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownAction is returned when no handler is registered for a name.
var ErrUnknownAction = errors.New("action: unknown action")

// ProgressReporter lets a handler emit incremental progress lines. Delivery
// to the outbound transport is at least once; duplicates are harmless.
type ProgressReporter func(message string)

// Handler runs one named action.
type Handler interface {
	// Name is the registry key, matched against channel whitelists.
	Name() string

	// Run executes the action. Parameters are the opaque key/value pairs
	// approved with the run.
	Run(ctx context.Context, params map[string]string, progress ProgressReporter) (string, error)
}

// RollbackHandler is optionally implemented by handlers whose effects can be
// undone. Rollback is invoked once, best-effort, after a failed run.
type RollbackHandler interface {
	Rollback(ctx context.Context, runID string) (string, error)
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler under its name. Re-registering a name replaces
// the previous handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return h, nil
}

// Names lists registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
