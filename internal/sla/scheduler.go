// Package sla arms per-conversation service-level deadlines and fires
// escalation triggers when they lapse.
//
// A single goroutine owns a min-heap of deadlines; arming or cancelling a
// timer wakes the loop so the earliest deadline is always the one being
// waited on. Firing only hands an expiry to the orchestrator's trigger
// queue — idempotence against already-met milestones lives there.
package sla

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/logging"
)

// Kind distinguishes the two deadlines armed per conversation.
type Kind string

const (
	KindFirstResponse Kind = "first_response"
	KindResolution    Kind = "resolution"
)

// Callback receives fired deadlines. It must not block; hand the expiry off
// to a queue and return.
type Callback func(conversationID string, kind Kind)

type entry struct {
	conversationID string
	kind           Kind
	at             time.Time
	cancelled      bool
	index          int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler owns the deadline heap.
type Scheduler struct {
	mu      sync.Mutex
	heap    deadlineHeap
	armed   map[string]map[Kind]*entry
	wake    chan struct{}
	cb      Callback
	logger  *logging.Logger
	started bool
}

// NewScheduler creates a scheduler delivering expiries to cb.
func NewScheduler(cb Callback, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		armed:  make(map[string]map[Kind]*entry),
		wake:   make(chan struct{}, 1),
		cb:     cb,
		logger: logger.Named("sla"),
	}
}

// Arm schedules a deadline of the given kind. Re-arming an already-armed
// kind replaces the previous deadline.
func (s *Scheduler) Arm(conversationID string, kind Kind, at time.Time) {
	s.mu.Lock()
	if kinds, ok := s.armed[conversationID]; ok {
		if prev, ok := kinds[kind]; ok {
			prev.cancelled = true
		}
	} else {
		s.armed[conversationID] = make(map[Kind]*entry, 2)
	}
	e := &entry{conversationID: conversationID, kind: kind, at: at}
	s.armed[conversationID][kind] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.kick()
}

// Cancel disarms one deadline kind for a conversation. Safe to call for
// deadlines that never existed or already fired.
func (s *Scheduler) Cancel(conversationID string, kind Kind) {
	s.mu.Lock()
	if kinds, ok := s.armed[conversationID]; ok {
		if e, ok := kinds[kind]; ok {
			e.cancelled = true
			delete(kinds, kind)
		}
		if len(kinds) == 0 {
			delete(s.armed, conversationID)
		}
	}
	s.mu.Unlock()
	s.kick()
}

// CancelAll disarms both deadlines; called when a conversation terminates.
func (s *Scheduler) CancelAll(conversationID string) {
	s.Cancel(conversationID, KindFirstResponse)
	s.Cancel(conversationID, KindResolution)
}

// Armed reports whether a deadline kind is currently pending. Intended for
// tests and the admin surface.
func (s *Scheduler) Armed(conversationID string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds, ok := s.armed[conversationID]
	if !ok {
		return false
	}
	_, ok = kinds[kind]
	return ok
}

// Run drives the deadline loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		fired := s.collectExpired()
		for _, e := range fired {
			s.logger.Info(ctx, "sla deadline fired",
				zap.String("conversation_id", e.conversationID),
				zap.String("kind", string(e.kind)))
			s.cb(e.conversationID, e.kind)
		}

		wait, any := s.nextWait()
		if any {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			if any && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			return ctx.Err()
		case <-s.wake:
			if any && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-func() <-chan time.Time {
			if any {
				return timer.C
			}
			return nil
		}():
		}
	}
}

// collectExpired pops every due entry, dropping cancelled ones.
func (s *Scheduler) collectExpired() []*entry {
	now := time.Now()
	var fired []*entry

	s.mu.Lock()
	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.cancelled {
			heap.Pop(&s.heap)
			continue
		}
		if head.at.After(now) {
			break
		}
		heap.Pop(&s.heap)
		if kinds, ok := s.armed[head.conversationID]; ok {
			delete(kinds, head.kind)
			if len(kinds) == 0 {
				delete(s.armed, head.conversationID)
			}
		}
		fired = append(fired, head)
	}
	s.mu.Unlock()
	return fired
}

// nextWait returns the duration until the earliest live deadline.
func (s *Scheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.cancelled {
			heap.Pop(&s.heap)
			continue
		}
		d := time.Until(head.at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
