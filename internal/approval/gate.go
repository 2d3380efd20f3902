// Package approval decides whether an actor may authorize a privileged
// action within a conversation. The gate never mutates state; the caller
// records the decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/store"
)

// DenialReason distinguishes why authorization was refused.
type DenialReason string

const (
	NotWhitelisted DenialReason = "not_whitelisted"
	NotApprover    DenialReason = "not_approver"
	ConflictingRun DenialReason = "conflicting_run"
	QuotaExceeded  DenialReason = "quota_exceeded"
)

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

// Allowed is the affirmative decision.
func Allowed() Decision {
	return Decision{Allowed: true}
}

// Denied constructs a refusal with the given reason.
func Denied(reason DenialReason) Decision {
	return Decision{Reason: reason}
}

// String renders the decision for audit context.
func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied(%s)", d.Reason)
}

// RunChecker reads action-run state for conflict and quota checks.
type RunChecker interface {
	ActiveActionRun(ctx context.Context, conversationID string) (*store.ActionRun, error)
	CountChannelRunsSince(ctx context.Context, channelID string, since time.Time) (int64, error)
}

// Gate validates authorization requests against channel policy and the
// run ledger.
type Gate struct {
	runs RunChecker
}

// NewGate creates the gate.
func NewGate(runs RunChecker) *Gate {
	return &Gate{runs: runs}
}

// Authorize checks, in order: the channel's whitelist contains the action,
// the actor is in the channel's approver set, no other run is active for the
// conversation, and the channel's daily quota has headroom. The first failed
// check wins.
func (g *Gate) Authorize(ctx context.Context, conv *store.Conversation, actor, actionName string, ch config.ChannelConfig) (Decision, error) {
	if !ch.IsWhitelisted(actionName) {
		return Denied(NotWhitelisted), nil
	}
	if !ch.IsApprover(actor) {
		return Denied(NotApprover), nil
	}

	_, err := g.runs.ActiveActionRun(ctx, conv.ID)
	if err == nil {
		return Denied(ConflictingRun), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("conflict check failed: %w", err)
	}

	if ch.MaxActionsPerDay > 0 {
		since := time.Now().Add(-24 * time.Hour)
		n, err := g.runs.CountChannelRunsSince(ctx, conv.ChannelID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("quota check failed: %w", err)
		}
		if n >= int64(ch.MaxActionsPerDay) {
			return Denied(QuotaExceeded), nil
		}
	}

	return Allowed(), nil
}
