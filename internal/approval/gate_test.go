package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/store"
)

type fakeRuns struct {
	active *store.ActionRun
	count  int64
}

func (f *fakeRuns) ActiveActionRun(ctx context.Context, conversationID string) (*store.ActionRun, error) {
	if f.active == nil {
		return nil, store.ErrNotFound
	}
	return f.active, nil
}

func (f *fakeRuns) CountChannelRunsSince(ctx context.Context, channelID string, since time.Time) (int64, error) {
	return f.count, nil
}

func testChannel() config.ChannelConfig {
	return config.ChannelConfig{
		ID:               "C1",
		Approvers:        []string{"U111", "U222"},
		ActionWhitelist:  []string{"restart_service"},
		MaxActionsPerDay: 10,
	}
}

func TestAuthorize(t *testing.T) {
	conv := &store.Conversation{ID: "conv-1", ChannelID: "C1"}

	tests := []struct {
		name   string
		actor  string
		action string
		runs   fakeRuns
		want   Decision
	}{
		{"allowed", "U111", "restart_service", fakeRuns{}, Allowed()},
		{"not whitelisted", "U111", "drop_database", fakeRuns{}, Denied(NotWhitelisted)},
		{"not approver", "U999", "restart_service", fakeRuns{}, Denied(NotApprover)},
		{
			"conflicting run", "U111", "restart_service",
			fakeRuns{active: &store.ActionRun{ID: "run-1", Status: store.RunRunning}},
			Denied(ConflictingRun),
		},
		{"quota exceeded", "U222", "restart_service", fakeRuns{count: 10}, Denied(QuotaExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(&tt.runs)
			got, err := gate.Authorize(context.Background(), conv, tt.actor, tt.action, testChannel())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWhitelistCheckedBeforeApprover(t *testing.T) {
	// An unauthorized actor asking for an unlisted action is reported as
	// NotWhitelisted: check order is part of the contract.
	gate := NewGate(&fakeRuns{})
	conv := &store.Conversation{ID: "conv-1", ChannelID: "C1"}

	got, err := gate.Authorize(context.Background(), conv, "U999", "drop_database", testChannel())
	require.NoError(t, err)
	assert.Equal(t, Denied(NotWhitelisted), got)
}

func TestQuotaDisabledWhenZero(t *testing.T) {
	ch := testChannel()
	ch.MaxActionsPerDay = 0

	gate := NewGate(&fakeRuns{count: 1000})
	conv := &store.Conversation{ID: "conv-1", ChannelID: "C1"}

	got, err := gate.Authorize(context.Background(), conv, "U111", "restart_service", ch)
	require.NoError(t, err)
	assert.True(t, got.Allowed)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allowed", Allowed().String())
	assert.Equal(t, "denied(not_approver)", Denied(NotApprover).String())
}
