// Package audit provides the append-only ledger of state transitions and
// external-call outcomes. Entries are never updated or deleted; the ledger is
// the system of record for compliance.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/supportdhq/supportd/internal/logging"
)

// EventType identifies what an audit entry records.
type EventType string

const (
	EventConversationCreated EventType = "conversation_created"
	EventMessageReceived     EventType = "message_received"
	EventTransition          EventType = "transition"
	EventInvalidTransition   EventType = "invalid_transition"
	EventConfirmationBuffer  EventType = "confirmation_buffered"
	EventApprovalGranted     EventType = "approval_granted"
	EventApprovalDenied      EventType = "approval_denied"
	EventActionStarted       EventType = "action_started"
	EventActionFinished      EventType = "action_finished"
	EventActionRollback      EventType = "action_rollback"
	EventSLAExpired          EventType = "sla_expired"
	EventEscalation          EventType = "escalation"
	EventTicketCreated       EventType = "ticket_created"
	EventNotificationSent    EventType = "notification_sent"
	EventIntegrationFailure  EventType = "integration_failure"
	EventFeedbackRecorded    EventType = "feedback_recorded"
)

// Entry is one row of the ledger.
type Entry struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"size:36;index"`
	ActionRunID    string    `gorm:"size:36;index"`
	EventType      EventType `gorm:"size:48;index"`
	Actor          string    `gorm:"size:64"`
	Result         string    `gorm:"size:32"`
	Error          string
	Context        string // JSON, free-form
	CreatedAt      time.Time
}

// TableName keeps the ledger under its own name rather than gorm's plural.
func (Entry) TableName() string {
	return "audit_events"
}

// Event is the write-side shape handed to the recorder.
type Event struct {
	ConversationID string
	ActionRunID    string
	Type           EventType
	Actor          string
	Result         string
	Err            error
	Context        map[string]any
}

// Log records audit events. Implementations must be safe for concurrent use.
type Log interface {
	Record(ctx context.Context, ev Event)
	Entries(ctx context.Context, conversationID string) ([]Entry, error)
}

// SQLLog is the SQLite-backed ledger. It shares the store's database handle
// so audit appends participate in the same WAL.
type SQLLog struct {
	db     *gorm.DB
	logger *logging.Logger
}

// NewSQLLog migrates the ledger table and returns the log.
func NewSQLLog(db *gorm.DB, logger *logging.Logger) (*SQLLog, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return &SQLLog{db: db, logger: logger.Named("audit")}, nil
}

// Record appends one entry. Audit failures are logged, never propagated: an
// unreachable ledger must not take the conversation down with it.
func (l *SQLLog) Record(ctx context.Context, ev Event) {
	entry := Entry{
		ConversationID: ev.ConversationID,
		ActionRunID:    ev.ActionRunID,
		EventType:      ev.Type,
		Actor:          ev.Actor,
		Result:         ev.Result,
	}
	if ev.Err != nil {
		entry.Error = ev.Err.Error()
	}
	if len(ev.Context) > 0 {
		if data, err := json.Marshal(ev.Context); err == nil {
			entry.Context = string(data)
		}
	}

	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		l.logger.Error(ctx, "audit append failed",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
	}
}

// Entries returns a conversation's ledger rows in append order.
func (l *SQLLog) Entries(ctx context.Context, conversationID string) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&entries).Error
	return entries, err
}
