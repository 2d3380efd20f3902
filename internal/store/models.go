// Package store persists conversations, messages, action runs and feedback
// in SQLite. It is the single durable record of orchestration state; all
// mutation goes through the Store facade so entity-level invariants hold
// under concurrent access.
package store

import (
	"time"
)

// ConversationStatus is the orchestrator state persisted per conversation.
type ConversationStatus string

const (
	StatusReceived             ConversationStatus = "received"
	StatusClassifying          ConversationStatus = "classifying"
	StatusAwaitingConfirmation ConversationStatus = "awaiting_confirmation"
	StatusResolving            ConversationStatus = "resolving"
	StatusAwaitingApproval     ConversationStatus = "awaiting_approval"
	StatusExecuting            ConversationStatus = "executing"
	StatusCompleted            ConversationStatus = "completed"
	StatusEscalated            ConversationStatus = "escalated"
	StatusFailed               ConversationStatus = "failed"
)

// Terminal reports whether the status ends the conversation lifecycle.
func (s ConversationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// QuestionType is the classified intent of a conversation.
type QuestionType string

const (
	QuestionBug            QuestionType = "bug"
	QuestionHowTo          QuestionType = "how_to"
	QuestionFeatureRequest QuestionType = "feature_request"
	QuestionOpsAction      QuestionType = "ops_action"
	QuestionOther          QuestionType = "other"
	QuestionUnclassified   QuestionType = "unclassified"
)

// Conversation tracks one threaded question or action request from first
// message to terminal resolution. Identity is (ChannelID, ThreadTS); at most
// one non-terminal conversation exists per pair.
type Conversation struct {
	ID        string `gorm:"primaryKey;size:36"`
	ChannelID string `gorm:"size:64;index:idx_channel_thread"`
	ThreadTS  string `gorm:"size:64;index:idx_channel_thread"`
	UserID    string `gorm:"size:64;index"`

	Status       ConversationStatus `gorm:"size:32;index"`
	QuestionType QuestionType       `gorm:"size:32"`

	Summary          string
	SummaryConfirmed bool

	TicketKey string `gorm:"size:64"`
	Escalated bool   // set before escalation side effects are issued

	// Persisted SLA deadlines so a restart does not lose pending obligations.
	FirstResponseDeadline time.Time
	ResolutionDeadline    time.Time

	FirstResponseAt *time.Time
	ResolvedAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the conversation has ended.
func (c *Conversation) Terminal() bool {
	return c.Status.Terminal()
}

// Message is one inbound or outbound message in a conversation. Immutable
// once stored; saves are deduplicated by transport timestamp.
type Message struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"size:36;index"`
	TS             string `gorm:"size:64;uniqueIndex"`
	UserID         string `gorm:"size:64"`
	Text           string
	AttachmentURLs string // JSON array of attachment references
	ExtractedText  string // text pulled out of attachments upstream
	IsBotResponse  bool
	CreatedAt      time.Time
}

// ActionRunStatus is the lifecycle state of a privileged action attempt.
type ActionRunStatus string

const (
	RunPending    ActionRunStatus = "pending"
	RunApproved   ActionRunStatus = "approved"
	RunRejected   ActionRunStatus = "rejected"
	RunRunning    ActionRunStatus = "running"
	RunSucceeded  ActionRunStatus = "succeeded"
	RunFailed     ActionRunStatus = "failed"
	RunRolledBack ActionRunStatus = "rolled_back"
)

// Active reports whether the run still blocks other runs for its
// conversation.
func (s ActionRunStatus) Active() bool {
	switch s {
	case RunPending, RunApproved, RunRunning:
		return true
	}
	return false
}

// ActionRun is one attempt to execute a whitelisted action within a
// conversation. At most one run per conversation is active at a time.
type ActionRun struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"size:36;index"`
	ChannelID      string `gorm:"size:64;index"`

	ActionName string          `gorm:"size:128;index"`
	Parameters string          // JSON object
	Status     ActionRunStatus `gorm:"size:32;index"`

	ApprovedBy string `gorm:"size:64"`
	Output     string
	Error      string
	// RollbackOutcome records the best-effort rollback result; the run stays
	// failed regardless.
	RollbackOutcome string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FeedbackRating is the user's verdict on an answer.
type FeedbackRating string

const (
	RatingHelpful    FeedbackRating = "helpful"
	RatingNotHelpful FeedbackRating = "not_helpful"
	RatingNeutral    FeedbackRating = "neutral"
)

// Feedback is an append-only user rating for a conversation, optionally tied
// to a specific message.
type Feedback struct {
	ID             string         `gorm:"primaryKey;size:36"`
	ConversationID string         `gorm:"size:36;index"`
	MessageTS      string         `gorm:"size:64"`
	UserID         string         `gorm:"size:64"`
	Rating         FeedbackRating `gorm:"size:16"`
	Note           string
	CreatedAt      time.Time
}
