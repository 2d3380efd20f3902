package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the durable facade over the conversation tables.
type Store struct {
	db *gorm.DB

	// Serializes conversation creation so concurrent ingest for one thread
	// cannot produce two non-terminal conversations.
	createMu sync.Mutex
}

// Open opens (or creates) the SQLite database at path and migrates the
// schema. WAL and a busy timeout keep concurrent appends from different
// conversations from tripping over each other.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	return open(dsn)
}

var memSeq atomic.Int64

// OpenInMemory opens a fresh in-memory database. Intended for tests; each
// call gets its own database, shared across the pool's connections.
func OpenInMemory() (*Store, error) {
	name := fmt.Sprintf("memdb%d", memSeq.Add(1))
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name))
}

func open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}, &ActionRun{}, &Feedback{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that share the database,
// such as the audit ledger.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetOrCreateConversation returns the non-terminal conversation for
// (channelID, threadTS), creating one when none exists. The boolean reports
// whether a new conversation was created.
func (s *Store) GetOrCreateConversation(ctx context.Context, channelID, threadTS, userID string, firstResponse, resolution time.Duration) (*Conversation, bool, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	var conv Conversation
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("channel_id = ? AND thread_ts = ?", channelID, threadTS).
			Where("status NOT IN ?", terminalStatuses()).
			First(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		conv = Conversation{
			ID:                    uuid.NewString(),
			ChannelID:             channelID,
			ThreadTS:              threadTS,
			UserID:                userID,
			Status:                StatusReceived,
			QuestionType:          QuestionUnclassified,
			FirstResponseDeadline: now.Add(firstResponse),
			ResolutionDeadline:    now.Add(resolution),
		}
		created = true
		return tx.Create(&conv).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("get or create conversation: %w", err)
	}
	return &conv, created, nil
}

// GetConversation loads a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByThread returns the most recent conversation for a thread regardless
// of status, or ErrNotFound.
func (s *Store) FindByThread(ctx context.Context, channelID, threadTS string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND thread_ts = ?", channelID, threadTS).
		Order("created_at DESC").
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByMessageTS resolves the conversation containing the message with the
// given transport timestamp. Used for reaction feedback.
func (s *Store) FindByMessageTS(ctx context.Context, ts string) (*Conversation, error) {
	var msg Message
	err := s.db.WithContext(ctx).First(&msg, "ts = ?", ts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, msg.ConversationID)
}

// UpdateStatus persists a status transition. Terminal statuses stamp
// ResolvedAt.
func (s *Store) UpdateStatus(ctx context.Context, id string, status ConversationStatus) error {
	updates := map[string]any{"status": status}
	if status.Terminal() {
		updates["resolved_at"] = time.Now().UTC()
	}
	return s.updateConversation(ctx, id, updates)
}

// SetQuestionType records the classification result.
func (s *Store) SetQuestionType(ctx context.Context, id string, qt QuestionType) error {
	return s.updateConversation(ctx, id, map[string]any{"question_type": qt})
}

// SetSummary records the rendered summary and its confirmation state.
func (s *Store) SetSummary(ctx context.Context, id, summary string, confirmed bool) error {
	return s.updateConversation(ctx, id, map[string]any{
		"summary":           summary,
		"summary_confirmed": confirmed,
	})
}

// SetTicketKey links an escalation ticket to the conversation.
func (s *Store) SetTicketKey(ctx context.Context, id, key string) error {
	return s.updateConversation(ctx, id, map[string]any{"ticket_key": key})
}

// MarkFirstResponse stamps first_response_at exactly once. Returns true only
// for the call that performed the stamp.
func (s *Store) MarkFirstResponse(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND first_response_at IS NULL", id).
		Update("first_response_at", time.Now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkEscalated sets the per-conversation escalated flag. Returns true only
// for the call that flipped it, guaranteeing single escalation side effects
// per conversation lifetime.
func (s *Store) MarkEscalated(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND escalated = ?", id, false).
		Update("escalated", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListNonTerminal returns every conversation still in flight. The SLA
// scheduler re-arms timers from this set on startup.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Find(&convs).Error
	return convs, err
}

// SaveMessage appends a message, deduplicating by transport timestamp. The
// stored message is returned either way.
func (s *Store) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	var existing Message
	err := s.db.WithContext(ctx).First(&existing, "ts = ?", msg.TS).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns a conversation's messages in arrival order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&msgs).Error
	return msgs, err
}

// CreateActionRun persists a new run.
func (s *Store) CreateActionRun(ctx context.Context, run *ActionRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

// UpdateActionRun persists run mutations from the executor.
func (s *Store) UpdateActionRun(ctx context.Context, run *ActionRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// ActiveActionRun returns the conversation's run in {pending, approved,
// running}, or ErrNotFound.
func (s *Store) ActiveActionRun(ctx context.Context, conversationID string) (*ActionRun, error) {
	var run ActionRun
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status IN ?", conversationID,
			[]ActionRunStatus{RunPending, RunApproved, RunRunning}).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CountChannelRunsSince counts non-rejected runs for a channel since the
// cutoff. Used for the daily action quota.
func (s *Store) CountChannelRunsSince(ctx context.Context, channelID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ActionRun{}).
		Where("channel_id = ? AND created_at >= ? AND status <> ?", channelID, since, RunRejected).
		Count(&n).Error
	return n, err
}

// SaveFeedback appends a feedback record.
func (s *Store) SaveFeedback(ctx context.Context, fb *Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(fb).Error
}

// Feedback returns a conversation's feedback in arrival order.
func (s *Store) Feedback(ctx context.Context, conversationID string) ([]Feedback, error) {
	var fbs []Feedback
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&fbs).Error
	return fbs, err
}

func (s *Store) updateConversation(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Conversation{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func terminalStatuses() []ConversationStatus {
	return []ConversationStatus{StatusCompleted, StatusEscalated, StatusFailed}
}
