package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/sla"
	"github.com/supportdhq/supportd/internal/store"
)

// reactionRatings maps reaction emoji names onto feedback ratings. Unmapped
// emoji are ignored.
var reactionRatings = map[string]store.FeedbackRating{
	"+1":                store.RatingHelpful,
	"thumbsup":          store.RatingHelpful,
	"white_check_mark":  store.RatingHelpful,
	"heavy_check_mark":  store.RatingHelpful,
	"-1":                store.RatingNotHelpful,
	"thumbsdown":        store.RatingNotHelpful,
	"x":                 store.RatingNotHelpful,
	"shrug":             store.RatingNeutral,
	"neutral_face":      store.RatingNeutral,
}

// Ingest records one inbound event and starts or advances its conversation.
// Events for unknown or disabled channels are dropped with a log line. The
// returned conversation is nil when the event was ignored.
func (o *Orchestrator) Ingest(ctx context.Context, ev Event) (*store.Conversation, error) {
	if ev.Subtype != "" {
		// Bot echoes, edits and deletions never drive the state machine.
		o.logger.Debug(ctx, "ignoring event subtype",
			zap.String("subtype", ev.Subtype),
			zap.String("channel_id", ev.ChannelID))
		return nil, nil
	}

	ch, ok := o.channels.Snapshot().Get(ev.ChannelID)
	if !ok || !ch.Enabled {
		o.logger.Info(ctx, "event for disabled channel ignored",
			zap.String("channel_id", ev.ChannelID))
		return nil, nil
	}

	ctx = logging.WithChannelID(ctx, ev.ChannelID)

	if ev.EventType == EventTypeReaction {
		return o.ingestReaction(ctx, ev)
	}
	return o.ingestMessage(ctx, ev, ch)
}

func (o *Orchestrator) ingestMessage(ctx context.Context, ev Event, ch config.ChannelConfig) (*store.Conversation, error) {
	threadID := ev.ThreadID
	if threadID == "" {
		threadID = ev.TS
	}

	// Terminal conversations stay terminal under the default reopen policy;
	// the event is recorded against them without reopening.
	if existing, err := o.store.FindByThread(ctx, ev.ChannelID, threadID); err == nil &&
		existing.Terminal() && ch.ReopenPolicy != config.ReopenNew {
		ctx = logging.WithConversationID(ctx, existing.ID)
		if _, err := o.saveInbound(ctx, existing.ID, ev); err != nil {
			return nil, err
		}
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: existing.ID,
			Type:           audit.EventMessageReceived,
			Actor:          ev.ActorID,
			Result:         "terminal",
		})
		return existing, nil
	}

	conv, created, err := o.store.GetOrCreateConversation(ctx, ev.ChannelID, threadID, ev.ActorID,
		ch.FirstResponseDeadline(), ch.ResolutionDeadline())
	if err != nil {
		return nil, err
	}
	ctx = logging.WithConversationID(ctx, conv.ID)

	if _, err := o.saveInbound(ctx, conv.ID, ev); err != nil {
		return nil, err
	}
	o.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		Type:           audit.EventMessageReceived,
		Actor:          ev.ActorID,
	})

	if created {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventConversationCreated,
			Actor:          ev.ActorID,
			Context:        map[string]any{"channel": ev.ChannelID, "thread": threadID},
		})
		o.count(ctx, o.conversationsCreated)

		o.scheduler.Arm(conv.ID, sla.KindFirstResponse, conv.FirstResponseDeadline)
		o.scheduler.Arm(conv.ID, sla.KindResolution, conv.ResolutionDeadline)

		lock := o.conversationLock(conv.ID)
		lock.Lock()
		o.startClassification(ctx, conv, classificationInput(ev))
		lock.Unlock()
		return conv, nil
	}

	o.routeFollowUp(ctx, conv, ev)
	return conv, nil
}

// routeFollowUp turns a follow-up message into a confirmation trigger, or
// buffers it when classification has not landed yet. Only the newest
// buffered confirmation is retained.
func (o *Orchestrator) routeFollowUp(ctx context.Context, conv *store.Conversation, ev Event) {
	confirmation := parseConfirmation(ev.Text, ev.ActorID)

	switch conv.Status {
	case store.StatusReceived, store.StatusClassifying:
		o.mu.Lock()
		replaced := o.buffered[conv.ID] != nil
		o.buffered[conv.ID] = confirmation
		o.mu.Unlock()

		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventConfirmationBuffer,
			Actor:          ev.ActorID,
			Result:         bufferResult(replaced),
		})

		// Classification may have landed between the status read and the
		// buffer write; replay immediately so the confirmation is not lost.
		if current, err := o.store.GetConversation(ctx, conv.ID); err == nil &&
			current.Status == store.StatusAwaitingConfirmation {
			o.replayBuffered(ctx, conv.ID)
		}
	default:
		// Applied synchronously so follow-ups from one thread take effect in
		// the order the transport delivers them.
		_ = o.Advance(ctx, conv.ID, Trigger{Kind: TriggerConfirmation, Confirmation: confirmation})
	}
}

func (o *Orchestrator) ingestReaction(ctx context.Context, ev Event) (*store.Conversation, error) {
	rating, ok := reactionRatings[ev.Reaction]
	if !ok {
		return nil, nil
	}

	conv, err := o.store.FindByMessageTS(ctx, ev.TargetTS)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Debug(ctx, "reaction for unknown message ignored",
			zap.String("target_ts", ev.TargetTS))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ctx = logging.WithConversationID(ctx, conv.ID)
	err = o.Advance(ctx, conv.ID, Trigger{
		Kind: TriggerFeedback,
		Feedback: &store.Feedback{
			ConversationID: conv.ID,
			MessageTS:      ev.TargetTS,
			UserID:         ev.ActorID,
			Rating:         rating,
			Note:           ev.Reaction,
		},
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (o *Orchestrator) saveInbound(ctx context.Context, conversationID string, ev Event) (*store.Message, error) {
	var attachments string
	if len(ev.Attachments) > 0 {
		if data, err := json.Marshal(ev.Attachments); err == nil {
			attachments = string(data)
		}
	}
	return o.store.SaveMessage(ctx, &store.Message{
		ConversationID: conversationID,
		TS:             ev.TS,
		UserID:         ev.ActorID,
		Text:           ev.Text,
		AttachmentURLs: attachments,
		ExtractedText:  ev.ExtractedText,
	})
}

// classificationInput folds attachment-extracted text into the message body
// so the classifier sees everything the user sent.
func classificationInput(ev Event) string {
	if ev.ExtractedText == "" {
		return ev.Text
	}
	return ev.Text + "\n\n" + ev.ExtractedText
}

var (
	affirmatives = map[string]bool{
		"yes": true, "y": true, "yep": true, "approve": true, "approved": true,
		"confirm": true, "confirmed": true, "ok": true, "okay": true, "lgtm": true,
	}
	negatives = map[string]bool{
		"no": true, "n": true, "nope": true, "deny": true, "denied": true,
		"reject": true, "rejected": true, "cancel": true, "wrong": true,
	}
)

// parseConfirmation interprets a reply to the summary prompt. "run <action>
// key=value ..." both confirms and names the action; unrecognized text is
// treated as a summary correction.
func parseConfirmation(text, actor string) *Confirmation {
	c := &Confirmation{Actor: actor, ReceivedAt: time.Now().UTC()}

	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Trim(normalized, ".!")

	switch {
	case affirmatives[normalized]:
		c.Approved = true
	case negatives[normalized]:
		c.Denied = true
	case strings.HasPrefix(normalized, "run "):
		fields := strings.Fields(strings.TrimSpace(text)[len("run "):])
		if len(fields) > 0 {
			c.Approved = true
			c.ActionName = fields[0]
			c.Params = parseParams(fields[1:])
		}
	default:
		c.EditedSummary = strings.TrimSpace(text)
	}
	return c
}

func parseParams(fields []string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	params := make(map[string]string, len(fields))
	for _, f := range fields {
		if key, value, ok := strings.Cut(f, "="); ok {
			params[key] = value
		}
	}
	return params
}

func bufferResult(replaced bool) string {
	if replaced {
		return "replaced"
	}
	return "buffered"
}
