package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/action"
	"github.com/supportdhq/supportd/internal/approval"
	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/sla"
	"github.com/supportdhq/supportd/internal/store"
	"github.com/supportdhq/supportd/internal/ticketing"
)

// legalTriggers is the transition legality table. Feedback and SLA expiry are
// accepted in every state; SLA expiry on a milestone already reached is a
// no-op rather than an error.
var legalTriggers = map[store.ConversationStatus]map[TriggerKind]bool{
	store.StatusReceived:             {TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusClassifying:          {TriggerClassification: true, TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusAwaitingConfirmation: {TriggerConfirmation: true, TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusResolving:            {TriggerAnswerReady: true, TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusAwaitingApproval:     {TriggerApprovalResult: true, TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusExecuting:            {TriggerActionResult: true, TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusCompleted:            {TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusEscalated:            {TriggerSLAExpired: true, TriggerFeedback: true},
	store.StatusFailed:               {TriggerSLAExpired: true, TriggerFeedback: true},
}

// Advance applies one trigger to the conversation. It is the sole transition
// function: it mutates state synchronously and schedules follow-up side
// effects asynchronously. Illegal triggers return ErrInvalidTransition after
// an audit entry; the conversation is unaffected.
func (o *Orchestrator) Advance(ctx context.Context, conversationID string, trig Trigger) error {
	lock := o.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	ctx = logging.WithConversationID(ctx, conv.ID)
	ctx = logging.WithChannelID(ctx, conv.ChannelID)

	if !legalTriggers[conv.Status][trig.Kind] {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventInvalidTransition,
			Result:         string(trig.Kind),
			Context:        map[string]any{"status": string(conv.Status)},
		})
		o.logger.Warn(ctx, "invalid transition",
			zap.String("status", string(conv.Status)),
			zap.String("trigger", string(trig.Kind)))
		return ErrInvalidTransition
	}

	switch trig.Kind {
	case TriggerClassification:
		return o.onClassification(ctx, conv, trig)
	case TriggerConfirmation:
		return o.onConfirmation(ctx, conv, trig.Confirmation)
	case TriggerAnswerReady:
		return o.onAnswer(ctx, conv, trig)
	case TriggerApprovalResult:
		return o.onApproval(ctx, conv, trig.Result)
	case TriggerActionResult:
		return o.onActionResult(ctx, conv, trig)
	case TriggerSLAExpired:
		return o.onSLAExpired(ctx, conv, trig.SLAKind)
	case TriggerFeedback:
		return o.onFeedback(ctx, conv, trig.Feedback)
	}
	return nil
}

// transition persists the status change and appends exactly one audit entry.
// Terminal statuses cancel both SLA timers.
func (o *Orchestrator) transition(ctx context.Context, conv *store.Conversation, to store.ConversationStatus, trig TriggerKind) error {
	from := conv.Status
	if err := o.store.UpdateStatus(ctx, conv.ID, to); err != nil {
		return err
	}
	conv.Status = to

	o.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		Type:           audit.EventTransition,
		Result:         string(to),
		Context:        map[string]any{"from": string(from), "trigger": string(trig)},
	})
	o.count(ctx, o.transitions, attribute.String("to", string(to)))
	o.logger.Info(ctx, "conversation transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(trig)))

	if to.Terminal() {
		o.scheduler.CancelAll(conv.ID)
		o.mu.Lock()
		delete(o.buffered, conv.ID)
		o.mu.Unlock()
	}
	return nil
}

// startClassification moves a fresh conversation into classifying and calls
// the classifier outside the lock.
func (o *Orchestrator) startClassification(ctx context.Context, conv *store.Conversation, text string) {
	if err := o.transition(ctx, conv, store.StatusClassifying, TriggerKind("ingest")); err != nil {
		o.logger.Error(ctx, "failed to start classification", zap.Error(err))
		return
	}

	taskCtx := context.WithoutCancel(ctx)
	o.tasks.Go(func() {
		result, err := o.classifier.Classify(taskCtx, text)
		_ = o.Advance(taskCtx, conv.ID, Trigger{
			Kind:           TriggerClassification,
			Classification: &result,
			Err:            err,
		})
	})
}

func (o *Orchestrator) onClassification(ctx context.Context, conv *store.Conversation, trig Trigger) error {
	if trig.Err != nil {
		if err := o.transition(ctx, conv, store.StatusFailed, trig.Kind); err != nil {
			return err
		}
		o.postAsync(ctx, conv, "Sorry, I couldn't process your request right now. Please try again later.")
		return nil
	}

	if err := o.store.SetQuestionType(ctx, conv.ID, trig.Classification.Type); err != nil {
		return err
	}
	conv.QuestionType = trig.Classification.Type

	summary, err := o.buildSummary(ctx, conv)
	if err != nil {
		return err
	}
	if err := o.store.SetSummary(ctx, conv.ID, summary, false); err != nil {
		return err
	}
	conv.Summary = summary

	if err := o.transition(ctx, conv, store.StatusAwaitingConfirmation, trig.Kind); err != nil {
		return err
	}
	o.postAsync(ctx, conv, confirmationPrompt(conv))
	o.replayBuffered(ctx, conv.ID)
	return nil
}

func (o *Orchestrator) onConfirmation(ctx context.Context, conv *store.Conversation, c *Confirmation) error {
	switch {
	case c.Denied:
		// The summary missed; keep waiting for a corrected one.
		if err := o.store.SetSummary(ctx, conv.ID, conv.Summary, false); err != nil {
			return err
		}
		o.postAsync(ctx, conv, "Understood. Reply with a corrected summary and I'll try again.")
		return nil

	case c.EditedSummary != "":
		if err := o.store.SetSummary(ctx, conv.ID, c.EditedSummary, false); err != nil {
			return err
		}
		conv.Summary = c.EditedSummary
		o.postAsync(ctx, conv, confirmationPrompt(conv))
		return nil

	case c.Approved:
		if err := o.store.SetSummary(ctx, conv.ID, conv.Summary, true); err != nil {
			return err
		}
		conv.SummaryConfirmed = true

		if conv.QuestionType == store.QuestionOpsAction {
			if c.ActionName == "" {
				o.postAsync(ctx, conv, "This looks like an operational request. Reply with `run <action> key=value ...` to execute it.")
				return nil
			}
			if err := o.transition(ctx, conv, store.StatusAwaitingApproval, TriggerConfirmation); err != nil {
				return err
			}
			o.startAction(ctx, conv, c.ActionName, c.Params, c.Actor)
			return nil
		}

		if err := o.transition(ctx, conv, store.StatusResolving, TriggerConfirmation); err != nil {
			return err
		}
		o.startAnswer(ctx, conv)
		return nil
	}
	return nil
}

// startAnswer generates the answer outside the lock.
func (o *Orchestrator) startAnswer(ctx context.Context, conv *store.Conversation) {
	ch, _ := o.channels.Snapshot().Get(conv.ChannelID)
	taskCtx := context.WithoutCancel(ctx)
	question := conv.Summary

	o.tasks.Go(func() {
		ans, err := o.generator.Answer(taskCtx, question, ch.RAGIndex, ch.Retrieval)
		_ = o.Advance(taskCtx, conv.ID, Trigger{Kind: TriggerAnswerReady, Answer: &ans, Err: err})
	})
}

func (o *Orchestrator) onAnswer(ctx context.Context, conv *store.Conversation, trig Trigger) error {
	if trig.Err != nil {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventIntegrationFailure,
			Result:         "answer",
			Err:            trig.Err,
		})
		if err := o.transition(ctx, conv, store.StatusFailed, trig.Kind); err != nil {
			return err
		}
		o.postAsync(ctx, conv, "Sorry, I couldn't find an answer right now. Please try again later.")
		return nil
	}

	if err := o.transition(ctx, conv, store.StatusCompleted, trig.Kind); err != nil {
		return err
	}
	o.postAsync(ctx, conv, renderAnswer(trig.Answer.Text, trig.Answer.Citations))
	return nil
}

// startAction runs the executor outside the lock. The executor owns the
// approval gate and the run lifecycle; its outcome re-enters as an
// approval_result and, when approved, an action_result trigger.
func (o *Orchestrator) startAction(ctx context.Context, conv *store.Conversation, name string, params map[string]string, actor string) {
	ch, _ := o.channels.Snapshot().Get(conv.ChannelID)
	taskCtx := context.WithoutCancel(ctx)
	snapshot := *conv

	o.tasks.Go(func() {
		result, err := o.executor.Execute(taskCtx, &snapshot, name, params, actor, ch)
		if result == nil {
			_ = o.Advance(taskCtx, snapshot.ID, Trigger{Kind: TriggerApprovalResult, Err: err})
			return
		}
		_ = o.Advance(taskCtx, snapshot.ID, Trigger{Kind: TriggerApprovalResult, Result: result})
		if result.Decision.Allowed {
			_ = o.Advance(taskCtx, snapshot.ID, Trigger{Kind: TriggerActionResult, Result: result, Err: err})
		}
	})
}

func (o *Orchestrator) onApproval(ctx context.Context, conv *store.Conversation, result *action.Result) error {
	if result == nil || !result.Decision.Allowed {
		// Denial returns the conversation to confirmation; it never
		// terminates the conversation.
		if err := o.transition(ctx, conv, store.StatusAwaitingConfirmation, TriggerApprovalResult); err != nil {
			return err
		}
		o.postAsync(ctx, conv, denialMessage(result))
		return nil
	}
	return o.transition(ctx, conv, store.StatusExecuting, TriggerApprovalResult)
}

func (o *Orchestrator) onActionResult(ctx context.Context, conv *store.Conversation, trig Trigger) error {
	run := trig.Result.Run
	ch, _ := o.channels.Snapshot().Get(conv.ChannelID)

	if run.Status == store.RunSucceeded {
		if err := o.transition(ctx, conv, store.StatusCompleted, trig.Kind); err != nil {
			return err
		}
		text := fmt.Sprintf("Action `%s` completed.", run.ActionName)
		if run.Output != "" {
			text += "\n```\n" + run.Output + "\n```"
		}
		o.postAsync(ctx, conv, text)
		return nil
	}

	if ch.EscalateOnActionFailure {
		return o.escalate(ctx, conv, fmt.Sprintf("action %s failed: %s", run.ActionName, run.Error), trig.Kind)
	}

	if err := o.transition(ctx, conv, store.StatusFailed, trig.Kind); err != nil {
		return err
	}
	text := fmt.Sprintf("Action `%s` failed: %s", run.ActionName, run.Error)
	if run.RollbackOutcome != "" {
		text += "\nRollback: " + run.RollbackOutcome
	}
	o.postAsync(ctx, conv, text)
	return nil
}

// onSLAExpired escalates unless the milestone was already reached. Re-fires
// for terminal conversations are no-ops.
func (o *Orchestrator) onSLAExpired(ctx context.Context, conv *store.Conversation, kind sla.Kind) error {
	if conv.Terminal() {
		return nil
	}
	if kind == sla.KindFirstResponse && conv.FirstResponseAt != nil {
		return nil
	}

	o.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		Type:           audit.EventSLAExpired,
		Result:         string(kind),
	})
	return o.escalate(ctx, conv, fmt.Sprintf("%s SLA breached", kind), TriggerSLAExpired)
}

func (o *Orchestrator) onFeedback(ctx context.Context, conv *store.Conversation, fb *store.Feedback) error {
	if err := o.store.SaveFeedback(ctx, fb); err != nil {
		return err
	}
	o.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		Type:           audit.EventFeedbackRecorded,
		Actor:          fb.UserID,
		Result:         string(fb.Rating),
	})
	o.count(ctx, o.feedbackCounter, attribute.String("rating", string(fb.Rating)))

	// Feedback on an escalated conversation flows to its ticket so the
	// on-call sees it without watching the thread.
	if conv.TicketKey != "" {
		key := conv.TicketKey
		comment := fmt.Sprintf("User %s rated the conversation %s.", fb.UserID, fb.Rating)
		taskCtx := context.WithoutCancel(ctx)
		convID := conv.ID
		o.tasks.Go(func() {
			if err := o.tickets.AddComment(taskCtx, key, comment); err != nil {
				o.auditLog.Record(taskCtx, audit.Event{
					ConversationID: convID,
					Type:           audit.EventIntegrationFailure,
					Result:         "ticket_comment",
					Err:            err,
				})
			}
		})
	}
	return nil
}

// escalate terminates the conversation and issues the escalation side
// effects. The escalated flag is flipped before any external call, so the
// ticket and notification happen at most once per conversation lifetime.
func (o *Orchestrator) escalate(ctx context.Context, conv *store.Conversation, reason string, trig TriggerKind) error {
	flipped, err := o.store.MarkEscalated(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}

	if err := o.transition(ctx, conv, store.StatusEscalated, trig); err != nil {
		return err
	}
	o.auditLog.Record(ctx, audit.Event{
		ConversationID: conv.ID,
		Type:           audit.EventEscalation,
		Result:         reason,
	})
	o.count(ctx, o.escalations)

	snapshot := *conv
	taskCtx := context.WithoutCancel(ctx)
	o.tasks.Go(func() {
		o.escalationSideEffects(taskCtx, &snapshot, reason)
	})
	return nil
}

// escalationSideEffects files the ticket and notifies the channel owners.
// Ticketing failure degrades to "ticket pending"; it never fails the
// escalation.
func (o *Orchestrator) escalationSideEffects(ctx context.Context, conv *store.Conversation, reason string) {
	ch, _ := o.channels.Snapshot().Get(conv.ChannelID)

	ticketRef := "ticket pending"
	key, err := o.tickets.CreateIssue(ctx, ticketing.Issue{
		Summary:     escalationSummary(conv),
		Description: fmt.Sprintf("Reason: %s\n\nConversation %s in channel %s.\n\n%s", reason, conv.ID, conv.ChannelID, conv.Summary),
		Labels:      []string{"escalation", string(conv.QuestionType)},
	})
	if err != nil {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventIntegrationFailure,
			Result:         "ticketing",
			Err:            err,
		})
	} else {
		ticketRef = key
		if err := o.store.SetTicketKey(ctx, conv.ID, key); err != nil {
			o.logger.Warn(ctx, "failed to persist ticket key", zap.Error(err))
		}
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventTicketCreated,
			Result:         key,
		})
	}

	subject := fmt.Sprintf("[supportd] escalation in %s (%s)", channelName(ch, conv.ChannelID), ticketRef)
	body := fmt.Sprintf("Conversation %s was escalated.\nReason: %s\nTicket: %s\n\nSummary:\n%s",
		conv.ID, reason, ticketRef, conv.Summary)
	if err := o.escalation.SendEscalation(ctx, ch.EscalationRecipients, subject, body); err != nil {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventIntegrationFailure,
			Result:         "escalation_email",
			Err:            err,
		})
	} else {
		o.auditLog.Record(ctx, audit.Event{
			ConversationID: conv.ID,
			Type:           audit.EventNotificationSent,
			Result:         "escalation_email",
		})
	}

	o.post(ctx, conv, fmt.Sprintf("This conversation has been escalated (%s). Reference: %s.", reason, ticketRef))
}

// replayBuffered applies the confirmation that arrived during classification,
// if any.
func (o *Orchestrator) replayBuffered(ctx context.Context, conversationID string) {
	o.mu.Lock()
	c := o.buffered[conversationID]
	delete(o.buffered, conversationID)
	o.mu.Unlock()
	if c == nil {
		return
	}

	taskCtx := context.WithoutCancel(ctx)
	o.tasks.Go(func() {
		_ = o.Advance(taskCtx, conversationID, Trigger{Kind: TriggerConfirmation, Confirmation: c})
	})
}

// postAsync delivers a thread reply without holding the conversation lock.
func (o *Orchestrator) postAsync(ctx context.Context, conv *store.Conversation, text string) {
	snapshot := *conv
	taskCtx := context.WithoutCancel(ctx)
	o.tasks.Go(func() {
		o.post(taskCtx, &snapshot, text)
	})
}

// buildSummary renders the confirmation summary from the classification and
// the opening message.
func (o *Orchestrator) buildSummary(ctx context.Context, conv *store.Conversation) (string, error) {
	msgs, err := o.store.Messages(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	opening := ""
	if len(msgs) > 0 {
		opening = msgs[0].Text
	}
	return fmt.Sprintf("[%s] %s", conv.QuestionType, truncate(opening, 200)), nil
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func confirmationPrompt(conv *store.Conversation) string {
	return fmt.Sprintf("I understood your request as:\n> %s\nReply `yes` to confirm, or reply with a corrected summary.", conv.Summary)
}

func renderAnswer(text string, citations []string) string {
	if len(citations) == 0 {
		return text
	}
	return text + "\n\nSources: " + strings.Join(citations, ", ")
}

func denialMessage(result *action.Result) string {
	if result == nil {
		return "The action could not be started. Please check the action name and try again."
	}
	switch result.Decision.Reason {
	case approval.NotWhitelisted:
		return "That action is not allowed in this channel."
	case approval.NotApprover:
		return "You are not authorized to approve actions in this channel."
	case approval.ConflictingRun:
		return "Another action is already in progress for this conversation."
	case approval.QuotaExceeded:
		return "This channel has reached its daily action limit."
	default:
		return "The action was not approved."
	}
}

func escalationSummary(conv *store.Conversation) string {
	s := conv.Summary
	if s == "" {
		s = "Unanswered support conversation"
	}
	return truncate(s, 120)
}

func channelName(ch config.ChannelConfig, fallback string) string {
	if ch.Name != "" {
		return ch.Name
	}
	return fallback
}
