package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	observemetrics "github.com/gendei/conversation-service/internal/observability/metrics"
	"github.com/gendei/conversation-service/pkg/logging"
)

type dispatchStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	AppendQueuedMessage(ctx context.Context, q Querier, msg QueuedMessage) (uuid.UUID, error)
	ListQueuedMessages(ctx context.Context, conversationID uuid.UUID) ([]QueuedMessage, error)
	CountQueuedMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
	RemoveQueuedMessage(ctx context.Context, id uuid.UUID) error
	ClearQueue(ctx context.Context, conversationID uuid.UUID) (int, error)
	AppendLogEntry(ctx context.Context, q Querier, entry LogEntry) (uuid.UUID, error)
	MarkReengagementSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	UnmarkReengagement(ctx context.Context, id uuid.UUID, at time.Time) error
}

// OutboundChannel is the WhatsApp send API. SendFreeform and SendTemplate
// return the provider message id.
type OutboundChannel interface {
	SendFreeform(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, template string) (string, error)
}

type transcriptAppender interface {
	AppendEntry(ctx context.Context, conversationID uuid.UUID, entry LogEntry) error
}

// queueAuditor records irreversible queue actions on the compliance trail.
type queueAuditor interface {
	RecordQueueCleared(ctx context.Context, clinicID string, conversationID uuid.UUID, userID string, removed int) error
}

// Dispatcher decides send-now vs enqueue for staff messages and manages
// the deferred-send queue. Queue mutation is serialized per conversation.
type Dispatcher struct {
	store      dispatchStore
	channel    OutboundChannel
	transcript transcriptAppender
	events     eventPublisher
	audit      queueAuditor
	metrics    *observemetrics.ConversationMetrics
	logger     *logging.Logger
	locks      *keyedLocks
	template   string
	now        func() time.Time
}

// DispatcherConfig wires the dispatcher's collaborators. Store and
// Channel are required; the rest are optional.
type DispatcherConfig struct {
	Store                dispatchStore
	Channel              OutboundChannel
	Transcript           transcriptAppender
	Events               eventPublisher
	Audit                queueAuditor
	Metrics              *observemetrics.ConversationMetrics
	Logger               *logging.Logger
	ReengagementTemplate string
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.ReengagementTemplate == "" {
		cfg.ReengagementTemplate = "reengage_patient"
	}
	return &Dispatcher{
		store:      cfg.Store,
		channel:    cfg.Channel,
		transcript: cfg.Transcript,
		events:     cfg.Events,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		locks:      newKeyedLocks(),
		template:   cfg.ReengagementTemplate,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// SendMessage delivers a staff message immediately when the messaging
// window is open, or defers it to the queue when closed. The caller
// distinguishes the two through SendResult.Outcome.
func (d *Dispatcher) SendMessage(ctx context.Context, conversationID uuid.UUID, body, userID string) (SendResult, error) {
	conv, err := d.requireHumanControl(ctx, conversationID)
	if err != nil {
		return SendResult{}, err
	}

	if !IsWindowOpen(conv.LastInboundAt, d.now()) {
		id, err := d.enqueue(ctx, conv, body, userID)
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{Outcome: OutcomeQueued, QueuedMessageID: id}, nil
	}

	providerID, err := d.channel.SendFreeform(ctx, conv.PatientWAID, body)
	if err != nil {
		d.observeOutbound(KindFreeform, "error")
		return SendResult{}, fmt.Errorf("conversation: send freeform: %w", err)
	}

	entry := LogEntry{
		ConversationID:    conv.ID,
		Direction:         DirectionOut,
		Kind:              KindFreeform,
		Body:              body,
		SentBy:            userID,
		ProviderMessageID: providerID,
		DeliveryStatus:    "sent",
		CreatedAt:         d.now().UTC(),
	}
	logID, err := d.store.AppendLogEntry(ctx, nil, entry)
	if err != nil {
		// the message is already out; surface the logging failure
		return SendResult{Outcome: OutcomeSent}, err
	}
	entry.ID = logID
	d.appendTranscript(ctx, conv.ID, entry)
	d.observeOutbound(KindFreeform, "sent")
	return SendResult{Outcome: OutcomeSent, LogEntryID: logID}, nil
}

// QueueMessage defers a message explicitly, regardless of window state.
func (d *Dispatcher) QueueMessage(ctx context.Context, conversationID uuid.UUID, body, userID string) (uuid.UUID, error) {
	conv, err := d.requireHumanControl(ctx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}
	return d.enqueue(ctx, conv, body, userID)
}

func (d *Dispatcher) enqueue(ctx context.Context, conv *Conversation, body, userID string) (uuid.UUID, error) {
	d.locks.lock(conv.ID)
	defer d.locks.unlock(conv.ID)

	id, err := d.store.AppendQueuedMessage(ctx, nil, QueuedMessage{
		ConversationID: conv.ID,
		Body:           body,
		EnqueuedBy:     userID,
		EnqueuedAt:     d.now().UTC(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	d.observeOutbound(KindFreeform, "queued")
	d.publish(ctx, conv.ClinicID, "conversation.message.queued", map[string]any{
		"conversation_id":   conv.ID,
		"queued_message_id": id,
	})
	return id, nil
}

// SendReengagement sends the pre-approved template that may go out while
// the window is closed. One outstanding re-engagement at a time; a fresh
// inbound message clears the mark and permits another.
func (d *Dispatcher) SendReengagement(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, error) {
	conv, err := d.store.Get(ctx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}
	if conv.Closed() {
		return uuid.Nil, ErrConversationClosed
	}

	now := d.now().UTC()
	claimed, err := d.store.MarkReengagementSent(ctx, conv.ID, now)
	if err != nil {
		return uuid.Nil, err
	}
	if !claimed {
		return uuid.Nil, ErrReengagementAlreadySent
	}

	providerID, err := d.channel.SendTemplate(ctx, conv.PatientWAID, d.template)
	if err != nil {
		// release the claim so the agent can retry once the channel recovers
		if unmarkErr := d.store.UnmarkReengagement(ctx, conv.ID, now); unmarkErr != nil {
			d.logger.Error("failed to release re-engagement mark after send failure",
				"error", unmarkErr,
				"conversation_id", conv.ID,
			)
		}
		d.observeOutbound(KindTemplate, "error")
		return uuid.Nil, fmt.Errorf("conversation: send re-engagement template: %w", err)
	}

	entry := LogEntry{
		ConversationID:    conv.ID,
		Direction:         DirectionOut,
		Kind:              KindTemplate,
		Body:              d.template,
		ProviderMessageID: providerID,
		DeliveryStatus:    "sent",
		CreatedAt:         now,
	}
	logID, err := d.store.AppendLogEntry(ctx, nil, entry)
	if err != nil {
		return uuid.Nil, err
	}
	entry.ID = logID
	d.appendTranscript(ctx, conv.ID, entry)
	d.observeOutbound(KindTemplate, "sent")
	d.publish(ctx, conv.ClinicID, "conversation.reengagement.sent", map[string]any{
		"conversation_id": conv.ID,
	})
	return logID, nil
}

// DrainQueue sends every queued message in FIFO order once the window is
// open again. On the first channel failure the drain stops: earlier
// messages stay sent and removed, the failed message stays at the head of
// the queue, and everything behind it stays queued. Sends are independent
// external side effects, so there is no rollback.
func (d *Dispatcher) DrainQueue(ctx context.Context, conversationID uuid.UUID) (DrainResult, error) {
	d.locks.lock(conversationID)
	defer d.locks.unlock(conversationID)

	conv, err := d.store.Get(ctx, conversationID)
	if err != nil {
		return DrainResult{}, err
	}
	if conv.Closed() {
		return DrainResult{}, ErrConversationClosed
	}
	if !IsWindowOpen(conv.LastInboundAt, d.now()) {
		return DrainResult{}, ErrWindowStillClosed
	}

	msgs, err := d.store.ListQueuedMessages(ctx, conv.ID)
	if err != nil {
		return DrainResult{}, err
	}

	var res DrainResult
	for i, msg := range msgs {
		providerID, sendErr := d.channel.SendFreeform(ctx, conv.PatientWAID, msg.Body)
		if sendErr != nil {
			res.Failed = 1
			res.Remaining = len(msgs) - i - 1
			d.observeDrain("partial")
			return res, fmt.Errorf("conversation: drain queue: send %s: %w", msg.ID, sendErr)
		}

		entry := LogEntry{
			ConversationID:    conv.ID,
			Direction:         DirectionOut,
			Kind:              KindFreeform,
			Body:              msg.Body,
			SentBy:            msg.EnqueuedBy,
			ProviderMessageID: providerID,
			DeliveryStatus:    "sent",
			CreatedAt:         d.now().UTC(),
		}
		logID, err := d.store.AppendLogEntry(ctx, nil, entry)
		if err != nil {
			res.Sent++
			res.Remaining = len(msgs) - i - 1
			return res, err
		}
		entry.ID = logID
		d.appendTranscript(ctx, conv.ID, entry)

		if err := d.store.RemoveQueuedMessage(ctx, msg.ID); err != nil {
			// stop before the next send: a message that stays queued
			// after delivery would double-send on the next drain
			res.Sent++
			res.Remaining = len(msgs) - i - 1
			return res, err
		}
		res.Sent++
	}

	d.observeDrain("ok")
	if res.Sent > 0 {
		d.publish(ctx, conv.ClinicID, "conversation.queue.drained", map[string]any{
			"conversation_id": conv.ID,
			"sent":            res.Sent,
		})
	}
	return res, nil
}

// ClearQueue drops all queued messages without sending. Irreversible; the
// drop is recorded on the compliance trail under userID.
func (d *Dispatcher) ClearQueue(ctx context.Context, conversationID uuid.UUID, userID string) (int, error) {
	d.locks.lock(conversationID)
	defer d.locks.unlock(conversationID)

	conv, err := d.store.Get(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	removed, err := d.store.ClearQueue(ctx, conv.ID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if d.audit != nil {
			if err := d.audit.RecordQueueCleared(ctx, conv.ClinicID, conv.ID, userID, removed); err != nil {
				d.logger.Error("failed to record queue clear audit event",
					"error", err, "conversation_id", conv.ID)
			}
		}
		d.publish(ctx, conv.ClinicID, "conversation.queue.cleared", map[string]any{
			"conversation_id": conv.ID,
			"removed":         removed,
			"cleared_by":      userID,
		})
	}
	return removed, nil
}

// WindowStatus evaluates the messaging window for the dashboard. Always
// computed from the stored timestamp and the current clock, never cached.
func (d *Dispatcher) WindowStatus(ctx context.Context, conversationID uuid.UUID) (WindowStatus, error) {
	conv, err := d.store.Get(ctx, conversationID)
	if err != nil {
		return WindowStatus{}, err
	}
	depth, err := d.store.CountQueuedMessages(ctx, conv.ID)
	if err != nil {
		return WindowStatus{}, err
	}
	now := d.now()
	return WindowStatus{
		Open:               IsWindowOpen(conv.LastInboundAt, now),
		ExpiresAt:          WindowExpiresAt(conv.LastInboundAt),
		Remaining:          WindowRemaining(conv.LastInboundAt, now),
		ReengagementSentAt: conv.ReengagementSentAt,
		QueueDepth:         depth,
	}, nil
}

func (d *Dispatcher) requireHumanControl(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	conv, err := d.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed() {
		return nil, ErrConversationClosed
	}
	if !conv.HumanControlled() {
		return nil, ErrNotHumanControlled
	}
	return conv, nil
}

func (d *Dispatcher) appendTranscript(ctx context.Context, conversationID uuid.UUID, entry LogEntry) {
	if d.transcript == nil {
		return
	}
	if err := d.transcript.AppendEntry(ctx, conversationID, entry); err != nil {
		d.logger.Warn("failed to append transcript cache entry",
			"error", err,
			"conversation_id", conversationID,
		)
	}
}

func (d *Dispatcher) publish(ctx context.Context, clinicID, eventType string, payload any) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, clinicID, eventType, payload); err != nil {
		d.logger.Error("failed to publish conversation event",
			"error", err,
			"event_type", eventType,
		)
	}
}

func (d *Dispatcher) observeOutbound(kind, outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveOutbound(kind, outcome)
	}
}

func (d *Dispatcher) observeDrain(result string) {
	if d.metrics != nil {
		d.metrics.ObserveDrain(result)
	}
}
