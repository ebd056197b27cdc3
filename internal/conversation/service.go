package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	observemetrics "github.com/gendei/conversation-service/internal/observability/metrics"
	"github.com/gendei/conversation-service/pkg/logging"
)

type inboundStore interface {
	EnsureConversation(ctx context.Context, clinicID, patientWAID, phone, name string) (*Conversation, error)
	RecordInbound(ctx context.Context, q Querier, id uuid.UUID, receivedAt time.Time) error
	SetLifecycle(ctx context.Context, id uuid.UUID, state LifecycleState) error
	AppendLogEntry(ctx context.Context, q Querier, entry LogEntry) (uuid.UUID, error)
	UpdateDeliveryStatus(ctx context.Context, providerMessageID, status, failureReason string) error
}

// Service records inbound patient traffic and delivery-status callbacks.
// It sits downstream of the webhook queue workers.
type Service struct {
	store      inboundStore
	transcript transcriptAppender
	events     eventPublisher
	metrics    *observemetrics.ConversationMetrics
	logger     *logging.Logger
	now        func() time.Time
}

type ServiceConfig struct {
	Store      inboundStore
	Transcript transcriptAppender
	Events     eventPublisher
	Metrics    *observemetrics.ConversationMetrics
	Logger     *logging.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Service{
		store:      cfg.Store,
		transcript: cfg.Transcript,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// RecordInboundMessage handles one patient message: it creates the
// conversation on first contact, advances last_inbound_at (reopening the
// messaging window), clears any outstanding re-engagement mark, and
// appends the message to the log.
func (s *Service) RecordInboundMessage(ctx context.Context, clinicID, patientWAID, phone, name, body, providerMessageID string, receivedAt time.Time) (*Conversation, error) {
	if receivedAt.IsZero() {
		receivedAt = s.now().UTC()
	}

	conv, err := s.store.EnsureConversation(ctx, clinicID, patientWAID, phone, name)
	if err != nil {
		s.observeInbound("error")
		return nil, err
	}

	if err := s.store.RecordInbound(ctx, nil, conv.ID, receivedAt); err != nil {
		s.observeInbound("error")
		return nil, err
	}

	entry := LogEntry{
		ConversationID:    conv.ID,
		Direction:         DirectionIn,
		Kind:              KindFreeform,
		Body:              body,
		ProviderMessageID: providerMessageID,
		DeliveryStatus:    "received",
		CreatedAt:         receivedAt,
	}
	logID, err := s.store.AppendLogEntry(ctx, nil, entry)
	if err != nil {
		s.observeInbound("error")
		return nil, err
	}
	entry.ID = logID

	if conv.Lifecycle == LifecycleNew {
		if err := s.store.SetLifecycle(ctx, conv.ID, LifecycleEngaged); err != nil {
			s.logger.Warn("failed to advance lifecycle",
				"error", err,
				"conversation_id", conv.ID,
			)
		} else {
			conv.Lifecycle = LifecycleEngaged
		}
	}

	if s.transcript != nil {
		if err := s.transcript.AppendEntry(ctx, conv.ID, entry); err != nil {
			s.logger.Warn("failed to append transcript cache entry",
				"error", err,
				"conversation_id", conv.ID,
			)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, conv.ClinicID, "conversation.message.received", map[string]any{
			"conversation_id": conv.ID,
			"received_at":     receivedAt,
		}); err != nil {
			s.logger.Error("failed to publish inbound event", "error", err)
		}
	}
	s.observeInbound("ok")

	// reflect the fields RecordInbound just wrote; last_inbound_at is
	// monotonic, so a late webhook keeps the newer stored value
	if conv.LastInboundAt == nil || receivedAt.After(*conv.LastInboundAt) {
		conv.LastInboundAt = &receivedAt
	}
	conv.ReengagementSentAt = nil
	conv.Version++
	return conv, nil
}

// RecordDeliveryStatus patches the delivery status of an outbound message
// identified by the provider message id.
func (s *Service) RecordDeliveryStatus(ctx context.Context, providerMessageID, status, failureReason string) error {
	status = strings.TrimSpace(status)
	if providerMessageID == "" || status == "" {
		return nil
	}
	return s.store.UpdateDeliveryStatus(ctx, providerMessageID, status, failureReason)
}

func (s *Service) observeInbound(status string) {
	if s.metrics != nil {
		s.metrics.ObserveInbound(status)
	}
}
