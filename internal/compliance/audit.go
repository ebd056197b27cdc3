// Package compliance provides the support/traceability audit trail for
// conversation control actions.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gendei/conversation-service/internal/conversation"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// EventTakeover is logged when a staff member assumes control from the AI.
	EventTakeover AuditEventType = "control.takeover"
	// EventRelease is logged when control returns to the AI.
	EventRelease AuditEventType = "control.release"
	// EventQueueCleared is logged when an agent drops the deferred queue.
	EventQueueCleared AuditEventType = "queue.cleared"
)

// AuditEvent represents an immutable audit record.
type AuditEvent struct {
	ID             string          `json:"id"`
	EventType      AuditEventType  `json:"event_type"`
	ClinicID       string          `json:"clinic_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TransitionDetails captures the from/to controller states.
type TransitionDetails struct {
	FromController string `json:"from_controller"`
	ToController   string `json:"to_controller"`
}

// AuditService handles audit logging.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO control_audit_events (
			id, event_type, clinic_id, conversation_id, user_id, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.ClinicID,
		nullString(event.ConversationID),
		nullString(event.UserID),
		event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}

	return nil
}

// RecordControlTransition logs one takeover or release. Satisfies the
// takeover controller's auditor dependency.
func (s *AuditService) RecordControlTransition(ctx context.Context, t conversation.ControlTransition) error {
	eventType := EventTakeover
	if t.Action == conversation.ActionRelease {
		eventType = EventRelease
	}

	details := TransitionDetails{
		FromController: string(t.FromController),
		ToController:   string(t.ToController),
	}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      eventType,
		ClinicID:       t.ClinicID,
		ConversationID: t.ConversationID.String(),
		UserID:         t.UserID,
		Details:        detailsJSON,
		CreatedAt:      t.At,
	})
}

// RecordQueueCleared logs a staff member dropping a conversation's
// deferred-send queue. Satisfies the dispatcher's queue auditor dependency.
func (s *AuditService) RecordQueueCleared(ctx context.Context, clinicID string, conversationID uuid.UUID, userID string, removed int) error {
	details, _ := json.Marshal(map[string]int{"removed": removed})
	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventQueueCleared,
		ClinicID:       clinicID,
		ConversationID: conversationID.String(),
		UserID:         userID,
		Details:        details,
	})
}

// ListEvents returns recent audit events for a conversation, newest first.
func (s *AuditService) ListEvents(ctx context.Context, conversationID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, event_type, clinic_id, COALESCE(conversation_id, ''), COALESCE(user_id, ''), details, created_at
		FROM control_audit_events
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var event AuditEvent
		var details []byte
		if err := rows.Scan(&event.ID, &event.EventType, &event.ClinicID, &event.ConversationID, &event.UserID, &details, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		event.Details = details
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
