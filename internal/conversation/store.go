package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier lets store methods run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversations, the deferred-send queue, and the message
// log in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

const conversationColumns = `
	id, clinic_id, patient_wa_id, patient_phone, COALESCE(patient_name, ''),
	lifecycle, controller, COALESCE(controlled_by_user_id, ''),
	taken_over_at, released_at, last_inbound_at, reengagement_sent_at,
	version, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.ClinicID, &c.PatientWAID, &c.PatientPhone, &c.PatientName,
		&c.Lifecycle, &c.Controller, &c.ControlledByUserID,
		&c.TakenOverAt, &c.ReleasedAt, &c.LastInboundAt, &c.ReengagementSentAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get loads a conversation by id. Returns ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return conv, nil
}

// GetByPatient loads a conversation by its (clinic, WhatsApp identity) key.
func (s *Store) GetByPatient(ctx context.Context, clinicID, patientWAID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE clinic_id = $1 AND patient_wa_id = $2`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, clinicID, patientWAID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get by patient: %w", err)
	}
	return conv, nil
}

// EnsureConversation creates the conversation for a first-contact patient
// or returns the existing one. AI-controlled, lifecycle "new" on create.
func (s *Store) EnsureConversation(ctx context.Context, clinicID, patientWAID, phone, name string) (*Conversation, error) {
	query := `
		INSERT INTO conversations (id, clinic_id, patient_wa_id, patient_phone, patient_name, lifecycle, controller, version)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, 1)
		ON CONFLICT (clinic_id, patient_wa_id) DO UPDATE
			SET patient_name = COALESCE(NULLIF(EXCLUDED.patient_name, ''), conversations.patient_name),
			    updated_at = now()
		RETURNING ` + conversationColumns
	conv, err := scanConversation(s.pool.QueryRow(ctx, query,
		uuid.New(), clinicID, patientWAID, phone, name, LifecycleNew, ControllerAI,
	))
	if err != nil {
		return nil, fmt.Errorf("conversation: ensure: %w", err)
	}
	return conv, nil
}

// List returns a page of conversations for a clinic, most recent activity first.
func (s *Store) List(ctx context.Context, clinicID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE clinic_id = $1
		ORDER BY COALESCE(last_inbound_at, created_at) DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, clinicID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(
			&c.ID, &c.ClinicID, &c.PatientWAID, &c.PatientPhone, &c.PatientName,
			&c.Lifecycle, &c.Controller, &c.ControlledByUserID,
			&c.TakenOverAt, &c.ReleasedAt, &c.LastInboundAt, &c.ReengagementSentAt,
			&c.Version, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("conversation: scan list row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompareAndSwapControl applies a control-state patch iff the stored
// version still matches expectedVersion. Returns false when another
// writer got there first; the caller re-reads and re-decides.
func (s *Store) CompareAndSwapControl(ctx context.Context, id uuid.UUID, expectedVersion int64, patch ControlPatch) (bool, error) {
	query := `
		UPDATE conversations
		SET controller = $1,
		    controlled_by_user_id = NULLIF($2, ''),
		    taken_over_at = COALESCE($3, taken_over_at),
		    released_at = COALESCE($4, released_at),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $5 AND version = $6`
	ct, err := s.pool.Exec(ctx, query,
		patch.Controller, patch.ControlledByUserID, patch.TakenOverAt, patch.ReleasedAt,
		id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("conversation: cas control: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// SetLifecycle updates the advisory booking-journey state.
func (s *Store) SetLifecycle(ctx context.Context, id uuid.UUID, state LifecycleState) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE conversations SET lifecycle = $1, updated_at = now() WHERE id = $2`,
		state, id,
	)
	if err != nil {
		return fmt.Errorf("conversation: set lifecycle: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordInbound advances last_inbound_at (monotonically, in SQL, so a
// late-delivered webhook can never move it backwards) and clears any
// outstanding re-engagement mark.
func (s *Store) RecordInbound(ctx context.Context, q Querier, id uuid.UUID, receivedAt time.Time) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE conversations
		SET last_inbound_at = GREATEST(COALESCE(last_inbound_at, 'epoch'::timestamptz), $1),
		    reengagement_sent_at = NULL,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $2`
	ct, err := q.Exec(ctx, query, receivedAt, id)
	if err != nil {
		return fmt.Errorf("conversation: record inbound: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReengagementSent claims the single outstanding re-engagement slot.
// Returns false when one is already outstanding.
func (s *Store) MarkReengagementSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET reengagement_sent_at = $1, updated_at = now()
		WHERE id = $2 AND reengagement_sent_at IS NULL`
	ct, err := s.pool.Exec(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("conversation: mark reengagement: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// UnmarkReengagement releases the slot claimed at the given instant.
// Used when the template send itself fails after the claim.
func (s *Store) UnmarkReengagement(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE conversations
		SET reengagement_sent_at = NULL, updated_at = now()
		WHERE id = $1 AND reengagement_sent_at = $2`
	if _, err := s.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("conversation: unmark reengagement: %w", err)
	}
	return nil
}

// AppendQueuedMessage defers an outbound message until the window reopens.
func (s *Store) AppendQueuedMessage(ctx context.Context, q Querier, msg QueuedMessage) (uuid.UUID, error) {
	if q == nil {
		q = s.pool
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO queued_messages (id, conversation_id, body, enqueued_by, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := q.Exec(ctx, query, msg.ID, msg.ConversationID, msg.Body, msg.EnqueuedBy, msg.EnqueuedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("conversation: append queued message: %w", err)
	}
	return msg.ID, nil
}

// ListQueuedMessages returns the queue in FIFO order.
func (s *Store) ListQueuedMessages(ctx context.Context, conversationID uuid.UUID) ([]QueuedMessage, error) {
	query := `
		SELECT id, conversation_id, body, enqueued_by, enqueued_at
		FROM queued_messages
		WHERE conversation_id = $1
		ORDER BY enqueued_at, id`
	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list queued messages: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Body, &m.EnqueuedBy, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan queued message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountQueuedMessages returns the queue depth.
func (s *Store) CountQueuedMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queued_messages WHERE conversation_id = $1`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("conversation: count queued messages: %w", err)
	}
	return n, nil
}

// RemoveQueuedMessage deletes one queued message after it was sent or cleared.
func (s *Store) RemoveQueuedMessage(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queued_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("conversation: remove queued message: %w", err)
	}
	return nil
}

// ClearQueue drops every queued message without sending. Returns the count removed.
func (s *Store) ClearQueue(ctx context.Context, conversationID uuid.UUID) (int, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM queued_messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("conversation: clear queue: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// AppendLogEntry inserts one message-log record.
func (s *Store) AppendLogEntry(ctx context.Context, q Querier, entry LogEntry) (uuid.UUID, error) {
	if q == nil {
		q = s.pool
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.DeliveryStatus == "" {
		entry.DeliveryStatus = "accepted"
	}
	query := `
		INSERT INTO message_log (id, conversation_id, direction, kind, body, sent_by, provider_message_id, delivery_status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''))`
	_, err := q.Exec(ctx, query,
		entry.ID, entry.ConversationID, entry.Direction, entry.Kind, entry.Body,
		entry.SentBy, entry.ProviderMessageID, entry.DeliveryStatus, entry.FailureReason,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("conversation: append log entry: %w", err)
	}
	return entry.ID, nil
}

// UpdateDeliveryStatus patches the delivery status of a logged outbound
// message. The only mutation the log permits.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, providerMessageID, status, failureReason string) error {
	query := `
		UPDATE message_log
		SET delivery_status = $1, failure_reason = NULLIF($2, '')
		WHERE provider_message_id = $3`
	if _, err := s.pool.Exec(ctx, query, status, failureReason, providerMessageID); err != nil {
		return fmt.Errorf("conversation: update delivery status: %w", err)
	}
	return nil
}

// ListLogEntries returns the message log oldest-first.
func (s *Store) ListLogEntries(ctx context.Context, conversationID uuid.UUID, limit int) ([]LogEntry, error) {
	query := `
		SELECT id, conversation_id, direction, kind, body, COALESCE(sent_by, ''),
		       COALESCE(provider_message_id, ''), delivery_status, COALESCE(failure_reason, ''), created_at
		FROM message_log
		WHERE conversation_id = $1
		ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: list log entries: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &e.Direction, &e.Kind, &e.Body, &e.SentBy,
			&e.ProviderMessageID, &e.DeliveryStatus, &e.FailureReason, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("conversation: scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListDrainCandidates finds conversations with a non-empty queue whose
// window is open again. Used by the background drain sweeper.
func (s *Store) ListDrainCandidates(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 25
	}
	query := `
		SELECT c.id
		FROM conversations c
		WHERE c.lifecycle <> 'closed'
		  AND c.last_inbound_at IS NOT NULL
		  AND c.last_inbound_at > now() - interval '24 hours'
		  AND EXISTS (SELECT 1 FROM queued_messages q WHERE q.conversation_id = c.id)
		ORDER BY c.last_inbound_at
		LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list drain candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversation: scan drain candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
