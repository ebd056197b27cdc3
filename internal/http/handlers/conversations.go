package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gendei/conversation-service/internal/compliance"
	"github.com/gendei/conversation-service/internal/conversation"
	"github.com/gendei/conversation-service/internal/http/middleware"
	"github.com/gendei/conversation-service/internal/tenancy"
	"github.com/gendei/conversation-service/pkg/logging"
)

type takeoverController interface {
	Takeover(ctx context.Context, conversationID uuid.UUID, userID string) (*conversation.Conversation, error)
	Release(ctx context.Context, conversationID uuid.UUID) (*conversation.Conversation, error)
}

type messageDispatcher interface {
	SendMessage(ctx context.Context, conversationID uuid.UUID, body, userID string) (conversation.SendResult, error)
	QueueMessage(ctx context.Context, conversationID uuid.UUID, body, userID string) (uuid.UUID, error)
	SendReengagement(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, error)
	DrainQueue(ctx context.Context, conversationID uuid.UUID) (conversation.DrainResult, error)
	ClearQueue(ctx context.Context, conversationID uuid.UUID, userID string) (int, error)
	WindowStatus(ctx context.Context, conversationID uuid.UUID) (conversation.WindowStatus, error)
}

type conversationReader interface {
	Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	List(ctx context.Context, clinicID string, limit, offset int) ([]conversation.Conversation, error)
	ListQueuedMessages(ctx context.Context, conversationID uuid.UUID) ([]conversation.QueuedMessage, error)
	ListLogEntries(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.LogEntry, error)
}

type auditReader interface {
	ListEvents(ctx context.Context, conversationID string, limit int) ([]compliance.AuditEvent, error)
}

// ConversationsHandler exposes the dashboard API: takeover and release,
// staff sends, the deferred-send queue, and window status.
type ConversationsHandler struct {
	control    takeoverController
	dispatcher messageDispatcher
	reader     conversationReader
	audit      auditReader
	logger     *logging.Logger
}

type ConversationsHandlerConfig struct {
	Control    takeoverController
	Dispatcher messageDispatcher
	Reader     conversationReader
	Audit      auditReader
	Logger     *logging.Logger
}

func NewConversationsHandler(cfg ConversationsHandlerConfig) *ConversationsHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &ConversationsHandler{
		control:    cfg.Control,
		dispatcher: cfg.Dispatcher,
		reader:     cfg.Reader,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
	}
}

// conversationView is the JSON shape of a conversation.
type conversationView struct {
	ID                 string     `json:"id"`
	ClinicID           string     `json:"clinic_id"`
	PatientWAID        string     `json:"patient_wa_id"`
	PatientPhone       string     `json:"patient_phone"`
	PatientName        string     `json:"patient_name,omitempty"`
	Lifecycle          string     `json:"lifecycle"`
	Controller         string     `json:"controller"`
	ControlledByUserID string     `json:"controlled_by_user_id,omitempty"`
	TakenOverAt        *time.Time `json:"taken_over_at,omitempty"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
	LastInboundAt      *time.Time `json:"last_inbound_at,omitempty"`
	ReengagementSentAt *time.Time `json:"reengagement_sent_at,omitempty"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toView(c *conversation.Conversation) conversationView {
	return conversationView{
		ID:                 c.ID.String(),
		ClinicID:           c.ClinicID,
		PatientWAID:        c.PatientWAID,
		PatientPhone:       c.PatientPhone,
		PatientName:        c.PatientName,
		Lifecycle:          string(c.Lifecycle),
		Controller:         string(c.Controller),
		ControlledByUserID: c.ControlledByUserID,
		TakenOverAt:        c.TakenOverAt,
		ReleasedAt:         c.ReleasedAt,
		LastInboundAt:      c.LastInboundAt,
		ReengagementSentAt: c.ReengagementSentAt,
		Version:            c.Version,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// List returns a page of the clinic's conversations.
// GET /api/conversations
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing clinic context", http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	convs, err := h.reader.List(r.Context(), clinicID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err, "clinic_id", clinicID)
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}

	views := make([]conversationView, 0, len(convs))
	for i := range convs {
		views = append(views, toView(&convs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

// Get returns one conversation.
// GET /api/conversations/{conversationID}
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toView(conv))
}

// Takeover puts the authenticated staff member in control.
// POST /api/conversations/{conversationID}/takeover
func (h *ConversationsHandler) Takeover(w http.ResponseWriter, r *http.Request) {
	scoped, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	userID := middleware.AdminUserID(r.Context())
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conv, err := h.control.Takeover(r.Context(), scoped.ID, userID)
	if err != nil {
		h.writeError(w, err, "takeover failed")
		return
	}
	writeJSON(w, http.StatusOK, toView(conv))
}

// Release hands control back to the AI agent.
// POST /api/conversations/{conversationID}/release
func (h *ConversationsHandler) Release(w http.ResponseWriter, r *http.Request) {
	scoped, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	conv, err := h.control.Release(r.Context(), scoped.ID)
	if err != nil {
		h.writeError(w, err, "release failed")
		return
	}
	writeJSON(w, http.StatusOK, toView(conv))
}

type sendMessageRequest struct {
	Body string `json:"body"`
	// Queue forces deferral even when the window is open.
	Queue bool `json:"queue,omitempty"`
}

type sendMessageResponse struct {
	Outcome         string `json:"outcome"`
	LogEntryID      string `json:"log_entry_id,omitempty"`
	QueuedMessageID string `json:"queued_message_id,omitempty"`
}

// SendMessage sends a staff message now or queues it when the messaging
// window is closed.
// POST /api/conversations/{conversationID}/messages
func (h *ConversationsHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	id := conv.ID
	userID := middleware.AdminUserID(r.Context())
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		http.Error(w, "message body required", http.StatusBadRequest)
		return
	}

	if req.Queue {
		queuedID, err := h.dispatcher.QueueMessage(r.Context(), id, req.Body, userID)
		if err != nil {
			h.writeError(w, err, "queue failed")
			return
		}
		writeJSON(w, http.StatusAccepted, sendMessageResponse{
			Outcome:         string(conversation.OutcomeQueued),
			QueuedMessageID: queuedID.String(),
		})
		return
	}

	res, err := h.dispatcher.SendMessage(r.Context(), id, req.Body, userID)
	if err != nil {
		h.writeError(w, err, "send failed")
		return
	}

	resp := sendMessageResponse{Outcome: string(res.Outcome)}
	status := http.StatusOK
	if res.Outcome == conversation.OutcomeQueued {
		status = http.StatusAccepted
		resp.QueuedMessageID = res.QueuedMessageID.String()
	} else {
		resp.LogEntryID = res.LogEntryID.String()
	}
	writeJSON(w, status, resp)
}

// Reengage sends the pre-approved re-engagement template.
// POST /api/conversations/{conversationID}/reengage
func (h *ConversationsHandler) Reengage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	logID, err := h.dispatcher.SendReengagement(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, err, "re-engagement failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"log_entry_id": logID.String()})
}

// queuedMessageView is the JSON shape of one deferred message.
type queuedMessageView struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	EnqueuedBy string    `json:"enqueued_by"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ListQueue returns the deferred-send queue in FIFO order.
// GET /api/conversations/{conversationID}/queue
func (h *ConversationsHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	msgs, err := h.reader.ListQueuedMessages(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, err, "failed to list queue")
		return
	}
	views := make([]queuedMessageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, queuedMessageView{
			ID:         msg.ID.String(),
			Body:       msg.Body,
			EnqueuedBy: msg.EnqueuedBy,
			EnqueuedAt: msg.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// DrainQueue flushes the queue once the window reopened.
// POST /api/conversations/{conversationID}/queue/send
func (h *ConversationsHandler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	res, err := h.dispatcher.DrainQueue(r.Context(), conv.ID)
	if err != nil && res.Sent == 0 && res.Failed == 0 {
		h.writeError(w, err, "drain failed")
		return
	}
	// A partial drain reports what happened rather than failing outright.
	writeJSON(w, http.StatusOK, map[string]int{
		"sent":      res.Sent,
		"failed":    res.Failed,
		"remaining": res.Remaining,
	})
}

// ClearQueue drops the queue without sending.
// DELETE /api/conversations/{conversationID}/queue
func (h *ConversationsHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	userID := middleware.AdminUserID(r.Context())
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	removed, err := h.dispatcher.ClearQueue(r.Context(), conv.ID, userID)
	if err != nil {
		h.writeError(w, err, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Window reports the 24-hour messaging window state.
// GET /api/conversations/{conversationID}/window
func (h *ConversationsHandler) Window(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	status, err := h.dispatcher.WindowStatus(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, err, "failed to evaluate window")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open":                 status.Open,
		"expires_at":           status.ExpiresAt,
		"remaining_seconds":    int64(status.Remaining.Seconds()),
		"reengagement_sent_at": status.ReengagementSentAt,
		"queue_depth":          status.QueueDepth,
	})
}

// messageLogView is the JSON shape of one message-log record.
type messageLogView struct {
	ID                string    `json:"id"`
	Direction         string    `json:"direction"`
	Kind              string    `json:"kind"`
	Body              string    `json:"body"`
	SentBy            string    `json:"sent_by,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	DeliveryStatus    string    `json:"delivery_status"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ListMessages returns the message log oldest-first.
// GET /api/conversations/{conversationID}/log
func (h *ConversationsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.reader.ListLogEntries(r.Context(), conv.ID, limit)
	if err != nil {
		h.writeError(w, err, "failed to list messages")
		return
	}
	views := make([]messageLogView, 0, len(entries))
	for _, e := range entries {
		views = append(views, messageLogView{
			ID:                e.ID.String(),
			Direction:         e.Direction,
			Kind:              e.Kind,
			Body:              e.Body,
			SentBy:            e.SentBy,
			ProviderMessageID: e.ProviderMessageID,
			DeliveryStatus:    e.DeliveryStatus,
			FailureReason:     e.FailureReason,
			CreatedAt:         e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// ListAudit returns the control-transition audit trail.
// GET /api/conversations/{conversationID}/audit
func (h *ConversationsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationForClinic(w, r)
	if !ok {
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []compliance.AuditEvent{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.audit.ListEvents(r.Context(), conv.ID.String(), limit)
	if err != nil {
		h.logger.Error("failed to list audit events", "error", err, "conversation_id", conv.ID)
		http.Error(w, "failed to list audit events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// conversationForClinic parses the path id and resolves the conversation
// within the caller's clinic. A conversation owned by another clinic is
// reported as not found so its existence does not leak across tenants.
func (h *ConversationsHandler) conversationForClinic(w http.ResponseWriter, r *http.Request) (*conversation.Conversation, bool) {
	raw := chi.URLParam(r, "conversationID")
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return nil, false
	}
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing clinic context", http.StatusBadRequest)
		return nil, false
	}
	conv, err := h.reader.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "failed to load conversation")
		return nil, false
	}
	if conv.ClinicID != clinicID {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return nil, false
	}
	return conv, true
}

func (h *ConversationsHandler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrAlreadyHumanControlled):
		http.Error(w, "conversation already controlled by another user", http.StatusConflict)
	case errors.Is(err, conversation.ErrNotHumanControlled):
		http.Error(w, "conversation is not under human control", http.StatusConflict)
	case errors.Is(err, conversation.ErrConversationClosed):
		http.Error(w, "conversation is closed", http.StatusGone)
	case errors.Is(err, conversation.ErrReengagementAlreadySent):
		http.Error(w, "re-engagement already sent; waiting for patient reply", http.StatusConflict)
	case errors.Is(err, conversation.ErrWindowStillClosed):
		http.Error(w, "messaging window is still closed", http.StatusConflict)
	default:
		h.logger.Error(fallback, "error", err)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
