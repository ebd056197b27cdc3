package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gendei/conversation-service/internal/inbound"
	"github.com/gendei/conversation-service/internal/whatsapp"
	"github.com/gendei/conversation-service/pkg/logging"
)

type jobPublisher interface {
	EnqueueMessage(ctx context.Context, job inbound.Job) error
	EnqueueStatus(ctx context.Context, job inbound.Job) error
}

// WhatsAppWebhookHandler receives Meta Cloud API callbacks. It verifies
// the signature, acknowledges fast, and defers all recording to the
// queue workers.
type WhatsAppWebhookHandler struct {
	publisher   jobPublisher
	appSecret   string
	verifyToken string
	logger      *logging.Logger
}

type WhatsAppWebhookConfig struct {
	Publisher   jobPublisher
	AppSecret   string
	VerifyToken string
	Logger      *logging.Logger
}

func NewWhatsAppWebhookHandler(cfg WhatsAppWebhookConfig) *WhatsAppWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WhatsAppWebhookHandler{
		publisher:   cfg.Publisher,
		appSecret:   cfg.AppSecret,
		verifyToken: cfg.VerifyToken,
		logger:      cfg.Logger,
	}
}

// webhookEnvelope mirrors the Cloud API callback payload. The entry id is
// the WhatsApp Business Account id, which doubles as our clinic key.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
		Errors      []struct {
			Code  int    `json:"code"`
			Title string `json:"title"`
		} `json:"errors"`
	} `json:"statuses"`
}

// Verify answers Meta's subscription handshake.
// GET /webhooks/whatsapp
func (h *WhatsAppWebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// Receive ingests one callback batch.
// POST /webhooks/whatsapp
func (h *WhatsAppWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !whatsapp.VerifySignature(h.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature mismatch", "remote_ip", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			h.enqueueMessages(r.Context(), entry.ID, change.Value)
			h.enqueueStatuses(r.Context(), change.Value)
		}
	}

	// Always ack: Meta retries on non-2xx and the queue already has
	// everything we managed to enqueue.
	w.WriteHeader(http.StatusOK)
}

func (h *WhatsAppWebhookHandler) enqueueMessages(ctx context.Context, clinicID string, value webhookValue) {
	names := make(map[string]string, len(value.Contacts))
	for _, contact := range value.Contacts {
		names[contact.WaID] = contact.Profile.Name
	}

	for _, msg := range value.Messages {
		if msg.Type != "text" {
			h.logger.Info("skipping unsupported message type",
				"type", msg.Type,
				"provider_message_id", msg.ID,
			)
			continue
		}
		job := inbound.Job{
			ClinicID:          clinicID,
			PatientWAID:       msg.From,
			PatientPhone:      "+" + msg.From,
			PatientName:       names[msg.From],
			Body:              msg.Text.Body,
			ProviderMessageID: msg.ID,
			ReceivedAt:        parseWebhookTimestamp(msg.Timestamp),
		}
		if err := h.publisher.EnqueueMessage(ctx, job); err != nil {
			h.logger.Error("failed to enqueue inbound message",
				"error", err,
				"provider_message_id", msg.ID,
			)
		}
	}
}

func (h *WhatsAppWebhookHandler) enqueueStatuses(ctx context.Context, value webhookValue) {
	for _, st := range value.Statuses {
		job := inbound.Job{
			ProviderMessageID: st.ID,
			Status:            st.Status,
		}
		if len(st.Errors) > 0 {
			job.FailureReason = st.Errors[0].Title
		}
		if err := h.publisher.EnqueueStatus(ctx, job); err != nil {
			h.logger.Error("failed to enqueue status update",
				"error", err,
				"provider_message_id", st.ID,
			)
		}
	}
}

func parseWebhookTimestamp(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
