package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gendei/conversation-service/pkg/logging"
)

// WebhookDeliveryHandler POSTs outbox entries to a configured endpoint so
// the dashboard can refresh push-style instead of polling.
type WebhookDeliveryHandler struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewWebhookDeliveryHandler(url string, logger *logging.Logger) *WebhookDeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookDeliveryHandler{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type webhookEnvelope struct {
	ID        string          `json:"id"`
	ClinicID  string          `json:"clinic_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *WebhookDeliveryHandler) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := json.Marshal(webhookEnvelope{
		ID:        entry.ID.String(),
		ClinicID:  entry.ClinicID,
		Type:      entry.Type,
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("events: marshal webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("events: deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogDeliveryHandler logs entries instead of delivering them. Used when
// no events webhook is configured.
type LogDeliveryHandler struct {
	logger *logging.Logger
}

func NewLogDeliveryHandler(logger *logging.Logger) *LogDeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogDeliveryHandler{logger: logger}
}

func (h *LogDeliveryHandler) Handle(_ context.Context, entry OutboxEntry) error {
	h.logger.Info("conversation event",
		"event_id", entry.ID,
		"clinic_id", entry.ClinicID,
		"type", entry.Type,
	)
	return nil
}
