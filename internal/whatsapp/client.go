// Package whatsapp wraps the Meta WhatsApp Cloud API for outbound sends
// and webhook verification.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gendei/conversation-service/pkg/logging"
)

var sendTracer = otel.Tracer("gendei.internal.whatsapp.send")

// ErrRecipientWindowClosed is Meta error 131047: the 24h customer service
// window has expired and only template messages are accepted. The window
// evaluator is the source of truth for window state; this error surfaces
// only when local state and Meta disagree (e.g. clock skew).
var ErrRecipientWindowClosed = errors.New("whatsapp: recipient messaging window closed")

const errCodeReengagementRequired = 131047

// Client posts messages through the WhatsApp Cloud API.
type Client struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	templateLang  string
	httpClient    *http.Client
	logger        *logging.Logger
}

// Config holds the Cloud API credentials for one business number.
type Config struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	TemplateLang  string
}

// NewClient builds a sender for the WhatsApp Cloud API.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com/v19.0"
	}
	if cfg.TemplateLang == "" {
		cfg.TemplateLang = "pt_BR"
	}
	return &Client{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		templateLang:  cfg.TemplateLang,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SendFreeform posts a free-form text message. Only valid inside the 24h
// messaging window.
func (c *Client) SendFreeform(ctx context.Context, to, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", errors.New("whatsapp: body required")
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"body": body,
		},
	}
	return c.send(ctx, to, "text", payload)
}

// SendTemplate posts a pre-approved template message. Permitted outside
// the messaging window.
func (c *Client) SendTemplate(ctx context.Context, to, template string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", errors.New("whatsapp: template name required")
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template": map[string]any{
			"name": template,
			"language": map[string]any{
				"code": c.templateLang,
			},
		},
	}
	return c.send(ctx, to, "template", payload)
}

func (c *Client) send(ctx context.Context, to, kind string, payload map[string]any) (string, error) {
	if c.accessToken == "" {
		return "", errors.New("whatsapp: access token missing")
	}
	if c.phoneNumberID == "" {
		return "", errors.New("whatsapp: phone number id missing")
	}
	if to == "" {
		return "", errors.New("whatsapp: to required")
	}

	ctx, span := sendTracer.Start(ctx, "whatsapp.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("gendei.to", to),
		attribute.String("gendei.kind", kind),
	)

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		var messageID string
		if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.Messages) > 0 {
			messageID = parsed.Messages[0].ID
		}
		c.logger.Info("whatsapp message sent", "to", to, "kind", kind, "provider_message_id", messageID)
		return messageID, nil
	}

	var graphErr struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if len(respBody) > 0 && json.Unmarshal(respBody, &graphErr) == nil && graphErr.Error.Code != 0 {
		if graphErr.Error.Code == errCodeReengagementRequired {
			span.RecordError(ErrRecipientWindowClosed)
			return "", fmt.Errorf("whatsapp: send to %s: %w", to, ErrRecipientWindowClosed)
		}
		err = fmt.Errorf("whatsapp: send failed: status %d, code %d: %s", resp.StatusCode, graphErr.Error.Code, graphErr.Error.Message)
	} else {
		err = fmt.Errorf("whatsapp: send failed: status %d", resp.StatusCode)
	}
	span.RecordError(err)
	c.logger.Error("failed to send whatsapp message", "error", err, "to", to, "kind", kind)
	return "", err
}

// VerifySignature checks the X-Hub-Signature-256 header Meta attaches to
// webhook deliveries.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		// verification disabled (dev)
		return true
	}
	sig := strings.TrimPrefix(header, "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
