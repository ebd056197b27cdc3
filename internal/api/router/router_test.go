package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gendei/conversation-service/internal/http/handlers"
	"github.com/gendei/conversation-service/internal/inbound"
	"github.com/gendei/conversation-service/pkg/logging"
)

type noopPublisher struct{}

func (noopPublisher) EnqueueMessage(context.Context, inbound.Job) error { return nil }
func (noopPublisher) EnqueueStatus(context.Context, inbound.Job) error  { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	webhook := handlers.NewWhatsAppWebhookHandler(handlers.WhatsAppWebhookConfig{
		Publisher:   noopPublisher{},
		VerifyToken: "verify-me",
	})

	cfg := &Config{
		Logger:          logging.Default(),
		WhatsAppWebhook: webhook,
		AdminAuthSecret: "secret",
	}
	return New(cfg)
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterWebhookVerifyEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if rr.Body.String() != "abc" {
		t.Fatalf("expected challenge echoed, got %q", rr.Body.String())
	}
}

func TestRouterAdminRoutesRequireAuth(t *testing.T) {
	webhook := handlers.NewWhatsAppWebhookHandler(handlers.WhatsAppWebhookConfig{
		Publisher:   noopPublisher{},
		VerifyToken: "verify-me",
	})
	conversations := handlers.NewConversationsHandler(handlers.ConversationsHandlerConfig{})
	router := New(&Config{
		Logger:          logging.Default(),
		WhatsAppWebhook: webhook,
		Conversations:   conversations,
		AdminAuthSecret: "secret",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}
