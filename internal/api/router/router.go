package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gendei/conversation-service/internal/http/handlers"
	httpmiddleware "github.com/gendei/conversation-service/internal/http/middleware"
	"github.com/gendei/conversation-service/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	Conversations      *handlers.ConversationsHandler
	WhatsAppWebhook    *handlers.WhatsAppWebhookHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates the Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks).
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.WhatsAppWebhook != nil {
			public.Get("/webhooks/whatsapp", cfg.WhatsAppWebhook.Verify)
			public.Post("/webhooks/whatsapp", cfg.WhatsAppWebhook.Receive)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Dashboard API (staff JWT + clinic tenancy header).
	if cfg.Conversations != nil {
		r.Route("/api/conversations", func(api chi.Router) {
			api.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			api.Use(requireClinicID)
			api.Get("/", cfg.Conversations.List)
			api.Route("/{conversationID}", func(conv chi.Router) {
				conv.Get("/", cfg.Conversations.Get)
				conv.Post("/takeover", cfg.Conversations.Takeover)
				conv.Post("/release", cfg.Conversations.Release)
				conv.Post("/messages", cfg.Conversations.SendMessage)
				conv.Get("/log", cfg.Conversations.ListMessages)
				conv.Post("/reengage", cfg.Conversations.Reengage)
				conv.Get("/queue", cfg.Conversations.ListQueue)
				conv.Post("/queue/send", cfg.Conversations.DrainQueue)
				conv.Delete("/queue", cfg.Conversations.ClearQueue)
				conv.Get("/window", cfg.Conversations.Window)
				conv.Get("/audit", cfg.Conversations.ListAudit)
			})
		})
	}

	return r
}
