package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gendei/conversation-service/cmd/mainconfig"
	"github.com/gendei/conversation-service/internal/api/router"
	"github.com/gendei/conversation-service/internal/compliance"
	appconfig "github.com/gendei/conversation-service/internal/config"
	"github.com/gendei/conversation-service/internal/conversation"
	"github.com/gendei/conversation-service/internal/events"
	"github.com/gendei/conversation-service/internal/http/handlers"
	"github.com/gendei/conversation-service/internal/inbound"
	observemetrics "github.com/gendei/conversation-service/internal/observability/metrics"
	"github.com/gendei/conversation-service/internal/whatsapp"
	drainworker "github.com/gendei/conversation-service/internal/worker/drain"
	"github.com/gendei/conversation-service/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting conversation service",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// The audit trail uses database/sql via the pgx stdlib driver so it can
	// stay decoupled from the pool the hot path uses.
	auditDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open audit db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = auditDB.Close() }()

	var transcripts *conversation.TranscriptStore
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transcripts = conversation.NewTranscriptStore(redis.NewClient(opts))
	}

	metrics := observemetrics.NewConversationMetrics(prometheus.DefaultRegisterer)

	store := conversation.NewStore(pool)
	auditService := compliance.NewAuditService(auditDB)
	outbox := events.NewOutboxStore(pool)
	processed := events.NewProcessedStore(pool)

	waClient := whatsapp.NewClient(whatsapp.Config{
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		BaseURL:       cfg.WhatsAppGraphBaseURL,
		TemplateLang:  cfg.ReengagementTemplateLang,
	}, logger)

	takeover := conversation.NewTakeoverController(conversation.TakeoverControllerConfig{
		Store:   store,
		Audit:   auditService,
		Events:  outbox,
		Metrics: metrics,
		Logger:  logger,
	})

	dispatcher := conversation.NewDispatcher(conversation.DispatcherConfig{
		Store:                store,
		Channel:              waClient,
		Transcript:           transcripts,
		Events:               outbox,
		Audit:                auditService,
		Metrics:              metrics,
		Logger:               logger,
		ReengagementTemplate: cfg.ReengagementTemplate,
	})

	service := conversation.NewService(conversation.ServiceConfig{
		Store:      store,
		Transcript: transcripts,
		Events:     outbox,
		Metrics:    metrics,
		Logger:     logger,
	})

	publisher, worker := buildInboundPipeline(ctx, cfg, logger, service, processed)
	worker.Start(ctx)

	sweeper := drainworker.NewSweeper(store, dispatcher, logger).
		WithInterval(cfg.DrainSweepInterval).
		WithBatchSize(cfg.DrainSweepBatchSize).
		WithMetrics(metrics)
	go sweeper.Run(ctx)

	var deliveryHandler events.DeliveryHandler
	if cfg.EventsWebhookURL != "" {
		deliveryHandler = events.NewWebhookDeliveryHandler(cfg.EventsWebhookURL, logger)
	} else {
		deliveryHandler = events.NewLogDeliveryHandler(logger)
	}
	deliverer := events.NewDeliverer(outbox, deliveryHandler, logger).WithInterval(cfg.OutboxInterval)
	go deliverer.Start(ctx)

	conversationsHandler := handlers.NewConversationsHandler(handlers.ConversationsHandlerConfig{
		Control:    takeover,
		Dispatcher: dispatcher,
		Reader:     store,
		Audit:      auditService,
		Logger:     logger,
	})

	webhookHandler := handlers.NewWhatsAppWebhookHandler(handlers.WhatsAppWebhookConfig{
		Publisher:   publisher,
		AppSecret:   cfg.WhatsAppAppSecret,
		VerifyToken: cfg.WhatsAppVerifyToken,
		Logger:      logger,
	})

	r := router.New(&router.Config{
		Logger:             logger,
		Conversations:      conversationsHandler,
		WhatsAppWebhook:    webhookHandler,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	worker.Wait()
	logger.Info("server stopped")
}

// buildInboundPipeline wires the webhook job queue. SQS backs production;
// the in-memory queue keeps local development and tests self-contained.
func buildInboundPipeline(
	ctx context.Context,
	cfg *appconfig.Config,
	logger *logging.Logger,
	service *conversation.Service,
	processed *events.ProcessedStore,
) (*inbound.Publisher, *inbound.Worker) {
	workerOpts := []inbound.WorkerOption{
		inbound.WithWorkerCount(cfg.WorkerCount),
		inbound.WithProcessedStore(processed),
	}

	if cfg.UseMemoryQueue {
		queue := inbound.NewMemoryQueue(0)
		logger.Info("using in-memory inbound queue")
		return inbound.NewPublisher(queue, logger), inbound.NewWorker(service, queue, logger, workerOpts...)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := inbound.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL)
	return inbound.NewPublisher(queue, logger), inbound.NewWorker(service, queue, logger, workerOpts...)
}
