// Standalone inbound worker. Runs the webhook job consumers and the
// queue drain sweeper without the HTTP surface, for deployments that
// scale workers separately from the API.
package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gendei/conversation-service/cmd/mainconfig"
	appconfig "github.com/gendei/conversation-service/internal/config"
	"github.com/gendei/conversation-service/internal/conversation"
	"github.com/gendei/conversation-service/internal/events"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

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

	metrics := observemetrics.NewConversationMetrics(nil)
	store := conversation.NewStore(pool)
	outbox := events.NewOutboxStore(pool)
	processed := events.NewProcessedStore(pool)

	waClient := whatsapp.NewClient(whatsapp.Config{
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		BaseURL:       cfg.WhatsAppGraphBaseURL,
		TemplateLang:  cfg.ReengagementTemplateLang,
	}, logger)

	dispatcher := conversation.NewDispatcher(conversation.DispatcherConfig{
		Store:                store,
		Channel:              waClient,
		Transcript:           transcripts,
		Events:               outbox,
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

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := inbound.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL)

	worker := inbound.NewWorker(service, queue, logger,
		inbound.WithWorkerCount(cfg.WorkerCount),
		inbound.WithProcessedStore(processed),
	)
	worker.Start(ctx)

	sweeper := drainworker.NewSweeper(store, dispatcher, logger).
		WithInterval(cfg.DrainSweepInterval).
		WithBatchSize(cfg.DrainSweepBatchSize).
		WithMetrics(metrics)
	go sweeper.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down inbound worker...")
	cancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("inbound worker stopped")
	case <-time.After(30 * time.Second):
		logger.Error("inbound worker shutdown timed out")
	}
}
