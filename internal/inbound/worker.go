package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gendei/conversation-service/internal/conversation"
	"github.com/gendei/conversation-service/pkg/logging"
)

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	deleteTimeout       = 5 * time.Second
)

// recorder is the conversation surface the worker drives.
type recorder interface {
	RecordInboundMessage(ctx context.Context, clinicID, patientWAID, phone, name, body, providerMessageID string, receivedAt time.Time) (*conversation.Conversation, error)
	RecordDeliveryStatus(ctx context.Context, providerMessageID, status, failureReason string) error
}

// Autoresponder generates and sends an AI reply to an inbound message.
// It is only invoked for conversations under AI control.
type Autoresponder interface {
	Respond(ctx context.Context, conv *conversation.Conversation, body string) error
}

type processedEventStore interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// Worker consumes webhook jobs from the queue and records them through
// the conversation core.
type Worker struct {
	recorder  recorder
	queue     queueClient
	processed processedEventStore
	responder Autoresponder
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	processed        processedEventStore
	responder        Autoresponder
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithProcessedStore provides an idempotency store so redelivered webhook
// events are recorded at most once.
func WithProcessedStore(store processedEventStore) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.processed = store
	}
}

// WithAutoresponder wires an AI reply generator for AI-controlled conversations.
func WithAutoresponder(responder Autoresponder) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.responder = responder
	}
}

// NewWorker constructs a queue consumer around the provided recorder.
func NewWorker(rec recorder, queue queueClient, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if rec == nil {
		panic("inbound: recorder cannot be nil")
	}
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		recorder:  rec,
		queue:     queue,
		processed: cfg.processed,
		responder: cfg.responder,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("inbound worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("inbound worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive webhook jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var job Job
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		w.logger.Error("failed to decode webhook job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	if err := w.processJob(ctx, job); err != nil {
		// Leave the message on the queue for redelivery.
		w.logger.Error("webhook job failed", "error", err, "job_id", job.ID, "kind", job.Kind)
		return
	}

	w.logger.Debug("webhook job processed", "job_id", job.ID, "kind", job.Kind)
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) processJob(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobMessage:
		return w.processMessage(ctx, job)
	case JobStatus:
		return w.recorder.RecordDeliveryStatus(ctx, job.ProviderMessageID, job.Status, job.FailureReason)
	default:
		return fmt.Errorf("inbound: unknown job kind %q", job.Kind)
	}
}

func (w *Worker) processMessage(ctx context.Context, job Job) error {
	if w.processed != nil && job.ProviderMessageID != "" {
		fresh, err := w.processed.MarkProcessed(ctx, "whatsapp", job.ProviderMessageID)
		if err != nil {
			return fmt.Errorf("inbound: idempotency check failed: %w", err)
		}
		if !fresh {
			w.logger.Info("skipping duplicate webhook event", "provider_message_id", job.ProviderMessageID, "job_id", job.ID)
			return nil
		}
	}

	receivedAt := job.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	conv, err := w.recorder.RecordInboundMessage(ctx, job.ClinicID, job.PatientWAID, job.PatientPhone, job.PatientName, job.Body, job.ProviderMessageID, receivedAt)
	if err != nil {
		return err
	}

	if w.responder != nil && !conv.HumanControlled() && !conv.Closed() {
		if err := w.responder.Respond(ctx, conv, job.Body); err != nil {
			// The inbound message is already recorded; a reply failure
			// should not requeue the job.
			w.logger.Error("autoresponder failed", "error", err, "conversation_id", conv.ID, "job_id", job.ID)
		}
	}
	return nil
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete webhook job", "error", err)
	}
}
