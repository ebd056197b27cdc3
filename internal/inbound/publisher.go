package inbound

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gendei/conversation-service/pkg/logging"
)

// Publisher enqueues webhook jobs for asynchronous processing.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueMessage publishes an inbound patient message job.
func (p *Publisher) EnqueueMessage(ctx context.Context, job Job) error {
	job.Kind = JobMessage
	return p.enqueue(ctx, job)
}

// EnqueueStatus publishes a delivery-status job.
func (p *Publisher) EnqueueStatus(ctx context.Context, job Job) error {
	job.Kind = JobStatus
	return p.enqueue(ctx, job)
}

func (p *Publisher) enqueue(ctx context.Context, job Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("inbound: failed to encode job: %w", err)
	}

	if err := p.queue.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("inbound: failed to enqueue job: %w", err)
	}

	p.logger.Debug("webhook job enqueued", "job_id", job.ID, "kind", job.Kind)
	return nil
}
