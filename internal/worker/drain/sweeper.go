package drainworker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gendei/conversation-service/internal/conversation"
	observemetrics "github.com/gendei/conversation-service/internal/observability/metrics"
	"github.com/gendei/conversation-service/pkg/logging"
)

type candidateStore interface {
	ListDrainCandidates(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type queueDrainer interface {
	DrainQueue(ctx context.Context, conversationID uuid.UUID) (conversation.DrainResult, error)
}

// Sweeper periodically flushes deferred-send queues for conversations
// whose messaging window reopened. The per-conversation lock inside the
// dispatcher keeps the sweep safe against concurrent manual drains.
type Sweeper struct {
	store      candidateStore
	dispatcher queueDrainer
	metrics    *observemetrics.ConversationMetrics
	logger     *logging.Logger
	interval   time.Duration
	batchSize  int
}

func NewSweeper(store candidateStore, dispatcher queueDrainer, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   1 * time.Minute,
		batchSize:  25,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) WithMetrics(m *observemetrics.ConversationMetrics) *Sweeper {
	s.metrics = m
	return s
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.store == nil || s.dispatcher == nil {
		return
	}
	start := time.Now()

	ids, err := s.store.ListDrainCandidates(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("drain candidate fetch failed", "error", err)
		return
	}

	for _, id := range ids {
		res, err := s.dispatcher.DrainQueue(ctx, id)
		switch {
		case err == nil:
			if res.Sent > 0 {
				s.logger.Info("drained deferred queue",
					"conversation_id", id,
					"sent", res.Sent,
				)
			}
		case errors.Is(err, conversation.ErrWindowStillClosed):
			// the window closed again between the candidate query and
			// the drain; the next inbound message re-candidates it
		case errors.Is(err, conversation.ErrConversationClosed):
			s.logger.Info("skipping drain for closed conversation", "conversation_id", id)
		default:
			s.logger.Error("queue drain failed",
				"error", err,
				"conversation_id", id,
				"sent", res.Sent,
				"remaining", res.Remaining,
			)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveSweepDuration(time.Since(start).Seconds())
	}
}
