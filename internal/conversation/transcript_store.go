package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const transcriptKeyPrefix = "transcript:"

// transcriptTTL keeps the cache around long enough for day-to-day agent
// work; Postgres remains the system of record.
const transcriptTTL = 7 * 24 * time.Hour

// TranscriptEntry is the cached shape of one message for chat previews.
type TranscriptEntry struct {
	ID                string    `json:"id"`
	Direction         string    `json:"direction"`
	Kind              string    `json:"kind"`
	Body              string    `json:"body"`
	SentBy            string    `json:"sent_by,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	DeliveryStatus    string    `json:"delivery_status,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// TranscriptStore caches the recent message tail per conversation in
// Redis so the dashboard renders chat previews without touching Postgres.
type TranscriptStore struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
}

func NewTranscriptStore(redisClient *redis.Client) *TranscriptStore {
	if redisClient == nil {
		return nil
	}
	return &TranscriptStore{
		redis:       redisClient,
		tracer:      otel.Tracer("gendei.internal.conversation.transcript"),
		maxMessages: 250,
	}
}

// AppendEntry pushes a log entry onto the cached tail.
func (s *TranscriptStore) AppendEntry(ctx context.Context, conversationID uuid.UUID, entry LogEntry) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if conversationID == uuid.Nil {
		return errors.New("conversation: transcript conversation id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cached := TranscriptEntry{
		ID:                entry.ID.String(),
		Direction:         entry.Direction,
		Kind:              entry.Kind,
		Body:              entry.Body,
		SentBy:            entry.SentBy,
		ProviderMessageID: entry.ProviderMessageID,
		DeliveryStatus:    entry.DeliveryStatus,
		Timestamp:         entry.CreatedAt,
	}
	if cached.Timestamp.IsZero() {
		cached.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("conversation: marshal transcript entry: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "conversation.transcript.append")
	defer span.End()

	key := transcriptKey(conversationID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, transcriptTTL)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: append transcript entry: %w", err)
	}
	return nil
}

// List returns up to limit recent entries, oldest first.
func (s *TranscriptStore) List(ctx context.Context, conversationID uuid.UUID, limit int64) ([]TranscriptEntry, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if conversationID == uuid.Nil {
		return nil, errors.New("conversation: transcript conversation id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := s.tracer.Start(ctx, "conversation.transcript.list")
	defer span.End()

	start := int64(0)
	end := int64(-1)
	if limit > 0 {
		start = -limit
	}

	raw, err := s.redis.LRange(ctx, transcriptKey(conversationID), start, end).Result()
	if err != nil {
		span.RecordError(err)
		if err == redis.Nil {
			return []TranscriptEntry{}, nil
		}
		return nil, fmt.Errorf("conversation: list transcript: %w", err)
	}

	out := make([]TranscriptEntry, 0, len(raw))
	for _, item := range raw {
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func transcriptKey(conversationID uuid.UUID) string {
	return transcriptKeyPrefix + conversationID.String()
}
