package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	observemetrics "github.com/gendei/conversation-service/internal/observability/metrics"
	"github.com/gendei/conversation-service/pkg/logging"
)

// casMaxAttempts bounds the optimistic-concurrency retry loop. Contention
// on a single conversation is two agents clicking at once, so a handful
// of retries is plenty.
const casMaxAttempts = 4

type controlStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	CompareAndSwapControl(ctx context.Context, id uuid.UUID, expectedVersion int64, patch ControlPatch) (bool, error)
}

// ControlTransition is the audit payload appended on every successful
// takeover or release.
type ControlTransition struct {
	ConversationID uuid.UUID
	ClinicID       string
	Action         string
	FromController Controller
	ToController   Controller
	UserID         string
	At             time.Time
}

// Audit actions.
const (
	ActionTakeover = "takeover"
	ActionRelease  = "release"
)

type transitionAuditor interface {
	RecordControlTransition(ctx context.Context, t ControlTransition) error
}

type eventPublisher interface {
	Publish(ctx context.Context, clinicID, eventType string, payload any) error
}

// TakeoverController enforces the legal transitions between AI and human
// conversation control.
type TakeoverController struct {
	store   controlStore
	audit   transitionAuditor
	events  eventPublisher
	metrics *observemetrics.ConversationMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// TakeoverControllerConfig wires the controller's collaborators. Audit is
// required; Events and Metrics are optional.
type TakeoverControllerConfig struct {
	Store   controlStore
	Audit   transitionAuditor
	Events  eventPublisher
	Metrics *observemetrics.ConversationMetrics
	Logger  *logging.Logger
}

func NewTakeoverController(cfg TakeoverControllerConfig) *TakeoverController {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &TakeoverController{
		store:   cfg.Store,
		audit:   cfg.Audit,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (tc *TakeoverController) WithClock(now func() time.Time) *TakeoverController {
	if now != nil {
		tc.now = now
	}
	return tc
}

// Takeover moves an AI-controlled conversation under the given staff
// member's control. Taking over a conversation the same user already
// holds is a no-op success; a different holder yields
// ErrAlreadyHumanControlled. The compare-and-swap on the record version
// guarantees exactly one of two concurrent takeovers wins.
func (tc *TakeoverController) Takeover(ctx context.Context, conversationID uuid.UUID, userID string) (*Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("conversation: takeover: user id required")
	}

	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		conv, err := tc.store.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv.Closed() {
			tc.observeTakeover(ActionTakeover, "closed")
			return nil, ErrConversationClosed
		}
		if conv.Controller == ControllerHuman {
			if conv.ControlledByUserID == userID {
				return conv, nil
			}
			tc.observeTakeover(ActionTakeover, "conflict")
			return nil, ErrAlreadyHumanControlled
		}

		now := tc.now().UTC()
		patch := ControlPatch{
			Controller:         ControllerHuman,
			ControlledByUserID: userID,
			TakenOverAt:        &now,
		}
		ok, err := tc.store.CompareAndSwapControl(ctx, conversationID, conv.Version, patch)
		if err != nil {
			return nil, err
		}
		if !ok {
			// lost the race; re-read and re-decide
			continue
		}

		tc.recordTransition(ctx, ControlTransition{
			ConversationID: conv.ID,
			ClinicID:       conv.ClinicID,
			Action:         ActionTakeover,
			FromController: ControllerAI,
			ToController:   ControllerHuman,
			UserID:         userID,
			At:             now,
		})
		tc.observeTakeover(ActionTakeover, "ok")

		conv.Controller = ControllerHuman
		conv.ControlledByUserID = userID
		conv.TakenOverAt = &now
		conv.Version++
		return conv, nil
	}
	return nil, fmt.Errorf("conversation: takeover: persistent version conflict on %s", conversationID)
}

// Release hands a human-controlled conversation back to the AI agent.
// Releasing an AI-controlled conversation fails with ErrNotHumanControlled.
func (tc *TakeoverController) Release(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		conv, err := tc.store.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv.Controller != ControllerHuman {
			tc.observeTakeover(ActionRelease, "not_human")
			return nil, ErrNotHumanControlled
		}

		releasedBy := conv.ControlledByUserID
		now := tc.now().UTC()
		patch := ControlPatch{
			Controller: ControllerAI,
			ReleasedAt: &now,
		}
		ok, err := tc.store.CompareAndSwapControl(ctx, conversationID, conv.Version, patch)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		tc.recordTransition(ctx, ControlTransition{
			ConversationID: conv.ID,
			ClinicID:       conv.ClinicID,
			Action:         ActionRelease,
			FromController: ControllerHuman,
			ToController:   ControllerAI,
			UserID:         releasedBy,
			At:             now,
		})
		tc.observeTakeover(ActionRelease, "ok")

		conv.Controller = ControllerAI
		conv.ControlledByUserID = ""
		conv.ReleasedAt = &now
		conv.Version++
		return conv, nil
	}
	return nil, fmt.Errorf("conversation: release: persistent version conflict on %s", conversationID)
}

func (tc *TakeoverController) recordTransition(ctx context.Context, t ControlTransition) {
	if tc.audit != nil {
		if err := tc.audit.RecordControlTransition(ctx, t); err != nil {
			tc.logger.Error("failed to append control audit entry",
				"error", err,
				"conversation_id", t.ConversationID,
				"action", t.Action,
			)
		}
	}
	if tc.events != nil {
		if err := tc.events.Publish(ctx, t.ClinicID, "conversation.control."+t.Action, t); err != nil {
			tc.logger.Error("failed to publish control event",
				"error", err,
				"conversation_id", t.ConversationID,
				"action", t.Action,
			)
		}
	}
}

func (tc *TakeoverController) observeTakeover(action, result string) {
	if tc.metrics != nil {
		tc.metrics.ObserveControl(action, result)
	}
}
