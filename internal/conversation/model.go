package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Controller identifies who currently drives a conversation.
type Controller string

const (
	// ControllerAI means the booking agent answers the patient.
	ControllerAI Controller = "ai"
	// ControllerHuman means a clinic staff member has taken over.
	ControllerHuman Controller = "human"
)

// LifecycleState tracks the booking journey. Display-only; control
// decisions key off Controller and the closed state.
type LifecycleState string

const (
	LifecycleNew        LifecycleState = "new"
	LifecycleEngaged    LifecycleState = "engaged"
	LifecycleScheduling LifecycleState = "scheduling"
	LifecycleConfirming LifecycleState = "confirming"
	LifecycleClosed     LifecycleState = "closed"
)

// Conversation is the authoritative record for one (clinic, patient) pair.
// Version guards every control-state write; see Store.CompareAndSwapControl.
type Conversation struct {
	ID           uuid.UUID
	ClinicID     string
	PatientWAID  string
	PatientPhone string
	PatientName  string

	Lifecycle LifecycleState

	Controller         Controller
	ControlledByUserID string
	TakenOverAt        *time.Time
	ReleasedAt         *time.Time

	LastInboundAt      *time.Time
	ReengagementSentAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HumanControlled reports whether a staff member currently holds the conversation.
func (c *Conversation) HumanControlled() bool {
	return c != nil && c.Controller == ControllerHuman && c.ControlledByUserID != ""
}

// Closed reports whether the booking journey has ended.
func (c *Conversation) Closed() bool {
	return c != nil && c.Lifecycle == LifecycleClosed
}

// QueuedMessage is an outbound message deferred because the messaging
// window was closed when the agent tried to send it.
type QueuedMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Body           string
	EnqueuedBy     string
	EnqueuedAt     time.Time
}

// Message direction constants for the log.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message kinds for the log.
const (
	KindFreeform = "freeform"
	KindTemplate = "template"
)

// LogEntry is one append-only message-log record. Only DeliveryStatus
// and FailureReason are ever updated after insert.
type LogEntry struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	Direction         string
	Kind              string
	Body              string
	SentBy            string
	ProviderMessageID string
	DeliveryStatus    string
	FailureReason     string
	CreatedAt         time.Time
}

// ControlPatch describes the control-state mutation applied by a
// successful compare-and-swap.
type ControlPatch struct {
	Controller         Controller
	ControlledByUserID string
	TakenOverAt        *time.Time
	ReleasedAt         *time.Time
}

// WindowStatus is the evaluator output exposed to the dashboard.
type WindowStatus struct {
	Open               bool
	ExpiresAt          *time.Time
	Remaining          time.Duration
	ReengagementSentAt *time.Time
	QueueDepth         int
}

// SendOutcome distinguishes an immediate send from a deferred one.
type SendOutcome string

const (
	OutcomeSent   SendOutcome = "sent"
	OutcomeQueued SendOutcome = "queued"
)

// SendResult is returned by Dispatcher.SendMessage.
type SendResult struct {
	Outcome         SendOutcome
	LogEntryID      uuid.UUID
	QueuedMessageID uuid.UUID
}

// DrainResult reports a queue drain. On partial failure Sent counts the
// messages delivered before the failure, Failed is always 0 or 1 (drain
// stops at the first channel error), and Remaining counts messages still
// queued behind it.
type DrainResult struct {
	Sent      int
	Failed    int
	Remaining int
}
