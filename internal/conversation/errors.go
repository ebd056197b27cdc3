package conversation

import "errors"

// Business-rule errors. They cross the core boundary as values so the
// API layer can map each one to a specific, actionable response instead
// of a generic failure.
var (
	// ErrNotFound means the conversation id is unknown.
	ErrNotFound = errors.New("conversation: not found")

	// ErrAlreadyHumanControlled means another staff member already holds
	// the conversation.
	ErrAlreadyHumanControlled = errors.New("conversation: already controlled by another agent")

	// ErrNotHumanControlled means the operation requires a human
	// controller but the AI currently holds the conversation.
	ErrNotHumanControlled = errors.New("conversation: not under human control")

	// ErrConversationClosed means the booking journey ended and neither
	// takeover nor sends are accepted.
	ErrConversationClosed = errors.New("conversation: closed")

	// ErrReengagementAlreadySent means a re-engagement template is
	// already outstanding for this conversation.
	ErrReengagementAlreadySent = errors.New("conversation: re-engagement already sent")

	// ErrWindowStillClosed means the 24h messaging window has not
	// reopened yet.
	ErrWindowStillClosed = errors.New("conversation: messaging window still closed")
)
