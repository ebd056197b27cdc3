package conversation

import "time"

// MessagingWindow is the period after a patient-initiated message during
// which WhatsApp permits free-form business replies.
const MessagingWindow = 24 * time.Hour

// IsWindowOpen reports whether a free-form outbound message is permitted
// right now. A conversation with no inbound message ever is closed: the
// window requires at least one patient-originated message. The boundary
// at exactly 24h counts as closed.
//
// The result depends on the moving "now" input, so callers must
// re-evaluate per request rather than persist it.
func IsWindowOpen(lastInboundAt *time.Time, now time.Time) bool {
	if lastInboundAt == nil || lastInboundAt.IsZero() {
		return false
	}
	return now.Sub(*lastInboundAt) < MessagingWindow
}

// WindowExpiresAt returns the instant the window closes, or nil when no
// inbound message has been received.
func WindowExpiresAt(lastInboundAt *time.Time) *time.Time {
	if lastInboundAt == nil || lastInboundAt.IsZero() {
		return nil
	}
	expires := lastInboundAt.Add(MessagingWindow)
	return &expires
}

// WindowRemaining returns how long the window stays open from now, or
// zero when it is already closed.
func WindowRemaining(lastInboundAt *time.Time, now time.Time) time.Duration {
	expires := WindowExpiresAt(lastInboundAt)
	if expires == nil {
		return 0
	}
	remaining := expires.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return remaining
}
