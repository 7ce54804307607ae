package collab

import (
	"errors"
	"time"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

// HandoffStatus is the delivery state of an async handoff.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffExpired  HandoffStatus = "expired"
)

// DefaultHandoffTTL is used when the caller supplies no expiry.
const DefaultHandoffTTL = 24 * time.Hour

// AsyncHandoff transfers context and ownership between participants of an
// async session.
type AsyncHandoff struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	FromParticipant string           `json:"from_participant"`
	ToParticipant   string           `json:"to_participant"`
	ContextItems    []cpcontext.Item `json:"context_items"`
	Message         string           `json:"message"`
	Timestamp       time.Time        `json:"timestamp"`
	Status          HandoffStatus    `json:"status"`
	ExpiresAt       time.Time        `json:"expires_at"`
}

// HandoffRequest holds the caller-supplied fields of a handoff.
type HandoffRequest struct {
	FromParticipant string           `json:"from_participant"`
	ToParticipant   string           `json:"to_participant"`
	ContextItems    []cpcontext.Item `json:"context_items"`
	Message         string           `json:"message"`
	ExpiresIn       time.Duration    `json:"expires_in,omitempty"`
}

// Validate checks that a HandoffRequest is well-formed.
func (r *HandoffRequest) Validate() error {
	if r.FromParticipant == "" {
		return errors.New("from_participant is required")
	}
	if r.ToParticipant == "" {
		return errors.New("to_participant is required")
	}
	if r.FromParticipant == r.ToParticipant {
		return errors.New("cannot hand off to the same participant")
	}
	if r.ExpiresIn < 0 {
		return errors.New("expires_in must be non-negative")
	}
	return nil
}

// Expired reports whether the handoff has passed its expiry at now.
func (h *AsyncHandoff) Expired(now time.Time) bool {
	return h.Status == HandoffPending && !now.Before(h.ExpiresAt)
}
