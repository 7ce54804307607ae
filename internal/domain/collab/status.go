package collab

import (
	"errors"
	"fmt"

	"github.com/Strob0t/CodePair/internal/domain"
)

// transitions lists the permitted lifecycle moves. There is no way back from
// ending, completed or terminated.
var transitions = map[SessionStatus][]SessionStatus{
	StatusInitializing: {StatusActive, StatusTerminated},
	StatusActive:       {StatusPaused, StatusEnding, StatusTerminated},
	StatusPaused:       {StatusEnding, StatusTerminated},
	StatusEnding:       {StatusCompleted, StatusTerminated},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ended reports whether the status is past the point of accepting operations
// or a further end request.
func (s SessionStatus) Ended() bool {
	return s == StatusEnding || s == StatusCompleted || s == StatusTerminated
}

// Transition moves the session to the given status or returns an error
// naming both states.
func (s *Session) Transition(to SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("session %s: cannot transition from %s to %s: %w", s.ID, s.Status, to, domain.ErrInvalidState)
	}
	s.Status = to
	return nil
}

var validSessionTypes = map[SessionType]bool{
	SessionTypeRealtime:  true,
	SessionTypeAsync:     true,
	SessionTypeMentoring: true,
	SessionTypeReview:    true,
	SessionTypeDebug:     true,
}

// Validate checks that a SessionConfig is structurally valid.
func (c *SessionConfig) Validate() error {
	if !validSessionTypes[c.Type] {
		return fmt.Errorf("invalid session type %q", c.Type)
	}
	if c.MaxParticipants < 1 {
		return errors.New("max_participants must be >= 1")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be non-negative")
	}
	return nil
}
