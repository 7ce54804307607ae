// Package collab defines the collaboration session, participant and handoff
// domain entities together with the session lifecycle state machine.
package collab

import (
	"time"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

// SessionType selects how participants collaborate.
type SessionType string

const (
	SessionTypeRealtime  SessionType = "realtime"
	SessionTypeAsync     SessionType = "async"
	SessionTypeMentoring SessionType = "mentoring"
	SessionTypeReview    SessionType = "review"
	SessionTypeDebug     SessionType = "debug"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusPaused       SessionStatus = "paused"
	StatusEnding       SessionStatus = "ending"
	StatusCompleted    SessionStatus = "completed"
	StatusTerminated   SessionStatus = "terminated"
)

// SessionConfig holds the creation parameters of a session.
type SessionConfig struct {
	Type            SessionType   `json:"type"`
	MaxParticipants int           `json:"max_participants"`
	Timeout         time.Duration `json:"timeout"`
	RecordSession   bool          `json:"record_session"`
}

// SessionMetadata holds running counters for a session.
type SessionMetadata struct {
	TotalEdits    int           `json:"total_edits"`
	TotalMessages int           `json:"total_messages"`
	Duration      time.Duration `json:"duration"`
}

// Session is one collaboration instance. It exclusively owns its participant
// list and shared context; conflicts are referenced by id only.
type Session struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	Config          SessionConfig            `json:"config"`
	Status          SessionStatus            `json:"status"`
	Host            Participant              `json:"host"`
	Participants    []Participant            `json:"participants"`
	CreatedAt       time.Time                `json:"created_at"`
	LastActivity    time.Time                `json:"last_activity"`
	Context         *cpcontext.SharedContext `json:"context,omitempty"`
	ActiveConflicts []string                 `json:"active_conflicts"`
	Metadata        SessionMetadata          `json:"metadata"`
	EndReason       string                   `json:"end_reason,omitempty"`
}

// Participant returns the participant with the given id.
func (s *Session) Participant(id string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// ParticipantByUser returns the participant entry for a user id.
func (s *Session) ParticipantByUser(userID string) (*Participant, bool) {
	if userID == "" {
		return nil, false
	}
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// OnlineParticipants returns the online participants in join order.
func (s *Session) OnlineParticipants() []Participant {
	var out []Participant
	for i := range s.Participants {
		if s.Participants[i].IsOnline {
			out = append(out, s.Participants[i])
		}
	}
	return out
}

// RemoveParticipant drops the participant with the given id and reports
// whether it was present.
func (s *Session) RemoveParticipant(id string) bool {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// AssignHost makes the participant with the given id the host and promotes
// their role to driver.
func (s *Session) AssignHost(id string) bool {
	p, ok := s.Participant(id)
	if !ok {
		return false
	}
	p.Role = RoleDriver
	s.Host = *p
	return true
}

// Clone returns a copy that shares no mutable slices with s. The shared
// context pointer is not copied; callers attach a snapshot separately.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.ActiveConflicts = append([]string(nil), s.ActiveConflicts...)
	c.Context = nil
	return &c
}
