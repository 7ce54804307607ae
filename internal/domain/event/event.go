// Package event defines the immutable collaboration Event published on the
// session event bus and replayed from recordings.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of collaboration event.
type Type string

const (
	TypeParticipantJoined Type = "participant_joined"
	TypeParticipantLeft   Type = "participant_left"
	TypeCodeEdit          Type = "code_edit"
	TypeContextShared     Type = "context_shared"
	TypeConflictDetected  Type = "conflict_detected"
	TypeConflictResolved  Type = "conflict_resolved"
	TypeRoleChanged       Type = "role_changed"
	TypeMessageSent       Type = "message_sent"
	TypeStatusChanged     Type = "status_changed"
	TypeRecordingToggled  Type = "recording_toggled"
)

// AllTypes lists every event type in declaration order.
var AllTypes = []Type{
	TypeParticipantJoined,
	TypeParticipantLeft,
	TypeCodeEdit,
	TypeContextShared,
	TypeConflictDetected,
	TypeConflictResolved,
	TypeRoleChanged,
	TypeMessageSent,
	TypeStatusChanged,
	TypeRecordingToggled,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is a single immutable occurrence within a session. Seq is assigned
// by the bus at publish time and breaks timestamp ties.
type Event struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Seq           uint64            `json:"seq"`
	Data          json.RawMessage   `json:"data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Before reports whether e is ordered before o by (timestamp, seq).
func (e *Event) Before(o *Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Seq < o.Seq
}

// Clone returns a copy of e that shares no mutable state.
func (e *Event) Clone() Event {
	c := *e
	c.Data = append(json.RawMessage(nil), e.Data...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// New builds an event with a JSON-encoded payload. A payload that cannot be
// marshaled is dropped rather than failing the caller.
func New(t Type, sessionID, participantID string, data any) Event {
	ev := Event{Type: t, SessionID: sessionID, ParticipantID: participantID}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}
