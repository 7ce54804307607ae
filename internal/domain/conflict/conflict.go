// Package conflict defines concurrent-change conflicts between session
// participants and the strategies that resolve them.
package conflict

import (
	"encoding/json"
	"time"
)

// Type classifies what a conflict is about.
type Type string

const (
	TypeCodeEdit  Type = "code_edit"
	TypeContext   Type = "context"
	TypeRole      Type = "role"
	TypeWorkspace Type = "workspace"
	TypeSync      Type = "sync"
)

// Status is the lifecycle state of a conflict.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusFailed    Status = "failed"
)

// SystemResolver is the resolving party recorded when no participant resolves.
const SystemResolver = "system"

// Default detection windows.
const (
	DefaultWindow        = 10 * time.Second
	DefaultContextWindow = 30 * time.Second
)

// Change is one participant's change that competes with others.
type Change struct {
	ParticipantID string          `json:"participant_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Description   string          `json:"description"`
	Content       json.RawMessage `json:"content,omitempty"`
}

// Resolution records how a conflict was settled.
type Resolution struct {
	ConflictID          string          `json:"conflict_id"`
	Strategy            Strategy        `json:"strategy"`
	ResolvedBy          string          `json:"resolved_by,omitempty"`
	ResolvedAt          time.Time       `json:"resolved_at"`
	ResolvedContent     json.RawMessage `json:"resolved_content,omitempty"`
	SelectedParticipant string          `json:"selected_participant,omitempty"`
	Notes               string          `json:"notes,omitempty"`
}

// Conflict is a set of at least two changes to the same location inside a
// bounded time window.
type Conflict struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	Type         Type        `json:"type"`
	Location     string      `json:"location"`
	Participants []string    `json:"participants"`
	Changes      []Change    `json:"changes"`
	DetectedAt   time.Time   `json:"detected_at"`
	Status       Status      `json:"status"`
	Resolution   *Resolution `json:"resolution,omitempty"`
}

// Clone returns a copy of c that shares no mutable slices.
func (c *Conflict) Clone() *Conflict {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Changes = append([]Change(nil), c.Changes...)
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	return &out
}

// participantIDs returns the distinct participant ids of changes in order of
// first appearance.
func participantIDs(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	var ids []string
	for i := range changes {
		id := changes[i].ParticipantID
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
