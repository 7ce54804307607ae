package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/CodePair/internal/domain/collab"
)

// Strategy names a resolution algorithm.
type Strategy string

const (
	StrategyLastWriteWins    Strategy = "last_write_wins"
	StrategyMostActiveWins   Strategy = "most_active_wins"
	StrategyRolePriority     Strategy = "role_priority"
	StrategyVersionBranching Strategy = "version_branching"
	StrategyManual           Strategy = "manual"
)

// ErrNoResolutionData is returned by the manual strategy when the caller
// supplied nothing to resolve with.
var ErrNoResolutionData = errors.New("manual resolution requires resolution data")

// Input carries everything a strategy may consult besides the conflict.
type Input struct {
	// Roles maps participant id to role at resolution time.
	Roles map[string]collab.Role
	// Activity maps participant id to an activity count. Optional.
	Activity map[string]int
	// Data is caller-supplied resolution content (manual strategy).
	Data json.RawMessage
}

// Outcome is what a strategy produces.
type Outcome struct {
	Content             json.RawMessage
	SelectedParticipant string
	Notes               string
}

// Func is a pure resolution function over a conflict's changes.
type Func func(c *Conflict, in Input) (*Outcome, error)

// Strategies maps every known strategy to its function.
var Strategies = map[Strategy]Func{
	StrategyLastWriteWins:    LastWriteWins,
	StrategyMostActiveWins:   MostActiveWins,
	StrategyRolePriority:     RolePriority,
	StrategyVersionBranching: VersionBranching,
	StrategyManual:           Manual,
}

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	_, ok := Strategies[s]
	return ok
}

func requireChanges(c *Conflict) error {
	if len(c.Changes) == 0 {
		return fmt.Errorf("conflict %s has no changes", c.ID)
	}
	return nil
}

// latest returns the index of the change with the greatest timestamp. The
// earliest index wins an exact tie so the choice is stable.
func latest(changes []Change) int {
	best := 0
	for i := 1; i < len(changes); i++ {
		if changes[i].Timestamp.After(changes[best].Timestamp) {
			best = i
		}
	}
	return best
}

// LastWriteWins selects the change with the latest timestamp.
func LastWriteWins(c *Conflict, _ Input) (*Outcome, error) {
	if err := requireChanges(c); err != nil {
		return nil, err
	}
	w := c.Changes[latest(c.Changes)]
	return &Outcome{
		Content:             w.Content,
		SelectedParticipant: w.ParticipantID,
		Notes:               fmt.Sprintf("latest change by %s at %s", w.ParticipantID, w.Timestamp.Format(time.RFC3339Nano)),
	}, nil
}

// MostActiveWins selects the change of the most active participant when
// activity counts are supplied. Without activity data it degenerates to
// LastWriteWins. Ties on activity fall back to the latest change.
func MostActiveWins(c *Conflict, in Input) (*Outcome, error) {
	if err := requireChanges(c); err != nil {
		return nil, err
	}
	if len(in.Activity) == 0 {
		out, err := LastWriteWins(c, in)
		if err != nil {
			return nil, err
		}
		out.Notes = "no activity data; fell back to last write wins: " + out.Notes
		return out, nil
	}
	best := -1
	for i := range c.Changes {
		if best < 0 {
			best = i
			continue
		}
		ai, ab := in.Activity[c.Changes[i].ParticipantID], in.Activity[c.Changes[best].ParticipantID]
		if ai > ab || (ai == ab && c.Changes[i].Timestamp.After(c.Changes[best].Timestamp)) {
			best = i
		}
	}
	w := c.Changes[best]
	return &Outcome{
		Content:             w.Content,
		SelectedParticipant: w.ParticipantID,
		Notes:               fmt.Sprintf("most active participant %s (%d events)", w.ParticipantID, in.Activity[w.ParticipantID]),
	}, nil
}

// RolePriority selects the change whose participant holds the highest
// priority role. Equal priorities resolve to the earliest change.
func RolePriority(c *Conflict, in Input) (*Outcome, error) {
	if err := requireChanges(c); err != nil {
		return nil, err
	}
	priority := func(id string) int {
		return in.Roles[id].Priority()
	}
	best := 0
	for i := 1; i < len(c.Changes); i++ {
		pi, pb := priority(c.Changes[i].ParticipantID), priority(c.Changes[best].ParticipantID)
		if pi < pb || (pi == pb && c.Changes[i].Timestamp.Before(c.Changes[best].Timestamp)) {
			best = i
		}
	}
	w := c.Changes[best]
	return &Outcome{
		Content:             w.Content,
		SelectedParticipant: w.ParticipantID,
		Notes:               fmt.Sprintf("role %s of %s has priority", in.Roles[w.ParticipantID], w.ParticipantID),
	}, nil
}

// Branch is one preserved alternative of a version-branching resolution.
type Branch struct {
	Name          string          `json:"name"`
	ParticipantID string          `json:"participant_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Description   string          `json:"description,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
}

// Branches is the resolved content shape of VersionBranching.
type Branches struct {
	Branches      []Branch `json:"branches"`
	MergeRequired bool     `json:"merge_required"`
}

// VersionBranching keeps every change as a labeled branch and defers the
// merge to a manual step.
func VersionBranching(c *Conflict, _ Input) (*Outcome, error) {
	if err := requireChanges(c); err != nil {
		return nil, err
	}
	out := Branches{Branches: make([]Branch, 0, len(c.Changes)), MergeRequired: true}
	for i, ch := range c.Changes {
		out.Branches = append(out.Branches, Branch{
			Name:          fmt.Sprintf("branch_%d", i),
			ParticipantID: ch.ParticipantID,
			Timestamp:     ch.Timestamp,
			Description:   ch.Description,
			Content:       ch.Content,
		})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal branches: %w", err)
	}
	return &Outcome{
		Content: raw,
		Notes:   fmt.Sprintf("%d branches preserved; merge required", len(out.Branches)),
	}, nil
}

// Manual accepts caller-supplied content verbatim.
func Manual(_ *Conflict, in Input) (*Outcome, error) {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return nil, ErrNoResolutionData
	}
	return &Outcome{Content: in.Data, Notes: "resolved manually"}, nil
}
