package context

import (
	"encoding/json"
	"sort"
	"time"
)

// ChangeType is the kind of mutation recorded in the pending queue.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)

// Change is one queued mutation of the shared item map.
type Change struct {
	Type          ChangeType `json:"type"`
	ItemID        string     `json:"item_id"`
	Item          *Item      `json:"item,omitempty"`
	ParticipantID string     `json:"participant_id"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Version is one observed value of a context item.
type Version struct {
	ParticipantID string          `json:"participant_id"`
	Content       json.RawMessage `json:"content"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Conflict records an add that collided with an existing item holding
// different content. The existing item is left untouched.
type Conflict struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	Existing   Version   `json:"existing"`
	Incoming   Version   `json:"incoming"`
	DetectedAt time.Time `json:"detected_at"`
}

// SyncState tracks the synchronization progress of a shared context.
type SyncState struct {
	LastSync       time.Time  `json:"last_sync"`
	PendingChanges []Change   `json:"pending_changes"`
	IsSyncing      bool       `json:"is_syncing"`
	Conflicts      []Conflict `json:"conflicts"`
}

// SharedContext is the replicated key-value store of a session.
type SharedContext struct {
	SessionID string          `json:"session_id"`
	Items     map[string]Item `json:"items"`
	Sync      SyncState       `json:"sync"`
	CreatedAt time.Time       `json:"created_at"`
}

// New returns an empty SharedContext for a session.
func New(sessionID string, now time.Time) *SharedContext {
	return &SharedContext{
		SessionID: sessionID,
		Items:     make(map[string]Item),
		CreatedAt: now,
	}
}

// Apply performs a single queued change on the item map.
func (sc *SharedContext) Apply(ch Change) bool {
	switch ch.Type {
	case ChangeAdd, ChangeUpdate:
		if ch.Item == nil {
			return false
		}
		sc.Items[ch.ItemID] = ch.Item.Clone()
		return true
	case ChangeRemove:
		delete(sc.Items, ch.ItemID)
		return true
	}
	return false
}

// Snapshot returns a deep copy of sc.
func (sc *SharedContext) Snapshot() *SharedContext {
	c := &SharedContext{
		SessionID: sc.SessionID,
		Items:     make(map[string]Item, len(sc.Items)),
		CreatedAt: sc.CreatedAt,
		Sync: SyncState{
			LastSync:       sc.Sync.LastSync,
			IsSyncing:      sc.Sync.IsSyncing,
			PendingChanges: append([]Change(nil), sc.Sync.PendingChanges...),
			Conflicts:      append([]Conflict(nil), sc.Sync.Conflicts...),
		},
	}
	for id, it := range sc.Items {
		c.Items[id] = it.Clone()
	}
	return c
}

// Ordered returns the items sorted by priority (critical first) and, within
// equal priority, by most recent access.
func (sc *SharedContext) Ordered() []Item {
	out := make([]Item, 0, len(sc.Items))
	for _, it := range sc.Items {
		out = append(out, it.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.After(out[j].LastAccessed)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats aggregates item counts for a shared context.
type Stats struct {
	TotalItems     int              `json:"total_items"`
	ByType         map[ItemType]int `json:"by_type"`
	ByPriority     map[Priority]int `json:"by_priority"`
	PendingChanges int              `json:"pending_changes"`
	OpenConflicts  int              `json:"open_conflicts"`
	LastSync       time.Time        `json:"last_sync"`
}

// SyncStatus is a read-only view of the synchronization state.
type SyncStatus struct {
	LastSync       time.Time `json:"last_sync"`
	IsSyncing      bool      `json:"is_syncing"`
	PendingChanges int       `json:"pending_changes"`
	OpenConflicts  int       `json:"open_conflicts"`
}
