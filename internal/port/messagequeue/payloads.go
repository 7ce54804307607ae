package messagequeue

import (
	"encoding/json"
	"time"
)

// EventPayload is the relay envelope of a session event on collab.events.{id}.
type EventPayload struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id"`
	ParticipantID string          `json:"participant_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Seq           uint64          `json:"seq"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// HandoffCreatedPayload announces an async handoff for external delivery.
type HandoffCreatedPayload struct {
	HandoffID       string    `json:"handoff_id"`
	SessionID       string    `json:"session_id"`
	FromParticipant string    `json:"from_participant"`
	ToParticipant   string    `json:"to_participant"`
	Message         string    `json:"message"`
	ItemCount       int       `json:"item_count"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// SessionEndedPayload summarizes a session that reached a terminal state.
type SessionEndedPayload struct {
	SessionID   string `json:"session_id"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	DurationMS  int64  `json:"duration_ms"`
	TotalEdits  int    `json:"total_edits"`
	RecordingID string `json:"recording_id,omitempty"`
}

// ContextSyncedPayload announces a completed shared-context synchronization.
type ContextSyncedPayload struct {
	SessionID string               `json:"session_id"`
	Changes   []ContextChangeEntry `json:"changes"`
	SyncedAt  time.Time            `json:"synced_at"`
}

// ContextChangeEntry is one applied change of a ContextSyncedPayload. Item
// content is omitted; receivers fetch it through the session snapshot.
type ContextChangeEntry struct {
	Type          string    `json:"type"`
	ItemID        string    `json:"item_id"`
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
}
