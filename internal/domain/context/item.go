// Package context defines the shared-context domain model replicated to
// every participant of a collaboration session.
package context

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ItemType classifies a context item.
type ItemType string

const (
	ItemConversation   ItemType = "conversation"
	ItemCode           ItemType = "code"
	ItemFile           ItemType = "file"
	ItemProjectState   ItemType = "project_state"
	ItemError          ItemType = "error"
	ItemSystem         ItemType = "system"
	ItemUserPreference ItemType = "user_preference"
)

// Priority ranks context items for delivery.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityCached   Priority = "cached"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
	PriorityCached:   4,
}

var validItemTypes = map[ItemType]bool{
	ItemConversation:   true,
	ItemCode:           true,
	ItemFile:           true,
	ItemProjectState:   true,
	ItemError:          true,
	ItemSystem:         true,
	ItemUserPreference: true,
}

// Rank returns the sort rank of p, critical first. Unknown priorities sort
// after cached.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Urgent reports whether items of this priority trigger an immediate sync.
func (p Priority) Urgent() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// Item is an opaque typed payload shared within a session. The collaboration
// core never interprets Content.
type Item struct {
	ID           string            `json:"id"`
	Type         ItemType          `json:"type"`
	Priority     Priority          `json:"priority"`
	Content      json.RawMessage   `json:"content"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks that an Item is well-formed.
func (it *Item) Validate() error {
	if it.ID == "" {
		return errors.New("id is required")
	}
	if !validItemTypes[it.Type] {
		return fmt.Errorf("invalid item type %q", it.Type)
	}
	if _, ok := priorityRank[it.Priority]; !ok {
		return fmt.Errorf("invalid priority %q", it.Priority)
	}
	return nil
}

// Clone returns a copy of it with its own metadata map and content bytes.
func (it *Item) Clone() Item {
	c := *it
	c.Content = append(json.RawMessage(nil), it.Content...)
	if it.Metadata != nil {
		c.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// SameContent reports whether two payloads are equal ignoring insignificant
// JSON whitespace. Payloads that are not valid JSON are compared byte-wise.
func SameContent(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
