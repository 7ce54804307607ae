// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by CodePair.
const (
	SubjectEvents         = "collab.events"          // collab.events.{sessionID}: relayed session events
	SubjectHandoffCreated = "collab.handoff.created" // async handoff awaiting delivery
	SubjectSessionEnded   = "collab.session.ended"   // final session summary
	SubjectContextSynced  = "collab.context.synced"  // shared context synchronization batch
)

// EventSubject returns the relay subject for a session.
func EventSubject(sessionID string) string {
	return SubjectEvents + "." + sessionID
}
