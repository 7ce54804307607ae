// Package broadcast defines the port for delivering session events to
// connected remote clients.
package broadcast

import (
	"context"

	"github.com/Strob0t/CodePair/internal/domain/event"
)

// Broadcaster pushes session events to the clients attached to that session.
type Broadcaster interface {
	// BroadcastEvent sends ev to every client of ev.SessionID.
	BroadcastEvent(ctx context.Context, ev event.Event)
}
