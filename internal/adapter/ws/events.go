package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/CodePair/internal/domain/event"
)

// MessagePrefix prefixes the envelope type of relayed session events, e.g.
// "collab.code_edit".
const MessagePrefix = "collab."

// MessageType returns the envelope type for an event type.
func MessageType(t event.Type) string {
	return MessagePrefix + string(t)
}

// BroadcastEvent marshals a session event and sends it to the clients of
// its session. It satisfies broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal ws event payload", "type", ev.Type, "error", err)
		return
	}

	h.Broadcast(ctx, ev.SessionID, Message{
		Type:    MessageType(ev.Type),
		Payload: json.RawMessage(data),
	})
}
