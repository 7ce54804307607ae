// Package ws implements the WebSocket adapter that pushes session events to
// the clients attached to a collaboration session.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection attached to one session.
type conn struct {
	ws            *websocket.Conn
	cancel        context.CancelFunc
	sessionID     string
	participantID string
}

// Hub manages active WebSocket connections grouped by session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*conn]struct{}
	origins  []string
}

// NewHub creates a new WebSocket hub. origins lists the allowed Origin
// patterns; an empty list accepts only same-origin requests.
func NewHub(origins ...string) *Hub {
	return &Hub{
		sessions: make(map[string]map[*conn]struct{}),
		origins:  origins,
	}
}

// HandleWS upgrades a request on a route declaring {id} and attaches the
// connection to that session until the client disconnects. The optional
// participant query parameter is recorded for logging.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:            ws,
		cancel:        cancel,
		sessionID:     sessionID,
		participantID: r.URL.Query().Get("participant"),
	}
	h.add(c)

	slog.Info("websocket connected", "session_id", sessionID, "participant_id", c.participantID, "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	// Clients only listen; reading detects disconnects and consumes pings.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast sends a message to every client of the given session.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.sessions[sessionID]))
	for c := range h.sessions[sessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "session_id", sessionID, "error", err)
			h.remove(c)
		}
	}
}

// CloseSession disconnects every client of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "session ended")
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.sessions {
		n += len(conns)
	}
	return n
}

// SessionConnectionCount returns the number of clients of one session.
func (h *Hub) SessionConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.sessions[c.sessionID]
	if !ok {
		conns = make(map[*conn]struct{})
		h.sessions[c.sessionID] = conns
	}
	conns[c] = struct{}{}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, ok := conns[c]; ok {
		c.cancel()
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.sessions, c.sessionID)
		}
		slog.Info("websocket disconnected", "session_id", c.sessionID, "participant_id", c.participantID)
	}
}
