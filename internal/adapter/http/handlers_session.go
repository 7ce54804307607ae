package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/conflict"
	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/service"
)

// --- Sessions ---

type createSessionRequest struct {
	Name            string             `json:"name"`
	Host            collab.Participant `json:"host"`
	Type            collab.SessionType `json:"type"`
	MaxParticipants *int               `json:"max_participants,omitempty"`
	TimeoutSec      int                `json:"timeout_sec,omitempty"`
	RecordSession   bool               `json:"record_session"`
}

// CreateSession handles POST /api/v1/sessions. An omitted max_participants
// takes the server default; an explicit value below 1 is rejected.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSessionRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Host.ID, "host.id") {
		return
	}
	cfg := collab.SessionConfig{
		Type:          req.Type,
		Timeout:       time.Duration(req.TimeoutSec) * time.Second,
		RecordSession: req.RecordSession,
	}
	if req.MaxParticipants != nil {
		if *req.MaxParticipants < 1 {
			writeError(w, http.StatusBadRequest, "max_participants must be >= 1")
			return
		}
		cfg.MaxParticipants = *req.MaxParticipants
	}
	s, err := h.Sessions.CreateSession(r.Context(), req.Host, cfg, req.Name)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions handles GET /api/v1/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.Sessions.GetActiveSessions()
	if sessions == nil {
		sessions = []*collab.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.GetSession(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// JoinSession handles POST /api/v1/sessions/{id}/join
func (h *Handlers) JoinSession(w http.ResponseWriter, r *http.Request) {
	p, ok := readJSON[collab.Participant](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, p.ID, "id") {
		return
	}
	s, err := h.Sessions.JoinSession(r.Context(), urlParam(r, "id"), p)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type participantRequest struct {
	ParticipantID string `json:"participant_id"`
}

// LeaveSession handles POST /api/v1/sessions/{id}/leave
func (h *Handlers) LeaveSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[participantRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.ParticipantID, "participant_id") {
		return
	}
	if err := h.Sessions.LeaveSession(r.Context(), urlParam(r, "id"), req.ParticipantID); err != nil {
		writeDomainError(w, err, "session or participant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

// EndSession handles POST /api/v1/sessions/{id}/end. The body is optional.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[endSessionRequest](w, r, h.Limits.MaxRequestBodySize); !ok {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = service.ReasonEnded
	}
	s, err := h.Sessions.EndSession(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PauseSession handles POST /api/v1/sessions/{id}/pause
func (h *Handlers) PauseSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.PauseSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetSessionMetrics handles GET /api/v1/sessions/{id}/metrics
func (h *Handlers) GetSessionMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Sessions.GetSessionMetrics(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Participants ---

type roleRequest struct {
	Role collab.Role `json:"role"`
}

// ChangeRole handles PUT /api/v1/sessions/{id}/participants/{pid}/role
func (h *Handlers) ChangeRole(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[roleRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	p, err := h.Sessions.ChangeRole(r.Context(), urlParam(r, "id"), urlParam(r, "pid"), req.Role)
	if err != nil {
		writeDomainError(w, err, "session or participant not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Collaboration activity ---

type editRequest struct {
	ParticipantID string          `json:"participant_id"`
	Description   string          `json:"description"`
	Content       json.RawMessage `json:"content,omitempty"`
}

// SubmitEdit handles POST /api/v1/sessions/{id}/edits
func (h *Handlers) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[editRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.ParticipantID, "participant_id") || !requireField(w, req.Description, "description") {
		return
	}
	res, err := h.Sessions.SubmitEdit(r.Context(), urlParam(r, "id"), req.ParticipantID, service.EditRequest{
		Description: req.Description,
		Content:     req.Content,
	})
	if err != nil {
		writeDomainError(w, err, "session or participant not found")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type messageRequest struct {
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text"`
}

// SendMessage handles POST /api/v1/sessions/{id}/messages
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[messageRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.ParticipantID, "participant_id") || !requireField(w, req.Text, "text") {
		return
	}
	ev, err := h.Sessions.SendMessage(r.Context(), urlParam(r, "id"), req.ParticipantID, req.Text)
	if err != nil {
		writeDomainError(w, err, "session or participant not found")
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type shareRequest struct {
	ParticipantID string           `json:"participant_id"`
	Items         []cpcontext.Item `json:"items"`
}

// ShareContext handles POST /api/v1/sessions/{id}/context
func (h *Handlers) ShareContext(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[shareRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.ParticipantID, "participant_id") {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	res, err := h.Sessions.ShareContext(r.Context(), urlParam(r, "id"), req.ParticipantID, req.Items)
	if err != nil {
		writeDomainError(w, err, "session or participant not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type handoffRequest struct {
	FromParticipant string           `json:"from_participant"`
	ToParticipant   string           `json:"to_participant"`
	ContextItems    []cpcontext.Item `json:"context_items"`
	Message         string           `json:"message"`
	ExpiresInSec    int              `json:"expires_in_sec,omitempty"`
}

// CreateHandoff handles POST /api/v1/sessions/{id}/handoffs
func (h *Handlers) CreateHandoff(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[handoffRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	ho, err := h.Sessions.CreateAsyncHandoff(r.Context(), urlParam(r, "id"), collab.HandoffRequest{
		FromParticipant: req.FromParticipant,
		ToParticipant:   req.ToParticipant,
		ContextItems:    req.ContextItems,
		Message:         req.Message,
		ExpiresIn:       time.Duration(req.ExpiresInSec) * time.Second,
	})
	if err != nil {
		writeDomainError(w, err, "session or participant not found")
		return
	}
	writeJSON(w, http.StatusCreated, ho)
}

type toggleRecordingRequest struct {
	Enabled bool `json:"enabled"`
}

type toggleRecordingResponse struct {
	Recording   bool   `json:"recording"`
	RecordingID string `json:"recording_id,omitempty"`
}

// ToggleRecording handles POST /api/v1/sessions/{id}/recording
func (h *Handlers) ToggleRecording(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[toggleRecordingRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	id, err := h.Sessions.ToggleRecording(r.Context(), urlParam(r, "id"), req.Enabled)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toggleRecordingResponse{Recording: req.Enabled, RecordingID: id})
}

// --- Conflicts ---

// ListConflicts handles GET /api/v1/sessions/{id}/conflicts
func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Sessions.GetSession(id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	cs := h.Resolver.ActiveConflicts(id)
	if cs == nil {
		cs = []*conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, cs)
}

type resolveRequest struct {
	Strategy   conflict.Strategy `json:"strategy"`
	ResolvedBy string            `json:"resolved_by"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

// ResolveConflict handles POST /api/v1/sessions/{id}/conflicts/{cid}/resolve
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resolveRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, string(req.Strategy), "strategy") {
		return
	}
	res, err := h.Sessions.ResolveConflict(r.Context(), urlParam(r, "id"), urlParam(r, "cid"), req.Strategy, req.ResolvedBy, req.Data)
	if err != nil {
		writeDomainError(w, err, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type autoResolveRequest struct {
	Strategy conflict.Strategy `json:"strategy"`
}

// AutoResolveConflicts handles POST /api/v1/sessions/{id}/conflicts/auto-resolve
func (h *Handlers) AutoResolveConflicts(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[autoResolveRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	res, err := h.Sessions.AutoResolveConflicts(r.Context(), urlParam(r, "id"), req.Strategy)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if res == nil {
		res = []*conflict.Resolution{}
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Event history ---

// ListSessionEvents handles GET /api/v1/sessions/{id}/events
// Query: type (repeatable), participant_id, after, before (RFC 3339), limit.
func (h *Handlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Sessions.GetSession(id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Bus.GetSessionEvents(id, f))
}

// GetEventStats handles GET /api/v1/sessions/{id}/events/stats
func (h *Handlers) GetEventStats(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Sessions.GetSession(id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, h.Bus.GetEventStats(id))
}

func parseEventFilter(r *http.Request) (event.Filter, error) {
	q := r.URL.Query()
	f := event.Filter{ParticipantID: q.Get("participant_id")}
	for _, t := range q["type"] {
		typ := event.Type(t)
		if !typ.Valid() {
			return f, errors.New("unknown event type " + t)
		}
		f.Types = append(f.Types, typ)
	}
	for name, dst := range map[string]**time.Time{"after": &f.After, "before": &f.Before} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New(name + " must be an RFC 3339 timestamp")
		}
		*dst = &ts
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}
