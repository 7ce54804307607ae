package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cpotel "github.com/Strob0t/CodePair/internal/adapter/otel"
	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/conflict"
	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/domain/recording"
	"github.com/Strob0t/CodePair/internal/port/broadcast"
	"github.com/Strob0t/CodePair/internal/port/messagequeue"
)

// End reasons used by the manager itself.
const (
	ReasonNoActiveParticipants = "No active participants"
	ReasonTimeout              = "Session timeout"
	ReasonShutdown             = "Server shutdown"
	ReasonEnded                = "Session ended"
)

// relayParticipant is the participant id of the transport relay
// subscription.
const relayParticipant = "relay"

// ManagerConfig holds SessionManager defaults.
type ManagerConfig struct {
	DefaultMaxParticipants int
	DefaultTimeout         time.Duration
	SyncFrequency          time.Duration
	RecentChangeWindow     time.Duration
	HandoffTTL             time.Duration

	// CompletedRetention is how long an ended session stays queryable
	// before it is evicted. Zero selects one hour.
	CompletedRetention time.Duration
}

// StatusChange is the payload of status_changed events.
type StatusChange struct {
	From       collab.SessionStatus `json:"from"`
	To         collab.SessionStatus `json:"to"`
	Reason     string               `json:"reason,omitempty"`
	DurationMS int64                `json:"duration_ms,omitempty"`
}

// SessionEnded is the Data of a sessionEnded notice.
type SessionEnded struct {
	Session     *collab.Session
	RecordingID string
	RecordErr   error
}

// EditRequest is a code change submitted by a participant.
type EditRequest struct {
	Description string          `json:"description"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// EditResult reports the published edit and the conflicts it completed.
type EditResult struct {
	Event     event.Event          `json:"event"`
	Conflicts []*conflict.Conflict `json:"conflicts,omitempty"`
}

// ShareResult reports the outcome of a context share. Items that collided
// with different existing content are listed in ContextConflicts and were
// not applied.
type ShareResult struct {
	Shared              int                  `json:"shared"`
	ContextConflicts    []cpcontext.Conflict `json:"context_conflicts,omitempty"`
	CollaborationIssues []*conflict.Conflict `json:"collaboration_conflicts,omitempty"`
}

type sessionState struct {
	mu     sync.Mutex
	s      *collab.Session
	timer  *time.Timer
	recent []conflict.Change
	final  *SessionMetrics

	// endedAt is set once the session is completed or terminated.
	endedAt time.Time
}

// SessionManager owns session lifecycle and membership and coordinates the
// event bus, context synchronizer, conflict resolver and recorder. All
// mutations of one session are serialized by that session's mutex; events
// are published after it is released.
type SessionManager struct {
	observers

	bus      *EventBus
	sync     *ContextSynchronizer
	resolver *ConflictResolver
	recorder *SessionRecorder
	hub      broadcast.Broadcaster
	queue    messagequeue.Queue
	cfg      ManagerConfig
	now      func() time.Time
	metrics  *cpotel.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewSessionManager creates a SessionManager. The resolver's most_active_wins
// strategy is fed with per-participant event counts from bus.
func NewSessionManager(
	bus *EventBus,
	cs *ContextSynchronizer,
	resolver *ConflictResolver,
	recorder *SessionRecorder,
	cfg ManagerConfig,
) *SessionManager {
	if cfg.DefaultMaxParticipants < 1 {
		cfg.DefaultMaxParticipants = 4
	}
	if cfg.RecentChangeWindow <= 0 {
		cfg.RecentChangeWindow = time.Minute
	}
	if cfg.HandoffTTL <= 0 {
		cfg.HandoffTTL = collab.DefaultHandoffTTL
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = time.Hour
	}
	resolver.SetActivitySource(func(sessionID string) map[string]int {
		return bus.GetEventStats(sessionID).ByParticipant
	})
	return &SessionManager{
		bus:      bus,
		sync:     cs,
		resolver: resolver,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
}

// SetBroadcaster relays every session event to hub. Applies to sessions
// created afterwards.
func (m *SessionManager) SetBroadcaster(hub broadcast.Broadcaster) { m.hub = hub }

// SetQueue relays session events, handoffs and end summaries to q.
func (m *SessionManager) SetQueue(q messagequeue.Queue) { m.queue = q }

// SetMetrics enables session counters.
func (m *SessionManager) SetMetrics(mt *cpotel.Metrics) { m.metrics = mt }

// SetClock replaces the time source.
func (m *SessionManager) SetClock(now func() time.Time) { m.now = now }

func (m *SessionManager) state(sessionID string) (*sessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return st, nil
}

// requireActive returns an error unless the session accepts operations.
// Caller holds st.mu.
func requireActive(s *collab.Session) error {
	if s.Status != collab.StatusActive {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.Status, domain.ErrInvalidState)
	}
	return nil
}

// member returns the participant or a not-found error. Caller holds st.mu.
func member(s *collab.Session, participantID string) (*collab.Participant, error) {
	p, ok := s.Participant(participantID)
	if !ok {
		return nil, fmt.Errorf("participant %s in session %s: %w", participantID, s.ID, domain.ErrNotFound)
	}
	return p, nil
}

func (m *SessionManager) publish(ctx context.Context, t event.Type, sessionID, participantID string, data any) event.Event {
	ev := event.New(t, sessionID, participantID, data)
	ev.Timestamp = m.now()
	ev, err := m.bus.PublishEvent(ctx, ev)
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		slog.Debug("session event dropped after session end", "session_id", sessionID, "type", t)
	case err != nil:
		slog.Error("publish session event", "session_id", sessionID, "type", t, "error", err)
	}
	return ev
}

func (m *SessionManager) publishQueue(ctx context.Context, subject string, payload any) {
	if m.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := m.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("queue publish failed", "subject", subject, "error", err)
	}
}

// relay forwards an event to the remote delivery collaborators.
func (m *SessionManager) relay(ctx context.Context, ev event.Event) error {
	if m.hub != nil {
		m.hub.BroadcastEvent(ctx, ev)
	}
	if m.queue == nil {
		return nil
	}
	data, err := json.Marshal(messagequeue.EventPayload{
		ID:            ev.ID,
		Type:          string(ev.Type),
		SessionID:     ev.SessionID,
		ParticipantID: ev.ParticipantID,
		Timestamp:     ev.Timestamp,
		Seq:           ev.Seq,
		Data:          ev.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal relay payload: %w", err)
	}
	return m.queue.Publish(ctx, messagequeue.EventSubject(ev.SessionID), data)
}

// snapshot returns a copy of the session with its shared context attached.
// Caller holds st.mu.
func (m *SessionManager) snapshot(st *sessionState) *collab.Session {
	c := st.s.Clone()
	if sc, err := m.sync.Snapshot(c.ID); err == nil {
		c.Context = sc
	}
	return c
}

// CreateSession registers host as the sole participant and driver of a new
// session, creates its shared context, starts recording when requested,
// schedules the timeout and activates it. Zero MaxParticipants and Timeout
// mean "unset" and take the manager defaults; negative values fail
// validation. Callers that accept explicit limits from users must reject an
// explicit zero themselves. Sessions that ended more than CompletedRetention
// ago are evicted first.
func (m *SessionManager) CreateSession(ctx context.Context, host collab.Participant, cfg collab.SessionConfig, name string) (*collab.Session, error) {
	m.PruneEndedSessions()
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = m.cfg.DefaultMaxParticipants
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = m.cfg.DefaultTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("create session: %w: %w", err, domain.ErrValidation)
	}

	now := m.now()
	if host.ID == "" {
		host.ID = uuid.NewString()
	}
	host.Role = collab.RoleDriver
	host.JoinedAt = now
	host.LastActive = now
	host.IsOnline = true

	s := &collab.Session{
		ID:           uuid.NewString(),
		Name:         name,
		Config:       cfg,
		Status:       collab.StatusInitializing,
		Host:         host,
		Participants: []collab.Participant{host},
		CreatedAt:    now,
		LastActivity: now,
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s session %s", cfg.Type, s.ID[:8])
	}

	ctx, span := cpotel.StartSessionSpan(ctx, "session.create", s.ID)
	defer span.End()

	if _, err := m.sync.CreateSharedContext(s.ID, SyncConfig{Frequency: m.cfg.SyncFrequency}); err != nil {
		s.Status = collab.StatusTerminated
		return nil, fmt.Errorf("create session %s: %w", s.ID, err)
	}

	st := &sessionState{s: s}
	m.mu.Lock()
	m.sessions[s.ID] = st
	m.mu.Unlock()

	sessionID := s.ID
	m.bus.ListenSession(sessionID, func(_ context.Context, ev event.Event) error {
		m.recorder.RecordEvent(sessionID, ev)
		return nil
	})
	if m.hub != nil || m.queue != nil {
		if _, err := m.bus.Subscribe(sessionID, relayParticipant, nil, m.relay); err != nil {
			slog.Warn("event relay not attached", "session_id", sessionID, "error", err)
		}
	}

	if cfg.RecordSession {
		if _, err := m.recorder.StartRecording(sessionID, StartOptions{Labels: map[string]string{"session_name": s.Name}}); err != nil {
			m.abort(st)
			return nil, fmt.Errorf("create session %s: start recording: %w", sessionID, err)
		}
	}

	st.mu.Lock()
	if cfg.Timeout > 0 {
		st.timer = time.AfterFunc(cfg.Timeout, func() { m.expire(sessionID) })
	}
	if err := s.Transition(collab.StatusActive); err != nil {
		st.mu.Unlock()
		m.abort(st)
		return nil, err
	}
	out := m.snapshot(st)
	st.mu.Unlock()

	m.publish(ctx, event.TypeStatusChanged, sessionID, host.ID, StatusChange{From: collab.StatusInitializing, To: collab.StatusActive})
	if m.metrics != nil {
		m.metrics.SessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(cfg.Type))))
	}
	slog.Info("session created", "session_id", sessionID, "type", cfg.Type, "host", host.ID, "recording", cfg.RecordSession)
	m.emit(Notice{Kind: NoticeSessionCreated, SessionID: sessionID, Data: out})
	m.emit(Notice{Kind: NoticeStatusChanged, SessionID: sessionID, Data: StatusChange{From: collab.StatusInitializing, To: collab.StatusActive}})
	return out, nil
}

// abort terminates a session whose creation failed and releases what was
// already acquired.
func (m *SessionManager) abort(st *sessionState) {
	st.mu.Lock()
	id := st.s.ID
	if st.timer != nil {
		st.timer.Stop()
	}
	_ = st.s.Transition(collab.StatusTerminated)
	st.endedAt = m.now()
	st.mu.Unlock()

	m.bus.CleanupSession(id)
	m.sync.ReleaseSession(id)
	m.resolver.CleanupSession(id)
	slog.Warn("session terminated during creation", "session_id", id)
}

func (m *SessionManager) expire(sessionID string) {
	st, err := m.state(sessionID)
	if err != nil {
		return
	}
	st.mu.Lock()
	ended := st.s.Status.Ended()
	st.mu.Unlock()
	if ended {
		return
	}
	slog.Info("session timed out", "session_id", sessionID)
	if _, err := m.EndSession(context.Background(), sessionID, ReasonTimeout); err != nil {
		slog.Error("end timed out session", "session_id", sessionID, "error", err)
	}
}

// JoinSession adds a participant to an active session. A participant whose
// user id is already known is marked online again instead of being added.
// New participants default to navigator, async_participant in async
// sessions.
func (m *SessionManager) JoinSession(ctx context.Context, sessionID string, p collab.Participant) (*collab.Session, error) {
	if p.Role != "" && !p.Role.Valid() {
		return nil, fmt.Errorf("join session %s: invalid role %q: %w", sessionID, p.Role, domain.ErrValidation)
	}
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	st.mu.Lock()
	s := st.s
	if err := requireActive(s); err != nil {
		st.mu.Unlock()
		return nil, err
	}

	var joined collab.Participant
	reconnect := false
	if existing, ok := s.ParticipantByUser(p.UserID); ok {
		existing.IsOnline = true
		existing.LastActive = now
		if p.Name != "" {
			existing.Name = p.Name
		}
		joined = *existing
		reconnect = true
	} else {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if _, dup := s.Participant(p.ID); dup {
			st.mu.Unlock()
			return nil, fmt.Errorf("participant %s already in session %s: %w", p.ID, sessionID, domain.ErrInvalidState)
		}
		if len(s.Participants) >= s.Config.MaxParticipants {
			st.mu.Unlock()
			return nil, fmt.Errorf("session %s has %d of %d participants: %w",
				sessionID, len(s.Participants), s.Config.MaxParticipants, domain.ErrCapacityExceeded)
		}
		if p.Role == "" {
			p.Role = collab.RoleNavigator
			if s.Config.Type == collab.SessionTypeAsync {
				p.Role = collab.RoleAsyncParticipant
			}
		}
		p.JoinedAt = now
		p.LastActive = now
		p.IsOnline = true
		s.Participants = append(s.Participants, p)
		joined = p
	}
	s.LastActivity = now
	out := m.snapshot(st)
	st.mu.Unlock()

	if err := m.sync.SynchronizeSession(ctx, sessionID); err != nil {
		slog.Warn("context sync on join failed", "session_id", sessionID, "error", err)
	}
	m.publish(ctx, event.TypeParticipantJoined, sessionID, joined.ID, map[string]any{
		"participant": joined,
		"reconnect":   reconnect,
	})
	if m.metrics != nil {
		m.metrics.ParticipantsJoined.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reconnect", reconnect)))
	}
	slog.Info("participant joined", "session_id", sessionID, "participant_id", joined.ID, "reconnect", reconnect)
	m.emit(Notice{Kind: NoticeParticipantJoined, SessionID: sessionID, Data: joined})
	return out, nil
}

// LeaveSession removes a participant, or marks them offline in async
// sessions. A departing host is replaced by the first online participant,
// who becomes driver. The session ends once nobody is online.
func (m *SessionManager) LeaveSession(ctx context.Context, sessionID, participantID string) error {
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}

	now := m.now()
	st.mu.Lock()
	s := st.s
	if err := requireActive(s); err != nil {
		st.mu.Unlock()
		return err
	}
	if _, err := member(s, participantID); err != nil {
		st.mu.Unlock()
		return err
	}

	if s.Config.Type == collab.SessionTypeAsync {
		p, _ := s.Participant(participantID)
		p.IsOnline = false
		p.LastActive = now
	} else {
		s.RemoveParticipant(participantID)
	}
	s.LastActivity = now

	newHost := ""
	online := s.OnlineParticipants()
	if s.Host.ID == participantID && len(online) > 0 {
		s.AssignHost(online[0].ID)
		newHost = s.Host.ID
	}
	empty := len(online) == 0
	st.mu.Unlock()

	m.publish(ctx, event.TypeParticipantLeft, sessionID, participantID, map[string]any{"new_host": newHost})
	slog.Info("participant left", "session_id", sessionID, "participant_id", participantID, "new_host", newHost)
	m.emit(Notice{Kind: NoticeParticipantLeft, SessionID: sessionID, Data: participantID})
	if newHost != "" {
		m.publish(ctx, event.TypeRoleChanged, sessionID, newHost, map[string]any{
			"role":   collab.RoleDriver,
			"reason": "host_reassigned",
		})
	}

	if empty {
		if _, err := m.EndSession(ctx, sessionID, ReasonNoActiveParticipants); err != nil {
			return fmt.Errorf("end empty session %s: %w", sessionID, err)
		}
	}
	return nil
}

// EndSession ends a session: it stops recording, publishes the final
// status_changed event, releases the session's bus, context and conflict
// state and completes it. Ending an ended session is a no-op returning its
// current state. A recording that fails to persist is logged and reported
// in the sessionEnded notice; the session still completes.
func (m *SessionManager) EndSession(ctx context.Context, sessionID, reason string) (*collab.Session, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = ReasonEnded
	}

	st.mu.Lock()
	s := st.s
	if s.Status.Ended() {
		out := s.Clone()
		st.mu.Unlock()
		return out, nil
	}
	from := s.Status
	if err := s.Transition(collab.StatusEnding); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	s.EndReason = reason
	host := s.Host.ID
	st.mu.Unlock()

	ctx, span := cpotel.StartSessionSpan(ctx, "session.end", sessionID)
	defer span.End()

	var recID string
	var recErr error
	if id, ok := m.recorder.ActiveRecording(sessionID); ok {
		recID = id
		if _, recErr = m.recorder.StopRecording(ctx, sessionID, recording.ReasonSessionEnded); recErr != nil && errors.Is(recErr, domain.ErrNotFound) {
			// Auto-stopped concurrently; it persists on its own.
			recErr = nil
		}
		if recErr != nil {
			slog.Error("recording lost on session end", "session_id", sessionID, "recording_id", recID, "error", recErr)
		}
	}

	st.mu.Lock()
	s.Metadata.Duration = m.now().Sub(s.CreatedAt)
	duration := s.Metadata.Duration
	edits := s.Metadata.TotalEdits
	st.mu.Unlock()

	change := StatusChange{From: from, To: collab.StatusCompleted, Reason: reason, DurationMS: duration.Milliseconds()}
	m.publish(ctx, event.TypeStatusChanged, sessionID, host, change)

	// Capture metrics while the bus still holds the history.
	st.mu.Lock()
	final := s.Clone()
	final.Status = collab.StatusCompleted
	st.final = computeMetrics(final, m.bus.GetSessionEvents(sessionID, event.Filter{}), m.now())
	st.mu.Unlock()

	m.bus.CleanupSession(sessionID)
	m.sync.ReleaseSession(sessionID)
	m.resolver.CleanupSession(sessionID)

	st.mu.Lock()
	st.recent = nil
	s.ActiveConflicts = nil
	if err := s.Transition(collab.StatusCompleted); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.endedAt = m.now()
	out := s.Clone()
	st.mu.Unlock()
	m.PruneEndedSessions()

	m.publishQueue(ctx, messagequeue.SubjectSessionEnded, messagequeue.SessionEndedPayload{
		SessionID:   sessionID,
		Reason:      reason,
		Status:      string(collab.StatusCompleted),
		DurationMS:  duration.Milliseconds(),
		TotalEdits:  edits,
		RecordingID: recID,
	})
	if m.metrics != nil {
		m.metrics.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		m.metrics.SessionDuration.Record(ctx, duration.Seconds())
	}
	slog.Info("session ended", "session_id", sessionID, "reason", reason, "duration", duration)
	m.emit(Notice{Kind: NoticeStatusChanged, SessionID: sessionID, Data: change})
	m.emit(Notice{Kind: NoticeSessionEnded, SessionID: sessionID, Data: SessionEnded{Session: out, RecordingID: recID, RecordErr: recErr}})
	return out, nil
}

// PauseSession moves an active session to paused. Paused sessions accept
// no participant operations and can only be ended.
func (m *SessionManager) PauseSession(ctx context.Context, sessionID string) (*collab.Session, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if err := st.s.Transition(collab.StatusPaused); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.s.LastActivity = m.now()
	host := st.s.Host.ID
	out := m.snapshot(st)
	st.mu.Unlock()

	change := StatusChange{From: collab.StatusActive, To: collab.StatusPaused}
	m.publish(ctx, event.TypeStatusChanged, sessionID, host, change)
	m.emit(Notice{Kind: NoticeStatusChanged, SessionID: sessionID, Data: change})
	return out, nil
}

// ShareContext adds items shared by a participant to the session context
// and synchronizes it. All items are validated before any is applied. Items
// colliding with existing content are reported, not applied; rapid
// successive versions of one item raise a collaboration conflict.
func (m *SessionManager) ShareContext(ctx context.Context, sessionID, participantID string, items []cpcontext.Item) (*ShareResult, error) {
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return nil, fmt.Errorf("share context item %d: %w: %w", i, err, domain.ErrValidation)
		}
	}
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if err := requireActive(st.s); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	p, err := member(st.s, participantID)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	now := m.now()
	p.LastActive = now
	st.s.LastActivity = now
	participants := append([]collab.Participant(nil), st.s.Participants...)
	st.mu.Unlock()

	res := &ShareResult{}
	var ids []string
	for _, it := range items {
		prior, err := m.sync.ItemVersions(sessionID, it.ID)
		if err != nil {
			return res, err
		}
		cc, err := m.sync.AddContextItem(ctx, sessionID, it, participantID)
		if err != nil {
			return res, fmt.Errorf("share context item %s: %w", it.ID, err)
		}
		if cc != nil {
			res.ContextConflicts = append(res.ContextConflicts, *cc)
			continue
		}
		res.Shared++
		ids = append(ids, it.ID)

		if c := m.resolver.CheckContextConflict(sessionID, it.ID, participantID, it.Content, prior); c != nil {
			if err := m.resolver.Track(ctx, c, participants); err != nil {
				slog.Warn("context conflict not tracked", "session_id", sessionID, "conflict_id", c.ID, "error", err)
				continue
			}
			res.CollaborationIssues = append(res.CollaborationIssues, c)
		}
	}

	if err := m.sync.SynchronizeSession(ctx, sessionID); err != nil {
		slog.Warn("context sync after share failed", "session_id", sessionID, "error", err)
	}
	m.trackConflicts(ctx, st, res.CollaborationIssues)

	m.publish(ctx, event.TypeContextShared, sessionID, participantID, map[string]any{
		"item_count": res.Shared,
		"item_ids":   ids,
		"conflicts":  len(res.ContextConflicts),
	})
	m.emit(Notice{Kind: NoticeContextShared, SessionID: sessionID, Data: res})
	return res, nil
}

// trackConflicts records detected conflicts on the session and announces
// them.
func (m *SessionManager) trackConflicts(ctx context.Context, st *sessionState, cs []*conflict.Conflict) {
	if len(cs) == 0 {
		return
	}
	st.mu.Lock()
	for _, c := range cs {
		st.s.ActiveConflicts = append(st.s.ActiveConflicts, c.ID)
	}
	st.mu.Unlock()

	for _, c := range cs {
		m.publish(ctx, event.TypeConflictDetected, c.SessionID, "", map[string]any{
			"conflict_id":  c.ID,
			"type":         c.Type,
			"location":     c.Location,
			"participants": c.Participants,
		})
		m.emit(Notice{Kind: NoticeConflictDetected, SessionID: c.SessionID, Data: c})
	}
}

func (m *SessionManager) untrackConflicts(st *sessionState, ids ...string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := st.s.ActiveConflicts[:0]
	for _, id := range st.s.ActiveConflicts {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	st.s.ActiveConflicts = kept
}

// SubmitEdit publishes a participant's code edit and runs conflict
// detection over the session's recent changes. Changes that end up in a
// conflict leave the recent window so they are not reported twice.
func (m *SessionManager) SubmitEdit(ctx context.Context, sessionID, participantID string, edit EditRequest) (*EditResult, error) {
	if edit.Description == "" && len(edit.Content) == 0 {
		return nil, fmt.Errorf("submit edit: description or content is required: %w", domain.ErrValidation)
	}
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if err := requireActive(st.s); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	p, err := member(st.s, participantID)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	now := m.now()
	p.LastActive = now
	st.s.LastActivity = now
	st.s.Metadata.TotalEdits++

	cutoff := now.Add(-m.cfg.RecentChangeWindow)
	kept := st.recent[:0]
	for _, ch := range st.recent {
		if ch.Timestamp.After(cutoff) {
			kept = append(kept, ch)
		}
	}
	st.recent = append(kept, conflict.Change{
		ParticipantID: participantID,
		Timestamp:     now,
		Description:   edit.Description,
		Content:       edit.Content,
	})

	// Only changes inside the window ending at this edit take part, so an
	// old change to the same location cannot anchor the window.
	candidates := make([]conflict.Change, 0, len(st.recent))
	for i := range st.recent {
		if m.resolver.Within(&st.recent[i], now) {
			candidates = append(candidates, st.recent[i])
		}
	}
	detected := m.resolver.DetectConflicts(ctx, sessionID, candidates, st.s.Participants)
	if len(detected) > 0 {
		st.recent = withoutChanges(st.recent, detected)
	}
	st.mu.Unlock()

	ev := m.publish(ctx, event.TypeCodeEdit, sessionID, participantID, edit)
	m.trackConflicts(ctx, st, detected)
	return &EditResult{Event: ev, Conflicts: detected}, nil
}

func withoutChanges(recent []conflict.Change, cs []*conflict.Conflict) []conflict.Change {
	type key struct {
		p  string
		ts int64
		d  string
	}
	used := make(map[key]bool)
	for _, c := range cs {
		for _, ch := range c.Changes {
			used[key{ch.ParticipantID, ch.Timestamp.UnixNano(), ch.Description}] = true
		}
	}
	out := recent[:0]
	for _, ch := range recent {
		if !used[key{ch.ParticipantID, ch.Timestamp.UnixNano(), ch.Description}] {
			out = append(out, ch)
		}
	}
	return out
}

// SendMessage publishes a chat message from a participant.
func (m *SessionManager) SendMessage(ctx context.Context, sessionID, participantID, text string) (event.Event, error) {
	if text == "" {
		return event.Event{}, fmt.Errorf("send message: empty text: %w", domain.ErrValidation)
	}
	st, err := m.state(sessionID)
	if err != nil {
		return event.Event{}, err
	}
	st.mu.Lock()
	if err := requireActive(st.s); err != nil {
		st.mu.Unlock()
		return event.Event{}, err
	}
	p, err := member(st.s, participantID)
	if err != nil {
		st.mu.Unlock()
		return event.Event{}, err
	}
	now := m.now()
	p.LastActive = now
	st.s.LastActivity = now
	st.s.Metadata.TotalMessages++
	st.mu.Unlock()

	return m.publish(ctx, event.TypeMessageSent, sessionID, participantID, map[string]string{"message": text}), nil
}

// ChangeRole assigns a new role to a participant.
func (m *SessionManager) ChangeRole(ctx context.Context, sessionID, participantID string, role collab.Role) (*collab.Participant, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("change role: invalid role %q: %w", role, domain.ErrValidation)
	}
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if err := requireActive(st.s); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	p, err := member(st.s, participantID)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	from := p.Role
	p.Role = role
	if st.s.Host.ID == participantID {
		st.s.Host = *p
	}
	st.s.LastActivity = m.now()
	out := *p
	st.mu.Unlock()

	if from != role {
		m.publish(ctx, event.TypeRoleChanged, sessionID, participantID, map[string]any{"from": from, "role": role})
	}
	return &out, nil
}

// ToggleRecording starts or stops recording an active or paused session
// and returns the affected recording id. Requesting the current state is a
// no-op.
func (m *SessionManager) ToggleRecording(ctx context.Context, sessionID string, enabled bool) (string, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return "", err
	}
	st.mu.Lock()
	if st.s.Status.Ended() || st.s.Status == collab.StatusInitializing {
		status := st.s.Status
		st.mu.Unlock()
		return "", fmt.Errorf("session %s is %s: %w", sessionID, status, domain.ErrInvalidState)
	}
	st.s.Config.RecordSession = enabled
	host := st.s.Host.ID
	name := st.s.Name
	st.mu.Unlock()

	current, active := m.recorder.ActiveRecording(sessionID)
	if enabled == active {
		return current, nil
	}

	if enabled {
		id, err := m.recorder.StartRecording(sessionID, StartOptions{Labels: map[string]string{"session_name": name}})
		if err != nil {
			return "", err
		}
		m.publish(ctx, event.TypeRecordingToggled, sessionID, host, map[string]any{"enabled": true, "recording_id": id})
		return id, nil
	}

	m.publish(ctx, event.TypeRecordingToggled, sessionID, host, map[string]any{"enabled": false, "recording_id": current})
	if _, err := m.recorder.StopRecording(ctx, sessionID, recording.ReasonToggledOff); err != nil {
		return current, err
	}
	return current, nil
}

// CreateAsyncHandoff hands context from one participant of an async session
// to another and announces it for external delivery. Handoffs are not
// stored.
func (m *SessionManager) CreateAsyncHandoff(ctx context.Context, sessionID string, req collab.HandoffRequest) (*collab.AsyncHandoff, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("create handoff: %w: %w", err, domain.ErrValidation)
	}
	for i := range req.ContextItems {
		if err := req.ContextItems[i].Validate(); err != nil {
			return nil, fmt.Errorf("create handoff item %d: %w: %w", i, err, domain.ErrValidation)
		}
	}
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.s.Config.Type != collab.SessionTypeAsync {
		typ := st.s.Config.Type
		st.mu.Unlock()
		return nil, fmt.Errorf("handoff on %s session %s: %w", typ, sessionID, domain.ErrConfiguration)
	}
	if err := requireActive(st.s); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	for _, id := range []string{req.FromParticipant, req.ToParticipant} {
		if _, err := member(st.s, id); err != nil {
			st.mu.Unlock()
			return nil, err
		}
	}
	st.mu.Unlock()

	ttl := req.ExpiresIn
	if ttl == 0 {
		ttl = m.cfg.HandoffTTL
	}
	now := m.now()
	h := &collab.AsyncHandoff{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		FromParticipant: req.FromParticipant,
		ToParticipant:   req.ToParticipant,
		Message:         req.Message,
		Timestamp:       now,
		Status:          collab.HandoffPending,
		ExpiresAt:       now.Add(ttl),
	}
	for i := range req.ContextItems {
		h.ContextItems = append(h.ContextItems, req.ContextItems[i].Clone())
	}

	m.publishQueue(ctx, messagequeue.SubjectHandoffCreated, messagequeue.HandoffCreatedPayload{
		HandoffID:       h.ID,
		SessionID:       sessionID,
		FromParticipant: h.FromParticipant,
		ToParticipant:   h.ToParticipant,
		Message:         h.Message,
		ItemCount:       len(h.ContextItems),
		ExpiresAt:       h.ExpiresAt,
	})
	slog.Info("async handoff created", "session_id", sessionID, "handoff_id", h.ID, "to", h.ToParticipant)
	m.emit(Notice{Kind: NoticeAsyncHandoffCreated, SessionID: sessionID, Data: h})
	return h, nil
}

// ResolveConflict resolves one of the session's conflicts and publishes
// conflict_resolved. The conflict leaves the session's active set whether
// the strategy succeeds or fails.
func (m *SessionManager) ResolveConflict(ctx context.Context, sessionID, conflictID string, strategy conflict.Strategy, resolvedBy string, data json.RawMessage) (*conflict.Resolution, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	c, err := m.resolver.Get(conflictID)
	if err != nil || c.SessionID != sessionID {
		return nil, fmt.Errorf("conflict %s in session %s: %w", conflictID, sessionID, domain.ErrNotFound)
	}

	res, err := m.resolver.ResolveConflict(ctx, conflictID, strategy, resolvedBy, data)
	if err != nil {
		if errors.Is(err, domain.ErrConflictResolutionFailed) {
			m.untrackConflicts(st, conflictID)
		}
		return nil, err
	}
	m.untrackConflicts(st, conflictID)
	m.announceResolution(ctx, sessionID, res)
	return res, nil
}

// AutoResolveConflicts resolves every pending conflict of the session with
// strategy; failures are skipped.
func (m *SessionManager) AutoResolveConflicts(ctx context.Context, sessionID string, strategy conflict.Strategy) ([]*conflict.Resolution, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("auto-resolve: unknown strategy %q: %w", strategy, domain.ErrValidation)
	}
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	participants := append([]collab.Participant(nil), st.s.Participants...)
	st.mu.Unlock()

	out := m.resolver.AutoResolveConflicts(ctx, sessionID, strategy, participants)

	remaining := make(map[string]bool)
	for _, c := range m.resolver.ActiveConflicts(sessionID) {
		remaining[c.ID] = true
	}
	st.mu.Lock()
	kept := st.s.ActiveConflicts[:0]
	for _, id := range st.s.ActiveConflicts {
		if remaining[id] {
			kept = append(kept, id)
		}
	}
	st.s.ActiveConflicts = kept
	st.mu.Unlock()

	for _, res := range out {
		m.announceResolution(ctx, sessionID, res)
	}
	return out, nil
}

func (m *SessionManager) announceResolution(ctx context.Context, sessionID string, res *conflict.Resolution) {
	participant := res.ResolvedBy
	if participant == conflict.SystemResolver {
		participant = ""
	}
	m.publish(ctx, event.TypeConflictResolved, sessionID, participant, map[string]any{
		"conflict_id":          res.ConflictID,
		"strategy":             res.Strategy,
		"resolved_by":          res.ResolvedBy,
		"selected_participant": res.SelectedParticipant,
	})
	m.emit(Notice{Kind: NoticeConflictResolved, SessionID: sessionID, Data: res})
}

// GetSession returns a copy of a session, including completed ones.
func (m *SessionManager) GetSession(sessionID string) (*collab.Session, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.snapshot(st), nil
}

// GetActiveSessions returns the active and paused sessions, oldest first.
func (m *SessionManager) GetActiveSessions() []*collab.Session {
	m.mu.RLock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var out []*collab.Session
	for _, st := range states {
		st.mu.Lock()
		if st.s.Status == collab.StatusActive || st.s.Status == collab.StatusPaused {
			out = append(out, st.s.Clone())
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PruneEndedSessions evicts sessions that ended more than
// CompletedRetention ago and returns how many were removed. It runs on
// every session end and creation.
func (m *SessionManager) PruneEndedSessions() int {
	cutoff := m.now().Add(-m.cfg.CompletedRetention)
	m.mu.RLock()
	states := make(map[string]*sessionState, len(m.sessions))
	for id, st := range m.sessions {
		states[id] = st
	}
	m.mu.RUnlock()

	var stale []string
	for id, st := range states {
		st.mu.Lock()
		if !st.endedAt.IsZero() && st.endedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		st.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	slog.Debug("evicted ended sessions", "count", len(stale))
	return len(stale)
}

// Close ends every live session.
func (m *SessionManager) Close(ctx context.Context) {
	for _, s := range m.GetActiveSessions() {
		if _, err := m.EndSession(ctx, s.ID, ReasonShutdown); err != nil {
			slog.Warn("end session on shutdown", "session_id", s.ID, "error", err)
		}
	}
	m.recorder.Wait()
}
