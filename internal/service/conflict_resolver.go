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
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cpotel "github.com/Strob0t/CodePair/internal/adapter/otel"
	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/conflict"
	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

// ActivitySource returns per-participant activity counts of a session. It
// feeds the most_active_wins strategy.
type ActivitySource func(sessionID string) map[string]int

type trackedConflict struct {
	c     *conflict.Conflict
	roles map[string]collab.Role
}

// ConflictResolver detects concurrent changes to the same location and
// settles them with a resolution strategy. A conflict stays in active
// storage only while it is pending or resolving.
type ConflictResolver struct {
	observers

	window        time.Duration
	contextWindow time.Duration
	locate        conflict.LocationFunc
	activity      ActivitySource
	now           func() time.Time
	metrics       *cpotel.Metrics

	mu        sync.Mutex
	conflicts map[string]*trackedConflict
	bySession map[string]map[string]struct{}
}

// NewConflictResolver creates a resolver with the given detection windows.
// Non-positive windows select conflict.DefaultWindow and
// conflict.DefaultContextWindow.
func NewConflictResolver(window, contextWindow time.Duration) *ConflictResolver {
	if window <= 0 {
		window = conflict.DefaultWindow
	}
	if contextWindow <= 0 {
		contextWindow = conflict.DefaultContextWindow
	}
	return &ConflictResolver{
		window:        window,
		contextWindow: contextWindow,
		locate:        conflict.DefaultLocation,
		now:           time.Now,
		conflicts:     make(map[string]*trackedConflict),
		bySession:     make(map[string]map[string]struct{}),
	}
}

// SetClock replaces the time source.
func (r *ConflictResolver) SetClock(now func() time.Time) { r.now = now }

// SetLocationFunc replaces the location-key extraction used by detection.
func (r *ConflictResolver) SetLocationFunc(fn conflict.LocationFunc) {
	if fn == nil {
		fn = conflict.DefaultLocation
	}
	r.locate = fn
}

// SetActivitySource enables activity-based selection for most_active_wins.
func (r *ConflictResolver) SetActivitySource(src ActivitySource) { r.activity = src }

// SetMetrics enables conflict counters.
func (r *ConflictResolver) SetMetrics(m *cpotel.Metrics) { r.metrics = m }

func rolesOf(participants []collab.Participant) map[string]collab.Role {
	roles := make(map[string]collab.Role, len(participants))
	for i := range participants {
		roles[participants[i].ID] = participants[i].Role
	}
	return roles
}

// store adds a conflict to active storage. Caller holds r.mu.
func (r *ConflictResolver) store(c *conflict.Conflict, roles map[string]collab.Role) {
	r.conflicts[c.ID] = &trackedConflict{c: c, roles: roles}
	set, ok := r.bySession[c.SessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[c.SessionID] = set
	}
	set[c.ID] = struct{}{}
}

// drop removes a conflict from active storage. Caller holds r.mu.
func (r *ConflictResolver) drop(c *conflict.Conflict) {
	delete(r.conflicts, c.ID)
	if set, ok := r.bySession[c.SessionID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.bySession, c.SessionID)
		}
	}
}

// DetectConflicts groups changes by location and stores a pending conflict
// for every location with at least two changes inside the detection window
// of its earliest change. When participants is non-empty, changes by
// anyone else are ignored; the participants' roles are captured for
// role_priority resolution.
func (r *ConflictResolver) DetectConflicts(ctx context.Context, sessionID string, changes []conflict.Change, participants []collab.Participant) []*conflict.Conflict {
	roles := rolesOf(participants)
	candidates := changes
	if len(participants) > 0 {
		candidates = make([]conflict.Change, 0, len(changes))
		for i := range changes {
			if _, ok := roles[changes[i].ParticipantID]; ok {
				candidates = append(candidates, changes[i])
				continue
			}
			slog.Debug("ignoring change from non-participant", "session_id", sessionID, "participant_id", changes[i].ParticipantID)
		}
	}

	groups := r.detect(candidates)
	if len(groups) == 0 {
		return nil
	}

	now := r.now()
	detected := make([]*conflict.Conflict, 0, len(groups))
	r.mu.Lock()
	for _, g := range groups {
		c := conflict.NewFromGroup(uuid.NewString(), sessionID, g, now)
		r.store(c, roles)
		detected = append(detected, c.Clone())
	}
	r.mu.Unlock()

	for _, c := range detected {
		slog.Info("conflict detected", "session_id", sessionID, "conflict_id", c.ID, "location", c.Location, "changes", len(c.Changes))
		if r.metrics != nil {
			r.metrics.ConflictsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(c.Type))))
		}
		r.emit(Notice{Kind: NoticeConflictDetected, SessionID: sessionID, Data: c})
	}
	return detected
}

// detect runs location grouping with the context window for context
// locations and the regular window for everything else.
func (r *ConflictResolver) detect(changes []conflict.Change) []conflict.Group {
	var ctxChanges, other []conflict.Change
	for i := range changes {
		if conflict.TypeForLocation(r.locate(&changes[i])) == conflict.TypeContext {
			ctxChanges = append(ctxChanges, changes[i])
		} else {
			other = append(other, changes[i])
		}
	}
	groups := conflict.Detect(other, r.window, r.locate)
	groups = append(groups, conflict.Detect(ctxChanges, r.contextWindow, r.locate)...)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Location < groups[j].Location })
	return groups
}

// Within reports whether ch is inside the detection window that ends at
// at. Context locations use the context window.
func (r *ConflictResolver) Within(ch *conflict.Change, at time.Time) bool {
	window := r.window
	if conflict.TypeForLocation(r.locate(ch)) == conflict.TypeContext {
		window = r.contextWindow
	}
	return at.Sub(ch.Timestamp) <= window
}

// CheckContextConflict returns a pending context conflict when at least two
// existing versions of a context item fall within the context window. The
// conflict is not stored; pass it to Track to make it resolvable.
func (r *ConflictResolver) CheckContextConflict(sessionID, contextID, participantID string, newContent json.RawMessage, existing []cpcontext.Version) *conflict.Conflict {
	return conflict.CheckContext(uuid.NewString(), &conflict.ContextCheck{
		SessionID:     sessionID,
		ContextID:     contextID,
		ParticipantID: participantID,
		NewContent:    newContent,
		Existing:      existing,
	}, r.contextWindow, r.now())
}

// Track stores an externally produced pending conflict.
func (r *ConflictResolver) Track(ctx context.Context, c *conflict.Conflict, participants []collab.Participant) error {
	if c == nil || c.ID == "" || c.SessionID == "" {
		return fmt.Errorf("track conflict: missing id or session: %w", domain.ErrValidation)
	}
	if c.Status != conflict.StatusPending {
		return fmt.Errorf("track conflict %s in status %s: %w", c.ID, c.Status, domain.ErrInvalidState)
	}
	r.mu.Lock()
	if _, exists := r.conflicts[c.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("conflict %s already tracked: %w", c.ID, domain.ErrInvalidState)
	}
	r.store(c.Clone(), rolesOf(participants))
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConflictsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(c.Type))))
	}
	r.emit(Notice{Kind: NoticeConflictDetected, SessionID: c.SessionID, Data: c.Clone()})
	return nil
}

// ResolveConflict settles a pending conflict with strategy. An empty
// resolvedBy records the system as resolver. A strategy failure marks the
// conflict failed and returns an error wrapping
// domain.ErrConflictResolutionFailed; failed and resolved conflicts leave
// active storage.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy, resolvedBy string, data json.RawMessage) (*conflict.Resolution, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("resolve conflict %s: unknown strategy %q: %w", conflictID, strategy, domain.ErrValidation)
	}
	if strategy == conflict.StrategyManual && (len(data) == 0 || string(data) == "null") {
		return nil, fmt.Errorf("resolve conflict %s: %w: %w", conflictID, conflict.ErrNoResolutionData, domain.ErrConfiguration)
	}

	r.mu.Lock()
	tc, ok := r.conflicts[conflictID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("conflict %s: %w", conflictID, domain.ErrNotFound)
	}
	if tc.c.Status != conflict.StatusPending {
		status := tc.c.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("conflict %s is %s: %w", conflictID, status, domain.ErrInvalidState)
	}
	tc.c.Status = conflict.StatusResolving
	c := tc.c.Clone()
	roles := tc.roles
	r.mu.Unlock()

	ctx, span := cpotel.StartConflictSpan(ctx, conflictID, string(strategy))
	defer span.End()

	in := conflict.Input{Roles: roles, Data: data}
	if strategy == conflict.StrategyMostActiveWins && r.activity != nil {
		in.Activity = r.activity(c.SessionID)
	}
	out, err := runStrategy(conflict.Strategies[strategy], c, in)

	r.mu.Lock()
	if err != nil {
		tc.c.Status = conflict.StatusFailed
		r.drop(tc.c)
		r.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.countResolution(ctx, strategy, "failed")
		slog.Warn("conflict resolution failed", "session_id", c.SessionID, "conflict_id", conflictID, "strategy", strategy, "error", err)
		return nil, fmt.Errorf("resolve conflict %s with %s: %w: %w", conflictID, strategy, domain.ErrConflictResolutionFailed, err)
	}

	if resolvedBy == "" {
		resolvedBy = conflict.SystemResolver
	}
	res := &conflict.Resolution{
		ConflictID:          conflictID,
		Strategy:            strategy,
		ResolvedBy:          resolvedBy,
		ResolvedAt:          r.now(),
		ResolvedContent:     out.Content,
		SelectedParticipant: out.SelectedParticipant,
		Notes:               out.Notes,
	}
	tc.c.Status = conflict.StatusResolved
	tc.c.Resolution = res
	final := tc.c.Clone()
	r.drop(tc.c)
	r.mu.Unlock()

	r.countResolution(ctx, strategy, "resolved")
	slog.Info("conflict resolved", "session_id", c.SessionID, "conflict_id", conflictID, "strategy", strategy, "resolved_by", resolvedBy)
	r.emit(Notice{Kind: NoticeConflictResolved, SessionID: c.SessionID, Data: final})

	cp := *res
	return &cp, nil
}

func runStrategy(fn conflict.Func, c *conflict.Conflict, in conflict.Input) (out *conflict.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("strategy panicked: %v", rec)
		}
	}()
	out, err = fn(c, in)
	if err == nil && out == nil {
		err = errors.New("strategy returned no outcome")
	}
	return out, err
}

func (r *ConflictResolver) countResolution(ctx context.Context, strategy conflict.Strategy, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ConflictsResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("outcome", outcome),
	))
}

// AutoResolver picks the resolving party of an automatic resolution:
// role_priority prefers an online driver, then an online moderator;
// most_active_wins takes the first participant; otherwise the system.
func AutoResolver(strategy conflict.Strategy, participants []collab.Participant) string {
	switch strategy {
	case conflict.StrategyRolePriority:
		for _, want := range []collab.Role{collab.RoleDriver, collab.RoleModerator} {
			for i := range participants {
				if participants[i].IsOnline && participants[i].Role == want {
					return participants[i].ID
				}
			}
		}
	case conflict.StrategyMostActiveWins:
		if len(participants) > 0 {
			return participants[0].ID
		}
	}
	return conflict.SystemResolver
}

// AutoResolveConflicts resolves every pending conflict of a session with
// strategy. Individual failures are logged and skipped. It returns the
// resolutions that succeeded in detection order.
func (r *ConflictResolver) AutoResolveConflicts(ctx context.Context, sessionID string, strategy conflict.Strategy, participants []collab.Participant) []*conflict.Resolution {
	resolver := AutoResolver(strategy, participants)
	roles := rolesOf(participants)

	pending := r.ActiveConflicts(sessionID)
	r.mu.Lock()
	for _, c := range pending {
		if tc, ok := r.conflicts[c.ID]; ok && len(roles) > 0 {
			tc.roles = roles
		}
	}
	r.mu.Unlock()

	var out []*conflict.Resolution
	for _, c := range pending {
		if c.Status != conflict.StatusPending {
			continue
		}
		res, err := r.ResolveConflict(ctx, c.ID, strategy, resolver, nil)
		if err != nil {
			slog.Warn("auto-resolve skipped conflict", "session_id", sessionID, "conflict_id", c.ID, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out
}

// ActiveConflicts returns copies of the session's pending and resolving
// conflicts ordered by detection time.
func (r *ConflictResolver) ActiveConflicts(sessionID string) []*conflict.Conflict {
	r.mu.Lock()
	out := make([]*conflict.Conflict, 0, len(r.bySession[sessionID]))
	for id := range r.bySession[sessionID] {
		out = append(out, r.conflicts[id].c.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// Get returns a copy of an active conflict.
func (r *ConflictResolver) Get(conflictID string) (*conflict.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.conflicts[conflictID]
	if !ok {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, domain.ErrNotFound)
	}
	return tc.c.Clone(), nil
}

// CleanupSession drops every active conflict of a session.
func (r *ConflictResolver) CleanupSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.bySession[sessionID] {
		delete(r.conflicts, id)
	}
	delete(r.bySession, sessionID)
}
