package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/CodePair/internal/domain"
	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

// maxItemVersions bounds the per-item version history kept for context
// conflict checks.
const maxItemVersions = 10

// Metadata keys stamped on shared items.
const (
	MetaSharedBy = "shared_by"
	MetaSharedAt = "shared_at"
)

// SyncConfig controls a shared context's synchronization cadence.
type SyncConfig struct {
	// Frequency schedules periodic synchronization when positive.
	Frequency time.Duration
}

// Replicator ships a batch of applied changes to participants. An error
// fails the synchronization and requeues the batch.
type Replicator func(ctx context.Context, sessionID string, changes []cpcontext.Change) error

// SyncResult is the Data of synchronizationCompleted and
// synchronizationFailed notices.
type SyncResult struct {
	Applied int
	Err     error
}

type syncSession struct {
	mu       sync.Mutex
	shared   *cpcontext.SharedContext
	versions map[string][]cpcontext.Version
	incoming map[string]cpcontext.Item // context conflict id -> rejected item
	stop     chan struct{}
}

// ContextSynchronizer owns the shared context of every session and applies
// queued changes in timestamp order.
type ContextSynchronizer struct {
	observers

	now        func() time.Time
	replicator Replicator

	mu       sync.RWMutex
	sessions map[string]*syncSession
}

// NewContextSynchronizer creates an empty ContextSynchronizer.
func NewContextSynchronizer() *ContextSynchronizer {
	return &ContextSynchronizer{
		now:      time.Now,
		sessions: make(map[string]*syncSession),
	}
}

// SetClock replaces the time source.
func (cs *ContextSynchronizer) SetClock(now func() time.Time) {
	cs.now = now
}

// SetReplicator installs the hook invoked with every synchronized batch.
func (cs *ContextSynchronizer) SetReplicator(r Replicator) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.replicator = r
}

func (cs *ContextSynchronizer) get(sessionID string) (*syncSession, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	s, ok := cs.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("shared context for session %s: %w", sessionID, domain.ErrNotFound)
	}
	return s, nil
}

// CreateSharedContext initializes an empty shared context. An empty session
// id gets a generated one. It fails with ErrInvalidState if the session
// already has a context.
func (cs *ContextSynchronizer) CreateSharedContext(sessionID string, cfg SyncConfig) (*cpcontext.SharedContext, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &syncSession{
		shared:   cpcontext.New(sessionID, cs.now()),
		versions: make(map[string][]cpcontext.Version),
		incoming: make(map[string]cpcontext.Item),
	}

	cs.mu.Lock()
	if _, exists := cs.sessions[sessionID]; exists {
		cs.mu.Unlock()
		return nil, fmt.Errorf("shared context for session %s already exists: %w", sessionID, domain.ErrInvalidState)
	}
	cs.sessions[sessionID] = s
	cs.mu.Unlock()

	if cfg.Frequency > 0 {
		s.stop = make(chan struct{})
		go cs.syncLoop(sessionID, cfg.Frequency, s.stop)
	}

	slog.Debug("shared context created", "session_id", sessionID, "sync_frequency", cfg.Frequency)
	return s.shared.Snapshot(), nil
}

func (cs *ContextSynchronizer) syncLoop(sessionID string, every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := cs.SynchronizeSession(context.Background(), sessionID); err != nil {
				return
			}
		}
	}
}

// AddContextItem upserts an item shared by participantID. When an item with
// the same id but different content exists, nothing is mutated and the
// recorded context conflict is returned instead. Critical and high priority
// items synchronize immediately.
func (cs *ContextSynchronizer) AddContextItem(ctx context.Context, sessionID string, item cpcontext.Item, participantID string) (*cpcontext.Conflict, error) {
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("add context item: %w: %w", err, domain.ErrValidation)
	}
	s, err := cs.get(sessionID)
	if err != nil {
		return nil, err
	}

	now := cs.now()
	s.mu.Lock()
	existing, exists := s.shared.Items[item.ID]
	if exists && !cpcontext.SameContent(existing.Content, item.Content) {
		c := cpcontext.Conflict{
			ID:     uuid.NewString(),
			ItemID: item.ID,
			Existing: cpcontext.Version{
				ParticipantID: existing.Metadata[MetaSharedBy],
				Content:       existing.Content,
				Timestamp:     existing.LastAccessed,
			},
			Incoming: cpcontext.Version{
				ParticipantID: participantID,
				Content:       item.Content,
				Timestamp:     now,
			},
			DetectedAt: now,
		}
		s.shared.Sync.Conflicts = append(s.shared.Sync.Conflicts, c)
		s.incoming[c.ID] = item.Clone()
		s.mu.Unlock()

		slog.Info("context conflict recorded", "session_id", sessionID, "item_id", item.ID, "conflict_id", c.ID)
		cs.emit(Notice{Kind: NoticeContextConflict, SessionID: sessionID, Data: c})
		return &c, nil
	}

	stored := cs.upsert(s, item, participantID, exists, now)
	s.mu.Unlock()

	cs.emit(Notice{Kind: NoticeContextItemAdded, SessionID: sessionID, Data: stored})
	if item.Priority.Urgent() {
		if err := cs.SynchronizeSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// upsert stores item, queues the change and records a version. Caller holds
// s.mu.
func (cs *ContextSynchronizer) upsert(s *syncSession, item cpcontext.Item, participantID string, exists bool, now time.Time) cpcontext.Item {
	stored := item.Clone()
	stored.LastAccessed = now
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]string, 2)
	}
	stored.Metadata[MetaSharedBy] = participantID
	stored.Metadata[MetaSharedAt] = now.UTC().Format(time.RFC3339Nano)
	s.shared.Items[stored.ID] = stored

	kind := cpcontext.ChangeAdd
	if exists {
		kind = cpcontext.ChangeUpdate
	}
	queued := stored.Clone()
	s.shared.Sync.PendingChanges = append(s.shared.Sync.PendingChanges, cpcontext.Change{
		Type:          kind,
		ItemID:        stored.ID,
		Item:          &queued,
		ParticipantID: participantID,
		Timestamp:     now,
	})

	vs := append(s.versions[stored.ID], cpcontext.Version{
		ParticipantID: participantID,
		Content:       stored.Content,
		Timestamp:     now,
	})
	if len(vs) > maxItemVersions {
		vs = vs[len(vs)-maxItemVersions:]
	}
	s.versions[stored.ID] = vs
	return stored.Clone()
}

// RemoveContextItem deletes an item and queues a remove change. It reports
// whether the item existed.
func (cs *ContextSynchronizer) RemoveContextItem(sessionID, itemID, participantID string) (bool, error) {
	s, err := cs.get(sessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.shared.Items[itemID]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.shared.Items, itemID)
	delete(s.versions, itemID)
	s.shared.Sync.PendingChanges = append(s.shared.Sync.PendingChanges, cpcontext.Change{
		Type:          cpcontext.ChangeRemove,
		ItemID:        itemID,
		ParticipantID: participantID,
		Timestamp:     cs.now(),
	})
	s.mu.Unlock()

	cs.emit(Notice{Kind: NoticeContextItemRemoved, SessionID: sessionID, Data: itemID})
	return true, nil
}

// GetContextForParticipant returns every item of the session, critical
// first and most recently accessed first within a priority. System items
// are visible to all participants.
func (cs *ContextSynchronizer) GetContextForParticipant(sessionID, _ string) ([]cpcontext.Item, error) {
	s, err := cs.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared.Ordered(), nil
}

// SynchronizeSession drains the pending queue in timestamp order, applies
// each change and hands the batch to the replicator. Draining and applying
// happen under one lock hold, so a concurrent RemoveContextItem is either
// in the batch or queued for the next one. It is a no-op while another
// synchronization of the same session is running. Failures are reported as
// synchronizationFailed notices and requeue the batch; only an unknown
// session is returned as an error.
func (cs *ContextSynchronizer) SynchronizeSession(ctx context.Context, sessionID string) error {
	s, err := cs.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.shared.Sync.IsSyncing {
		s.mu.Unlock()
		slog.Debug("synchronization already running", "session_id", sessionID)
		return nil
	}
	batch := s.shared.Sync.PendingChanges
	s.shared.Sync.PendingChanges = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
	if err := applyBatch(s.shared, batch); err != nil {
		s.shared.Sync.PendingChanges = append(batch, s.shared.Sync.PendingChanges...)
		s.mu.Unlock()
		cs.syncFailed(sessionID, batch, err)
		return nil
	}
	s.shared.Sync.IsSyncing = true
	s.mu.Unlock()

	err = cs.replicate(ctx, sessionID, batch)

	s.mu.Lock()
	s.shared.Sync.IsSyncing = false
	if err != nil {
		s.shared.Sync.PendingChanges = append(batch, s.shared.Sync.PendingChanges...)
	} else {
		s.shared.Sync.LastSync = cs.now()
	}
	s.mu.Unlock()

	if err != nil {
		cs.syncFailed(sessionID, batch, err)
		return nil
	}
	cs.emit(Notice{Kind: NoticeSyncCompleted, SessionID: sessionID, Data: SyncResult{Applied: len(batch)}})
	return nil
}

func (cs *ContextSynchronizer) syncFailed(sessionID string, batch []cpcontext.Change, err error) {
	slog.Warn("context synchronization failed", "session_id", sessionID, "changes", len(batch), "error", err)
	cs.emit(Notice{Kind: NoticeSyncFailed, SessionID: sessionID, Data: SyncResult{Err: err}})
}

// applyBatch applies changes to the shared context. Caller holds the
// session lock.
func applyBatch(shared *cpcontext.SharedContext, batch []cpcontext.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("synchronization panicked: %v", r)
		}
	}()
	for _, ch := range batch {
		if ch.Type == cpcontext.ChangeRemove {
			delete(shared.Items, ch.ItemID)
			continue
		}
		// Re-applying a change whose item was since replaced must not
		// roll the item back.
		if cur, ok := shared.Items[ch.ItemID]; ok && cur.LastAccessed.After(ch.Timestamp) {
			continue
		}
		if !shared.Apply(ch) {
			return fmt.Errorf("apply %s change to item %s", ch.Type, ch.ItemID)
		}
	}
	return nil
}

func (cs *ContextSynchronizer) replicate(ctx context.Context, sessionID string, batch []cpcontext.Change) (err error) {
	cs.mu.RLock()
	r := cs.replicator
	cs.mu.RUnlock()
	if r == nil || len(batch) == 0 {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("replicator panicked: %v", p)
		}
	}()
	if err := r(ctx, sessionID, batch); err != nil {
		return fmt.Errorf("replicate %d changes: %w", len(batch), err)
	}
	return nil
}

// GetContextStats returns item counts by type and priority together with
// pending-change and open-conflict counts.
func (cs *ContextSynchronizer) GetContextStats(sessionID string) (cpcontext.Stats, error) {
	s, err := cs.get(sessionID)
	if err != nil {
		return cpcontext.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := cpcontext.Stats{
		TotalItems:     len(s.shared.Items),
		ByType:         make(map[cpcontext.ItemType]int),
		ByPriority:     make(map[cpcontext.Priority]int),
		PendingChanges: len(s.shared.Sync.PendingChanges),
		OpenConflicts:  len(s.shared.Sync.Conflicts),
		LastSync:       s.shared.Sync.LastSync,
	}
	for _, it := range s.shared.Items {
		st.ByType[it.Type]++
		st.ByPriority[it.Priority]++
	}
	return st, nil
}

// GetSyncStatus returns the synchronization state of a session.
func (cs *ContextSynchronizer) GetSyncStatus(sessionID string) (cpcontext.SyncStatus, error) {
	s, err := cs.get(sessionID)
	if err != nil {
		return cpcontext.SyncStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cpcontext.SyncStatus{
		LastSync:       s.shared.Sync.LastSync,
		IsSyncing:      s.shared.Sync.IsSyncing,
		PendingChanges: len(s.shared.Sync.PendingChanges),
		OpenConflicts:  len(s.shared.Sync.Conflicts),
	}, nil
}

// ItemVersions returns the recent versions of an item, oldest first.
func (cs *ContextSynchronizer) ItemVersions(sessionID, itemID string) ([]cpcontext.Version, error) {
	s, err := cs.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cpcontext.Version(nil), s.versions[itemID]...), nil
}

// ResolveContextConflict settles a recorded context conflict. Accepting
// replaces the existing item with the incoming one; rejecting discards it.
func (cs *ContextSynchronizer) ResolveContextConflict(ctx context.Context, sessionID, conflictID string, accept bool) error {
	s, err := cs.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	idx := -1
	for i := range s.shared.Sync.Conflicts {
		if s.shared.Sync.Conflicts[i].ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("context conflict %s: %w", conflictID, domain.ErrNotFound)
	}
	c := s.shared.Sync.Conflicts[idx]
	s.shared.Sync.Conflicts = append(s.shared.Sync.Conflicts[:idx], s.shared.Sync.Conflicts[idx+1:]...)
	item := s.incoming[conflictID]
	delete(s.incoming, conflictID)

	var stored cpcontext.Item
	if accept {
		_, exists := s.shared.Items[item.ID]
		stored = cs.upsert(s, item, c.Incoming.ParticipantID, exists, cs.now())
	}
	s.mu.Unlock()

	slog.Info("context conflict resolved", "session_id", sessionID, "conflict_id", conflictID, "accepted", accept)
	if !accept {
		return nil
	}
	cs.emit(Notice{Kind: NoticeContextItemAdded, SessionID: sessionID, Data: stored})
	if stored.Priority.Urgent() {
		return cs.SynchronizeSession(ctx, sessionID)
	}
	return nil
}

// Snapshot returns a deep copy of the session's shared context.
func (cs *ContextSynchronizer) Snapshot(sessionID string) (*cpcontext.SharedContext, error) {
	s, err := cs.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared.Snapshot(), nil
}

// ReleaseSession stops periodic synchronization and drops the session's
// shared context.
func (cs *ContextSynchronizer) ReleaseSession(sessionID string) {
	cs.mu.Lock()
	s, ok := cs.sessions[sessionID]
	delete(cs.sessions, sessionID)
	cs.mu.Unlock()
	if ok && s.stop != nil {
		close(s.stop)
	}
}

// Close releases every session.
func (cs *ContextSynchronizer) Close() {
	cs.mu.RLock()
	ids := make([]string, 0, len(cs.sessions))
	for id := range cs.sessions {
		ids = append(ids, id)
	}
	cs.mu.RUnlock()
	for _, id := range ids {
		cs.ReleaseSession(id)
	}
}
