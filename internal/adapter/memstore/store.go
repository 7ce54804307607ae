// Package memstore implements recordingstore.Store in process memory.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/recording"
)

// Store keeps serialized recordings in a map so callers never share
// mutable state with it.
type Store struct {
	mu   sync.RWMutex
	recs map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{recs: make(map[string][]byte)}
}

// Save stores a copy of rec.
func (s *Store) Save(_ context.Context, rec *recording.SessionRecording) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording %s: %w", rec.ID, err)
	}
	s.mu.Lock()
	s.recs[rec.ID] = data
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored recording.
func (s *Store) Load(_ context.Context, id string) (*recording.SessionRecording, error) {
	s.mu.RLock()
	data, ok := s.recs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load recording %s: %w", id, domain.ErrNotFound)
	}
	var rec recording.SessionRecording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recording %s: %w", id, err)
	}
	return &rec, nil
}

// List returns all summaries, newest first.
func (s *Store) List(ctx context.Context) ([]recording.Summary, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]recording.Summary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// Delete removes a recording.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return fmt.Errorf("delete recording %s: %w", id, domain.ErrNotFound)
	}
	delete(s.recs, id)
	return nil
}
