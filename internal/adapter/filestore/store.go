// Package filestore implements recordingstore.Store with one JSON document
// per recording in a directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/recording"
)

const ext = ".json"

// Store keeps recordings as <dir>/<id>.json.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New creates the directory if needed and returns a store over it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recording dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("recording id %q: %w", id, domain.ErrValidation)
	}
	return filepath.Join(s.dir, id+ext), nil
}

// Save writes the recording atomically via a temp file rename.
func (s *Store) Save(_ context.Context, rec *recording.SessionRecording) error {
	p, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

// Load reads one recording.
func (s *Store) Load(_ context.Context, id string) (*recording.SessionRecording, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(p) //nolint:gosec // G304: id is validated by path
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load recording %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load recording %s: %w", id, err)
	}

	var rec recording.SessionRecording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recording %s: %w", id, err)
	}
	return &rec, nil
}

// List decodes every recording in the directory and returns the summaries,
// newest first. Unreadable files are skipped.
func (s *Store) List(ctx context.Context) ([]recording.Summary, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}

	out := []recording.Summary{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		rec, err := s.Load(ctx, strings.TrimSuffix(e.Name(), ext))
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

// Delete removes one recording.
func (s *Store) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete recording %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	return nil
}
