// Package recordingstore defines the port interface for durable session
// recordings.
package recordingstore

import (
	"context"

	"github.com/Strob0t/CodePair/internal/domain/recording"
)

// Store persists one document per recording keyed by recording id.
// Load and Delete return an error wrapping domain.ErrNotFound for unknown ids.
type Store interface {
	Save(ctx context.Context, rec *recording.SessionRecording) error
	Load(ctx context.Context, id string) (*recording.SessionRecording, error)
	List(ctx context.Context) ([]recording.Summary, error)
	Delete(ctx context.Context, id string) error
}
