package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/CodePair/internal/adapter/filestore"
	"github.com/Strob0t/CodePair/internal/adapter/memstore"
	"github.com/Strob0t/CodePair/internal/adapter/postgres"
	"github.com/Strob0t/CodePair/internal/config"
	"github.com/Strob0t/CodePair/internal/port/recordingstore"
)

// openRecordingStore returns the backend selected by cfg.Recording.Backend.
// The postgres backend applies pending migrations before use.
func openRecordingStore(ctx context.Context, cfg *config.Config) (recordingstore.Store, func(), error) {
	switch cfg.Recording.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("recording store ready", "backend", "postgres")
		return postgres.NewRecordingStore(pool), pool.Close, nil
	case "memory":
		slog.Warn("recordings are kept in memory and lost on restart")
		return memstore.New(), func() {}, nil
	default:
		fs, err := filestore.New(cfg.Recording.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("file store: %w", err)
		}
		slog.Info("recording store ready", "backend", "file", "dir", cfg.Recording.Dir)
		return fs, func() {}, nil
	}
}
