package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	cpotel "github.com/Strob0t/CodePair/internal/adapter/otel"
	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/recording"
	"github.com/Strob0t/CodePair/internal/port/cache"
	"github.com/Strob0t/CodePair/internal/port/recordingstore"
	"github.com/Strob0t/CodePair/internal/resilience"
)

const recordingCachePrefix = "recording:"

// DurableStore decorates a recording store with a circuit breaker and a
// read-through cache. Persisted recordings are immutable, so cached copies
// never go stale; Delete evicts them. Store failures are wrapped with
// domain.ErrPersistenceFailed and the recording id.
type DurableStore struct {
	store    recordingstore.Store
	breaker  *resilience.Breaker
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *cpotel.Metrics
}

var _ recordingstore.Store = (*DurableStore)(nil)

// NewDurableStore wraps store.
func NewDurableStore(store recordingstore.Store) *DurableStore {
	return &DurableStore{store: store}
}

// SetBreaker guards every store call with b. Not-found results pass through
// without counting as a failure.
func (d *DurableStore) SetBreaker(b *resilience.Breaker) {
	b.SetNeutral(func(err error) bool { return errors.Is(err, domain.ErrNotFound) })
	b.OnStateChange(func(from, to string) {
		if to == resilience.StateOpen {
			slog.Error("recording store circuit opened", "from", from)
			return
		}
		slog.Info("recording store circuit state changed", "from", from, "to", to)
	})
	d.breaker = b
}

// SetCache enables caching of loaded recordings.
func (d *DurableStore) SetCache(c cache.Cache, ttl time.Duration) {
	d.cache = c
	d.cacheTTL = ttl
}

// SetMetrics enables persistence counters.
func (d *DurableStore) SetMetrics(m *cpotel.Metrics) { d.metrics = m }

func (d *DurableStore) call(fn func() error) error {
	if d.breaker == nil {
		return fn()
	}
	return d.breaker.Execute(fn)
}

func (d *DurableStore) fail(ctx context.Context, op, id string, err error) error {
	if d.metrics != nil {
		d.metrics.RecordingFailures.Add(ctx, 1)
	}
	slog.Error("recording store failed", "op", op, "recording_id", id, "error", err)
	return fmt.Errorf("%s recording %s: %w: %w", op, id, domain.ErrPersistenceFailed, err)
}

// Save persists rec.
func (d *DurableStore) Save(ctx context.Context, rec *recording.SessionRecording) error {
	ctx, span := cpotel.StartPersistSpan(ctx, rec.ID, len(rec.Events))
	defer span.End()

	if err := d.call(func() error { return d.store.Save(ctx, rec) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.fail(ctx, "save", rec.ID, err)
	}
	if d.metrics != nil {
		d.metrics.RecordingsPersisted.Add(ctx, 1)
	}
	d.cachePut(ctx, rec)
	return nil
}

// Load returns a recording, from cache when possible.
func (d *DurableStore) Load(ctx context.Context, id string) (*recording.SessionRecording, error) {
	if rec, ok := d.cacheGet(ctx, id); ok {
		return rec, nil
	}
	var rec *recording.SessionRecording
	err := d.call(func() error {
		var err error
		rec, err = d.store.Load(ctx, id)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, d.fail(ctx, "load", id, err)
	}
	d.cachePut(ctx, rec)
	return rec, nil
}

// List returns the inventory of persisted recordings.
func (d *DurableStore) List(ctx context.Context) ([]recording.Summary, error) {
	var out []recording.Summary
	err := d.call(func() error {
		var err error
		out, err = d.store.List(ctx)
		return err
	})
	if err != nil {
		return nil, d.fail(ctx, "list", "*", err)
	}
	return out, nil
}

// Delete removes a recording and its cached copy.
func (d *DurableStore) Delete(ctx context.Context, id string) error {
	if d.cache != nil {
		if err := d.cache.Delete(ctx, recordingCachePrefix+id); err != nil {
			slog.Warn("recording cache evict failed", "recording_id", id, "error", err)
		}
	}
	err := d.call(func() error { return d.store.Delete(ctx, id) })
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		return d.fail(ctx, "delete", id, err)
	}
	return nil
}

func (d *DurableStore) cacheGet(ctx context.Context, id string) (*recording.SessionRecording, bool) {
	if d.cache == nil {
		return nil, false
	}
	data, ok, err := d.cache.Get(ctx, recordingCachePrefix+id)
	if err != nil || !ok {
		return nil, false
	}
	var rec recording.SessionRecording
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("discarding undecodable cached recording", "recording_id", id, "error", err)
		return nil, false
	}
	return &rec, true
}

func (d *DurableStore) cachePut(ctx context.Context, rec *recording.SessionRecording) {
	if d.cache == nil || rec == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, recordingCachePrefix+rec.ID, data, d.cacheTTL); err != nil {
		slog.Warn("recording cache write failed", "recording_id", rec.ID, "error", err)
	}
}
