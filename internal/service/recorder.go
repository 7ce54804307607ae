package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	cpotel "github.com/Strob0t/CodePair/internal/adapter/otel"
	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/domain/recording"
	"github.com/Strob0t/CodePair/internal/port/recordingstore"
)

// RecorderConfig caps recordings and selects redaction.
type RecorderConfig struct {
	MaxDuration     time.Duration
	MaxEvents       int
	FilterSensitive bool
}

// StartOptions are per-recording options of StartRecording.
type StartOptions struct {
	Labels map[string]string
	// KeepSensitive disables redaction for this recording.
	KeepSensitive bool
}

// RecordingStopped is the Data of a recordingStopped notice.
type RecordingStopped struct {
	Summary recording.Summary
	Err     error
}

type activeRecording struct {
	rec    *recording.SessionRecording
	timer  *time.Timer
	redact bool
}

// SessionRecorder captures the events of a session and replays persisted
// recordings.
type SessionRecorder struct {
	observers

	store recordingstore.Store
	cfg   RecorderConfig
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]*activeRecording // session id -> recording
	wg     sync.WaitGroup
}

// NewSessionRecorder creates a recorder persisting to store. Zero caps
// select recording.DefaultMaxDuration and recording.DefaultMaxEvents.
func NewSessionRecorder(store recordingstore.Store, cfg RecorderConfig) *SessionRecorder {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = recording.DefaultMaxDuration
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = recording.DefaultMaxEvents
	}
	return &SessionRecorder{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		active: make(map[string]*activeRecording),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetClock replaces the time source.
func (r *SessionRecorder) SetClock(now func() time.Time) { r.now = now }

// SetSleep replaces the playback wait.
func (r *SessionRecorder) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	r.sleep = sleep
}

// StartRecording begins recording a session and returns the recording id.
// It fails with domain.ErrInvalidState if the session is already recorded.
// The recording stops on its own once the maximum duration elapses.
func (r *SessionRecorder) StartRecording(sessionID string, opts StartOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[sessionID]; ok {
		return "", fmt.Errorf("session %s already recording as %s: %w", sessionID, a.rec.ID, domain.ErrInvalidState)
	}

	rec := &recording.SessionRecording{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartTime: r.now(),
	}
	if len(opts.Labels) > 0 {
		rec.Metadata.Labels = make(map[string]string, len(opts.Labels))
		for k, v := range opts.Labels {
			rec.Metadata.Labels[k] = v
		}
	}
	a := &activeRecording{rec: rec, redact: r.cfg.FilterSensitive && !opts.KeepSensitive}
	recID := rec.ID
	a.timer = time.AfterFunc(r.cfg.MaxDuration, func() {
		r.autoStop(sessionID, recID, recording.ReasonMaxDuration)
	})
	r.active[sessionID] = a

	slog.Info("recording started", "session_id", sessionID, "recording_id", recID)
	r.emit(Notice{Kind: NoticeRecordingStarted, SessionID: sessionID, Data: recID})
	return recID, nil
}

// RecordEvent appends ev to the session's active recording, if any, and
// reports whether it was recorded. Reaching the event cap stops the
// recording in the background.
func (r *SessionRecorder) RecordEvent(sessionID string, ev event.Event) bool {
	r.mu.Lock()
	a, ok := r.active[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if a.redact {
		ev = recording.Sanitize(&ev)
	} else {
		ev = ev.Clone()
	}
	a.rec.Events = append(a.rec.Events, ev)
	full := len(a.rec.Events) >= r.cfg.MaxEvents
	if full {
		delete(r.active, sessionID)
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if full {
		go func() {
			defer r.wg.Done()
			_, _ = r.persist(context.Background(), a, recording.ReasonMaxEvents)
		}()
	}
	return true
}

// autoStop detaches the recording if it is still the active one and
// persists it without blocking the timer goroutine's caller.
func (r *SessionRecorder) autoStop(sessionID, recID, reason string) {
	r.mu.Lock()
	a, ok := r.active[sessionID]
	if !ok || a.rec.ID != recID {
		r.mu.Unlock()
		return
	}
	delete(r.active, sessionID)
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		_, _ = r.persist(context.Background(), a, reason)
	}()
}

// StopRecording finalizes and persists the session's active recording. It
// fails with domain.ErrNotFound when the session is not being recorded.
// An empty reason records a manual stop.
func (r *SessionRecorder) StopRecording(ctx context.Context, sessionID, reason string) (*recording.SessionRecording, error) {
	if reason == "" {
		reason = recording.ReasonManual
	}
	r.mu.Lock()
	a, ok := r.active[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("active recording for session %s: %w", sessionID, domain.ErrNotFound)
	}
	delete(r.active, sessionID)
	r.mu.Unlock()

	return r.persist(ctx, a, reason)
}

func (r *SessionRecorder) persist(ctx context.Context, a *activeRecording, reason string) (*recording.SessionRecording, error) {
	a.timer.Stop()
	rec := a.rec
	rec.Finalize(r.now(), reason)

	err := r.store.Save(ctx, rec)
	if err != nil && !errors.Is(err, domain.ErrPersistenceFailed) {
		err = fmt.Errorf("save recording %s: %w: %w", rec.ID, domain.ErrPersistenceFailed, err)
	}
	r.emit(Notice{Kind: NoticeRecordingStopped, SessionID: rec.SessionID, Data: RecordingStopped{Summary: rec.Summary(), Err: err}})
	if err != nil {
		slog.Error("recording persist failed", "session_id", rec.SessionID, "recording_id", rec.ID, "error", err)
		return nil, err
	}
	slog.Info("recording stopped", "session_id", rec.SessionID, "recording_id", rec.ID,
		"reason", reason, "events", rec.Metadata.EventCount)
	return rec, nil
}

// IsRecording reports whether a session has an active recording.
func (r *SessionRecorder) IsRecording(sessionID string) bool {
	_, ok := r.ActiveRecording(sessionID)
	return ok
}

// ActiveRecording returns the id of a session's active recording.
func (r *SessionRecorder) ActiveRecording(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[sessionID]
	if !ok {
		return "", false
	}
	return a.rec.ID, true
}

// PlayRecording replays a persisted recording in (timestamp, seq) order,
// emitting a playbackEvent notice per included event. Waits between events
// follow the original gaps divided by the speed, with idle gaps longer
// than cfg.SkipIdlePeriods shortened to recording.IdleGapWait. It returns
// the number of events replayed and stops early when ctx is done.
func (r *SessionRecorder) PlayRecording(ctx context.Context, recordingID string, cfg recording.PlaybackConfig) (int, error) {
	return r.StreamRecording(ctx, recordingID, cfg, nil)
}

// StreamRecording is PlayRecording that also hands each replayed event to
// sink. A sink error stops the replay and is returned.
func (r *SessionRecorder) StreamRecording(ctx context.Context, recordingID string, cfg recording.PlaybackConfig, sink func(event.Event) error) (int, error) {
	rec, err := r.store.Load(ctx, recordingID)
	if err != nil {
		return 0, fmt.Errorf("play recording %s: %w", recordingID, err)
	}
	cfg.Normalize()

	ctx, span := cpotel.StartPlaybackSpan(ctx, recordingID, cfg.Speed)
	defer span.End()

	played := 0
	var prev *event.Event
	for _, ev := range rec.Ordered() {
		if !cfg.Includes(ev.Type) {
			continue
		}
		if prev != nil {
			if err := r.sleep(ctx, cfg.Delay(ev.Timestamp.Sub(prev.Timestamp))); err != nil {
				span.SetAttributes(attribute.Int("playback.events", played))
				return played, fmt.Errorf("play recording %s: %w", recordingID, err)
			}
		}
		r.emit(Notice{Kind: NoticePlaybackEvent, SessionID: rec.SessionID, Data: ev})
		if sink != nil {
			if err := sink(ev); err != nil {
				span.SetAttributes(attribute.Int("playback.events", played))
				return played, fmt.Errorf("play recording %s: %w", recordingID, err)
			}
		}
		played++
		prev = &ev
	}
	span.SetAttributes(attribute.Int("playback.events", played))
	return played, nil
}

// GetRecordings lists persisted recordings.
func (r *SessionRecorder) GetRecordings(ctx context.Context) ([]recording.Summary, error) {
	out, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return out, nil
}

// GetRecording loads one persisted recording.
func (r *SessionRecorder) GetRecording(ctx context.Context, id string) (*recording.SessionRecording, error) {
	rec, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load recording %s: %w", id, err)
	}
	return rec, nil
}

// DeleteRecording removes a persisted recording.
func (r *SessionRecorder) DeleteRecording(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	slog.Info("recording deleted", "recording_id", id)
	return nil
}

// GetRecordingStats aggregates over all persisted recordings.
func (r *SessionRecorder) GetRecordingStats(ctx context.Context) (recording.Stats, error) {
	list, err := r.GetRecordings(ctx)
	if err != nil {
		return recording.Stats{}, err
	}
	st := recording.Stats{BySession: make(map[string]int)}
	var longest time.Duration
	for _, s := range list {
		st.TotalRecordings++
		st.TotalEvents += s.Metadata.EventCount
		st.TotalDuration += s.Metadata.Duration
		st.BySession[s.SessionID]++
		if s.Metadata.Duration > longest || st.LongestID == "" {
			longest = s.Metadata.Duration
			st.LongestID = s.ID
		}
	}
	if st.TotalRecordings > 0 {
		st.AverageDuration = st.TotalDuration / time.Duration(st.TotalRecordings)
		st.AverageEvents = float64(st.TotalEvents) / float64(st.TotalRecordings)
	}
	return st, nil
}

// Wait blocks until background auto-stop persistence has finished.
func (r *SessionRecorder) Wait() {
	r.wg.Wait()
}

// Close stops and persists every active recording, then waits for
// background persistence.
func (r *SessionRecorder) Close(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if _, err := r.StopRecording(ctx, id, recording.ReasonSessionEnded); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("recording not persisted on close", "session_id", id, "error", err)
		}
	}
	r.Wait()
}
