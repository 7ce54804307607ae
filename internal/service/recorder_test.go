package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/CodePair/internal/adapter/memstore"
	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/domain/recording"
	"github.com/Strob0t/CodePair/internal/service"
)

func recEvent(typ event.Type, participant string, at time.Time, seq uint64, data any) event.Event {
	ev := event.New(typ, "s1", participant, data)
	ev.ID = participant + "-" + at.Format("150405.000")
	ev.Timestamp = at
	ev.Seq = seq
	return ev
}

func TestRecorder_StartStopRoundTrip(t *testing.T) {
	store := memstore.New()
	r := service.NewSessionRecorder(store, service.RecorderConfig{FilterSensitive: true})
	clk := newFakeClock()
	r.SetClock(clk.Now)
	ctx := context.Background()

	id, err := r.StartRecording("s1", service.StartOptions{Labels: map[string]string{"team": "core"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.StartRecording("s1", service.StartOptions{}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second start: expected ErrInvalidState, got %v", err)
	}

	base := clk.Now()
	r.RecordEvent("s1", recEvent(event.TypeCodeEdit, "a", base.Add(time.Second), 1, nil))
	r.RecordEvent("s1", recEvent(event.TypeMessageSent, "b", base.Add(2*time.Second), 2, map[string]string{"message": "hi"}))
	r.RecordEvent("s1", recEvent(event.TypeCodeEdit, "a", base.Add(3*time.Second), 3, nil))
	clk.Advance(time.Minute)

	rec, err := r.StopRecording(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != id || rec.Metadata.EventCount != 3 || rec.Metadata.ParticipantCount != 2 {
		t.Errorf("unexpected metadata %+v", rec.Metadata)
	}
	if rec.Metadata.Duration != time.Minute || rec.Metadata.StoppedReason != recording.ReasonManual {
		t.Errorf("unexpected duration/reason %+v", rec.Metadata)
	}
	if r.IsRecording("s1") {
		t.Error("recording should be cleared")
	}

	loaded, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Events) != len(rec.Events) {
		t.Fatalf("round trip lost events: %d vs %d", len(loaded.Events), len(rec.Events))
	}
	for i := range rec.Events {
		if loaded.Events[i].ID != rec.Events[i].ID || !loaded.Events[i].Timestamp.Equal(rec.Events[i].Timestamp) {
			t.Errorf("event %d differs after round trip", i)
		}
	}
	if loaded.Metadata.Labels["team"] != "core" {
		t.Errorf("labels not persisted: %+v", loaded.Metadata)
	}

	if _, err := r.StopRecording(ctx, "s1", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("stop without recording: expected ErrNotFound, got %v", err)
	}
}

func TestRecorder_RecordEventWithoutRecording(t *testing.T) {
	r := service.NewSessionRecorder(memstore.New(), service.RecorderConfig{})
	if r.RecordEvent("nobody", event.New(event.TypeCodeEdit, "nobody", "a", nil)) {
		t.Fatal("expected no-op without an active recording")
	}
}

func TestRecorder_Redaction(t *testing.T) {
	tests := []struct {
		name          string
		cfg           service.RecorderConfig
		opts          service.StartOptions
		wantRedacted  bool
		wantTokenMeta bool
	}{
		{"filter on", service.RecorderConfig{FilterSensitive: true}, service.StartOptions{}, true, false},
		{"filter off", service.RecorderConfig{}, service.StartOptions{}, false, true},
		{"per recording opt out", service.RecorderConfig{FilterSensitive: true}, service.StartOptions{KeepSensitive: true}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := service.NewSessionRecorder(memstore.New(), tt.cfg)
			if _, err := r.StartRecording("s1", tt.opts); err != nil {
				t.Fatal(err)
			}
			ev := event.New(event.TypeMessageSent, "s1", "a", map[string]string{"message": "my password: hunter2"})
			ev.Metadata = map[string]string{"token": "abc", "client": "web"}
			r.RecordEvent("s1", ev)

			rec, err := r.StopRecording(context.Background(), "s1", "")
			if err != nil {
				t.Fatal(err)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Events[0].Data, &body); err != nil {
				t.Fatal(err)
			}
			if got := strings.Contains(body["message"], recording.Redacted); got != tt.wantRedacted {
				t.Errorf("message %q redacted = %v, want %v", body["message"], got, tt.wantRedacted)
			}
			if _, got := rec.Events[0].Metadata["token"]; got != tt.wantTokenMeta {
				t.Errorf("token metadata present = %v, want %v", got, tt.wantTokenMeta)
			}
			if rec.Events[0].Metadata["client"] != "web" {
				t.Error("non-sensitive metadata must be kept")
			}
		})
	}
}

func TestRecorder_MaxEventsAutoStop(t *testing.T) {
	store := memstore.New()
	r := service.NewSessionRecorder(store, service.RecorderConfig{MaxEvents: 3})
	var mu sync.Mutex
	var stopped []service.RecordingStopped
	r.Observe(func(n service.Notice) {
		if n.Kind == service.NoticeRecordingStopped {
			mu.Lock()
			stopped = append(stopped, n.Data.(service.RecordingStopped))
			mu.Unlock()
		}
	})

	id, _ := r.StartRecording("s1", service.StartOptions{})
	for i := 0; i < 5; i++ {
		r.RecordEvent("s1", event.New(event.TypeCodeEdit, "s1", "a", nil))
	}
	r.Wait()

	rec, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Metadata.StoppedReason != recording.ReasonMaxEvents {
		t.Errorf("stopped reason = %q", rec.Metadata.StoppedReason)
	}
	if len(rec.Events) != 3 {
		t.Errorf("expected 3 events, got %d", len(rec.Events))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stopped) != 1 || stopped[0].Err != nil {
		t.Errorf("expected one clean stop notice, got %+v", stopped)
	}
}

func TestRecorder_MaxDurationAutoStop(t *testing.T) {
	store := memstore.New()
	r := service.NewSessionRecorder(store, service.RecorderConfig{MaxDuration: 10 * time.Millisecond})
	done := make(chan service.RecordingStopped, 1)
	r.Observe(func(n service.Notice) {
		if n.Kind == service.NoticeRecordingStopped {
			done <- n.Data.(service.RecordingStopped)
		}
	})

	if _, err := r.StartRecording("s1", service.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-done:
		if st.Summary.Metadata.StoppedReason != recording.ReasonMaxDuration {
			t.Errorf("stopped reason = %q", st.Summary.Metadata.StoppedReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recording did not stop at max duration")
	}
	r.Wait()
	if r.IsRecording("s1") {
		t.Error("recording should be detached")
	}
}

func TestRecorder_StopCancelsTimer(t *testing.T) {
	r := service.NewSessionRecorder(memstore.New(), service.RecorderConfig{MaxDuration: 20 * time.Millisecond})
	var stops int
	var mu sync.Mutex
	r.Observe(func(n service.Notice) {
		if n.Kind == service.NoticeRecordingStopped {
			mu.Lock()
			stops++
			mu.Unlock()
		}
	})
	_, _ = r.StartRecording("s1", service.StartOptions{})
	if _, err := r.StopRecording(context.Background(), "s1", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	r.Wait()
	mu.Lock()
	defer mu.Unlock()
	if stops != 1 {
		t.Errorf("timer fired after manual stop: %d stops", stops)
	}
}

func TestRecorder_Playback(t *testing.T) {
	store := memstore.New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &recording.SessionRecording{ID: "r1", SessionID: "s1", StartTime: base}
	// Stored out of order; playback must sort by (timestamp, seq).
	rec.Events = []event.Event{
		recEvent(event.TypeCodeEdit, "a", base.Add(4*time.Second), 3, nil),
		recEvent(event.TypeCodeEdit, "a", base, 1, nil),
		recEvent(event.TypeMessageSent, "b", base.Add(2*time.Second), 2, nil),
		recEvent(event.TypeCodeEdit, "b", base.Add(64*time.Second), 4, nil),
	}
	rec.Finalize(base.Add(70*time.Second), recording.ReasonManual)
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		cfg        recording.PlaybackConfig
		wantDelays []time.Duration
		wantSeqs   []uint64
	}{
		{
			"real time with idle cap",
			recording.PlaybackConfig{},
			[]time.Duration{2 * time.Second, 2 * time.Second, time.Second},
			[]uint64{1, 2, 3, 4},
		},
		{
			"double speed",
			recording.PlaybackConfig{Speed: 2},
			[]time.Duration{time.Second, time.Second, time.Second},
			[]uint64{1, 2, 3, 4},
		},
		{
			"exclude messages",
			recording.PlaybackConfig{ExcludeTypes: []event.Type{event.TypeMessageSent}},
			[]time.Duration{4 * time.Second, time.Second},
			[]uint64{1, 3, 4},
		},
		{
			"include messages only",
			recording.PlaybackConfig{IncludeTypes: []event.Type{event.TypeMessageSent}},
			nil,
			[]uint64{2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := service.NewSessionRecorder(store, service.RecorderConfig{})
			var delays []time.Duration
			r.SetSleep(func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			})
			var seqs []uint64
			r.Observe(func(n service.Notice) {
				if n.Kind == service.NoticePlaybackEvent {
					seqs = append(seqs, n.Data.(event.Event).Seq)
				}
			})

			played, err := r.PlayRecording(context.Background(), "r1", tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if played != len(tt.wantSeqs) {
				t.Fatalf("played %d, want %d", played, len(tt.wantSeqs))
			}
			for i := range tt.wantSeqs {
				if seqs[i] != tt.wantSeqs[i] {
					t.Fatalf("order %v, want %v", seqs, tt.wantSeqs)
				}
			}
			if len(delays) != len(tt.wantDelays) {
				t.Fatalf("delays %v, want %v", delays, tt.wantDelays)
			}
			for i := range delays {
				if delays[i] != tt.wantDelays[i] {
					t.Fatalf("delays %v, want %v", delays, tt.wantDelays)
				}
			}
		})
	}
}

func TestRecorder_PlaybackCancelled(t *testing.T) {
	store := memstore.New()
	base := time.Now()
	rec := &recording.SessionRecording{ID: "r1", SessionID: "s1", StartTime: base}
	rec.Events = []event.Event{
		recEvent(event.TypeCodeEdit, "a", base, 1, nil),
		recEvent(event.TypeCodeEdit, "a", base.Add(5*time.Second), 2, nil),
	}
	_ = store.Save(context.Background(), rec)

	r := service.NewSessionRecorder(store, service.RecorderConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	played, err := r.PlayRecording(ctx, "r1", recording.PlaybackConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if played != 1 {
		t.Errorf("played = %d, want 1", played)
	}

	if _, err := r.PlayRecording(context.Background(), "missing", recording.PlaybackConfig{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecorder_InventoryAndStats(t *testing.T) {
	store := memstore.New()
	r := service.NewSessionRecorder(store, service.RecorderConfig{})
	clk := newFakeClock()
	r.SetClock(clk.Now)
	ctx := context.Background()

	for i, d := range []time.Duration{time.Minute, 3 * time.Minute} {
		sid := []string{"s1", "s2"}[i]
		_, _ = r.StartRecording(sid, service.StartOptions{})
		r.RecordEvent(sid, event.New(event.TypeCodeEdit, sid, "a", nil))
		clk.Advance(d)
		if _, err := r.StopRecording(ctx, sid, ""); err != nil {
			t.Fatal(err)
		}
	}

	list, err := r.GetRecordings(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("GetRecordings = %d, %v", len(list), err)
	}
	st, err := r.GetRecordingStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRecordings != 2 || st.TotalEvents != 2 || st.AverageDuration != 2*time.Minute {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.BySession["s2"] != 1 {
		t.Errorf("by session = %v", st.BySession)
	}

	if err := r.DeleteRecording(ctx, list[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteRecording(ctx, list[0].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestRecorder_CloseStopsActive(t *testing.T) {
	store := memstore.New()
	r := service.NewSessionRecorder(store, service.RecorderConfig{})
	id, _ := r.StartRecording("s1", service.StartOptions{})
	r.Close(context.Background())

	rec, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Metadata.StoppedReason != recording.ReasonSessionEnded {
		t.Errorf("stopped reason = %q", rec.Metadata.StoppedReason)
	}
}
