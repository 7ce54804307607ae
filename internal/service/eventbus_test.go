package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/service"
)

func publish(t *testing.T, bus *service.EventBus, ev event.Event) event.Event {
	t.Helper()
	out, err := bus.PublishEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	return out
}

func TestEventBus_PublishStampsEvent(t *testing.T) {
	bus := service.NewEventBus(0)
	a := publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	b := publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))

	if a.ID == "" || a.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", a)
	}
	if b.Seq <= a.Seq {
		t.Errorf("sequence must increase: %d then %d", a.Seq, b.Seq)
	}
}

func TestEventBus_PublishValidation(t *testing.T) {
	bus := service.NewEventBus(0)
	tests := []struct {
		name string
		ev   event.Event
	}{
		{"unknown type", event.Event{Type: "bogus", SessionID: "s1"}},
		{"missing session", event.Event{Type: event.TypeCodeEdit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bus.PublishEvent(context.Background(), tt.ev); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestEventBus_HistoryBounded(t *testing.T) {
	const limit = 10000
	bus := service.NewEventBus(limit)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var first, last event.Event
	for i := 0; i <= limit; i++ {
		ev := event.New(event.TypeCodeEdit, "s1", "p1", nil)
		ev.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		out := publish(t, bus, ev)
		if i == 0 {
			first = out
		}
		last = out
	}

	events := bus.GetSessionEvents("s1", event.Filter{})
	if len(events) != limit {
		t.Fatalf("expected %d retained events, got %d", limit, len(events))
	}
	if events[0].ID != last.ID {
		t.Errorf("newest event should be first")
	}
	for _, ev := range events {
		if ev.ID == first.ID {
			t.Fatal("oldest event should have been evicted")
		}
	}
}

func TestEventBus_GetSessionEventsFilters(t *testing.T) {
	bus := service.NewEventBus(0)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	add := func(typ event.Type, participant string, offset time.Duration) {
		ev := event.New(typ, "s1", participant, nil)
		ev.Timestamp = base.Add(offset)
		publish(t, bus, ev)
	}
	add(event.TypeCodeEdit, "p1", 0)
	add(event.TypeMessageSent, "p2", time.Minute)
	add(event.TypeCodeEdit, "p2", 2*time.Minute)
	add(event.TypeCodeEdit, "p1", 3*time.Minute)

	after := base.Add(90 * time.Second)
	tests := []struct {
		name   string
		filter event.Filter
		want   int
	}{
		{"all", event.Filter{}, 4},
		{"by type", event.Filter{Types: []event.Type{event.TypeCodeEdit}}, 3},
		{"by participant", event.Filter{ParticipantID: "p2"}, 2},
		{"after", event.Filter{After: &after}, 2},
		{"limit", event.Filter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bus.GetSessionEvents("s1", tt.filter)
			if len(got) != tt.want {
				t.Fatalf("expected %d events, got %d", tt.want, len(got))
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Fatal("events must be most recent first")
				}
			}
		})
	}

	limited := bus.GetSessionEvents("s1", event.Filter{Limit: 1})
	if !limited[0].Timestamp.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("limit must keep the most recent event, got %v", limited[0].Timestamp)
	}
}

func TestEventBus_SameTimestampOrderedBySequence(t *testing.T) {
	bus := service.NewEventBus(0)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		ev := event.New(event.TypeCodeEdit, "s1", "p1", nil)
		ev.Timestamp = ts
		ids = append(ids, publish(t, bus, ev).ID)
	}
	got := bus.GetSessionEvents("s1", event.Filter{})
	for i := range got {
		if got[i].ID != ids[len(ids)-1-i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i].ID, ids[len(ids)-1-i])
		}
	}
}

func TestEventBus_SubscriptionTypeFiltering(t *testing.T) {
	bus := service.NewEventBus(0)
	var edits, all atomic.Int32

	if _, err := bus.Subscribe("s1", "p1", []event.Type{event.TypeCodeEdit}, func(context.Context, event.Event) error {
		edits.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe("s1", "p2", nil, func(context.Context, event.Event) error {
		all.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	publish(t, bus, event.New(event.TypeMessageSent, "s1", "p1", nil))
	publish(t, bus, event.New(event.TypeCodeEdit, "other", "p1", nil))

	if edits.Load() != 1 {
		t.Errorf("typed subscription: expected 1 delivery, got %d", edits.Load())
	}
	if all.Load() != 2 {
		t.Errorf("untyped subscription: expected 2 deliveries, got %d", all.Load())
	}
}

func TestEventBus_HandlerFailureIsolated(t *testing.T) {
	bus := service.NewEventBus(0)
	var delivered atomic.Int32
	var mu sync.Mutex
	var notices []service.SubscriptionError
	bus.Observe(func(n service.Notice) {
		if n.Kind == service.NoticeSubscriptionError {
			mu.Lock()
			notices = append(notices, n.Data.(service.SubscriptionError))
			mu.Unlock()
		}
	})

	_, _ = bus.Subscribe("s1", "bad", nil, func(context.Context, event.Event) error {
		panic("boom")
	})
	_, _ = bus.Subscribe("s1", "err", nil, func(context.Context, event.Event) error {
		return errors.New("handler failed")
	})
	_, _ = bus.Subscribe("s1", "good", nil, func(context.Context, event.Event) error {
		delivered.Add(1)
		return nil
	})

	if _, err := bus.PublishEvent(context.Background(), event.New(event.TypeCodeEdit, "s1", "p1", nil)); err != nil {
		t.Fatalf("publish must not fail on handler errors: %v", err)
	}
	if delivered.Load() != 1 {
		t.Errorf("healthy handler should receive the event")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 2 {
		t.Fatalf("expected 2 subscriptionError notices, got %d", len(notices))
	}
}

func TestEventBus_PublishWaitsForSubscriptions(t *testing.T) {
	bus := service.NewEventBus(0)
	var done atomic.Bool
	_, _ = bus.Subscribe("s1", "p1", nil, func(context.Context, event.Event) error {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return nil
	})
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	if !done.Load() {
		t.Fatal("PublishEvent returned before the subscription settled")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := service.NewEventBus(0)
	noop := func(context.Context, event.Event) error { return nil }
	a, _ := bus.Subscribe("s1", "p1", nil, noop)
	b, _ := bus.Subscribe("s1", "p2", nil, noop)

	if !bus.Unsubscribe(a) {
		t.Fatal("expected known subscription")
	}
	if got := bus.SubscriptionCount("s1"); got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}
	if bus.Unsubscribe(a) {
		t.Fatal("second unsubscribe should report unknown id")
	}
	bus.Unsubscribe(b)
	if got := bus.SubscriptionCount("s1"); got != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", got)
	}
}

func TestEventBus_FilterVetoAndTransform(t *testing.T) {
	bus := service.NewEventBus(0)
	var got []event.Event
	var mu sync.Mutex
	_, _ = bus.Subscribe("s1", "p1", nil, func(_ context.Context, ev event.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})
	bus.SetFilter("s1", func(ev event.Event) (event.Event, bool) {
		if ev.Type == event.TypeMessageSent {
			return ev, false
		}
		if ev.Metadata == nil {
			ev.Metadata = map[string]string{}
		}
		ev.Metadata["filtered"] = "yes"
		return ev, true
	})

	publish(t, bus, event.New(event.TypeMessageSent, "s1", "p1", nil))
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected vetoed event to be suppressed, got %d deliveries", len(got))
	}
	if got[0].Metadata["filtered"] != "yes" {
		t.Errorf("expected transformed event, got %+v", got[0].Metadata)
	}
	// History keeps both events.
	if n := len(bus.GetSessionEvents("s1", event.Filter{})); n != 2 {
		t.Errorf("expected 2 history entries, got %d", n)
	}
}

func TestEventBus_ListenerOrder(t *testing.T) {
	bus := service.NewEventBus(0)
	var order []string
	bus.Listen(func(context.Context, event.Event) error { order = append(order, "global"); return nil })
	bus.ListenType(event.TypeCodeEdit, func(context.Context, event.Event) error { order = append(order, "type"); return nil })
	bus.ListenSession("s1", func(context.Context, event.Event) error { order = append(order, "session"); return nil })
	_, _ = bus.Subscribe("s1", "p1", nil, func(context.Context, event.Event) error { order = append(order, "sub"); return nil })

	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))

	want := []string{"global", "type", "session", "sub"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestEventBus_ListenCancel(t *testing.T) {
	bus := service.NewEventBus(0)
	var n atomic.Int32
	cancel := bus.Listen(func(context.Context, event.Event) error { n.Add(1); return nil })
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	cancel()
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	if n.Load() != 1 {
		t.Errorf("expected 1 delivery before cancel, got %d", n.Load())
	}
}

func TestEventBus_Stats(t *testing.T) {
	bus := service.NewEventBus(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st := bus.GetEventStats("s1")
	if st.TotalEvents != 0 || st.EventsPerHour != 0 {
		t.Fatalf("empty stats expected, got %+v", st)
	}

	for i, p := range []string{"p1", "p1", "p2", "p1"} {
		ev := event.New(event.TypeCodeEdit, "s1", p, nil)
		if i == 2 {
			ev.Type = event.TypeMessageSent
		}
		ev.Timestamp = base.Add(time.Duration(i) * 10 * time.Minute)
		publish(t, bus, ev)
	}

	st = bus.GetEventStats("s1")
	if st.TotalEvents != 4 {
		t.Errorf("total = %d, want 4", st.TotalEvents)
	}
	if st.ByType[event.TypeCodeEdit] != 3 || st.ByType[event.TypeMessageSent] != 1 {
		t.Errorf("unexpected by type %+v", st.ByType)
	}
	if st.ByParticipant["p1"] != 3 || st.ByParticipant["p2"] != 1 {
		t.Errorf("unexpected by participant %+v", st.ByParticipant)
	}
	// 4 events over 30 minutes.
	if st.EventsPerHour != 8 {
		t.Errorf("events per hour = %v, want 8", st.EventsPerHour)
	}
}

func TestEventBus_CleanupSession(t *testing.T) {
	bus := service.NewEventBus(0)
	var sessionHits atomic.Int32
	bus.ListenSession("s1", func(context.Context, event.Event) error { sessionHits.Add(1); return nil })
	sub, _ := bus.Subscribe("s1", "p1", nil, func(context.Context, event.Event) error { return nil })
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))

	bus.CleanupSession("s1")

	if n := len(bus.GetSessionEvents("s1", event.Filter{})); n != 0 {
		t.Errorf("history should be dropped, got %d", n)
	}
	if bus.SubscriptionCount("s1") != 0 {
		t.Error("subscriptions should be dropped")
	}
	if bus.Unsubscribe(sub) {
		t.Error("subscription id should be forgotten")
	}
	if _, err := bus.PublishEvent(context.Background(), event.New(event.TypeCodeEdit, "s1", "p1", nil)); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("publish after cleanup: expected ErrInvalidState, got %v", err)
	}
	if sessionHits.Load() != 1 {
		t.Errorf("session listener should be removed, got %d hits", sessionHits.Load())
	}
}

func TestEventBus_CleanedUpSessionStaysReleased(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus := service.NewEventBus(0)
	bus.SetClock(func() time.Time { return now })
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	bus.CleanupSession("s1")

	if _, err := bus.Subscribe("s1", "p1", nil, func(context.Context, event.Event) error { return nil }); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("subscribe after cleanup: expected ErrInvalidState, got %v", err)
	}
	bus.ListenSession("s1", func(context.Context, event.Event) error { return nil })()
	bus.SetFilter("s1", func(ev event.Event) (event.Event, bool) { return ev, true })
	_, _ = bus.PublishEvent(context.Background(), event.New(event.TypeCodeEdit, "s1", "p1", nil))
	if n := bus.SessionCount(); n != 0 {
		t.Fatalf("late calls recreated session state: %d sessions", n)
	}

	// Tombstones are pruned on a later cleanup once they expire.
	now = now.Add(2 * time.Hour)
	bus.CleanupSession("s2")
	publish(t, bus, event.New(event.TypeCodeEdit, "s1", "p1", nil))
	if n := bus.SessionCount(); n != 1 {
		t.Errorf("expired tombstone should allow the id again, got %d sessions", n)
	}
}

func TestEventBus_HistoryWrapsInOrder(t *testing.T) {
	bus := service.NewEventBus(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 7 {
		ev := event.New(event.TypeCodeEdit, "s1", "p1", nil)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		ids = append(ids, publish(t, bus, ev).ID)
	}
	got := bus.GetSessionEvents("s1", event.Filter{})
	want := []string{ids[6], ids[5], ids[4]}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i].ID, want[i])
		}
	}
}
