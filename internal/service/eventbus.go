package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	cpotel "github.com/Strob0t/CodePair/internal/adapter/otel"
	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/event"
)

// DefaultHistoryLimit caps the retained events per session.
const DefaultHistoryLimit = 10000

// endedRetention is how long a cleaned-up session id keeps rejecting
// publishes and subscriptions.
const endedRetention = time.Hour

// Handler receives published events. Returned errors are reported as
// subscriptionError notices and never reach the publisher.
type Handler func(ctx context.Context, ev event.Event) error

// FilterFunc inspects an event before delivery. Returning false vetoes all
// downstream delivery; the returned event replaces the original otherwise.
type FilterFunc func(ev event.Event) (event.Event, bool)

// Subscription is a registered interest in a session's events.
type Subscription struct {
	ID            string
	SessionID     string
	ParticipantID string
	Types         []event.Type
	CreatedAt     time.Time

	handler Handler
}

// wants reports whether the subscription covers t. An empty type list
// covers every type.
func (s *Subscription) wants(t event.Type) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, k := range s.Types {
		if k == t {
			return true
		}
	}
	return false
}

// SubscriptionError is the Data of a subscriptionError notice.
type SubscriptionError struct {
	SubscriptionID string
	ParticipantID  string
	Event          event.Event
	Err            error
}

// history is a bounded FIFO of events. It grows on demand up to limit and
// then evicts the oldest entry.
type history struct {
	buf   []event.Event
	limit int
	start int
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) push(ev event.Event) {
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, ev)
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// all returns the retained events oldest first.
func (h *history) all() []event.Event {
	out := make([]event.Event, 0, len(h.buf))
	out = append(out, h.buf[h.start:]...)
	return append(out, h.buf[:h.start]...)
}

type listener struct {
	id int
	fn Handler
}

// busSession is the per-session state of the bus.
type busSession struct {
	history   *history
	filter    FilterFunc
	subs      map[string]*Subscription
	listeners []listener
}

// EventBus publishes collaboration events, keeps a bounded per-session
// history and fans events out to listeners and subscriptions.
type EventBus struct {
	observers

	limit   int
	now     func() time.Time
	seq     atomic.Uint64
	metrics *cpotel.Metrics

	mu         sync.RWMutex
	sessions   map[string]*busSession
	ended      map[string]time.Time
	subIndex   map[string]string // subscription id -> session id
	global     []listener
	byType     map[event.Type][]listener
	listenerID int
}

// NewEventBus creates an EventBus retaining up to historyLimit events per
// session. A limit below 1 selects DefaultHistoryLimit.
func NewEventBus(historyLimit int) *EventBus {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &EventBus{
		limit:    historyLimit,
		now:      time.Now,
		sessions: make(map[string]*busSession),
		ended:    make(map[string]time.Time),
		subIndex: make(map[string]string),
		byType:   make(map[event.Type][]listener),
	}
}

// SetClock replaces the time source.
func (b *EventBus) SetClock(now func() time.Time) { b.now = now }

// SetMetrics enables event counters.
func (b *EventBus) SetMetrics(m *cpotel.Metrics) {
	b.metrics = m
}

// session returns the state for id, creating it. It returns nil for a
// session that has been cleaned up. Caller holds b.mu.
func (b *EventBus) session(id string) *busSession {
	if _, gone := b.ended[id]; gone {
		return nil
	}
	s, ok := b.sessions[id]
	if !ok {
		s = &busSession{history: newHistory(b.limit)}
		b.sessions[id] = s
	}
	return s
}

// PublishEvent stamps ev with an id, timestamp and sequence number, appends
// it to the session history and delivers it. Delivery order is global
// listeners, type listeners, session listeners, then all matching
// subscriptions concurrently; PublishEvent returns once every subscription
// handler has returned. The stamped event is returned. Publishing to a
// session removed by CleanupSession fails with domain.ErrInvalidState.
func (b *EventBus) PublishEvent(ctx context.Context, ev event.Event) (event.Event, error) {
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("publish event type %q: %w", ev.Type, domain.ErrValidation)
	}
	if ev.SessionID == "" {
		return ev, fmt.Errorf("publish event without session: %w", domain.ErrValidation)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.Lock()
	s := b.session(ev.SessionID)
	if s == nil {
		b.mu.Unlock()
		return ev, fmt.Errorf("publish event to session %s: session cleaned up: %w", ev.SessionID, domain.ErrInvalidState)
	}
	ev.Seq = b.seq.Add(1)
	s.history.push(ev.Clone())
	filter := s.filter
	targets := make([]Handler, 0, len(b.global)+len(b.byType[ev.Type])+len(s.listeners))
	for _, l := range b.global {
		targets = append(targets, l.fn)
	}
	for _, l := range b.byType[ev.Type] {
		targets = append(targets, l.fn)
	}
	for _, l := range s.listeners {
		targets = append(targets, l.fn)
	}
	var subs []*Subscription
	for _, sub := range s.subs {
		if sub.wants(ev.Type) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	if filter != nil {
		out, ok := b.applyFilter(filter, ev)
		if !ok {
			slog.Debug("event vetoed by session filter", "session_id", ev.SessionID, "event_id", ev.ID, "type", ev.Type)
			return ev, nil
		}
		ev = out
	}

	for _, fn := range targets {
		if err := callHandler(ctx, fn, ev); err != nil {
			slog.Warn("event listener failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
		}
	}

	if len(subs) > 0 {
		// Sort for a stable dispatch order in logs; delivery is concurrent.
		sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
		var g errgroup.Group
		for _, sub := range subs {
			g.Go(func() error {
				if err := callHandler(ctx, sub.handler, ev.Clone()); err != nil {
					slog.Warn("subscription handler failed",
						"session_id", ev.SessionID, "subscription_id", sub.ID, "type", ev.Type, "error", err)
					b.emit(Notice{Kind: NoticeSubscriptionError, SessionID: ev.SessionID, Data: SubscriptionError{
						SubscriptionID: sub.ID,
						ParticipantID:  sub.ParticipantID,
						Event:          ev,
						Err:            err,
					}})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
	}
	b.emit(Notice{Kind: NoticeEventPublished, SessionID: ev.SessionID, Data: ev})
	return ev, nil
}

func (b *EventBus) applyFilter(f FilterFunc, ev event.Event) (out event.Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session filter panicked; event vetoed", "session_id", ev.SessionID, "panic", r)
			ok = false
		}
	}()
	return f(ev.Clone())
}

// callHandler invokes fn and converts a panic into an error.
func callHandler(ctx context.Context, fn Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, ev)
}

// Subscribe registers handler for the session's events of the given types
// (all types when empty) and returns the subscription id.
func (b *EventBus) Subscribe(sessionID, participantID string, types []event.Type, handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("subscribe: nil handler: %w", domain.ErrValidation)
	}
	for _, t := range types {
		if !t.Valid() {
			return "", fmt.Errorf("subscribe: event type %q: %w", t, domain.ErrValidation)
		}
	}

	sub := &Subscription{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParticipantID: participantID,
		Types:         append([]event.Type(nil), types...),
		CreatedAt:     b.now(),
		handler:       handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(sessionID)
	if s == nil {
		return "", fmt.Errorf("subscribe to session %s: session cleaned up: %w", sessionID, domain.ErrInvalidState)
	}
	if s.subs == nil {
		s.subs = make(map[string]*Subscription)
	}
	s.subs[sub.ID] = sub
	b.subIndex[sub.ID] = sessionID
	return sub.ID, nil
}

// Unsubscribe removes one subscription. The session's subscription set is
// dropped with its last member. It reports whether the id was known.
func (b *EventBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessionID, ok := b.subIndex[subscriptionID]
	if !ok {
		return false
	}
	delete(b.subIndex, subscriptionID)
	if s, ok := b.sessions[sessionID]; ok {
		delete(s.subs, subscriptionID)
		if len(s.subs) == 0 {
			s.subs = nil
		}
	}
	return true
}

// SubscriptionCount returns the number of active subscriptions of a session.
func (b *EventBus) SubscriptionCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.sessions[sessionID]; ok {
		return len(s.subs)
	}
	return 0
}

// SetFilter installs (or with nil, removes) the session's delivery filter.
func (b *EventBus) SetFilter(sessionID string, f FilterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.session(sessionID); s != nil {
		s.filter = f
	}
}

func (b *EventBus) nextListener(fn Handler) listener {
	b.listenerID++
	return listener{id: b.listenerID, fn: fn}
}

func removeListener(ls []listener, id int) []listener {
	for i := range ls {
		if ls[i].id == id {
			return append(ls[:i:i], ls[i+1:]...)
		}
	}
	return ls
}

// Listen registers a listener for every event of every session.
func (b *EventBus) Listen(fn Handler) (cancel func()) {
	b.mu.Lock()
	l := b.nextListener(fn)
	b.global = append(b.global, l)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.global = removeListener(b.global, l.id)
		b.mu.Unlock()
	}
}

// ListenType registers a listener for one event type across sessions.
func (b *EventBus) ListenType(t event.Type, fn Handler) (cancel func()) {
	b.mu.Lock()
	l := b.nextListener(fn)
	b.byType[t] = append(b.byType[t], l)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.byType[t] = removeListener(b.byType[t], l.id)
		if len(b.byType[t]) == 0 {
			delete(b.byType, t)
		}
		b.mu.Unlock()
	}
}

// ListenSession registers a listener for every event of one session. It
// is dropped by CleanupSession; listening to a cleaned-up session is a
// no-op.
func (b *EventBus) ListenSession(sessionID string, fn Handler) (cancel func()) {
	b.mu.Lock()
	s := b.session(sessionID)
	if s == nil {
		b.mu.Unlock()
		return func() {}
	}
	l := b.nextListener(fn)
	s.listeners = append(s.listeners, l)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		if s, ok := b.sessions[sessionID]; ok {
			s.listeners = removeListener(s.listeners, l.id)
		}
		b.mu.Unlock()
	}
}

// GetSessionEvents returns the retained events of a session matching f,
// most recent first, truncated to f.Limit when positive.
func (b *EventBus) GetSessionEvents(sessionID string, f event.Filter) []event.Event {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	var all []event.Event
	if ok {
		all = s.history.all()
	}
	b.mu.RUnlock()

	out := make([]event.Event, 0, len(all))
	for i := range all {
		if f.Matches(&all[i]) {
			out = append(out, all[i].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Before(&out[i])
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetEventStats aggregates the retained history of a session.
func (b *EventBus) GetEventStats(sessionID string) event.Stats {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	var all []event.Event
	if ok {
		all = s.history.all()
	}
	b.mu.RUnlock()

	st := event.Stats{
		TotalEvents:   len(all),
		ByType:        make(map[event.Type]int),
		ByParticipant: make(map[string]int),
	}
	if len(all) == 0 {
		return st
	}
	oldest, newest := all[0].Timestamp, all[0].Timestamp
	for i := range all {
		ev := &all[i]
		st.ByType[ev.Type]++
		if ev.ParticipantID != "" {
			st.ByParticipant[ev.ParticipantID]++
		}
		if ev.Timestamp.Before(oldest) {
			oldest = ev.Timestamp
		}
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	if span := newest.Sub(oldest); len(all) >= 2 && span > 0 {
		st.EventsPerHour = float64(len(all)) / span.Hours()
	}
	return st
}

// CleanupSession drops the history, filter, subscriptions and session
// listeners of a session. For an hour afterwards the session id rejects
// publishes and subscriptions so late callers cannot recreate its state.
func (b *EventBus) CleanupSession(sessionID string) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, at := range b.ended {
		if now.Sub(at) > endedRetention {
			delete(b.ended, id)
		}
	}
	b.ended[sessionID] = now
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for id := range s.subs {
		delete(b.subIndex, id)
	}
	delete(b.sessions, sessionID)
}

// SessionCount returns the number of sessions holding bus state.
func (b *EventBus) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
