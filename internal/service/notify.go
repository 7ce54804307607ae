package service

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// NoticeKind names a process-local notification.
type NoticeKind string

// Notifications emitted by the collaboration services.
const (
	NoticeSessionCreated      NoticeKind = "sessionCreated"
	NoticeParticipantJoined   NoticeKind = "participantJoined"
	NoticeParticipantLeft     NoticeKind = "participantLeft"
	NoticeSessionEnded        NoticeKind = "sessionEnded"
	NoticeContextShared       NoticeKind = "contextShared"
	NoticeConflictDetected    NoticeKind = "conflictDetected"
	NoticeConflictResolved    NoticeKind = "conflictResolved"
	NoticeStatusChanged       NoticeKind = "statusChanged"
	NoticeAsyncHandoffCreated NoticeKind = "asyncHandoffCreated"

	NoticeEventPublished    NoticeKind = "eventPublished"
	NoticeSubscriptionError NoticeKind = "subscriptionError"

	NoticeContextItemAdded   NoticeKind = "contextItemAdded"
	NoticeContextItemRemoved NoticeKind = "contextItemRemoved"
	NoticeContextConflict    NoticeKind = "contextConflict"
	NoticeSyncCompleted      NoticeKind = "synchronizationCompleted"
	NoticeSyncFailed         NoticeKind = "synchronizationFailed"

	NoticeRecordingStarted NoticeKind = "recordingStarted"
	NoticeRecordingStopped NoticeKind = "recordingStopped"
	NoticePlaybackEvent    NoticeKind = "playbackEvent"
)

// Notice is a process-local notification. Data holds a value whose type
// depends on Kind, e.g. *collab.Session for sessionCreated.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	Data      any
}

// Observer receives notices synchronously on the emitting goroutine.
type Observer func(Notice)

// observers is an embeddable registry giving a service an Observe method.
type observers struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]Observer
}

// Observe registers fn for every notice the service emits and returns a
// function that removes it.
func (o *observers) Observe(fn Observer) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	o.nextID++
	id := o.nextID
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers) emit(n Notice) {
	o.mu.RLock()
	fns := make([]Observer, 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		notifySafe(fn, n)
	}
}

func notifySafe(fn Observer, n Notice) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panicked", "notice", n.Kind, "session_id", n.SessionID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(n)
}
