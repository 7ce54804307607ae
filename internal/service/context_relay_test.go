package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
	"github.com/Strob0t/CodePair/internal/port/messagequeue"
	"github.com/Strob0t/CodePair/internal/service"
)

type downQueue struct{ mockQueue }

func (q *downQueue) Publish(context.Context, string, []byte) error {
	return errors.New("nats: no responders")
}

func TestQueueReplicator(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := &mockQueue{}
	replicate := service.QueueReplicator(q, func() time.Time { return at })

	changes := []cpcontext.Change{
		{Type: cpcontext.ChangeAdd, ItemID: "plan", ParticipantID: "a", Timestamp: at.Add(-time.Second),
			Item: &cpcontext.Item{ID: "plan", Content: json.RawMessage(`{"secret":"kept local"}`)}},
		{Type: cpcontext.ChangeRemove, ItemID: "old", ParticipantID: "b", Timestamp: at},
	}
	if err := replicate(context.Background(), "s1", changes); err != nil {
		t.Fatalf("replicate: %v", err)
	}

	data := q.last(messagequeue.SubjectContextSynced)
	if err := messagequeue.Validate(messagequeue.SubjectContextSynced, data); err != nil {
		t.Fatalf("payload does not validate: %v", err)
	}
	var p messagequeue.ContextSyncedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "s1" || !p.SyncedAt.Equal(at) || len(p.Changes) != 2 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Changes[0].Type != "add" || p.Changes[1].ItemID != "old" {
		t.Errorf("unexpected changes %+v", p.Changes)
	}
	if bytes.Contains(data, []byte("kept local")) {
		t.Error("item content must not be relayed")
	}
}

func TestQueueReplicator_PublishFailure(t *testing.T) {
	replicate := service.QueueReplicator(&downQueue{}, nil)
	err := replicate(context.Background(), "s1", []cpcontext.Change{{Type: cpcontext.ChangeAdd, ItemID: "x"}})
	if err == nil {
		t.Fatal("expected publish error")
	}
}
