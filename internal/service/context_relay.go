package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
	"github.com/Strob0t/CodePair/internal/port/messagequeue"
)

// QueueReplicator returns a Replicator that announces each synchronized
// batch on collab.context.synced. A publish failure is returned so the
// synchronizer requeues the batch.
func QueueReplicator(q messagequeue.Queue, now func() time.Time) Replicator {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, sessionID string, changes []cpcontext.Change) error {
		payload := messagequeue.ContextSyncedPayload{
			SessionID: sessionID,
			Changes:   make([]messagequeue.ContextChangeEntry, 0, len(changes)),
			SyncedAt:  now(),
		}
		for i := range changes {
			c := &changes[i]
			payload.Changes = append(payload.Changes, messagequeue.ContextChangeEntry{
				Type:          string(c.Type),
				ItemID:        c.ItemID,
				ParticipantID: c.ParticipantID,
				Timestamp:     c.Timestamp,
			})
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal context sync: %w", err)
		}
		if err := q.Publish(ctx, messagequeue.SubjectContextSynced, data); err != nil {
			return fmt.Errorf("publish context sync for session %s: %w", sessionID, err)
		}
		return nil
	}
}
