package conflict

import (
	"encoding/json"
	"time"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

// ContextCheck describes an incoming write to a shared context item.
type ContextCheck struct {
	SessionID     string
	ContextID     string
	ParticipantID string
	NewContent    json.RawMessage
	Existing      []cpcontext.Version
}

// CheckContext returns a pending context conflict when at least two of the
// existing versions were recorded within window before now. The conflict
// lists those versions followed by the incoming content. It returns nil
// otherwise.
func CheckContext(id string, chk *ContextCheck, window time.Duration, now time.Time) *Conflict {
	var recent []Change
	for _, v := range chk.Existing {
		if now.Sub(v.Timestamp) <= window {
			recent = append(recent, Change{
				ParticipantID: v.ParticipantID,
				Timestamp:     v.Timestamp,
				Description:   "context:" + chk.ContextID,
				Content:       v.Content,
			})
		}
	}
	if len(recent) < 2 {
		return nil
	}
	changes := append(recent, Change{
		ParticipantID: chk.ParticipantID,
		Timestamp:     now,
		Description:   "context:" + chk.ContextID,
		Content:       chk.NewContent,
	})
	return &Conflict{
		ID:           id,
		SessionID:    chk.SessionID,
		Type:         TypeContext,
		Location:     "context:" + chk.ContextID,
		Participants: participantIDs(changes),
		Changes:      changes,
		DetectedAt:   now,
		Status:       StatusPending,
	}
}
