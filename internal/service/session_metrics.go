package service

import (
	"context"
	"sort"
	"time"

	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/event"
)

// Productivity score weights and caps.
const (
	scorePerOnline     = 10
	scoreOnlineCap     = 50
	scorePerEdit       = 2
	scoreEditCap       = 30
	scorePerShare      = 3
	scoreShareCap      = 20
	scorePerUnresolved = 5
)

// ParticipationMetrics describes who took part in a session.
type ParticipationMetrics struct {
	TotalParticipants  int                      `json:"total_participants"`
	OnlineParticipants int                      `json:"online_participants"`
	Durations          map[string]time.Duration `json:"durations"`
	EventCounts        map[string]int           `json:"event_counts"`
	MostActive         string                   `json:"most_active,omitempty"`
}

// ActivityMetrics counts what happened in a session.
type ActivityMetrics struct {
	Edits             int     `json:"edits"`
	Messages          int     `json:"messages"`
	ContextShares     int     `json:"context_shares"`
	ConflictsDetected int     `json:"conflicts_detected"`
	ConflictsResolved int     `json:"conflicts_resolved"`
	ResolutionRate    float64 `json:"resolution_rate"`
}

// EffectivenessMetrics rates how well a session went.
type EffectivenessMetrics struct {
	AvgResponseTime      time.Duration `json:"avg_response_time"`
	ContextSharesPerHour float64       `json:"context_shares_per_hour"`
	UnresolvedConflicts  int           `json:"unresolved_conflicts"`
	ProductivityScore    int           `json:"productivity_score"`
}

// SessionMetrics aggregates a session's event history.
type SessionMetrics struct {
	SessionID     string               `json:"session_id"`
	Status        collab.SessionStatus `json:"status"`
	Duration      time.Duration        `json:"duration"`
	Participation ParticipationMetrics `json:"participation"`
	Activity      ActivityMetrics      `json:"activity"`
	Effectiveness EffectivenessMetrics `json:"effectiveness"`
}

// GetSessionMetrics aggregates the session's retained event history. Ended
// sessions report the metrics captured when they ended.
func (m *SessionManager) GetSessionMetrics(_ context.Context, sessionID string) (*SessionMetrics, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.final != nil {
		out := *st.final
		st.mu.Unlock()
		return &out, nil
	}
	s := st.s.Clone()
	st.mu.Unlock()

	events := m.bus.GetSessionEvents(sessionID, event.Filter{})
	return computeMetrics(s, events, m.now()), nil
}

// computeMetrics derives SessionMetrics from a session snapshot and its
// events in any order.
func computeMetrics(s *collab.Session, events []event.Event, now time.Time) *SessionMetrics {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(&events[j]) })

	duration := s.Metadata.Duration
	if !s.Status.Ended() || duration == 0 {
		duration = now.Sub(s.CreatedAt)
	}

	out := &SessionMetrics{
		SessionID: s.ID,
		Status:    s.Status,
		Duration:  duration,
		Participation: ParticipationMetrics{
			TotalParticipants: len(s.Participants),
			Durations:         make(map[string]time.Duration, len(s.Participants)),
			EventCounts:       make(map[string]int),
		},
	}

	p := &out.Participation
	for _, pt := range s.Participants {
		end := pt.LastActive
		if pt.IsOnline {
			p.OnlineParticipants++
			end = now
		}
		if d := end.Sub(pt.JoinedAt); d > 0 {
			p.Durations[pt.ID] = d
		} else {
			p.Durations[pt.ID] = 0
		}
	}

	a := &out.Activity
	var gaps time.Duration
	var responses int
	for i := range events {
		ev := &events[i]
		if ev.ParticipantID != "" {
			p.EventCounts[ev.ParticipantID]++
		}
		switch ev.Type {
		case event.TypeCodeEdit:
			a.Edits++
		case event.TypeMessageSent:
			a.Messages++
		case event.TypeContextShared:
			a.ContextShares++
		case event.TypeConflictDetected:
			a.ConflictsDetected++
		case event.TypeConflictResolved:
			a.ConflictsResolved++
		}
		if i > 0 {
			prev := &events[i-1]
			if prev.ParticipantID != "" && ev.ParticipantID != "" && prev.ParticipantID != ev.ParticipantID {
				gaps += ev.Timestamp.Sub(prev.Timestamp)
				responses++
			}
		}
	}
	p.MostActive = mostActive(p.EventCounts)

	a.ResolutionRate = 100
	if a.ConflictsDetected > 0 {
		a.ResolutionRate = float64(a.ConflictsResolved) / float64(a.ConflictsDetected) * 100
	}

	e := &out.Effectiveness
	if responses > 0 {
		e.AvgResponseTime = gaps / time.Duration(responses)
	}
	if duration > 0 {
		e.ContextSharesPerHour = float64(a.ContextShares) / duration.Hours()
	}
	e.UnresolvedConflicts = len(s.ActiveConflicts)
	e.ProductivityScore = productivityScore(p.OnlineParticipants, a.Edits, a.ContextShares, e.UnresolvedConflicts)
	return out
}

// mostActive returns the participant with the most events, ties going to
// the smallest id.
func mostActive(counts map[string]int) string {
	best, n := "", 0
	for id, c := range counts {
		if c > n || (c == n && id < best) {
			best, n = id, c
		}
	}
	return best
}

func productivityScore(online, edits, shares, unresolved int) int {
	score := min(online*scorePerOnline, scoreOnlineCap) +
		min(edits*scorePerEdit, scoreEditCap) +
		min(shares*scorePerShare, scoreShareCap) -
		unresolved*scorePerUnresolved
	return max(0, min(score, 100))
}
