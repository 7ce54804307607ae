// Package recording defines durable session recordings and their playback
// parameters.
package recording

import (
	"sort"
	"time"

	"github.com/Strob0t/CodePair/internal/domain/event"
)

// Defaults for recording caps and playback.
const (
	DefaultMaxDuration     = 8 * time.Hour
	DefaultMaxEvents       = 50000
	DefaultSkipIdlePeriods = 10 * time.Second
	IdleGapWait            = time.Second
)

// Stop reasons recorded in Metadata.StoppedReason.
const (
	ReasonManual       = "Manual stop"
	ReasonMaxDuration  = "Maximum duration reached"
	ReasonMaxEvents    = "Maximum events reached"
	ReasonSessionEnded = "Session ended"
	ReasonToggledOff   = "Recording toggled off"
)

// Metadata summarizes a finalized recording.
type Metadata struct {
	ParticipantCount int               `json:"participant_count"`
	EventCount       int               `json:"event_count"`
	Duration         time.Duration     `json:"duration"`
	StoppedReason    string            `json:"stopped_reason,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// SessionRecording is the ordered event log of a session. It is append-only
// while active and immutable once persisted.
type SessionRecording struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Events    []event.Event `json:"events"`
	Metadata  Metadata      `json:"metadata"`
}

// Summary is the inventory view of a persisted recording.
type Summary struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Metadata  Metadata  `json:"metadata"`
}

// Summary returns the inventory view of r.
func (r *SessionRecording) Summary() Summary {
	return Summary{
		ID:        r.ID,
		SessionID: r.SessionID,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Metadata:  r.Metadata,
	}
}

// Finalize stamps the end time and computes the metadata counters.
func (r *SessionRecording) Finalize(end time.Time, reason string) {
	r.EndTime = end
	participants := make(map[string]struct{})
	for i := range r.Events {
		if id := r.Events[i].ParticipantID; id != "" {
			participants[id] = struct{}{}
		}
	}
	r.Metadata.ParticipantCount = len(participants)
	r.Metadata.EventCount = len(r.Events)
	r.Metadata.Duration = end.Sub(r.StartTime)
	r.Metadata.StoppedReason = reason
}

// Ordered returns the events sorted by (timestamp, seq).
func (r *SessionRecording) Ordered() []event.Event {
	out := append([]event.Event(nil), r.Events...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(&out[j])
	})
	return out
}

// PlaybackConfig controls a replay.
type PlaybackConfig struct {
	// Speed divides original inter-event delays. Zero means 1.
	Speed float64 `json:"speed,omitempty"`
	// SkipIdlePeriods is the gap above which the wait is capped to IdleGapWait.
	SkipIdlePeriods time.Duration `json:"skip_idle_periods,omitempty"`
	IncludeTypes    []event.Type  `json:"include_types,omitempty"`
	ExcludeTypes    []event.Type  `json:"exclude_types,omitempty"`
}

// Normalize fills zero fields with defaults.
func (c *PlaybackConfig) Normalize() {
	if c.Speed <= 0 {
		c.Speed = 1
	}
	if c.SkipIdlePeriods <= 0 {
		c.SkipIdlePeriods = DefaultSkipIdlePeriods
	}
}

// Includes reports whether an event type passes the include/exclude lists.
func (c *PlaybackConfig) Includes(t event.Type) bool {
	if len(c.IncludeTypes) > 0 && !hasType(c.IncludeTypes, t) {
		return false
	}
	return !hasType(c.ExcludeTypes, t)
}

// Delay returns the wall-clock wait before replaying an event that occurred
// gap after its predecessor.
func (c *PlaybackConfig) Delay(gap time.Duration) time.Duration {
	if gap <= 0 {
		return 0
	}
	if gap > c.SkipIdlePeriods {
		return IdleGapWait
	}
	return time.Duration(float64(gap) / c.Speed)
}

func hasType(types []event.Type, t event.Type) bool {
	for _, k := range types {
		if k == t {
			return true
		}
	}
	return false
}

// Stats aggregates over all persisted recordings.
type Stats struct {
	TotalRecordings int            `json:"total_recordings"`
	TotalEvents     int            `json:"total_events"`
	TotalDuration   time.Duration  `json:"total_duration"`
	AverageDuration time.Duration  `json:"average_duration"`
	AverageEvents   float64        `json:"average_events"`
	LongestID       string         `json:"longest_id,omitempty"`
	BySession       map[string]int `json:"by_session"`
}
