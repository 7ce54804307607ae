package event

import "time"

// Filter controls which events are returned from session history.
type Filter struct {
	Types         []Type     `json:"types,omitempty"`
	ParticipantID string     `json:"participant_id,omitempty"`
	After         *time.Time `json:"after,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// Matches reports whether ev passes every criterion of f except Limit.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if f.ParticipantID != "" && ev.ParticipantID != f.ParticipantID {
		return false
	}
	if f.After != nil && ev.Timestamp.Before(*f.After) {
		return false
	}
	if f.Before != nil && ev.Timestamp.After(*f.Before) {
		return false
	}
	return true
}

func containsType(types []Type, t Type) bool {
	for _, k := range types {
		if k == t {
			return true
		}
	}
	return false
}

// Stats contains aggregate counts over a session's retained history.
type Stats struct {
	TotalEvents   int            `json:"total_events"`
	ByType        map[Type]int   `json:"by_type"`
	ByParticipant map[string]int `json:"by_participant"`
	EventsPerHour float64        `json:"events_per_hour"`
}
