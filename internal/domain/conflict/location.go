package conflict

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
)

// UnknownLocation is the bucket for changes whose location cannot be derived.
// Unrelated changes in this bucket are grouped together.
const UnknownLocation = "unknown"

// LocationFunc derives the grouping key of a change. Keys are a heuristic,
// not a guaranteed unique resource identifier.
type LocationFunc func(ch *Change) string

var markerRE = regexp.MustCompile(`\b(file|context):\s*([^\s,;]+)`)

// DefaultLocation uses an explicit "location" field of a JSON object
// content, then a file:/context: marker in the description, then
// UnknownLocation.
func DefaultLocation(ch *Change) string {
	if len(ch.Content) > 0 {
		var probe struct {
			Location string `json:"location"`
		}
		if err := json.Unmarshal(ch.Content, &probe); err == nil && probe.Location != "" {
			return probe.Location
		}
	}
	if m := markerRE.FindStringSubmatch(ch.Description); m != nil {
		return m[1] + ":" + m[2]
	}
	return UnknownLocation
}

// TypeForLocation infers the conflict type from a location prefix.
func TypeForLocation(location string) Type {
	switch {
	case strings.HasPrefix(location, "context:"):
		return TypeContext
	case strings.HasPrefix(location, "role:"):
		return TypeRole
	case strings.HasPrefix(location, "workspace:"):
		return TypeWorkspace
	default:
		return TypeCodeEdit
	}
}

// Group is a set of changes sharing a location that fall inside the
// detection window of the earliest one.
type Group struct {
	Location string
	Changes  []Change
}

// Detect groups changes by location and returns every location that has at
// least two changes within window of its earliest change. Groups are
// returned sorted by location so detection is deterministic.
func Detect(changes []Change, window time.Duration, locate LocationFunc) []Group {
	if locate == nil {
		locate = DefaultLocation
	}
	byLoc := make(map[string][]Change)
	for i := range changes {
		loc := locate(&changes[i])
		byLoc[loc] = append(byLoc[loc], changes[i])
	}

	locs := make([]string, 0, len(byLoc))
	for loc := range byLoc {
		locs = append(locs, loc)
	}
	sort.Strings(locs)

	var groups []Group
	for _, loc := range locs {
		group := byLoc[loc]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		start := group[0].Timestamp
		var inWindow []Change
		for _, ch := range group {
			if ch.Timestamp.Sub(start) <= window {
				inWindow = append(inWindow, ch)
			}
		}
		if len(inWindow) >= 2 {
			groups = append(groups, Group{Location: loc, Changes: inWindow})
		}
	}
	return groups
}

// NewFromGroup builds a pending conflict for a detected group.
func NewFromGroup(id, sessionID string, g Group, now time.Time) *Conflict {
	return &Conflict{
		ID:           id,
		SessionID:    sessionID,
		Type:         TypeForLocation(g.Location),
		Location:     g.Location,
		Participants: participantIDs(g.Changes),
		Changes:      g.Changes,
		DetectedAt:   now,
		Status:       StatusPending,
	}
}
