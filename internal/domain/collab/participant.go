package collab

import "time"

// Role is a participant's role within a session.
type Role string

const (
	RoleDriver           Role = "driver"
	RoleNavigator        Role = "navigator"
	RoleModerator        Role = "moderator"
	RoleObserver         Role = "observer"
	RoleAsyncParticipant Role = "async_participant"
)

// rolePriorities orders roles for role-priority conflict resolution.
// Lower wins.
var rolePriorities = map[Role]int{
	RoleDriver:           1,
	RoleModerator:        2,
	RoleNavigator:        3,
	RoleObserver:         4,
	RoleAsyncParticipant: 5,
}

// Priority returns the numeric priority of r. Unknown roles sort last.
func (r Role) Priority() int {
	if p, ok := rolePriorities[r]; ok {
		return p
	}
	return len(rolePriorities) + 1
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePriorities[r]
	return ok
}

// Participant is a member of a session.
type Participant struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
	LastActive time.Time `json:"last_active"`
	IsOnline   bool      `json:"is_online"`
}
