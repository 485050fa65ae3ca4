package session

import (
	"time"

	"github.com/google/uuid"
)

// ID identifies one transport connection for its lifetime. IDs are assigned
// by the transport and never reused within a process.
type ID uint64

// State is the per-session connection state machine.
type State uint8

const (
	// StateUnauthenticated is the state of a freshly accepted connection.
	// Only Hello and Goodbye are legal.
	StateUnauthenticated State = iota
	// StateAuthenticated follows a successful Hello.
	StateAuthenticated
	// StateInRoom means the session holds at least one room subscription.
	StateInRoom
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a point-in-time snapshot of one tracked connection. Mutating a
// returned snapshot has no effect on the registry.
type Session struct {
	ID          ID
	State       State
	Identity    uint64
	Rooms       []uuid.UUID
	ConnectedAt time.Time
	LastSeen    time.Time
}

// InRoom reports whether the snapshot holds a subscription to room.
func (s Session) InRoom(room uuid.UUID) bool {
	for _, r := range s.Rooms {
		if r == room {
			return true
		}
	}
	return false
}
