package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for lookups of sessions the registry does not
// track, including sessions already removed.
var ErrNotFound = errors.New("session: not found")

// Registry tracks live sessions and their room subscriptions.
type Registry interface {
	Register(id ID, now time.Time) error
	Authenticate(id ID, identity uint64, now time.Time) (evicted ID, hadPrev bool, err error)
	Subscribe(id ID, room uuid.UUID) error
	Unsubscribe(id ID, room uuid.UUID) error
	Get(id ID) (Session, error)
	ByIdentity(identity uint64) (ID, bool)
	RoomSessions(room uuid.UUID) []ID
	Touch(id ID, now time.Time)
	Remove(id ID) (Session, error)
	IdleBefore(cutoff time.Time) []ID
	Count() int
}

type trackedSession struct {
	state       State
	identity    uint64
	rooms       map[uuid.UUID]struct{}
	connectedAt time.Time
	lastSeen    time.Time
}

// InMemory is the map-backed registry used by the hub. All indexes are kept
// bidirectionally consistent under one RWMutex; the critical sections only
// touch maps, never the network.
type InMemory struct {
	mu         sync.RWMutex
	sessions   map[ID]*trackedSession
	byIdentity map[uint64]ID
	byRoom     map[uuid.UUID]map[ID]struct{}
	limit      int
}

// NewInMemory creates a registry with an optional session limit; zero means
// unbounded.
func NewInMemory(limit int) *InMemory {
	return &InMemory{
		sessions:   make(map[ID]*trackedSession),
		byIdentity: make(map[uint64]ID),
		byRoom:     make(map[uuid.UUID]map[ID]struct{}),
		limit:      limit,
	}
}

// Register adds a new unauthenticated session.
func (r *InMemory) Register(id ID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("session %d already registered", id)
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return errors.New("session registry at capacity")
	}
	r.sessions[id] = &trackedSession{
		state:       StateUnauthenticated,
		rooms:       make(map[uuid.UUID]struct{}),
		connectedAt: now,
		lastSeen:    now,
	}
	return nil
}

// Authenticate binds an identity to the session. One live session per
// identity: when the identity is already bound elsewhere the previous
// session id is returned so the caller can disconnect it.
func (r *InMemory) Authenticate(id ID, identity uint64, now time.Time) (ID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	if s.state != StateUnauthenticated {
		return 0, false, fmt.Errorf("session %d already authenticated", id)
	}

	var evicted ID
	var hadPrev bool
	if prev, bound := r.byIdentity[identity]; bound && prev != id {
		evicted, hadPrev = prev, true
		r.removeLocked(prev)
	}

	s.state = StateAuthenticated
	s.identity = identity
	s.lastSeen = now
	r.byIdentity[identity] = id
	return evicted, hadPrev, nil
}

// Subscribe adds a room subscription. The session must be authenticated.
func (r *InMemory) Subscribe(id ID, room uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.state != StateAuthenticated && s.state != StateInRoom {
		return fmt.Errorf("session %d is %s, cannot subscribe", id, s.state)
	}
	s.rooms[room] = struct{}{}
	s.state = StateInRoom
	if r.byRoom[room] == nil {
		r.byRoom[room] = make(map[ID]struct{})
	}
	r.byRoom[room][id] = struct{}{}
	return nil
}

// Unsubscribe drops a room subscription. Dropping the last one returns the
// session to the authenticated state.
func (r *InMemory) Unsubscribe(id ID, room uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.rooms, room)
	if members := r.byRoom[room]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.byRoom, room)
		}
	}
	if s.state == StateInRoom && len(s.rooms) == 0 {
		s.state = StateAuthenticated
	}
	return nil
}

// Get returns a snapshot of the session.
func (r *InMemory) Get(id ID) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return snapshotLocked(id, s), nil
}

// ByIdentity resolves the live session bound to an identity.
func (r *InMemory) ByIdentity(identity uint64) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIdentity[identity]
	return id, ok
}

// RoomSessions lists sessions subscribed to a room.
func (r *InMemory) RoomSessions(room uuid.UUID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[room]
	out := make([]ID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Touch records activity for idle tracking.
func (r *InMemory) Touch(id ID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.lastSeen = now
	}
}

// Remove drops the session and all its index entries, returning the final
// snapshot so the caller can clean up subscriptions.
func (r *InMemory) Remove(id ID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	snap := snapshotLocked(id, s)
	snap.State = StateClosed
	r.removeLocked(id)
	return snap, nil
}

// IdleBefore lists sessions with no activity since cutoff.
func (r *InMemory) IdleBefore(cutoff time.Time) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ID
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Count reports the number of tracked sessions.
func (r *InMemory) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *InMemory) removeLocked(id ID) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	for room := range s.rooms {
		if members := r.byRoom[room]; members != nil {
			delete(members, id)
			if len(members) == 0 {
				delete(r.byRoom, room)
			}
		}
	}
	if s.state != StateUnauthenticated {
		if bound, ok := r.byIdentity[s.identity]; ok && bound == id {
			delete(r.byIdentity, s.identity)
		}
	}
	delete(r.sessions, id)
}

func snapshotLocked(id ID, s *trackedSession) Session {
	rooms := make([]uuid.UUID, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return Session{
		ID:          id,
		State:       s.state,
		Identity:    s.identity,
		Rooms:       rooms,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
	}
}
