// Package room holds the per-room group state machine: membership, epoch,
// the single pending-commit slot, and the ordering counter that assigns
// gapless log indexes. All membership changes go through the external
// cryptographic capability; the package applies verdicts atomically and
// appends accepted frames to the log inside the room critical section so
// readers only ever observe committed prefixes.
package room

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/groupcap"
	"github.com/mitander/lockframe/internal/logstore"
	"github.com/mitander/lockframe/internal/wire"
)

// BanList is the persistent exclusion set consulted on every join.
type BanList interface {
	IsBanned(room uuid.UUID, member uint64) bool
}

// Info is a point-in-time snapshot of one room, for the ops surface.
type Info struct {
	ID        uuid.UUID
	Epoch     uint64
	Members   []uint64
	NextIndex uint64
	Pending   bool
	Failed    bool
}

// state is the mutable per-room record. Each room has its own mutex;
// nothing in this package ever holds two room locks at once, and no lock
// is held across a capability call.
type state struct {
	mu        sync.Mutex
	id        uuid.UUID
	epoch     uint64
	members   map[uint64]struct{}
	pending   *pendingCommit
	nextIndex uint64
	failed    bool
}

// pendingCommit reserves the room's single in-flight commit slot while the
// capability validates the blob. Commits arriving while the slot is held
// are rejected with ErrBusy; messages are unaffected.
type pendingCommit struct {
	sender    uint64
	baseEpoch uint64
}

// Manager owns every room's group state. The outer mutex guards only the
// room table; per-room serialization is the room's own lock.
type Manager struct {
	log   *zap.Logger
	cap   groupcap.Capability
	bans  BanList
	store logstore.Store

	mu    sync.RWMutex
	rooms map[uuid.UUID]*state
}

// NewManager creates an empty manager. Call Recover to rebuild state from
// the log before serving traffic.
func NewManager(log *zap.Logger, capability groupcap.Capability, bans BanList, store logstore.Store) *Manager {
	return &Manager{
		log:   log,
		cap:   capability,
		bans:  bans,
		store: store,
		rooms: make(map[uuid.UUID]*state),
	}
}

// Exists reports whether the room has been created.
func (m *Manager) Exists(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[id]
	return ok
}

// Rooms lists every known room id.
func (m *Manager) Rooms() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of the room's current state.
func (m *Manager) Snapshot(id uuid.UUID) (Info, error) {
	r, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		ID:        id,
		Epoch:     r.epoch,
		Members:   make([]uint64, 0, len(r.members)),
		NextIndex: r.nextIndex,
		Pending:   r.pending != nil,
		Failed:    r.failed,
	}
	for member := range r.members {
		info.Members = append(info.Members, member)
	}
	sort.Slice(info.Members, func(i, j int) bool { return info.Members[i] < info.Members[j] })
	return info, nil
}

// IsMember reports whether identity currently belongs to the room.
func (m *Manager) IsMember(id uuid.UUID, identity uint64) bool {
	r, err := m.get(id)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[identity]
	return ok
}

// AcceptMessage validates and sequences one data frame: the sender must be
// a current member and the frame's claimed epoch must match the room's.
// On acceptance the ordering counter advances, the frame is re-encoded
// with its assigned index, and the entry is appended to the log before the
// room lock is released. Nothing mutates on rejection.
func (m *Manager) AcceptMessage(ctx context.Context, f wire.Frame) (logstore.Entry, error) {
	r, err := m.get(f.Header.RoomID)
	if err != nil {
		return logstore.Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return logstore.Entry{}, ErrOrderingOverflow
	}
	if _, ok := r.members[f.Header.SenderID]; !ok {
		return logstore.Entry{}, fmt.Errorf("%w: identity %d in room %s", ErrNotMember, f.Header.SenderID, f.Header.RoomID)
	}
	if f.Header.Epoch != r.epoch {
		return logstore.Entry{}, fmt.Errorf("%w: frame epoch %d, room epoch %d", ErrEpochMismatch, f.Header.Epoch, r.epoch)
	}
	return m.sequenceLocked(ctx, r, f)
}

// Join runs a join proposal: the identity named in the frame header asks
// to enter the room carrying a capability blob as proof. Rooms are created
// lazily by the first validated join, with the joiner as sole member.
func (m *Manager) Join(ctx context.Context, f wire.Frame) (logstore.Entry, groupcap.Diff, error) {
	roomID, joiner := f.Header.RoomID, f.Header.SenderID

	if m.bans != nil && m.bans.IsBanned(roomID, joiner) {
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: identity %d in room %s", ErrBanned, joiner, roomID)
	}

	r, err := m.get(roomID)
	if err != nil {
		return m.bootstrapJoin(ctx, f)
	}

	view, ticket, err := m.reserve(r, f.Header.Epoch, joiner)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}

	// Validation runs without the room lock; the pending slot keeps other
	// commits out while messages continue to flow.
	if err := m.cap.ValidateJoin(view, joiner, f.Payload); err != nil {
		m.abort(r, ticket)
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: %v", ErrCommitRejected, err)
	}
	diff := groupcap.Diff{NewEpoch: view.Epoch + 1, Added: []uint64{joiner}}

	entry, err := m.apply(ctx, r, ticket, f, diff)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}
	return entry, diff, nil
}

// bootstrapJoin creates a room from its first join. The record is built
// privately and published to the room table only after the capability has
// admitted the joiner, so a rejected bootstrap leaves no room behind.
func (m *Manager) bootstrapJoin(ctx context.Context, f wire.Frame) (logstore.Entry, groupcap.Diff, error) {
	roomID, joiner := f.Header.RoomID, f.Header.SenderID

	if f.Header.Epoch != 0 {
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: frame epoch %d, room epoch 0", ErrEpochMismatch, f.Header.Epoch)
	}

	// The record is unshared until published, so no lock is needed yet.
	r := &state{id: roomID, members: make(map[uint64]struct{})}
	view, ticket := m.reserveLocked(r, joiner)

	if err := m.cap.ValidateJoin(view, joiner, f.Payload); err != nil {
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: %v", ErrCommitRejected, err)
	}
	diff := groupcap.Diff{NewEpoch: 1, Added: []uint64{joiner}}

	m.mu.Lock()
	if _, exists := m.rooms[roomID]; exists {
		m.mu.Unlock()
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: room %s bootstrapped concurrently", ErrBusy, roomID)
	}
	m.rooms[roomID] = r
	m.mu.Unlock()

	entry, err := m.apply(ctx, r, ticket, f, diff)
	if err != nil {
		m.evictIfEmpty(r)
		return logstore.Entry{}, groupcap.Diff{}, err
	}
	return entry, diff, nil
}

// Commit runs a member-initiated membership commit through the capability
// and applies the resulting diff atomically with the epoch bump.
func (m *Manager) Commit(ctx context.Context, f wire.Frame) (logstore.Entry, groupcap.Diff, error) {
	r, err := m.get(f.Header.RoomID)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}

	sender := f.Header.SenderID
	view, ticket, err := m.reserve(r, f.Header.Epoch, sender)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}
	if !view.IsMember(sender) {
		m.abort(r, ticket)
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: identity %d in room %s", ErrNotMember, sender, f.Header.RoomID)
	}

	diff, err := m.cap.ValidateCommit(view, sender, f.Payload)
	if err != nil {
		m.abort(r, ticket)
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: %v", ErrCommitRejected, err)
	}

	entry, err := m.apply(ctx, r, ticket, f, diff)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}
	return entry, diff, nil
}

// ForceRemove forges a hub-signed removal of target, used for kick and
// ban. The removal does not need the target's cooperation; it is sequenced
// and broadcast like any member commit so clients can verify it.
func (m *Manager) ForceRemove(ctx context.Context, roomID uuid.UUID, target uint64) (logstore.Entry, groupcap.Diff, error) {
	r, err := m.get(roomID)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}

	view, ticket, err := m.reserveAtCurrent(r, groupcap.HubSignerID)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}

	blob, diff, err := m.cap.ForgeRemoval(view, target)
	if err != nil {
		m.abort(r, ticket)
		return logstore.Entry{}, groupcap.Diff{}, fmt.Errorf("%w: %v", ErrCommitRejected, err)
	}

	f := wire.NewFrame(wire.OpCommit, blob)
	f.Header.Flags = wire.FlagServerOrigin
	f.Header.RoomID = roomID
	f.Header.SenderID = groupcap.HubSignerID
	f.Header.Epoch = view.Epoch

	entry, err := m.apply(ctx, r, ticket, f, diff)
	if err != nil {
		return logstore.Entry{}, groupcap.Diff{}, err
	}
	return entry, diff, nil
}

// Recover rebuilds every room's membership, epoch and ordering counter by
// replaying the log through the capability. The log is the only source of
// truth after a restart; a replay that fails validation means the log and
// the capability disagree and startup must not proceed.
func (m *Manager) Recover(ctx context.Context) error {
	rooms, err := m.store.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	for _, id := range rooms {
		if err := m.recoverRoom(ctx, id); err != nil {
			return fmt.Errorf("recover room %s: %w", id, err)
		}
	}
	return nil
}

const recoverPageSize = 256

func (m *Manager) recoverRoom(ctx context.Context, id uuid.UUID) error {
	r := &state{id: id, members: make(map[uint64]struct{})}

	for from := uint64(0); ; {
		entries, err := m.store.Read(ctx, id, from, recoverPageSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if err := m.replayEntry(r, id, e); err != nil {
				return fmt.Errorf("entry %d: %w", e.Index, err)
			}
		}
		from += uint64(len(entries))
		r.nextIndex = from
	}

	m.mu.Lock()
	m.rooms[id] = r
	m.mu.Unlock()

	m.log.Info("room recovered",
		zap.String("room_id", id.String()),
		zap.Uint64("epoch", r.epoch),
		zap.Int("members", len(r.members)),
		zap.Uint64("log_length", r.nextIndex))
	return nil
}

func (m *Manager) replayEntry(r *state, id uuid.UUID, e logstore.Entry) error {
	switch wire.Opcode(e.Opcode) {
	case wire.OpMessage:
		return nil
	case wire.OpJoin, wire.OpCommit:
	default:
		return fmt.Errorf("unexpected opcode %s in log", wire.Opcode(e.Opcode))
	}

	f, err := wire.Decode(e.Frame, 0)
	if err != nil {
		return fmt.Errorf("decode logged frame: %w", err)
	}
	view := groupcap.View{RoomID: id, Epoch: r.epoch, Members: cloneMembers(r.members)}

	var diff groupcap.Diff
	if wire.Opcode(e.Opcode) == wire.OpJoin {
		if err := m.cap.ValidateJoin(view, f.Header.SenderID, f.Payload); err != nil {
			return err
		}
		diff = groupcap.Diff{NewEpoch: r.epoch + 1, Added: []uint64{f.Header.SenderID}}
	} else {
		if diff, err = m.cap.ValidateCommit(view, f.Header.SenderID, f.Payload); err != nil {
			return err
		}
	}

	for _, member := range diff.Added {
		r.members[member] = struct{}{}
	}
	for _, member := range diff.Removed {
		delete(r.members, member)
	}
	r.epoch = diff.NewEpoch
	return nil
}

func (m *Manager) get(id uuid.UUID) (*state, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// evictIfEmpty retracts a just-published bootstrap room whose apply failed
// before anything landed in it. Rooms that gained members, log entries or a
// new pending slot in the meantime stay.
func (m *Manager) evictIfEmpty(r *state) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.mu.Lock()
	empty := len(r.members) == 0 && r.epoch == 0 && r.nextIndex == 0 && r.pending == nil && !r.failed
	r.mu.Unlock()
	if empty && m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
}

// reserve claims the room's pending-commit slot at the epoch the frame
// claims, returning a state snapshot for the capability to validate
// against. A held slot yields ErrBusy; a stale epoch yields
// ErrEpochMismatch. The returned ticket must be settled with apply or
// abort.
func (m *Manager) reserve(r *state, claimedEpoch, sender uint64) (groupcap.View, *pendingCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return groupcap.View{}, nil, ErrOrderingOverflow
	}
	if r.pending != nil {
		return groupcap.View{}, nil, fmt.Errorf("%w: held by identity %d", ErrBusy, r.pending.sender)
	}
	if claimedEpoch != r.epoch {
		return groupcap.View{}, nil, fmt.Errorf("%w: frame epoch %d, room epoch %d", ErrEpochMismatch, claimedEpoch, r.epoch)
	}
	view, ticket := m.reserveLocked(r, sender)
	return view, ticket, nil
}

// reserveAtCurrent claims the slot at whatever epoch the room is at now,
// for server-forged removals that have no client-claimed epoch to check.
func (m *Manager) reserveAtCurrent(r *state, sender uint64) (groupcap.View, *pendingCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return groupcap.View{}, nil, ErrOrderingOverflow
	}
	if r.pending != nil {
		return groupcap.View{}, nil, fmt.Errorf("%w: held by identity %d", ErrBusy, r.pending.sender)
	}
	view, ticket := m.reserveLocked(r, sender)
	return view, ticket, nil
}

func (m *Manager) reserveLocked(r *state, sender uint64) (groupcap.View, *pendingCommit) {
	r.pending = &pendingCommit{sender: sender, baseEpoch: r.epoch}
	return groupcap.View{RoomID: r.id, Epoch: r.epoch, Members: cloneMembers(r.members)}, r.pending
}

func (m *Manager) abort(r *state, ticket *pendingCommit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == ticket {
		r.pending = nil
	}
}

// apply settles a reserved commit: membership diff, epoch bump, pending
// slot clear and log append all happen under the room lock, or none of
// them do. The diff was validated against the reserved base epoch, which
// cannot have moved while the slot was held.
func (m *Manager) apply(ctx context.Context, r *state, ticket *pendingCommit, f wire.Frame, diff groupcap.Diff) (logstore.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != ticket {
		return logstore.Entry{}, fmt.Errorf("%w: pending commit was displaced", ErrCommitRejected)
	}
	r.pending = nil

	if diff.NewEpoch != r.epoch+1 {
		return logstore.Entry{}, fmt.Errorf("%w: diff epoch %d, room epoch %d", ErrCommitRejected, diff.NewEpoch, r.epoch)
	}

	entry, err := m.sequenceLocked(ctx, r, f)
	if err != nil {
		return logstore.Entry{}, err
	}

	for _, member := range diff.Added {
		r.members[member] = struct{}{}
	}
	for _, member := range diff.Removed {
		delete(r.members, member)
	}
	r.epoch = diff.NewEpoch
	return entry, nil
}

// sequenceLocked assigns the next ordering index, stamps it into the
// frame, and appends the re-encoded frame to the log. Counter exhaustion
// marks the room failed rather than wrapping; a failed append leaves the
// counter untouched.
func (m *Manager) sequenceLocked(ctx context.Context, r *state, f wire.Frame) (logstore.Entry, error) {
	if r.nextIndex == math.MaxUint64 {
		r.failed = true
		m.log.Error("ordering counter exhausted", zap.String("room_id", f.Header.RoomID.String()))
		return logstore.Entry{}, ErrOrderingOverflow
	}

	index := r.nextIndex
	f.Header.ContextID = index
	raw, err := f.Encode(0)
	if err != nil {
		return logstore.Entry{}, fmt.Errorf("encode sequenced frame: %w", err)
	}

	entry := logstore.Entry{
		RoomID: f.Header.RoomID,
		Index:  index,
		Epoch:  r.epoch,
		Opcode: uint16(f.Header.Opcode),
		Frame:  raw,
	}
	if err := m.store.Append(ctx, entry); err != nil {
		return logstore.Entry{}, fmt.Errorf("append entry %d: %w", index, err)
	}
	r.nextIndex = index + 1
	return entry, nil
}

func cloneMembers(members map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(members))
	for member := range members {
		out[member] = struct{}{}
	}
	return out
}
