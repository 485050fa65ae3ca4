// Package hub is the protocol driver: a state-transition core that turns
// (session, incoming frame) into an ordered list of transport actions.
// Handlers are selected by opcode, perform at most one logical mutation
// through the session registry or the room manager, and never touch the
// network themselves. The entire dispatch step for a frame completes
// synchronously; nothing here spans a suspension point mid-mutation.
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/logstore"
	"github.com/mitander/lockframe/internal/room"
	"github.com/mitander/lockframe/internal/session"
	"github.com/mitander/lockframe/internal/wire"
)

// Config bounds the driver's resource use.
type Config struct {
	// MaxFrameSize is echoed to clients in HelloReply; the codec enforces
	// it on the read path.
	MaxFrameSize uint32
	// SyncPageLimit caps how many log entries one SyncResponse may carry.
	SyncPageLimit uint32
}

const (
	defaultMaxFrameSize  = 1 << 20
	defaultSyncPageLimit = 128
)

// Driver routes frames to handlers and owns the session registry and room
// manager. It is safe for concurrent use: per-room serialization lives in
// the room manager, the registry is internally locked, and the driver
// itself keeps no other mutable state.
type Driver struct {
	log      *zap.Logger
	cfg      Config
	sessions session.Registry
	rooms    *room.Manager
	store    logstore.Store

	// now is split out so tests can pin time.
	now func() time.Time
}

// New wires a driver. Zero config fields fall back to defaults.
func New(log *zap.Logger, cfg Config, sessions session.Registry, rooms *room.Manager, store logstore.Store) *Driver {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.SyncPageLimit == 0 {
		cfg.SyncPageLimit = defaultSyncPageLimit
	}
	return &Driver{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		rooms:    rooms,
		store:    store,
		now:      time.Now,
	}
}

// Sessions exposes the registry for the transport host and supervisor.
func (d *Driver) Sessions() session.Registry {
	return d.sessions
}

// Rooms exposes the room manager for the ops surface.
func (d *Driver) Rooms() *room.Manager {
	return d.rooms
}

// Connect registers a freshly accepted connection.
func (d *Driver) Connect(id session.ID) []Action {
	if err := d.sessions.Register(id, d.now()); err != nil {
		return []Action{Disconnect{Session: id, Reason: err.Error()}}
	}
	d.log.Debug("session connected", zap.Uint64("session_id", uint64(id)))
	return nil
}

// Disconnected drops a closed connection's session. Room membership is
// untouched: the identity stays a member and resynchronizes later.
func (d *Driver) Disconnected(id session.ID, reason string) []Action {
	if snap, err := d.sessions.Remove(id); err == nil {
		d.log.Info("session disconnected",
			zap.Uint64("session_id", uint64(id)),
			zap.String("reason", reason),
			zap.Int("rooms", len(snap.Rooms)))
	}
	return nil
}

// HandleFrame is the dispatch step: exactly one handler runs, selected by
// opcode. The returned actions are complete — rejected frames already
// include their error response and, when fatal, the disconnect. The error
// return mirrors the rejection for the caller's metrics and is nil for
// accepted frames.
func (d *Driver) HandleFrame(ctx context.Context, id session.ID, f wire.Frame) ([]Action, error) {
	sess, err := d.sessions.Get(id)
	if err != nil {
		return []Action{Disconnect{Session: id, Reason: "unknown session"}}, classify(err)
	}
	d.sessions.Touch(id, d.now())

	// Clients never get to claim server origin.
	f.Header.Flags &^= wire.FlagServerOrigin

	switch f.Header.Opcode {
	case wire.OpHello:
		return d.handleHello(id, sess, f)
	case wire.OpPing:
		pong := wire.NewFrame(wire.OpPong, nil)
		pong.Header.RequestID = f.Header.RequestID
		return []Action{SendFrame{Session: id, Frame: pong}}, nil
	case wire.OpPong:
		return nil, nil
	case wire.OpGoodbye:
		return d.handleGoodbye(id, f)
	case wire.OpJoin:
		return d.handleJoin(ctx, id, sess, f)
	case wire.OpCommit:
		return d.handleCommit(ctx, id, sess, f)
	case wire.OpMessage:
		return d.handleMessage(ctx, id, sess, f)
	case wire.OpSyncRequest:
		return d.handleSync(ctx, id, sess, f)
	case wire.OpHelloReply, wire.OpSyncResponse, wire.OpError:
		return d.rejected(id, f, fatal(wire.CodeInvalidPayload, fmt.Sprintf("%s is server-to-client only", f.Header.Opcode)))
	default:
		// Unreachable: the codec rejects unknown opcodes at decode time.
		return d.rejected(id, f, fatal(wire.CodeInvalidPayload, "unknown opcode"))
	}
}

func (d *Driver) handleHello(id session.ID, sess session.Session, f wire.Frame) ([]Action, error) {
	if sess.State != session.StateUnauthenticated {
		return d.rejected(id, f, fatal(wire.CodeInvalidPayload, "hello already completed"))
	}

	var hello wire.Hello
	if err := hello.Decode(f.Payload); err != nil {
		return d.rejected(id, f, fatal(wire.CodeInvalidPayload, "malformed hello payload"))
	}
	if hello.ProtocolVersion != uint16(wire.Version) {
		return d.rejected(id, f, fatal(wire.CodeInvalidPayload,
			fmt.Sprintf("protocol version %d unsupported", hello.ProtocolVersion)))
	}
	identity := f.Header.SenderID
	if identity == 0 {
		return d.rejected(id, f, fatal(wire.CodeNotAuthenticated, "identity 0 is reserved"))
	}

	evicted, hadPrev, err := d.sessions.Authenticate(id, identity, d.now())
	if err != nil {
		return d.rejected(id, f, err)
	}

	var actions []Action
	if hadPrev {
		actions = append(actions, Disconnect{Session: evicted, Reason: "session replaced by new connection"})
	}

	reply := wire.HelloReply{SessionID: uint64(id), MaxFrameSize: d.cfg.MaxFrameSize}
	rf := wire.NewFrame(wire.OpHelloReply, reply.Encode())
	rf.Header.RequestID = f.Header.RequestID
	actions = append(actions, SendFrame{Session: id, Frame: rf})

	d.log.Info("session authenticated",
		zap.Uint64("session_id", uint64(id)),
		zap.Uint64("identity", identity))
	return actions, nil
}

func (d *Driver) handleGoodbye(id session.ID, f wire.Frame) ([]Action, error) {
	reason := "goodbye"
	var goodbye wire.Goodbye
	if err := goodbye.Decode(f.Payload); err == nil && goodbye.Reason != "" {
		reason = goodbye.Reason
	}
	_, _ = d.sessions.Remove(id)
	return []Action{Disconnect{Session: id, Reason: reason}}, nil
}

func (d *Driver) handleJoin(ctx context.Context, id session.ID, sess session.Session, f wire.Frame) ([]Action, error) {
	if rej := checkRoomFrame(sess, f); rej != nil {
		return d.rejected(id, f, rej)
	}

	entry, diff, err := d.rooms.Join(ctx, f)
	if err != nil {
		return d.rejected(id, f, err)
	}
	if err := d.sessions.Subscribe(id, f.Header.RoomID); err != nil {
		// Membership was granted; the session just cannot receive
		// broadcasts. It resynchronizes via sync on reconnect.
		d.log.Warn("subscribe after join failed", zap.Uint64("session_id", uint64(id)), zap.Error(err))
	}

	seq, err := d.sequencedFrame(entry)
	if err != nil {
		return d.rejected(id, f, err)
	}
	d.log.Info("member joined",
		zap.String("room_id", f.Header.RoomID.String()),
		zap.Uint64("identity", f.Header.SenderID),
		zap.Uint64("epoch", diff.NewEpoch))
	return []Action{
		PersistLogEntry{Entry: entry},
		BroadcastFrame{Room: f.Header.RoomID, Frame: seq},
	}, nil
}

func (d *Driver) handleCommit(ctx context.Context, id session.ID, sess session.Session, f wire.Frame) ([]Action, error) {
	if rej := checkRoomFrame(sess, f); rej != nil {
		return d.rejected(id, f, rej)
	}

	entry, diff, err := d.rooms.Commit(ctx, f)
	if err != nil {
		return d.rejected(id, f, err)
	}
	seq, err := d.sequencedFrame(entry)
	if err != nil {
		return d.rejected(id, f, err)
	}

	actions := []Action{PersistLogEntry{Entry: entry}}

	// Members removed by the commit are unsubscribed before the broadcast
	// resolves its recipients, so each gets the commit delivered directly
	// as their final frame for the room.
	for _, identity := range diff.Removed {
		sid, ok := d.sessions.ByIdentity(identity)
		if !ok {
			continue
		}
		_ = d.sessions.Unsubscribe(sid, f.Header.RoomID)
		actions = append(actions, SendFrame{Session: sid, Frame: seq})
	}
	actions = append(actions, BroadcastFrame{Room: f.Header.RoomID, Frame: seq})

	d.log.Info("commit applied",
		zap.String("room_id", f.Header.RoomID.String()),
		zap.Uint64("epoch", diff.NewEpoch),
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)))
	return actions, nil
}

func (d *Driver) handleMessage(ctx context.Context, id session.ID, sess session.Session, f wire.Frame) ([]Action, error) {
	if rej := checkRoomFrame(sess, f); rej != nil {
		return d.rejected(id, f, rej)
	}

	entry, err := d.rooms.AcceptMessage(ctx, f)
	if err != nil {
		return d.rejected(id, f, err)
	}
	seq, err := d.sequencedFrame(entry)
	if err != nil {
		return d.rejected(id, f, err)
	}
	return []Action{
		PersistLogEntry{Entry: entry},
		BroadcastFrame{Room: f.Header.RoomID, Frame: seq},
	}, nil
}

// handleSync serves [FromIndex, FromIndex+limit) clamped to the log head.
// Sync requires current membership, so an identity removed by kick or ban
// also loses read access to history. A successful sync resubscribes the
// session to the room's broadcasts, which is how reconnecting members
// resume delivery without rejoining the group.
func (d *Driver) handleSync(ctx context.Context, id session.ID, sess session.Session, f wire.Frame) ([]Action, error) {
	if rej := checkRoomFrame(sess, f); rej != nil {
		return d.rejected(id, f, rej)
	}

	var req wire.SyncRequest
	if err := req.Decode(f.Payload); err != nil {
		return d.rejected(id, f, reject(wire.CodeInvalidPayload, "malformed sync request"))
	}

	info, err := d.rooms.Snapshot(f.Header.RoomID)
	if err != nil {
		return d.rejected(id, f, reject(wire.CodeInvalidRange, "unknown room"))
	}
	if !d.rooms.IsMember(f.Header.RoomID, sess.Identity) {
		return d.rejected(id, f, reject(wire.CodeNotMember, "sync requires current membership"))
	}

	limit := req.Limit
	if limit == 0 || limit > d.cfg.SyncPageLimit {
		limit = d.cfg.SyncPageLimit
	}

	entries, err := d.store.Read(ctx, f.Header.RoomID, req.FromIndex, limit)
	if err != nil {
		return d.rejected(id, f, err)
	}
	length, err := d.store.Len(ctx, f.Header.RoomID)
	if err != nil {
		return d.rejected(id, f, err)
	}

	resp := wire.SyncResponse{
		Complete: req.FromIndex+uint64(len(entries)) >= length,
		Entries:  make([]wire.SyncEntry, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, wire.SyncEntry{Index: e.Index, Epoch: e.Epoch, Frame: e.Frame})
	}

	rf := wire.NewFrame(wire.OpSyncResponse, resp.Encode())
	rf.Header.RequestID = f.Header.RequestID
	rf.Header.RoomID = f.Header.RoomID
	rf.Header.Epoch = info.Epoch

	if err := d.sessions.Subscribe(id, f.Header.RoomID); err != nil {
		d.log.Warn("resubscribe on sync failed", zap.Uint64("session_id", uint64(id)), zap.Error(err))
	}
	return []Action{SendFrame{Session: id, Frame: rf}}, nil
}

// Kick forges a hub-signed removal of target from a room, for the ops
// surface. Ban is the same removal with the identity recorded on the
// exclusion ledger first; the caller owns that ordering.
func (d *Driver) Kick(ctx context.Context, roomID uuid.UUID, target uint64) ([]Action, error) {
	entry, diff, err := d.rooms.ForceRemove(ctx, roomID, target)
	if err != nil {
		return nil, err
	}
	seq, err := d.sequencedFrame(entry)
	if err != nil {
		return nil, err
	}

	actions := []Action{PersistLogEntry{Entry: entry}}
	for _, identity := range diff.Removed {
		sid, ok := d.sessions.ByIdentity(identity)
		if !ok {
			continue
		}
		_ = d.sessions.Unsubscribe(sid, roomID)
		actions = append(actions, SendFrame{Session: sid, Frame: seq})
	}
	actions = append(actions, BroadcastFrame{Room: roomID, Frame: seq})

	d.log.Info("member removed by operator",
		zap.String("room_id", roomID.String()),
		zap.Uint64("identity", target),
		zap.Uint64("epoch", diff.NewEpoch))
	return actions, nil
}

// rejected renders a refusal into its protocol response. Fatal rejects
// remove the session and close the connection.
func (d *Driver) rejected(id session.ID, f wire.Frame, err error) ([]Action, error) {
	rej := classify(err)

	info := wire.ErrorInfo{Code: rej.Code, Message: rej.Msg}
	ef := wire.NewFrame(wire.OpError, info.Encode())
	ef.Header.RequestID = f.Header.RequestID
	ef.Header.RoomID = f.Header.RoomID

	actions := []Action{SendFrame{Session: id, Frame: ef}}
	if rej.Fatal {
		_, _ = d.sessions.Remove(id)
		actions = append(actions, Disconnect{Session: id, Reason: rej.Msg})
	}
	return actions, rej
}

// sequencedFrame decodes a log entry back into the exact frame that was
// sequenced, index stamped, for broadcast.
func (d *Driver) sequencedFrame(entry logstore.Entry) (wire.Frame, error) {
	f, err := wire.Decode(entry.Frame, 0)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("decode sequenced frame %d: %w", entry.Index, err)
	}
	return f, nil
}

// checkRoomFrame gates room-class frames: the session must have completed
// hello, the header's sender must be the bound identity, and the room id
// must be set.
func checkRoomFrame(sess session.Session, f wire.Frame) *Reject {
	if sess.State != session.StateAuthenticated && sess.State != session.StateInRoom {
		return fatal(wire.CodeNotAuthenticated, "hello required before room operations")
	}
	if f.Header.SenderID != sess.Identity {
		return fatal(wire.CodeNotAuthenticated, "sender does not match session identity")
	}
	if f.Header.RoomID == uuid.Nil {
		return reject(wire.CodeInvalidPayload, "room id is required")
	}
	return nil
}
