package hub

import (
	"github.com/google/uuid"

	"github.com/mitander/lockframe/internal/logstore"
	"github.com/mitander/lockframe/internal/session"
	"github.com/mitander/lockframe/internal/wire"
)

// Action is one instruction for the transport executor. Actions are
// transient values consumed exactly once, in order; the driver never
// retains them.
type Action interface {
	isAction()
}

// SendFrame delivers a frame to one session.
type SendFrame struct {
	Session session.ID
	Frame   wire.Frame
}

// BroadcastFrame delivers a frame to every session subscribed to a room.
// Exclude, when nonzero, names a session to skip.
type BroadcastFrame struct {
	Room    uuid.UUID
	Frame   wire.Frame
	Exclude session.ID
}

// Disconnect terminates a session's connection.
type Disconnect struct {
	Session session.ID
	Reason  string
}

// PersistLogEntry reports an entry the driver appended during the dispatch
// step. The append itself already happened inside the room critical
// section; executors consume this as the observable ordering record.
type PersistLogEntry struct {
	Entry logstore.Entry
}

func (SendFrame) isAction()       {}
func (BroadcastFrame) isAction()  {}
func (Disconnect) isAction()      {}
func (PersistLogEntry) isAction() {}
