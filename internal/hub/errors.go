package hub

import (
	"errors"

	"github.com/mitander/lockframe/internal/logstore"
	"github.com/mitander/lockframe/internal/room"
	"github.com/mitander/lockframe/internal/session"
	"github.com/mitander/lockframe/internal/wire"
)

// Reject maps a refused frame to the protocol error sent back to its
// sender. Fatal rejects additionally close the connection; no reject ever
// mutates room state.
type Reject struct {
	Code  uint16
	Msg   string
	Fatal bool
}

func (e *Reject) Error() string {
	return e.Msg
}

func reject(code uint16, msg string) *Reject {
	return &Reject{Code: code, Msg: msg}
}

func fatal(code uint16, msg string) *Reject {
	return &Reject{Code: code, Msg: msg, Fatal: true}
}

// classify translates component errors into wire rejects.
func classify(err error) *Reject {
	var rej *Reject
	switch {
	case errors.As(err, &rej):
		return rej
	case errors.Is(err, room.ErrNotFound):
		return reject(wire.CodeCommitRejected, "room does not exist")
	case errors.Is(err, room.ErrNotMember):
		return reject(wire.CodeNotMember, "sender is not a member")
	case errors.Is(err, room.ErrEpochMismatch):
		return reject(wire.CodeEpochMismatch, "frame epoch does not match room epoch")
	case errors.Is(err, room.ErrBusy):
		return reject(wire.CodeBusy, "another commit is pending")
	case errors.Is(err, room.ErrBanned):
		return reject(wire.CodeCommitRejected, "identity is banned from this room")
	case errors.Is(err, room.ErrCommitRejected):
		return reject(wire.CodeCommitRejected, err.Error())
	case errors.Is(err, room.ErrOrderingOverflow):
		// Fatal for the room, not the connection; the client cannot fix it.
		return reject(wire.CodeOrderingOverflow, "room ordering counter exhausted")
	case errors.Is(err, logstore.ErrOutOfRange):
		return reject(wire.CodeInvalidRange, "sync start is past the log head")
	case errors.Is(err, session.ErrNotFound):
		return fatal(wire.CodeSessionNotFound, "session is not registered")
	default:
		return reject(wire.CodeInternal, "internal error")
	}
}
