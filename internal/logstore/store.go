// Package logstore is the append-only per-room frame log. Entries are
// totally ordered per room with gapless indexes; the log is the only thing
// consulted to rebuild room state after a restart.
package logstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Entry is one appended frame with its assigned position.
type Entry struct {
	RoomID uuid.UUID
	Index  uint64
	Epoch  uint64
	Opcode uint16
	Frame  []byte
}

var (
	// ErrGap means the appended index does not equal the current log
	// length. The writer is expected to assign indexes from the log head.
	ErrGap = errors.New("logstore: append out of sequence")

	// ErrOutOfRange means a read started past the log head.
	ErrOutOfRange = errors.New("logstore: read past log head")
)

// Store is the per-room append-only log. One writer per room; readers may
// run concurrently and only ever observe committed prefixes.
type Store interface {
	// Append adds e at the head of its room's log. e.Index must equal the
	// current length; anything else fails with ErrGap and leaves the log
	// untouched.
	Append(ctx context.Context, e Entry) error

	// Read returns entries [from, from+limit) clamped to the log head.
	// from == length yields an empty slice; from > length fails with
	// ErrOutOfRange.
	Read(ctx context.Context, room uuid.UUID, from uint64, limit uint32) ([]Entry, error)

	// Len reports the room's log length. Unknown rooms have length zero.
	Len(ctx context.Context, room uuid.UUID) (uint64, error)

	// Rooms lists every room with at least one entry.
	Rooms(ctx context.Context) ([]uuid.UUID, error)

	Close() error
}

// clampLimit resolves how many entries a read may return.
func clampLimit(length, from uint64, limit uint32) uint64 {
	n := length - from
	if uint64(limit) < n {
		n = uint64(limit)
	}
	return n
}
