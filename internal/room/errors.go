package room

import "errors"

// Room-scoped errors. All of them except ErrOrderingOverflow reject a
// single operation and leave room state untouched; ErrOrderingOverflow
// marks the room failed and requires operator intervention.
var (
	ErrNotFound         = errors.New("room: not found")
	ErrNotMember        = errors.New("room: sender is not a member")
	ErrEpochMismatch    = errors.New("room: epoch mismatch")
	ErrBusy             = errors.New("room: commit already pending")
	ErrCommitRejected   = errors.New("room: commit rejected")
	ErrBanned           = errors.New("room: identity is banned")
	ErrOrderingOverflow = errors.New("room: ordering counter exhausted")
)
