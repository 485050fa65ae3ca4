// Package groupcap is the boundary between the hub and the group
// cryptography it deliberately cannot perform. The hub hands a snapshot of
// room state plus an opaque blob to a Capability and gets back a verdict:
// either a membership diff to apply atomically, or a rejection. The hub
// never inspects blob contents beyond this interface.
package groupcap

import (
	"errors"

	"github.com/google/uuid"
)

// View is the room state snapshot a capability validates against. It is a
// copy; capabilities cannot mutate hub state through it.
type View struct {
	RoomID  uuid.UUID
	Epoch   uint64
	Members map[uint64]struct{}
}

// IsMember reports whether id is in the snapshot's membership set.
func (v View) IsMember(id uint64) bool {
	_, ok := v.Members[id]
	return ok
}

// Diff is a validated membership transition. NewEpoch must be exactly
// view.Epoch+1; the moderation engine applies Added and Removed atomically
// with the epoch bump.
type Diff struct {
	NewEpoch uint64
	Added    []uint64
	Removed  []uint64
}

// ErrRejected is the verdict for blobs that fail validation. Wrapped
// messages carry the reason; the hub maps it to a commit rejection without
// mutating room state.
var ErrRejected = errors.New("groupcap: rejected")

// Capability validates group operations the hub cannot verify itself.
type Capability interface {
	// ValidateJoin checks a join blob for joiner entering the room at the
	// snapshot epoch. A nil error admits the joiner; the implied diff is
	// {Added: [joiner], NewEpoch: view.Epoch + 1}.
	ValidateJoin(view View, joiner uint64, blob []byte) error

	// ValidateCommit checks a member-initiated commit blob from sender and
	// returns the membership diff it encodes.
	ValidateCommit(view View, sender uint64, blob []byte) (Diff, error)

	// ForgeRemoval produces a hub-signed removal of target, used for kick
	// and ban. The returned blob is broadcast to the room like any other
	// commit so clients can verify it.
	ForgeRemoval(view View, target uint64) ([]byte, Diff, error)
}
