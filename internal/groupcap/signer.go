package groupcap

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Signer builds the blobs a member submits to the hub. The hub itself never
// constructs join or commit blobs; this lives here for the probe client and
// the test suites.
type Signer struct {
	ID   uint64
	priv ed25519.PrivateKey
}

// NewSigner generates a fresh member signing identity.
func NewSigner(id uint64) (Signer, error) {
	if id == HubSignerID {
		return Signer{}, fmt.Errorf("identity %d is reserved", id)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Signer{}, fmt.Errorf("generate signer key: %w", err)
	}
	return Signer{ID: id, priv: priv}, nil
}

// Public returns the signer's verification key.
func (s Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// JoinBlob builds a self-signed join for room at the given epoch. The blob
// carries the verification key so the hub can pin it on first contact.
func (s Signer) JoinBlob(room uuid.UUID, epoch uint64) []byte {
	d := descriptor{
		kind:      kindJoin,
		room:      room,
		baseEpoch: epoch,
		newEpoch:  epoch + 1,
		signer:    s.ID,
		pubKey:    s.Public(),
		added:     []uint64{s.ID},
	}
	return d.sign(s.priv)
}

// CommitBlob builds a membership commit from this signer.
func (s Signer) CommitBlob(room uuid.UUID, baseEpoch uint64, added, removed []uint64) []byte {
	d := descriptor{
		kind:      kindCommit,
		room:      room,
		baseEpoch: baseEpoch,
		newEpoch:  baseEpoch + 1,
		signer:    s.ID,
		added:     added,
		removed:   removed,
	}
	return d.sign(s.priv)
}
