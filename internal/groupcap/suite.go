package groupcap

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Blob kinds understood by the reference suite.
const (
	kindJoin    uint8 = 1
	kindCommit  uint8 = 2
	kindRemoval uint8 = 3
)

const (
	tagSize  = 32
	tagLabel = "lockframe/commit-tag/v1"

	// HubSignerID is the reserved identity the hub signs forged removals
	// with. Real members never get id 0.
	HubSignerID uint64 = 0
)

// Suite is the reference capability: commit descriptors are ed25519-signed
// and bound to the room and base epoch through an HKDF confirmation tag.
// Join blobs carry their own public key, which the suite pins on first use.
type Suite struct {
	mu     sync.RWMutex
	keys   map[uint64]ed25519.PublicKey
	hubKey ed25519.PrivateKey
}

// NewSuite creates a suite signing forged removals with hubKey.
func NewSuite(hubKey ed25519.PrivateKey) *Suite {
	s := &Suite{
		keys:   make(map[uint64]ed25519.PublicKey),
		hubKey: hubKey,
	}
	if hubKey != nil {
		s.keys[HubSignerID] = hubKey.Public().(ed25519.PublicKey)
	}
	return s
}

// RegisterKey pins a member's verification key. Keys normally arrive inside
// join blobs; this is for recovery replay and tests.
func (s *Suite) RegisterKey(id uint64, pub ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = append(ed25519.PublicKey(nil), pub...)
}

func (s *Suite) keyOf(id uint64) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.keys[id]
	return pub, ok
}

func (s *Suite) ValidateJoin(view View, joiner uint64, blob []byte) error {
	d, err := parseDescriptor(blob)
	if err != nil {
		return err
	}
	if d.kind != kindJoin {
		return fmt.Errorf("%w: blob kind %d is not a join", ErrRejected, d.kind)
	}
	if err := d.checkTransition(view); err != nil {
		return err
	}
	if d.signer != joiner {
		return fmt.Errorf("%w: join signed by %d, claimed by %d", ErrRejected, d.signer, joiner)
	}
	if joiner == HubSignerID {
		return fmt.Errorf("%w: identity %d is reserved", ErrRejected, joiner)
	}
	if view.IsMember(joiner) {
		return fmt.Errorf("%w: identity %d is already a member", ErrRejected, joiner)
	}
	if len(d.added) != 1 || d.added[0] != joiner || len(d.removed) != 0 {
		return fmt.Errorf("%w: join diff must add exactly the joiner", ErrRejected)
	}
	if len(d.pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: join blob carries no verification key", ErrRejected)
	}
	if err := d.verify(ed25519.PublicKey(d.pubKey)); err != nil {
		return err
	}
	s.RegisterKey(joiner, d.pubKey)
	return nil
}

func (s *Suite) ValidateCommit(view View, sender uint64, blob []byte) (Diff, error) {
	d, err := parseDescriptor(blob)
	if err != nil {
		return Diff{}, err
	}
	switch d.kind {
	case kindCommit:
		if d.signer != sender {
			return Diff{}, fmt.Errorf("%w: commit signed by %d, sent by %d", ErrRejected, d.signer, sender)
		}
		if !view.IsMember(sender) {
			return Diff{}, fmt.Errorf("%w: committer %d is not a member", ErrRejected, sender)
		}
	case kindRemoval:
		// Forged removals carry the hub's own signature regardless of the
		// delivering session.
		if d.signer != HubSignerID {
			return Diff{}, fmt.Errorf("%w: removal signed by %d", ErrRejected, d.signer)
		}
	default:
		return Diff{}, fmt.Errorf("%w: blob kind %d is not a commit", ErrRejected, d.kind)
	}
	if err := d.checkTransition(view); err != nil {
		return Diff{}, err
	}

	pub, ok := s.keyOf(d.signer)
	if !ok {
		return Diff{}, fmt.Errorf("%w: no verification key for %d", ErrRejected, d.signer)
	}
	if err := d.verify(pub); err != nil {
		return Diff{}, err
	}

	for _, id := range d.added {
		if view.IsMember(id) {
			return Diff{}, fmt.Errorf("%w: added identity %d is already a member", ErrRejected, id)
		}
	}
	for _, id := range d.removed {
		if !view.IsMember(id) {
			return Diff{}, fmt.Errorf("%w: removed identity %d is not a member", ErrRejected, id)
		}
	}
	return Diff{NewEpoch: d.newEpoch, Added: d.added, Removed: d.removed}, nil
}

func (s *Suite) ForgeRemoval(view View, target uint64) ([]byte, Diff, error) {
	if s.hubKey == nil {
		return nil, Diff{}, fmt.Errorf("hub signing key is not configured")
	}
	if !view.IsMember(target) {
		return nil, Diff{}, fmt.Errorf("%w: removal target %d is not a member", ErrRejected, target)
	}
	d := descriptor{
		kind:      kindRemoval,
		room:      view.RoomID,
		baseEpoch: view.Epoch,
		newEpoch:  view.Epoch + 1,
		signer:    HubSignerID,
		removed:   []uint64{target},
	}
	blob := d.sign(s.hubKey)
	return blob, Diff{NewEpoch: d.newEpoch, Removed: []uint64{target}}, nil
}

// descriptor is the decoded form of a commit blob.
//
// Encoded layout (big-endian):
//
//	kind u8, room [16], base_epoch u64, new_epoch u64, signer u64,
//	key_len u8 + key, added u16 + ids, removed u16 + ids,
//	tag [32], sig [64]
type descriptor struct {
	kind      uint8
	room      uuid.UUID
	baseEpoch uint64
	newEpoch  uint64
	signer    uint64
	pubKey    []byte
	added     []uint64
	removed   []uint64
	tag       [tagSize]byte
	sig       []byte
	signed    []byte
}

func (d *descriptor) checkTransition(view View) error {
	if d.room != view.RoomID {
		return fmt.Errorf("%w: blob is for room %s", ErrRejected, d.room)
	}
	if d.baseEpoch != view.Epoch {
		return fmt.Errorf("%w: blob base epoch %d, room epoch %d", ErrRejected, d.baseEpoch, view.Epoch)
	}
	if d.newEpoch != d.baseEpoch+1 {
		return fmt.Errorf("%w: epoch must advance by exactly one", ErrRejected)
	}
	return nil
}

func (d *descriptor) verify(pub ed25519.PublicKey) error {
	var want [tagSize]byte
	confirmationTag(&want, pub, d.room, d.baseEpoch)
	if d.tag != want {
		return fmt.Errorf("%w: confirmation tag mismatch", ErrRejected)
	}
	if !ed25519.Verify(pub, d.signed, d.sig) {
		return fmt.Errorf("%w: bad signature", ErrRejected)
	}
	return nil
}

func (d *descriptor) encodeUnsigned(pub ed25519.PublicKey) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, d.kind)
	buf = append(buf, d.room[:]...)
	buf = binary.BigEndian.AppendUint64(buf, d.baseEpoch)
	buf = binary.BigEndian.AppendUint64(buf, d.newEpoch)
	buf = binary.BigEndian.AppendUint64(buf, d.signer)
	buf = append(buf, uint8(len(d.pubKey)))
	buf = append(buf, d.pubKey...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.added)))
	for _, id := range d.added {
		buf = binary.BigEndian.AppendUint64(buf, id)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.removed)))
	for _, id := range d.removed {
		buf = binary.BigEndian.AppendUint64(buf, id)
	}
	confirmationTag(&d.tag, pub, d.room, d.baseEpoch)
	buf = append(buf, d.tag[:]...)
	return buf
}

func (d *descriptor) sign(priv ed25519.PrivateKey) []byte {
	pub := priv.Public().(ed25519.PublicKey)
	unsigned := d.encodeUnsigned(pub)
	sig := ed25519.Sign(priv, unsigned)
	return append(unsigned, sig...)
}

func parseDescriptor(blob []byte) (*descriptor, error) {
	const fixed = 1 + 16 + 8 + 8 + 8 + 1
	if len(blob) < fixed {
		return nil, fmt.Errorf("%w: blob too short", ErrRejected)
	}
	d := &descriptor{kind: blob[0]}
	copy(d.room[:], blob[1:17])
	d.baseEpoch = binary.BigEndian.Uint64(blob[17:25])
	d.newEpoch = binary.BigEndian.Uint64(blob[25:33])
	d.signer = binary.BigEndian.Uint64(blob[33:41])

	off := 41
	keyLen := int(blob[off])
	off++
	if keyLen != 0 && keyLen != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad key length %d", ErrRejected, keyLen)
	}
	var err error
	if d.pubKey, off, err = takeBytes(blob, off, keyLen); err != nil {
		return nil, err
	}
	if d.added, off, err = takeIDList(blob, off); err != nil {
		return nil, err
	}
	if d.removed, off, err = takeIDList(blob, off); err != nil {
		return nil, err
	}
	if off+tagSize+ed25519.SignatureSize != len(blob) {
		return nil, fmt.Errorf("%w: bad blob length", ErrRejected)
	}
	copy(d.tag[:], blob[off:off+tagSize])
	d.signed = blob[:off+tagSize]
	d.sig = blob[off+tagSize:]
	return d, nil
}

func takeBytes(blob []byte, off, n int) ([]byte, int, error) {
	if off+n > len(blob) {
		return nil, 0, fmt.Errorf("%w: blob truncated", ErrRejected)
	}
	return blob[off : off+n], off + n, nil
}

func takeIDList(blob []byte, off int) ([]uint64, int, error) {
	if off+2 > len(blob) {
		return nil, 0, fmt.Errorf("%w: blob truncated", ErrRejected)
	}
	count := int(binary.BigEndian.Uint16(blob[off:]))
	off += 2
	if off+count*8 > len(blob) {
		return nil, 0, fmt.Errorf("%w: blob truncated", ErrRejected)
	}
	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = binary.BigEndian.Uint64(blob[off:])
		off += 8
	}
	return ids, off, nil
}

// confirmationTag binds a descriptor to its room and base epoch. Derived
// from the signer's public key so any holder of the blob can recompute it.
func confirmationTag(out *[tagSize]byte, pub ed25519.PublicKey, room uuid.UUID, baseEpoch uint64) {
	info := make([]byte, 0, len(tagLabel)+8)
	info = append(info, tagLabel...)
	info = binary.BigEndian.AppendUint64(info, baseEpoch)
	r := hkdf.New(sha256.New, pub, room[:], info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// Only fails if the hash is broken.
		panic(fmt.Errorf("derive confirmation tag: %w", err))
	}
}
