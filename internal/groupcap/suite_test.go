package groupcap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/mitander/lockframe/internal/keystore"
)

func newHubSuite(t *testing.T) *Suite {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate hub key: %v", err)
	}
	return NewSuite(priv)
}

func memberView(room uuid.UUID, epoch uint64, members ...uint64) View {
	v := View{RoomID: room, Epoch: epoch, Members: make(map[uint64]struct{})}
	for _, m := range members {
		v.Members[m] = struct{}{}
	}
	return v
}

func TestJoinThenCommitFlow(t *testing.T) {
	suite := newHubSuite(t)
	room := uuid.New()

	alice, err := NewSigner(1)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if err := suite.ValidateJoin(memberView(room, 0), alice.ID, alice.JoinBlob(room, 0)); err != nil {
		t.Fatalf("validate join: %v", err)
	}

	// Alice commits an addition of Bob; Bob's key gets pinned by his own
	// later join, the commit only needs Alice's.
	diff, err := suite.ValidateCommit(memberView(room, 1, 1), alice.ID, alice.CommitBlob(room, 1, []uint64{2}, nil))
	if err != nil {
		t.Fatalf("validate commit: %v", err)
	}
	if diff.NewEpoch != 2 || len(diff.Added) != 1 || diff.Added[0] != 2 {
		t.Fatalf("unexpected diff %+v", diff)
	}
}

func TestJoinRejections(t *testing.T) {
	suite := newHubSuite(t)
	room := uuid.New()
	alice, _ := NewSigner(1)

	cases := []struct {
		name   string
		view   View
		joiner uint64
		blob   []byte
	}{
		{"wrong epoch", memberView(room, 3), alice.ID, alice.JoinBlob(room, 0)},
		{"wrong room", memberView(uuid.New(), 0), alice.ID, alice.JoinBlob(room, 0)},
		{"already member", memberView(room, 0, 1), alice.ID, alice.JoinBlob(room, 0)},
		{"identity mismatch", memberView(room, 0), 9, alice.JoinBlob(room, 0)},
		{"garbage blob", memberView(room, 0), alice.ID, []byte("not a descriptor")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := suite.ValidateJoin(tc.view, tc.joiner, tc.blob); !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestCommitRejections(t *testing.T) {
	suite := newHubSuite(t)
	room := uuid.New()
	alice, _ := NewSigner(1)
	mallory, _ := NewSigner(3)
	suite.RegisterKey(alice.ID, alice.Public())

	view := memberView(room, 1, 1, 2)
	cases := []struct {
		name   string
		sender uint64
		blob   []byte
	}{
		{"stale epoch", alice.ID, alice.CommitBlob(room, 0, nil, []uint64{2})},
		{"sender not signer", 2, alice.CommitBlob(room, 1, nil, []uint64{2})},
		{"unknown signer key", mallory.ID, mallory.CommitBlob(room, 1, nil, []uint64{2})},
		{"add existing member", alice.ID, alice.CommitBlob(room, 1, []uint64{2}, nil)},
		{"remove non-member", alice.ID, alice.CommitBlob(room, 1, nil, []uint64{9})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := suite.ValidateCommit(view, tc.sender, tc.blob); !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestCommitTamperDetected(t *testing.T) {
	suite := newHubSuite(t)
	room := uuid.New()
	alice, _ := NewSigner(1)
	suite.RegisterKey(alice.ID, alice.Public())

	blob := alice.CommitBlob(room, 1, nil, []uint64{2})
	blob[20] ^= 0xFF
	if _, err := suite.ValidateCommit(memberView(room, 1, 1, 2), alice.ID, blob); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected tampered commit rejected, got %v", err)
	}
}

func TestForgeRemovalRoundTrip(t *testing.T) {
	suite := newHubSuite(t)
	room := uuid.New()
	view := memberView(room, 4, 1, 2)

	blob, diff, err := suite.ForgeRemoval(view, 2)
	if err != nil {
		t.Fatalf("forge removal: %v", err)
	}
	if diff.NewEpoch != 5 || len(diff.Removed) != 1 || diff.Removed[0] != 2 {
		t.Fatalf("unexpected diff %+v", diff)
	}

	// The forged blob validates like any other commit, regardless of the
	// session that delivers it.
	got, err := suite.ValidateCommit(view, 1, blob)
	if err != nil {
		t.Fatalf("validate forged removal: %v", err)
	}
	if got.NewEpoch != diff.NewEpoch || got.Removed[0] != 2 {
		t.Fatalf("diff mismatch: %+v", got)
	}

	if _, _, err := suite.ForgeRemoval(view, 9); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected removal of non-member rejected, got %v", err)
	}
}

func TestEnsureHubIdentityStable(t *testing.T) {
	ctx := context.Background()
	ks := keystore.NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	if err := ks.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	pub1, priv1, err := EnsureHubIdentity(ctx, ks)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	pub2, priv2, err := EnsureHubIdentity(ctx, ks)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if !pub1.Equal(pub2) || !priv1.Equal(priv2) {
		t.Fatalf("expected stable hub identity across loads")
	}
}
