package groupcap

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"github.com/mitander/lockframe/internal/keystore"
)

const hubIdentitySecretID = "hub_identity"

// EnsureHubIdentity loads the hub signing key from the keystore or
// generates and stores a fresh one. The key signs forged moderation
// removals so clients can authenticate them.
func EnsureHubIdentity(ctx context.Context, ks keystore.KeyBackend) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if ks == nil {
		return nil, nil, errors.New("keystore is required for hub identity")
	}

	raw, err := ks.LoadSecret(ctx, hubIdentitySecretID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load hub identity: %w", err)
		}
		pub, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return nil, nil, fmt.Errorf("generate hub identity: %w", genErr)
		}
		if storeErr := ks.StoreSecret(ctx, hubIdentitySecretID, priv); storeErr != nil {
			return nil, nil, fmt.Errorf("store hub identity: %w", storeErr)
		}
		return append([]byte(nil), pub...), append([]byte(nil), priv...), nil
	}
	defer zeroBytes(raw)

	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("hub identity secret has invalid size %d", len(raw))
	}
	priv := ed25519.PrivateKey(append([]byte(nil), raw...))
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
