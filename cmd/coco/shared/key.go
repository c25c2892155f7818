package shared

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"

	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/identity"
)

// loadOrCreateSigner reads a base64-encoded Ed25519 private key from path,
// generating and persisting a fresh one on first run.
func loadOrCreateSigner(path string) (identity.Signer, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return createSigner(path)
	}
	if err != nil {
		return identity.Signer{}, errors.Wrapf(err, "read signing key %q", path)
	}

	priv, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return identity.Signer{}, errors.Wrapf(err, "decode signing key %q", path)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return identity.Signer{}, errors.Newf("signing key %q: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(priv))
	}
	return identity.NewSigner(ed25519.PrivateKey(priv))
}

func createSigner(path string) (identity.Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return identity.Signer{}, errors.Wrap(err, "generate signing key")
	}
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return identity.Signer{}, errors.Wrapf(err, "persist signing key %q", path)
	}
	return identity.NewSigner(priv)
}
