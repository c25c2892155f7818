package identity

import (
	"crypto/ed25519"

	"github.com/sourcegraph/sourcegraph/lib/errors"
)

// Signer signs buffers on behalf of a local PeerId. It is the boundary
// between the in-process keystore (out of scope, per spec.md §1) and the
// event-log / announcer components that need to produce signatures.
type Signer struct {
	peer PeerId
	priv ed25519.PrivateKey
}

// NewSigner builds a Signer from an unsealed Ed25519 private key. Sealing
// and key-store management are explicitly out of scope (spec.md §1); coco
// only ever sees the unsealed key.
func NewSigner(priv ed25519.PrivateKey) (Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Signer{}, errors.Newf("signer: want %d-byte ed25519 key, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Signer{}, errors.New("signer: unexpected public key type")
	}
	pid, err := NewPeerId(pub)
	if err != nil {
		return Signer{}, err
	}
	return Signer{peer: pid, priv: priv}, nil
}

// PeerId returns the signer's own identity.
func (s Signer) PeerId() PeerId { return s.peer }

// Sign produces a raw Ed25519 signature over buf.
func (s Signer) Sign(buf []byte) []byte {
	return ed25519.Sign(s.priv, buf)
}

// Verify checks sig against buf using peer's public key.
func Verify(peer PeerId, buf, sig []byte) bool {
	if peer.IsZero() {
		return false
	}
	return ed25519.Verify(peer.PublicKey(), buf, sig)
}
