package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURNRoundTrip(t *testing.T) {
	var rev Revision
	copy(rev[:], []byte("01234567890123456789"))
	u := URN{Revision: rev, Path: "refs/heads/main"}

	parsed, err := ParseURN(u.String())
	require.NoError(t, err)
	require.Equal(t, u, parsed)
}

func TestURNEqualityIgnoresPath(t *testing.T) {
	var rev Revision
	copy(rev[:], []byte("01234567890123456789"))
	a := URN{Revision: rev, Path: "a"}
	b := URN{Revision: rev, Path: "b"}
	require.Equal(t, a.Id(), b.Id())
}

func TestParseURNRejectsMalformed(t *testing.T) {
	_, err := ParseURN("not-a-urn")
	require.Error(t, err)

	_, err = ParseURN("rad:git:zz")
	require.Error(t, err)
}

func TestPeerIdBase58RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	pid, err := NewPeerId(pub)
	require.NoError(t, err)

	parsed, err := ParsePeerId(pid.String())
	require.NoError(t, err)
	require.True(t, pid.Equal(parsed))
}

func TestSignerSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signer, err := NewSigner(priv)
	require.NoError(t, err)

	msg := []byte("hello coco")
	sig := signer.Sign(msg)

	pid, err := NewPeerId(pub)
	require.NoError(t, err)
	require.True(t, Verify(pid, msg, sig))
	require.False(t, Verify(pid, []byte("tampered"), sig))
}
