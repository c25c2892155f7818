package waitingroom

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/identity"
)

func testURN(b byte) identity.URN {
	var rev identity.Revision
	rev[0] = b
	return identity.URN{Revision: rev}
}

func testPeer(t *testing.T) identity.PeerId {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pid, err := identity.NewPeerId(pub)
	require.NoError(t, err)
	return pid
}

// Scenario 1 from spec.md §8: fresh query with backoff-driven retry leading
// to a query timeout.
func TestFreshQueryTimesOut(t *testing.T) {
	cfg := Config{MaxQueries: Finite(2), MaxClones: Infinite, Delta: time.Second}
	w := New(cfg)
	u := testURN(1)
	t0 := time.Unix(0, 0).UTC()

	w, either := w.Request(u, t0)
	require.True(t, either.Created)

	cmds := w.Tick(t0)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandQuery, cmds[0].Kind)

	w, err := w.Queried(u, t0)
	require.NoError(t, err)
	r, _ := w.Get(u)
	require.Equal(t, StatusRequested, r.Status)
	require.Equal(t, 1, r.Queries.N())

	require.Empty(t, w.Tick(t0))

	t1 := t0.Add(time.Second)
	cmds = w.Tick(t1)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandQuery, cmds[0].Kind)

	w, err = w.Queried(u, t1)
	require.Error(t, err)
	var timedOut TimedOutError
	require.ErrorAs(t, err, &timedOut)
	require.Equal(t, TimedOutQuery, timedOut.Kind)
	require.Equal(t, 2, timedOut.Attempts.N())

	r, _ = w.Get(u)
	require.Equal(t, StatusTimedOut, r.Status)

	// Absorbing except Cancel.
	_, err = w.Queried(u, t1)
	require.Error(t, err)
	w2, err := w.Cancel(u, t1)
	require.NoError(t, err)
	r2, _ := w2.Get(u)
	require.Equal(t, StatusCancelled, r2.Status)
}

// Scenario 2 from spec.md §8: clone success.
func TestCloneSuccess(t *testing.T) {
	cfg := Config{MaxQueries: Infinite, MaxClones: Infinite, Delta: time.Second}
	w := New(cfg)
	u := testURN(2)
	peer := testPeer(t)
	t0 := time.Unix(0, 0).UTC()

	w, _ = w.Request(u, t0)
	w, err := w.Queried(u, t0)
	require.NoError(t, err)
	w, err = w.Found(u, peer, t0)
	require.NoError(t, err)

	cmds := w.Tick(t0)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandClone, cmds[0].Kind)
	require.Equal(t, peer.String(), cmds[0].Peer)

	w, err = w.Cloning(u, peer, t0)
	require.NoError(t, err)
	r, _ := w.Get(u)
	require.Equal(t, StatusCloning, r.Status)
	require.Equal(t, peer.String(), r.InFlight)

	w, err = w.Cloned(u, peer, t0)
	require.NoError(t, err)
	r, _ = w.Get(u)
	require.Equal(t, StatusCloned, r.Status)
	require.Equal(t, peer.String(), r.From)

	require.Empty(t, w.Tick(t0))
}

func TestRequestIdempotent(t *testing.T) {
	w := New(Config{MaxQueries: Infinite, MaxClones: Infinite, Delta: time.Second})
	u := testURN(3)
	t0 := time.Unix(0, 0).UTC()

	w, first := w.Request(u, t0)
	require.True(t, first.Created)

	w, second := w.Request(u, t0.Add(time.Minute))
	require.False(t, second.Created)
	require.Equal(t, first.Request, second.Request)
}

func TestIllegalTransitionRejected(t *testing.T) {
	w := New(Config{MaxQueries: Infinite, MaxClones: Infinite, Delta: time.Second})
	u := testURN(4)
	peer := testPeer(t)
	t0 := time.Unix(0, 0).UTC()

	w, _ = w.Request(u, t0)
	_, err := w.Cloned(u, peer, t0)
	require.Error(t, err)
	var mismatch StateMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, StatusCreated, mismatch.Current)
}

func TestCloningFailedReturnsToFound(t *testing.T) {
	w := New(Config{MaxQueries: Infinite, MaxClones: Finite(3), Delta: time.Second})
	u := testURN(5)
	peer := testPeer(t)
	t0 := time.Unix(0, 0).UTC()

	w, _ = w.Request(u, t0)
	w, _ = w.Queried(u, t0)
	w, _ = w.Found(u, peer, t0)
	w, err := w.Cloning(u, peer, t0)
	require.NoError(t, err)

	w, err = w.CloningFailed(u, peer, t0, "connection reset")
	require.NoError(t, err)
	r, _ := w.Get(u)
	require.Equal(t, StatusFound, r.Status)
	require.Equal(t, PeerFailed, r.Peers[peer.String()].Kind)
	require.Equal(t, "connection reset", r.Peers[peer.String()].Reason)
}

func TestSnapshotRoundTrip(t *testing.T) {
	w := New(Config{MaxQueries: Finite(5), MaxClones: Infinite, Delta: 2 * time.Second})
	u := testURN(6)
	t0 := time.Unix(100, 0).UTC()
	w, _ = w.Request(u, t0)
	w, err := w.Queried(u, t0)
	require.NoError(t, err)

	blob, err := w.Marshal()
	require.NoError(t, err)

	w2, err := Unmarshal(blob)
	require.NoError(t, err)
	require.Equal(t, w.config, w2.config)

	r1, ok1 := w.Get(u)
	r2, ok2 := w2.Get(u)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, r1.Status, r2.Status)
	require.Equal(t, r1.Queries.N(), r2.Queries.N())
	require.Equal(t, r1.Timestamp.UnixMilli(), r2.Timestamp.UnixMilli())
}

func TestUnmarshalMalformedIsError(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	require.Error(t, err)
}
