package subroutines

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/eventlog"
	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/gossip"
	gossipfake "github.com/radicle-dev/coco/internal/gossip/fake"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/kv"
	"github.com/radicle-dev/coco/internal/replicator"
	"github.com/radicle-dev/coco/internal/runstate"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

func testSigner(t *testing.T) identity.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := identity.NewSigner(priv)
	require.NoError(t, err)
	return s
}

func testPeer(t *testing.T) identity.PeerId {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pid, err := identity.NewPeerId(pub)
	require.NoError(t, err)
	return pid
}

func testURN(b byte) identity.URN {
	var rev identity.Revision
	rev[0] = b
	return identity.URN{Revision: rev}
}

func newTestExecutor(t *testing.T, deps Deps) *Executor {
	t.Helper()
	cfg := Config{WaitingRoom: waitingroom.Config{
		MaxQueries: waitingroom.Finite(3),
		MaxClones:  waitingroom.Finite(3),
		Delta:      time.Second,
	}}
	return New(context.Background(), deps, cfg)
}

func TestDispatchQueryFeedsBackQueried(t *testing.T) {
	transport := gossipfake.New()
	e := newTestExecutor(t, Deps{Transport: transport})
	urn := testURN(1)

	e.dispatch(context.Background(), runstate.CommandQuery{URN: urn})

	select {
	case in := <-e.feedback:
		require.Equal(t, runstate.RequestQueried{URN: urn}, in)
	case <-time.After(time.Second):
		t.Fatal("no feedback received")
	}
	require.Equal(t, []identity.URN{urn}, transport.Queried())
}

func TestDispatchCloneSuccessFeedsBackCloningThenCloned(t *testing.T) {
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)
	signer := testSigner(t)
	events := eventlog.New(repo, signer)
	urn := testURN(2)
	data, _ := json.Marshal(1)
	_, err = events.Publish(context.Background(), urn.Id(), "init", eventlog.Event{Type: "init", Data: data})
	require.NoError(t, err)

	transport := gossipfake.New()
	peer := testPeer(t)
	transport.SetReport(urn, peer, gossip.Report{Identity: urn, Peer: peer})

	e := newTestExecutor(t, Deps{Transport: transport, Replicator: replicator.New(transport, events)})
	e.dispatch(context.Background(), runstate.CommandClone{URN: urn, Peer: peer})

	require.Equal(t, runstate.RequestCloning{URN: urn, Peer: peer}, <-e.feedback)
	require.Equal(t, runstate.RequestCloned{URN: urn, Peer: peer}, <-e.feedback)
}

func TestDispatchCloneFailureFeedsBackFailed(t *testing.T) {
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)
	signer := testSigner(t)
	events := eventlog.New(repo, signer)
	urn := testURN(3)

	transport := gossipfake.New()
	peer := testPeer(t)
	transport.SetFailure(urn, peer, errClone{})

	e := newTestExecutor(t, Deps{Transport: transport, Replicator: replicator.New(transport, events)})
	e.dispatch(context.Background(), runstate.CommandClone{URN: urn, Peer: peer})

	require.Equal(t, runstate.RequestCloning{URN: urn, Peer: peer}, <-e.feedback)
	failed := (<-e.feedback).(runstate.RequestFailed)
	require.Equal(t, urn, failed.URN)
	require.Equal(t, peer, failed.Peer)
	require.NotEmpty(t, failed.Reason)
}

type errClone struct{}

func (errClone) Error() string { return "clone failed" }

func TestHandlePersistsWaitingRoomSnapshot(t *testing.T) {
	store, err := kv.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	transport := gossipfake.New()
	e := newTestExecutor(t, Deps{Transport: transport, Store: store})

	urn := testURN(4)
	reply := make(chan waitingroom.Either, 1)
	e.handle(context.Background(), runstate.ControlCreateRequest{URN: urn, At: time.Unix(0, 0), Reply: reply})
	either := <-reply
	require.True(t, either.Created)

	var snapshot map[identity.Revision]waitingroom.Request
	ok, err := store.LoadWaitingRoom(context.Background(), &snapshot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, snapshot, urn.Id())
}

func TestHandlePublishesMirroredEvent(t *testing.T) {
	transport := gossipfake.New()
	e := newTestExecutor(t, Deps{Transport: transport})

	urn := testURN(5)
	e.handle(context.Background(), runstate.RequestQueried{URN: urn})

	select {
	case ev := <-e.events:
		require.Equal(t, runstate.EventRequestQueried{URN: urn}, ev)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestRunRespondsToControlStatusAndStopsOnCancel(t *testing.T) {
	transport := gossipfake.New()
	e := newTestExecutor(t, Deps{Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	reply := make(chan runstate.Status, 1)
	e.Inputs() <- runstate.ControlStatus{Reply: reply}
	status := <-reply
	require.Equal(t, runstate.StatusStopped, status.Kind)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
