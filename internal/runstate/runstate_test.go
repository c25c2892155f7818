package runstate

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/waitingroom"
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

func newRunState() *RunState {
	cfg := waitingroom.Config{MaxQueries: waitingroom.Finite(3), MaxClones: waitingroom.Finite(3), Delta: time.Second}
	return New(waitingroom.New(cfg))
}

func TestAnnounceTickRequiresOnlineAndPeers(t *testing.T) {
	r := newRunState()

	require.Empty(t, r.Transition(AnnounceTick{}))

	r.Transition(Protocol{Event: gossip.ProtocolEvent{Kind: gossip.ProtocolEndpoint, Endpoint: gossip.EndpointUp}})
	require.Equal(t, StatusStarted, r.Status().Kind)
	require.Empty(t, r.Transition(AnnounceTick{}))

	r.Transition(StatsValues{Stats: gossip.Stats{ConnectedPeers: map[string][]net.Addr{}}})
	// Started with no peers stays Started; with peers present it becomes Online.
	require.NotEqual(t, StatusOnline, r.Status().Kind)
}

func TestStatsTransitionsOnlineOffline(t *testing.T) {
	r := newRunState()
	r.Transition(Protocol{Event: gossip.ProtocolEvent{Kind: gossip.ProtocolEndpoint, Endpoint: gossip.EndpointUp}})
	require.Equal(t, StatusStarted, r.Status().Kind)

	cmds := r.Transition(StatsValues{Stats: gossip.Stats{ConnectedPeers: map[string][]net.Addr{"peer1": nil}, MembershipActive: 1}})
	require.Empty(t, cmds)
	require.Equal(t, StatusOnline, r.Status().Kind)

	cmds = r.Transition(AnnounceTick{})
	require.Len(t, cmds, 1)
	require.IsType(t, CommandAnnounce{}, cmds[0])

	cmds = r.Transition(StatsValues{Stats: gossip.Stats{ConnectedPeers: map[string][]net.Addr{}}})
	require.Empty(t, cmds)
	require.Equal(t, StatusOffline, r.Status().Kind)

	require.Empty(t, r.Transition(AnnounceTick{}))
}

func TestEndpointDownResetsToStopped(t *testing.T) {
	r := newRunState()
	r.Transition(Protocol{Event: gossip.ProtocolEvent{Kind: gossip.ProtocolEndpoint, Endpoint: gossip.EndpointUp}})
	require.Equal(t, StatusStarted, r.Status().Kind)

	r.Transition(Protocol{Event: gossip.ProtocolEvent{Kind: gossip.ProtocolEndpoint, Endpoint: gossip.EndpointDown}})
	require.Equal(t, StatusStopped, r.Status().Kind)
}

func TestCreateRequestRepliesOnChannel(t *testing.T) {
	r := newRunState()
	u := testURN(1)
	reply := make(chan waitingroom.Either, 1)

	cmds := r.Transition(ControlCreateRequest{URN: u, At: time.Unix(0, 0), Reply: reply})
	require.Len(t, cmds, 1)
	cmd, ok := cmds[0].(CommandReplyCreateRequest)
	require.True(t, ok)
	require.True(t, cmd.Result.Created)

	req, ok := r.WaitingRoom().Get(u)
	require.True(t, ok)
	require.Equal(t, waitingroom.StatusCreated, req.Status)
}

func TestCancelRequestRepliesOnChannel(t *testing.T) {
	r := newRunState()
	u := testURN(1)
	createReply := make(chan waitingroom.Either, 1)
	r.Transition(ControlCreateRequest{URN: u, At: time.Unix(0, 0), Reply: createReply})

	cancelReply := make(chan error, 1)
	cmds := r.Transition(ControlCancelRequest{URN: u, At: time.Unix(1, 0), Reply: cancelReply})
	require.Len(t, cmds, 1)
	cmd, ok := cmds[0].(CommandReplyCancelRequest)
	require.True(t, ok)
	require.NoError(t, cmd.Err)
}

func TestListRequestsSnapshotsAllEntries(t *testing.T) {
	r := newRunState()
	u1, u2 := testURN(1), testURN(2)
	r.Transition(ControlCreateRequest{URN: u1, At: time.Unix(0, 0), Reply: make(chan waitingroom.Either, 1)})
	r.Transition(ControlCreateRequest{URN: u2, At: time.Unix(0, 0), Reply: make(chan waitingroom.Either, 1)})

	reply := make(chan []RequestSnapshot, 1)
	cmds := r.Transition(ControlListRequests{Reply: reply})
	require.Len(t, cmds, 1)
	cmd, ok := cmds[0].(CommandReplyListRequests)
	require.True(t, ok)
	require.Len(t, cmd.Value, 2)
}

func TestListenAddrsStoredAndReturned(t *testing.T) {
	r := newRunState()
	r.Transition(ListenAddrs{Addrs: []string{"/ip4/127.0.0.1/tcp/1"}})

	reply := make(chan []string, 1)
	cmds := r.Transition(ControlListenAddrs{Reply: reply})
	require.Len(t, cmds, 1)
	cmd, ok := cmds[0].(CommandReplyListenAddrs)
	require.True(t, ok)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/1"}, cmd.Value)
}

func TestRequestTickOnlyActsWhenOnline(t *testing.T) {
	r := newRunState()
	u := testURN(1)
	r.Transition(ControlCreateRequest{URN: u, At: time.Unix(0, 0), Reply: make(chan waitingroom.Either, 1)})

	require.Empty(t, r.Transition(RequestTick{}))

	r.Transition(Protocol{Event: gossip.ProtocolEvent{Kind: gossip.ProtocolEndpoint, Endpoint: gossip.EndpointUp}})
	r.Transition(StatsValues{Stats: gossip.Stats{ConnectedPeers: map[string][]net.Addr{"peer1": nil}, MembershipActive: 1}})
	require.Equal(t, StatusOnline, r.Status().Kind)

	cmds := r.Transition(RequestTick{})
	require.Len(t, cmds, 1)
	cmd, ok := cmds[0].(CommandQuery)
	require.True(t, ok)
	require.Equal(t, u, cmd.URN)
}

func TestProtocolGossipAppliedIssuesInclude(t *testing.T) {
	r := newRunState()
	u := testURN(1)
	peer := testPeer(t)
	r.Transition(ControlCreateRequest{URN: u, At: time.Unix(0, 0), Reply: make(chan waitingroom.Either, 1)})
	r.Transition(RequestQueried{URN: u})

	cmds := r.Transition(Protocol{Event: gossip.ProtocolEvent{
		Kind:     gossip.ProtocolGossip,
		URN:      u,
		Provider: peer,
		Result:   gossip.PutApplied,
	}})

	var sawInclude bool
	for _, c := range cmds {
		if _, ok := c.(CommandInclude); ok {
			sawInclude = true
		}
	}
	require.True(t, sawInclude)

	req, ok := r.WaitingRoom().Get(u)
	require.True(t, ok)
	require.Equal(t, waitingroom.StatusFound, req.Status)
}

func TestProtocolGossipIgnoredForUnknownURN(t *testing.T) {
	r := newRunState()
	u := testURN(9)
	peer := testPeer(t)

	cmds := r.Transition(Protocol{Event: gossip.ProtocolEvent{
		Kind:     gossip.ProtocolGossip,
		URN:      u,
		Provider: peer,
		Result:   gossip.PutIgnored,
	}})
	require.Empty(t, cmds)
}
