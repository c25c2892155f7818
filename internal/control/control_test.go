package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/runstate"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

func testURN(b byte) identity.URN {
	var rev identity.Revision
	rev[0] = b
	return identity.URN{Revision: rev}
}

// driveOnce runs a single-input reducer loop: it reads one Input off
// inputs, applies it to state, and executes any CommandReply* by sending
// on the channel the Command carries. Everything else is discarded —
// Subroutines is responsible for full Command dispatch; this only
// exercises the request/reply half the Client relies on.
func driveOnce(t *testing.T, state *runstate.RunState, inputs <-chan runstate.Input) {
	t.Helper()
	select {
	case in := <-inputs:
		for _, cmd := range state.Transition(in) {
			switch c := cmd.(type) {
			case runstate.CommandReplyStatus:
				c.Reply <- c.Value
			case runstate.CommandReplyListenAddrs:
				c.Reply <- c.Value
			case runstate.CommandReplyCreateRequest:
				c.Reply <- c.Result
			case runstate.CommandReplyCancelRequest:
				c.Reply <- c.Err
			case runstate.CommandReplyListRequests:
				c.Reply <- c.Value
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for input")
	}
}

func newTestState(t *testing.T) *runstate.RunState {
	t.Helper()
	room := waitingroom.New(waitingroom.Config{
		MaxQueries: waitingroom.Finite(3),
		MaxClones:  waitingroom.Finite(3),
		Delta:      time.Second,
	})
	return runstate.New(room)
}

func TestClientCurrentStatus(t *testing.T) {
	state := newTestState(t)
	inputs := make(chan runstate.Input)
	client := New(inputs)

	go driveOnce(t, state, inputs)

	status, err := client.CurrentStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, runstate.StatusStopped, status.Kind)
}

func TestClientListenAddrs(t *testing.T) {
	state := newTestState(t)
	inputs := make(chan runstate.Input)
	client := New(inputs)

	state.Transition(runstate.ListenAddrs{Addrs: []string{"127.0.0.1:1"}})

	go driveOnce(t, state, inputs)

	addrs, err := client.ListenAddrs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:1"}, addrs)
}

func TestClientStartAndCancelSearch(t *testing.T) {
	state := newTestState(t)
	inputs := make(chan runstate.Input)
	client := New(inputs)
	urn := testURN(1)
	now := time.Unix(0, 0)

	go driveOnce(t, state, inputs)
	either, err := client.StartSearch(context.Background(), urn, now)
	require.NoError(t, err)
	require.True(t, either.Created)

	go driveOnce(t, state, inputs)
	err = client.CancelSearch(context.Background(), urn, now.Add(time.Second))
	require.NoError(t, err)
}

func TestClientListSearches(t *testing.T) {
	state := newTestState(t)
	inputs := make(chan runstate.Input)
	client := New(inputs)
	urn := testURN(2)
	now := time.Unix(0, 0)

	go driveOnce(t, state, inputs)
	_, err := client.StartSearch(context.Background(), urn, now)
	require.NoError(t, err)

	go driveOnce(t, state, inputs)
	snapshot, err := client.ListSearches(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.Equal(t, urn, snapshot[0].URN)
}

func TestClientRespectsContextCancellation(t *testing.T) {
	inputs := make(chan runstate.Input) // unbuffered, nobody reads
	client := New(inputs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.CurrentStatus(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
