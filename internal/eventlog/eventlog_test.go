package eventlog

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/identity"
)

func testSigner(t *testing.T) identity.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := identity.NewSigner(priv)
	require.NoError(t, err)
	return s
}

func testRepo(t *testing.T) *gitstore.Repository {
	t.Helper()
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)
	return repo
}

func intEvent(n int) Event {
	data, _ := json.Marshal(n)
	return Event{Type: "count", Data: data}
}

func TestPublishAndGetRoundTrip(t *testing.T) {
	repo := testRepo(t)
	signer := testSigner(t)
	log := New(repo, signer)
	ctx := context.Background()

	var id identity.Revision
	id[0] = 0x42

	events, err := log.Get(id, "topic")
	require.NoError(t, err)
	require.Empty(t, events)

	for i := 1; i <= 5; i++ {
		_, err := log.Publish(ctx, id, "topic", intEvent(i))
		require.NoError(t, err)
	}

	got, err := log.Get(id, "topic")
	require.NoError(t, err)
	require.Len(t, got, 5)

	// Reverse topological order: most recently published first.
	var last int
	require.NoError(t, json.Unmarshal(got[0].Event.Data, &last))
	require.Equal(t, 5, last)

	var first int
	require.NoError(t, json.Unmarshal(got[len(got)-1].Event.Data, &first))
	require.Equal(t, 1, first)

	for _, envelope := range got {
		require.Equal(t, signer.PeerId(), envelope.PeerId)
		require.Equal(t, id, envelope.Identity)
		require.Equal(t, "topic", envelope.Topic)
	}
}

func TestGetFiltersByTopicAndIdentity(t *testing.T) {
	repo := testRepo(t)
	signer := testSigner(t)
	log := New(repo, signer)
	ctx := context.Background()

	var idA, idB identity.Revision
	idA[0] = 1
	idB[0] = 2

	_, err := log.Publish(ctx, idA, "t1", intEvent(1))
	require.NoError(t, err)
	_, err = log.Publish(ctx, idA, "t2", intEvent(2))
	require.NoError(t, err)
	_, err = log.Publish(ctx, idB, "t1", intEvent(3))
	require.NoError(t, err)

	got, err := log.Get(idA, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	var v int
	require.NoError(t, json.Unmarshal(got[0].Event.Data, &v))
	require.Equal(t, 1, v)
}

func TestInvalidRefsEmptyForFreshLog(t *testing.T) {
	repo := testRepo(t)
	signer := testSigner(t)
	log := New(repo, signer)
	ctx := context.Background()

	var id identity.Revision
	id[0] = 9

	_, err := log.Publish(ctx, id, "init", Event{Type: "init", Data: json.RawMessage("{}")})
	require.NoError(t, err)

	invalid, err := log.InvalidRefs(id)
	require.NoError(t, err)
	require.Empty(t, invalid)
}
