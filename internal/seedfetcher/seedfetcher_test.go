package seedfetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/kv"
)

func testURN(b byte) identity.URN {
	var rev identity.Revision
	rev[0] = b
	return identity.URN{Revision: rev}
}

func TestRefSpecMirrorsNamespace(t *testing.T) {
	urn := testURN(0xab)
	spec := refSpec(urn)
	require.Contains(t, string(spec), "refs/namespaces/ab")
	require.Contains(t, string(spec), "+refs/namespaces/")
}

type fakeStore struct {
	seeds map[string][]kv.Seed
}

func newFakeStore() *fakeStore {
	return &fakeStore{seeds: make(map[string][]kv.Seed)}
}

func (f *fakeStore) LoadSeeds(ctx context.Context, urn string) ([]kv.Seed, error) {
	return f.seeds[urn], nil
}

func (f *fakeStore) SaveSeeds(ctx context.Context, urn string, seeds []kv.Seed) error {
	f.seeds[urn] = seeds
	return nil
}

func TestAddSchedulesImmediateFetch(t *testing.T) {
	store := newFakeStore()
	f := New(nil, store, Deps{}, Config{Seeds: []string{"https://example.com/seed"}})
	urn := testURN(1)

	f.Add(urn)
	require.Equal(t, 1, f.queue.Len())

	done := make(chan struct{})
	defer close(done)
	key, ok := f.queue.Wait(done)
	require.True(t, ok)
	require.Equal(t, urn.String(), key)
}

func TestPinnedSeedIsLoadedFromStore(t *testing.T) {
	store := newFakeStore()
	urn := testURN(2)
	store.seeds[urn.String()] = []kv.Seed{{URL: "https://pinned.example/seed"}}

	f := New(nil, store, Deps{}, Config{Seeds: []string{"https://fallback.example/seed"}})
	known, err := f.store.LoadSeeds(context.Background(), urn.String())
	require.NoError(t, err)
	require.Len(t, known, 1)
	require.Equal(t, "https://pinned.example/seed", known[0].URL)
}
