package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "coco.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })
	return s
}

func TestWaitingRoomRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	type snapshot struct {
		Entries []string `json:"entries"`
	}

	ok2, err2 := s.LoadWaitingRoom(ctx, &snapshot{})
	require.NoError(t, err2)
	require.False(t, ok2)

	want := snapshot{Entries: []string{"a", "b"}}
	require.NoError(t, s.SaveWaitingRoom(ctx, want))

	var got snapshot
	ok3, err3 := s.LoadWaitingRoom(ctx, &got)
	require.NoError(t, err3)
	require.True(t, ok3)
	require.Equal(t, want, got)
}

func TestSeedsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seeds, err := s.LoadSeeds(ctx, "rad:git:deadbeef")
	require.NoError(t, err)
	require.Empty(t, seeds)

	want := []Seed{{URL: "https://example.com/repo.git", LastSeen: time.Unix(100, 0).UTC()}}
	require.NoError(t, s.SaveSeeds(ctx, "rad:git:deadbeef", want))

	got, err := s.LoadSeeds(ctx, "rad:git:deadbeef")
	require.NoError(t, err)
	require.Equal(t, want, got)
}
