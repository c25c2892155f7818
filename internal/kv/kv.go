// Package kv persists the peer's long-lived soft state — the waiting room
// and the seed-discovery map — across restarts, per spec.md §4.9. It wraps
// a single embedded bbolt database with two buckets, following the
// teacher's pattern of a thin, narrow store interface over a real engine
// rather than a relational mapping for what is simple key/value state.
package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inconshreveable/log15"
	bolt "go.etcd.io/bbolt"

	"github.com/sourcegraph/sourcegraph/lib/errors"
)

var (
	bucketWaitingRoom  = []byte("waiting_room")
	bucketProjectSeeds = []byte("projects_seeds")
)

const waitingRoomKey = "state"

// Store wraps a bbolt database with the two buckets coco persists.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures both
// buckets exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open kv store %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWaitingRoom); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketProjectSeeds)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize kv buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Close()
}

// SaveWaitingRoom persists an arbitrary JSON-serializable snapshot of the
// waiting room under a single fixed key, matching the teacher's pattern
// of persisting whole-state snapshots rather than per-entry rows for
// small, infrequently-written soft state.
func (s *Store) SaveWaitingRoom(ctx context.Context, snapshot interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal waiting room snapshot")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWaitingRoom).Put([]byte(waitingRoomKey), buf)
	})
	if err != nil {
		log15.Warn("failed to persist waiting room", "error", err)
		return errors.Wrap(err, "persist waiting room")
	}
	return nil
}

// LoadWaitingRoom reads back the last snapshot saved by SaveWaitingRoom into
// dst. It returns ok=false if nothing has been saved yet.
func (s *Store) LoadWaitingRoom(ctx context.Context, dst interface{}) (ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketWaitingRoom).Get([]byte(waitingRoomKey))
		if buf == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(buf, dst)
	})
	if err != nil {
		log15.Warn("failed to load waiting room", "error", err)
		return false, errors.Wrap(err, "load waiting room")
	}
	return ok, nil
}

// Seed is a single known fetch endpoint for an identity, as recorded by
// SeedFetcher each time a fetch from that seed succeeds.
type Seed struct {
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
}

// SaveSeeds replaces the seed list recorded for urn.
func (s *Store) SaveSeeds(ctx context.Context, urn string, seeds []Seed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := json.Marshal(seeds)
	if err != nil {
		return errors.Wrap(err, "marshal seeds")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjectSeeds).Put([]byte(urn), buf)
	})
	if err != nil {
		return errors.Wrapf(err, "persist seeds for %q", urn)
	}
	return nil
}

// LoadSeeds returns the seed list recorded for urn, or nil if none.
func (s *Store) LoadSeeds(ctx context.Context, urn string) ([]Seed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Seed
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketProjectSeeds).Get([]byte(urn))
		if buf == nil {
			return nil
		}
		return json.Unmarshal(buf, &out)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load seeds for %q", urn)
	}
	return out, nil
}
