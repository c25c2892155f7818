package waitingroom

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/identity"
)

func timeFromMs(ms int64) time.Time     { return time.UnixMilli(ms).UTC() }
func durationFromMs(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// counterJSON is the wire shape for Counter: {"infinite": bool, "n": int}.
type counterJSON struct {
	Infinite bool `json:"infinite,omitempty"`
	N        int  `json:"n,omitempty"`
}

func (c Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(counterJSON{Infinite: c.infinite, N: c.n})
}

func (c *Counter) UnmarshalJSON(data []byte) error {
	var v counterJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = Counter{n: v.N, infinite: v.Infinite}
	return nil
}

// requestJSON mirrors Request with millisecond-precision timestamps, per
// SPEC_FULL.md §4.1's persistence note.
type requestJSON struct {
	Status       Status                `json:"status"`
	TimestampMs  int64                 `json:"timestampMs"`
	Queries      Counter               `json:"queries,omitempty"`
	Peers        map[string]peerStatusJSON `json:"peers,omitempty"`
	InFlight     string                `json:"inFlight,omitempty"`
	Clones       Counter               `json:"clones,omitempty"`
	From         string                `json:"from,omitempty"`
	TimedOutKind TimedOutKind          `json:"timedOutKind,omitempty"`
	Attempts     Counter               `json:"attempts,omitempty"`
}

type peerStatusJSON struct {
	Kind   PeerStatusKind `json:"kind"`
	Reason string         `json:"reason,omitempty"`
}

// Snapshot is the serialized wire form of a WaitingRoom that Marshal and
// Unmarshal use: the config plus every request, timestamps in Unix
// milliseconds.
type Snapshot struct {
	MaxQueries Counter          `json:"maxQueries"`
	MaxClones  Counter          `json:"maxClones"`
	DeltaMs    int64            `json:"deltaMs"`
	Requests   map[string]requestJSON `json:"requests"`
}

// Marshal serializes w into its persisted form.
func (w WaitingRoom) Marshal() ([]byte, error) {
	snap := Snapshot{
		MaxQueries: w.config.MaxQueries,
		MaxClones:  w.config.MaxClones,
		DeltaMs:    int64(w.config.Delta / 1e6),
		Requests:   make(map[string]requestJSON, len(w.requests)),
	}
	for rev, r := range w.requests {
		rj := requestJSON{
			Status:       r.Status,
			TimestampMs:  r.Timestamp.UnixMilli(),
			Queries:      r.Queries,
			InFlight:     r.InFlight,
			Clones:       r.Clones,
			From:         r.From,
			TimedOutKind: r.TimedOutKind,
			Attempts:     r.Attempts,
		}
		if r.Peers != nil {
			rj.Peers = make(map[string]peerStatusJSON, len(r.Peers))
			for k, v := range r.Peers {
				rj.Peers[k] = peerStatusJSON{Kind: v.Kind, Reason: v.Reason}
			}
		}
		snap.Requests[hex.EncodeToString(rev[:])] = rj
	}
	return json.Marshal(snap)
}

// Unmarshal reconstructs a WaitingRoom from a persisted snapshot. A
// malformed blob is reported as an error; per spec.md §4.1 callers should
// fall back to a fresh WaitingRoom under the same Config on error.
func Unmarshal(data []byte) (WaitingRoom, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return WaitingRoom{}, errors.Wrap(err, "unmarshal waiting room snapshot")
	}
	w := New(Config{
		MaxQueries: snap.MaxQueries,
		MaxClones:  snap.MaxClones,
		Delta:      durationFromMs(snap.DeltaMs),
	})
	for hexRev, rj := range snap.Requests {
		raw, err := hex.DecodeString(hexRev)
		if err != nil || len(raw) != identity.RevisionLen {
			return WaitingRoom{}, errors.Newf("unmarshal waiting room snapshot: bad revision key %q", hexRev)
		}
		var rev identity.Revision
		copy(rev[:], raw)

		r := Request{
			Status:       rj.Status,
			Timestamp:    timeFromMs(rj.TimestampMs),
			Queries:      rj.Queries,
			InFlight:     rj.InFlight,
			Clones:       rj.Clones,
			From:         rj.From,
			TimedOutKind: rj.TimedOutKind,
			Attempts:     rj.Attempts,
		}
		if rj.Peers != nil {
			r.Peers = make(map[string]PeerStatus, len(rj.Peers))
			for k, v := range rj.Peers {
				r.Peers[k] = PeerStatus{Kind: v.Kind, Reason: v.Reason}
			}
		}
		w.requests[rev] = r
	}
	return w, nil
}
