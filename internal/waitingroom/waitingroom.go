// Package waitingroom implements the per-identity request state machine
// described in spec.md §4.1: a pure map from URN to Request, with
// idempotent transitions, bounded attempt counters, and backoff-driven
// scheduling via Tick.
package waitingroom

import (
	"sort"
	"time"

	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/identity"
)

// Config bounds the waiting room's retry behavior, per spec.md §4.1.
type Config struct {
	MaxQueries Counter
	MaxClones  Counter
	Delta      time.Duration
}

// Either is the Left/Right result of Request, matching spec.md's
// `Either<SomeRequest>` return value.
type Either struct {
	Created  bool // true: Left (newly created); false: Right (already existed)
	Request  Request
}

// WaitingRoom is a pure container over urn -> Request. All operations
// return a new WaitingRoom value; none mutate the receiver.
type WaitingRoom struct {
	config   Config
	requests map[identity.Revision]Request
}

// New creates an empty WaitingRoom under the given Config.
func New(config Config) WaitingRoom {
	return WaitingRoom{config: config, requests: map[identity.Revision]Request{}}
}

// Restore rebuilds a WaitingRoom from a previously persisted snapshot (the
// shape All returns), for Subroutines to reload after a restart per
// spec.md §6's "Persisted state" list.
func Restore(config Config, requests map[identity.Revision]Request) WaitingRoom {
	out := make(map[identity.Revision]Request, len(requests))
	for k, v := range requests {
		out[k] = v
	}
	return WaitingRoom{config: config, requests: out}
}

// Config returns the waiting room's configuration.
func (w WaitingRoom) Config() Config { return w.config }

// Get returns the Request for urn, if any.
func (w WaitingRoom) Get(urn identity.URN) (Request, bool) {
	r, ok := w.requests[urn.Id()]
	return r, ok
}

// All returns every (urn, Request) pair currently held, in unspecified
// order (per spec.md §9's note that tie-break/iteration order need not be
// deterministic across runs).
func (w WaitingRoom) All() map[identity.Revision]Request {
	out := make(map[identity.Revision]Request, len(w.requests))
	for k, v := range w.requests {
		out[k] = v
	}
	return out
}

// clone returns a shallow copy of w with its own top-level map, so that
// callers mutating the copy never alias the receiver's state.
func (w WaitingRoom) clone() WaitingRoom {
	out := WaitingRoom{config: w.config, requests: make(map[identity.Revision]Request, len(w.requests))}
	for k, v := range w.requests {
		out.requests[k] = v
	}
	return out
}

func (w WaitingRoom) with(urn identity.URN, r Request) WaitingRoom {
	n := w.clone()
	n.requests[urn.Id()] = r
	return n
}

// ErrMissingURN is returned when an operation targets a URN with no entry.
var ErrMissingURN = errors.New("missing urn in waiting room")

// StateMismatchError reports an operation attempted from an invalid source
// state, per spec.md §3's invariant that transitions are only valid from
// explicit source states.
type StateMismatchError struct {
	Current Status
}

func (e StateMismatchError) Error() string {
	return "state mismatch: unexpected state " + e.Current.String()
}

// TimedOutError is returned when a transition's attempt counter reaches its
// configured bound.
type TimedOutError struct {
	Kind     TimedOutKind
	Attempts Counter
}

func (e TimedOutError) Error() string {
	kind := "Query"
	if e.Kind == TimedOutClone {
		kind = "Clone"
	}
	return "timed out after " + e.Attempts.String() + " " + kind + " attempts"
}

// Request idempotently inserts a Created request for urn at time t. It
// returns Left(new) when a request did not already exist, Right(existing)
// otherwise — mirroring spec.md §4.1's `request`.
func (w WaitingRoom) Request(urn identity.URN, t time.Time) (WaitingRoom, Either) {
	if existing, ok := w.Get(urn); ok {
		return w, Either{Created: false, Request: existing}
	}
	r := created(t)
	return w.with(urn, r), Either{Created: true, Request: r}
}

// Queried transitions Created->Requested, or increments the queries counter
// on an existing Requested request. Fails TimedOut{Query} when the counter
// would reach MaxQueries.
func (w WaitingRoom) Queried(urn identity.URN, t time.Time) (WaitingRoom, error) {
	r, ok := w.Get(urn)
	if !ok {
		return w, ErrMissingURN
	}
	switch r.Status {
	case StatusCreated:
		next := Request{Status: StatusRequested, Timestamp: t, Queries: Finite(1)}
		if next.Queries.AtBound(w.config.MaxQueries) {
			to := Request{Status: StatusTimedOut, TimedOutKind: TimedOutQuery, Attempts: next.Queries}
			return w.with(urn, to), TimedOutError{Kind: TimedOutQuery, Attempts: next.Queries}
		}
		return w.with(urn, next), nil
	case StatusRequested:
		nq := r.Queries.Inc()
		if nq.AtBound(w.config.MaxQueries) {
			to := Request{Status: StatusTimedOut, TimedOutKind: TimedOutQuery, Attempts: nq}
			return w.with(urn, to), TimedOutError{Kind: TimedOutQuery, Attempts: nq}
		}
		next := r
		next.Queries = nq
		next.Timestamp = t
		return w.with(urn, next), nil
	default:
		return w, StateMismatchError{Current: r.Status}
	}
}

// Found transitions Requested->Found{peers:{peer:Available}}, or inserts
// peer->Available into an existing Found/Cloning. Idempotent on (urn, peer).
func (w WaitingRoom) Found(urn identity.URN, peer identity.PeerId, t time.Time) (WaitingRoom, error) {
	r, ok := w.Get(urn)
	if !ok {
		return w, ErrMissingURN
	}
	key := peerKey(peer)
	switch r.Status {
	case StatusRequested:
		next := Request{
			Status:    StatusFound,
			Timestamp: t,
			Queries:   r.Queries,
			Peers:     map[string]PeerStatus{key: Available()},
		}
		return w.with(urn, next), nil
	case StatusFound, StatusCloning:
		next := r
		next.Peers = clonePeers(r.Peers)
		if _, exists := next.Peers[key]; !exists {
			next.Peers[key] = Available()
		}
		return w.with(urn, next), nil
	default:
		return w, StateMismatchError{Current: r.Status}
	}
}

// Cloning transitions Found->Cloning with peer marked InProgress and the
// clones counter incremented. Fails TimedOut{Clone} at the bound.
func (w WaitingRoom) Cloning(urn identity.URN, peer identity.PeerId, t time.Time) (WaitingRoom, error) {
	r, ok := w.Get(urn)
	if !ok {
		return w, ErrMissingURN
	}
	if r.Status != StatusFound {
		return w, StateMismatchError{Current: r.Status}
	}
	key := peerKey(peer)
	nc := r.Clones.Inc()
	if nc.AtBound(w.config.MaxClones) {
		to := Request{Status: StatusTimedOut, TimedOutKind: TimedOutClone, Attempts: nc}
		return w.with(urn, to), TimedOutError{Kind: TimedOutClone, Attempts: nc}
	}
	peers := clonePeers(r.Peers)
	peers[key] = InProgress()
	next := Request{
		Status:    StatusCloning,
		Timestamp: t,
		Peers:     peers,
		InFlight:  key,
		Clones:    nc,
	}
	return w.with(urn, next), nil
}

// Cloned transitions Cloning->Cloned.
func (w WaitingRoom) Cloned(urn identity.URN, peer identity.PeerId, t time.Time) (WaitingRoom, error) {
	r, ok := w.Get(urn)
	if !ok {
		return w, ErrMissingURN
	}
	if r.Status != StatusCloning {
		return w, StateMismatchError{Current: r.Status}
	}
	next := Request{Status: StatusCloned, Timestamp: t, From: peerKey(peer)}
	return w.with(urn, next), nil
}

// CloningFailed transitions Cloning->Found with peer's status set to
// Failed(reason).
func (w WaitingRoom) CloningFailed(urn identity.URN, peer identity.PeerId, t time.Time, reason string) (WaitingRoom, error) {
	r, ok := w.Get(urn)
	if !ok {
		return w, ErrMissingURN
	}
	if r.Status != StatusCloning {
		return w, StateMismatchError{Current: r.Status}
	}
	peers := clonePeers(r.Peers)
	peers[peerKey(peer)] = Failed(reason)
	next := Request{
		Status:    StatusFound,
		Timestamp: t,
		Peers:     peers,
		Queries:   r.Queries,
		Clones:    r.Clones,
	}
	return w.with(urn, next), nil
}

// Cancel moves a request to Cancelled from any state, Cloned and TimedOut
// included; a request that is already Cancelled is left unchanged.
func (w WaitingRoom) Cancel(urn identity.URN, t time.Time) (WaitingRoom, error) {
	r, ok := w.Get(urn)
	if !ok {
		return w, ErrMissingURN
	}
	if r.Status == StatusCancelled {
		return w, nil
	}
	return w.with(urn, Request{Status: StatusCancelled, Timestamp: t}), nil
}

// CommandKind discriminates the command suggestions Tick emits.
type CommandKind int

const (
	CommandQuery CommandKind = iota
	CommandClone
)

// Command is a scheduling suggestion emitted by Tick: Query(urn) or
// Clone(urn, peer).
type Command struct {
	Kind CommandKind
	URN  identity.URN
	Peer string // set for CommandClone; base58 peer id
}

// Tick scans for the next eligible Query and the first eligible Clone,
// per spec.md §4.1. Eligible URNs are taken in ascending order of their
// revision bytes (and Clone peers in ascending peer id order), so ties
// resolve the same way on every run.
func (w WaitingRoom) Tick(now time.Time) []Command {
	var cmds []Command

	type candidate struct {
		urn identity.URN
		r   Request
	}
	var queryCandidates []candidate

	for rev, r := range w.requests {
		urn := identity.URN{Revision: rev}
		switch r.Status {
		case StatusCreated:
			queryCandidates = append(queryCandidates, candidate{urn, r})
		case StatusRequested:
			backoff := r.Queries.Backoff(w.config.Delta)
			if !now.Before(r.Timestamp.Add(backoff)) {
				queryCandidates = append(queryCandidates, candidate{urn, r})
			}
		}
	}
	// Stable order within a single scan (sort by revision bytes) so tests
	// are reproducible even though the spec does not require determinism
	// across runs.
	sort.Slice(queryCandidates, func(i, j int) bool {
		return string(queryCandidates[i].urn.Revision[:]) < string(queryCandidates[j].urn.Revision[:])
	})
	if len(queryCandidates) > 0 {
		cmds = append(cmds, Command{Kind: CommandQuery, URN: queryCandidates[0].urn})
	}

	type cloneCandidate struct {
		urn  identity.URN
		peer string
	}
	var cloneCandidates []cloneCandidate
	for rev, r := range w.requests {
		if r.Status != StatusFound {
			continue
		}
		for peer, status := range r.Peers {
			if status.Kind == PeerAvailable {
				cloneCandidates = append(cloneCandidates, cloneCandidate{identity.URN{Revision: rev}, peer})
			}
		}
	}
	sort.Slice(cloneCandidates, func(i, j int) bool {
		if cloneCandidates[i].urn != cloneCandidates[j].urn {
			return string(cloneCandidates[i].urn.Revision[:]) < string(cloneCandidates[j].urn.Revision[:])
		}
		return cloneCandidates[i].peer < cloneCandidates[j].peer
	})
	if len(cloneCandidates) > 0 {
		cmds = append(cmds, Command{Kind: CommandClone, URN: cloneCandidates[0].urn, Peer: cloneCandidates[0].peer})
	}

	return cmds
}
