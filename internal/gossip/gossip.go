// Package gossip defines the black-box protocol surface RunState,
// Replicator, and AnnouncerSync consume, per spec.md §6. It intentionally
// carries no transport implementation: coco treats the gossip overlay as
// an external dependency behind a narrow interface, the same way the
// teacher hides Git hosts behind `gitserver.Client`.
package gossip

import (
	"context"
	"net"

	"github.com/radicle-dev/coco/internal/identity"
)

// EndpointEventKind discriminates a ProtocolEvent carrying endpoint
// up/down transitions.
type EndpointEventKind int

const (
	EndpointUp EndpointEventKind = iota
	EndpointDown
)

// PutResultKind mirrors the gossip broadcast's put-result tag: whether a
// provider's announcement was applied, ignored as stale, or rejected.
type PutResultKind int

const (
	PutApplied PutResultKind = iota
	PutIgnored
	PutRejected
)

// ProtocolEventKind discriminates ProtocolEvent's payload.
type ProtocolEventKind int

const (
	ProtocolEndpoint ProtocolEventKind = iota
	ProtocolGossip
)

// ProtocolEvent is an event surfaced by the gossip transport: an endpoint
// lifecycle change, or a Put gossip message about a project/peer pairing.
type ProtocolEvent struct {
	Kind     ProtocolEventKind
	Endpoint EndpointEventKind // set when Kind == ProtocolEndpoint

	// set when Kind == ProtocolGossip
	URN      identity.URN
	Provider identity.PeerId
	Result   PutResultKind
}

// Stats is the gossip transport's periodic self-report, consumed by
// RunState's Online/Offline transition.
type Stats struct {
	ConnectedPeers  map[string][]net.Addr
	MembershipActive int
}

// Report is Replicator's result for a single clone/fetch attempt.
type Report struct {
	Identity    identity.URN
	Peer        identity.PeerId
	UpdatedRefs []string
}

// Transport is the narrow surface Replicator and AnnouncerSync need from
// the gossip overlay: replicate an identity from a known peer, and
// broadcast a signed-refs update. A deterministic in-memory fake
// (internal/gossip/fake) backs tests without a live network.
type Transport interface {
	Replicate(ctx context.Context, urn identity.URN, peer identity.PeerId, addrs []net.Addr) (Report, error)
	Announce(ctx context.Context, urn identity.URN, heads map[string]string) error
	// Query broadcasts a one-off "who has this" lookup for urn; matching
	// peers answer out of band, surfaced later as a ProtocolGossip event
	// on Events().
	Query(ctx context.Context, urn identity.URN) error
	Events() <-chan ProtocolEvent
	Stats() Stats
}
