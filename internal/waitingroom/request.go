package waitingroom

import (
	"time"

	"github.com/radicle-dev/coco/internal/identity"
)

// Status discriminates the Request tagged variant from spec.md §3.
type Status int

const (
	StatusCreated Status = iota
	StatusRequested
	StatusFound
	StatusCloning
	StatusCloned
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusRequested:
		return "Requested"
	case StatusFound:
		return "Found"
	case StatusCloning:
		return "Cloning"
	case StatusCloned:
		return "Cloned"
	case StatusCancelled:
		return "Cancelled"
	case StatusTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// TimedOutKind distinguishes a query timeout from a clone timeout.
type TimedOutKind int

const (
	TimedOutQuery TimedOutKind = iota
	TimedOutClone
)

// PeerStatusKind is the tag of PeerStatus.
type PeerStatusKind int

const (
	PeerAvailable PeerStatusKind = iota
	PeerInProgress
	PeerFailed
)

// PeerStatus is a peer's standing within a Found/Cloning request, per
// spec.md §3.
type PeerStatus struct {
	Kind   PeerStatusKind
	Reason string // set when Kind == PeerFailed
}

func Available() PeerStatus            { return PeerStatus{Kind: PeerAvailable} }
func InProgress() PeerStatus           { return PeerStatus{Kind: PeerInProgress} }
func Failed(reason string) PeerStatus  { return PeerStatus{Kind: PeerFailed, Reason: reason} }

// Request is the waiting room entry for a single URN. Only the fields
// relevant to Status are meaningful; this mirrors the tagged union from
// spec.md §3 as a flat struct for straightforward JSON snapshotting (see
// SPEC_FULL.md §4.1).
type Request struct {
	Status    Status
	Timestamp time.Time

	// Requested, Found
	Queries Counter

	// Found, Cloning: peer id (base58) -> status
	Peers map[string]PeerStatus

	// Cloning
	InFlight string
	Clones   Counter

	// Cloned
	From string

	// TimedOut
	TimedOutKind TimedOutKind
	Attempts     Counter
}

func created(t time.Time) Request {
	return Request{Status: StatusCreated, Timestamp: t}
}

// clonePeers returns a shallow copy of m suitable for attaching to a new
// Request value without aliasing the caller's map.
func clonePeers(m map[string]PeerStatus) map[string]PeerStatus {
	out := make(map[string]PeerStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func peerKey(p identity.PeerId) string { return p.String() }
