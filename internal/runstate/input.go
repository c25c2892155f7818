package runstate

import (
	"time"

	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

// Input is the tagged-union type RunState.Transition consumes, per
// spec.md §4.5. Concrete Input values are plain structs; the unexported
// marker keeps the set closed to this package.
type Input interface {
	isInput()
}

type inputBase struct{}

func (inputBase) isInput() {}

// AnnounceTick requests an announcement attempt if membership allows it.
type AnnounceTick struct{ inputBase }

// ListenAddrs reports the addresses the local peer is listening on.
type ListenAddrs struct {
	inputBase
	Addrs []string
}

// Protocol wraps a gossip transport event.
type Protocol struct {
	inputBase
	Event gossip.ProtocolEvent
}

// RequestTick drives the waiting room's scan for eligible Query/Clone work.
type RequestTick struct{ inputBase }

// RequestQueried reports that a Query command for urn was issued.
type RequestQueried struct {
	inputBase
	URN identity.URN
}

// RequestCloning reports that a Clone command for (urn, peer) started.
type RequestCloning struct {
	inputBase
	URN  identity.URN
	Peer identity.PeerId
}

// RequestCloned reports that cloning urn from peer succeeded.
type RequestCloned struct {
	inputBase
	URN  identity.URN
	Peer identity.PeerId
}

// RequestFailed reports that cloning urn from peer failed with reason.
type RequestFailed struct {
	inputBase
	URN    identity.URN
	Peer   identity.PeerId
	Reason string
}

// StatsTick requests a fresh Stats() read from the transport.
type StatsTick struct{ inputBase }

// StatsValues reports a fresh Stats() read.
type StatsValues struct {
	inputBase
	Stats gossip.Stats
}

// ControlCreateRequest asks the waiting room to create (or reuse) a request
// for urn, replying with the Either result.
type ControlCreateRequest struct {
	inputBase
	URN   identity.URN
	At    time.Time
	Reply chan<- waitingroom.Either
}

// ControlCancelRequest asks the waiting room to cancel the request for urn.
type ControlCancelRequest struct {
	inputBase
	URN   identity.URN
	At    time.Time
	Reply chan<- error
}

// RequestSnapshot pairs a waiting-room entry with the URN it is keyed by,
// since waitingroom.Request itself carries no identity.
type RequestSnapshot struct {
	URN     identity.URN
	Request waitingroom.Request
}

// ControlListRequests asks for a snapshot of every current request.
type ControlListRequests struct {
	inputBase
	Reply chan<- []RequestSnapshot
}

// ControlListenAddrs asks for the peer's current listen addresses.
type ControlListenAddrs struct {
	inputBase
	Reply chan<- []string
}

// ControlStatus asks for the peer's current Status.
type ControlStatus struct {
	inputBase
	Reply chan<- Status
}
