package runstate

import (
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

// Command is the tagged-union type Transition emits, per spec.md §4.5.
// Subroutines spawns one task per Command; the marker keeps the set
// closed to this package.
type Command interface {
	isCommand()
}

type commandBase struct{}

func (commandBase) isCommand() {}

// CommandAnnounce requests an announcement pass.
type CommandAnnounce struct{ commandBase }

// CommandInclude requests the include file for urn be rewritten.
type CommandInclude struct {
	commandBase
	URN identity.URN
}

// CommandQuery requests the peer issue a gossip Query for urn.
type CommandQuery struct {
	commandBase
	URN identity.URN
}

// CommandClone requests the peer clone urn from peer.
type CommandClone struct {
	commandBase
	URN  identity.URN
	Peer identity.PeerId
}

// CommandTimedOut reports a request that reached its attempt bound, for
// re-surfacing to external subscribers.
type CommandTimedOut struct {
	commandBase
	URN  identity.URN
	Kind waitingroom.TimedOutKind
}

// CommandStats requests a fresh Stats() read from the transport.
type CommandStats struct{ commandBase }

// CommandReplyCreateRequest delivers a waiting-room request/create result
// to a Control caller.
type CommandReplyCreateRequest struct {
	commandBase
	Reply  chan<- waitingroom.Either
	Result waitingroom.Either
}

// CommandReplyCancelRequest delivers a cancel result to a Control caller.
type CommandReplyCancelRequest struct {
	commandBase
	Reply chan<- error
	Err   error
}

// CommandReplyListRequests delivers a request-list snapshot to a Control
// caller.
type CommandReplyListRequests struct {
	commandBase
	Reply chan<- []RequestSnapshot
	Value []RequestSnapshot
}

// CommandReplyListenAddrs delivers the current listen addresses to a
// Control caller.
type CommandReplyListenAddrs struct {
	commandBase
	Reply chan<- []string
	Value []string
}

// CommandReplyStatus delivers the current Status to a Control caller.
type CommandReplyStatus struct {
	commandBase
	Reply chan<- Status
	Value Status
}
