// Package runstate implements the central reducer described in spec.md
// §4.5: transition(Input) -> []Command is a pure method given the
// current state, with no channel or goroutine involved.
package runstate

import (
	"time"

	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

// Event is mirrored onto a broadcast channel for external subscribers,
// per spec.md §4.5: "every input that has an observable counterpart is
// mirrored". Lost slots are the broadcaster's concern, not RunState's.
type Event interface {
	isEvent()
}

type eventBase struct{}

func (eventBase) isEvent() {}

type EventAnnounced struct{ eventBase }

type EventGossipFetched struct {
	eventBase
	Provider identity.PeerId
	URN      identity.URN
	Result   gossip.PutResultKind
}

type EventProtocol struct {
	eventBase
	Event gossip.ProtocolEvent
}

type EventRequestCloned struct {
	eventBase
	URN  identity.URN
	Peer identity.PeerId
}

type EventRequestCloning struct {
	eventBase
	URN  identity.URN
	Peer identity.PeerId
}

type EventRequestQueried struct {
	eventBase
	URN identity.URN
}

type EventRequestTick struct{ eventBase }

type EventRequestTimedOut struct {
	eventBase
	URN identity.URN
}

type EventStatusChanged struct {
	eventBase
	Old, New Status
}

// mirror returns the Event counterpart of input, or nil when input has
// none, per spec.md §4.5.
func mirror(input Input) Event {
	switch in := input.(type) {
	case RequestQueried:
		return EventRequestQueried{URN: in.URN}
	case RequestCloning:
		return EventRequestCloning{URN: in.URN, Peer: in.Peer}
	case RequestCloned:
		return EventRequestCloned{URN: in.URN, Peer: in.Peer}
	case RequestTick:
		return EventRequestTick{}
	case Protocol:
		if in.Event.Kind == gossip.ProtocolGossip {
			return EventGossipFetched{Provider: in.Event.Provider, URN: in.Event.URN, Result: in.Event.Result}
		}
		return EventProtocol{Event: in.Event}
	default:
		return nil
	}
}

// RunState holds the peer's current Status, its view of gossip Stats, its
// listen addresses, and the waiting room it drives. All mutation happens
// inside Transition; there is no concurrent access to a single RunState.
type RunState struct {
	listenAddrs []string
	status      Status
	stats       gossip.Stats
	room        waitingroom.WaitingRoom

	// Events collects every input's mirrored Event from the most recent
	// Transition call, for callers that want to rebroadcast them. It is
	// reset at the start of each Transition.
	Events []Event
}

// New creates a RunState seeded with room, starting Stopped.
func New(room waitingroom.WaitingRoom) *RunState {
	return &RunState{status: Status{Kind: StatusStopped}, room: room}
}

// Status returns the current Status.
func (r *RunState) Status() Status { return r.status }

// WaitingRoom returns the current waiting room, for read-only inspection.
func (r *RunState) WaitingRoom() waitingroom.WaitingRoom { return r.room }

// Transition applies input, updating internal state, and returns the
// commands the caller's executor (Subroutines) should run.
func (r *RunState) Transition(input Input) []Command {
	r.Events = nil
	if e := mirror(input); e != nil {
		r.Events = append(r.Events, e)
	}

	switch in := input.(type) {
	case AnnounceTick:
		return r.handleAnnounce(in)
	case ListenAddrs:
		return r.handleListenAddrs(in)
	case Protocol:
		return r.handleProtocol(in)
	case RequestTick, RequestQueried, RequestCloning, RequestCloned, RequestFailed:
		return r.handleRequest(input)
	case StatsTick:
		return []Command{CommandStats{}}
	case StatsValues:
		return r.handleStats(in)
	case ControlCreateRequest:
		return r.handleCreateRequest(in)
	case ControlCancelRequest:
		return r.handleCancelRequest(in)
	case ControlListRequests:
		return r.handleListRequests(in)
	case ControlListenAddrs:
		return []Command{CommandReplyListenAddrs{Reply: in.Reply, Value: append([]string(nil), r.listenAddrs...)}}
	case ControlStatus:
		return []Command{CommandReplyStatus{Reply: in.Reply, Value: r.status}}
	default:
		return nil
	}
}

func (r *RunState) handleAnnounce(_ AnnounceTick) []Command {
	online := r.status.Kind == StatusOnline || r.status.Kind == StatusStarted
	if online && len(r.stats.ConnectedPeers) > 0 && r.stats.MembershipActive > 0 {
		return []Command{CommandAnnounce{}}
	}
	return nil
}

func (r *RunState) handleListenAddrs(in ListenAddrs) []Command {
	r.listenAddrs = in.Addrs
	return nil
}

func (r *RunState) handleProtocol(in Protocol) []Command {
	event := in.Event
	switch event.Kind {
	case gossip.ProtocolEndpoint:
		old := r.status
		changed := false
		switch event.Endpoint {
		case gossip.EndpointUp:
			if r.status.Kind == StatusStopped {
				r.status = Status{Kind: StatusStarted}
				changed = true
			}
		case gossip.EndpointDown:
			if r.status.Kind != StatusStopped {
				r.status = Status{Kind: StatusStopped}
				changed = true
			}
		}
		if changed {
			r.Events = append(r.Events, EventStatusChanged{Old: old, New: r.status})
		}
		return nil
	case gossip.ProtocolGossip:
		var cmds []Command
		if _, ok := r.room.Get(event.URN); ok {
			room, err := r.room.Found(event.URN, event.Provider, time.Now())
			cmds = append(cmds, r.drainWaitingRoomErr(event.URN, err)...)
			r.room = room
		}
		if event.Result == gossip.PutApplied {
			cmds = append(cmds, CommandInclude{URN: event.URN})
		}
		return cmds
	default:
		return nil
	}
}

func (r *RunState) handleRequest(input Input) []Command {
	now := time.Now()
	switch in := input.(type) {
	case RequestTick:
		if r.status.Kind != StatusOnline {
			return nil
		}
		var cmds []Command
		for _, c := range r.room.Tick(now) {
			switch c.Kind {
			case waitingroom.CommandQuery:
				cmds = append(cmds, CommandQuery{URN: c.URN})
			case waitingroom.CommandClone:
				peer, err := identity.ParsePeerId(c.Peer)
				if err == nil {
					cmds = append(cmds, CommandClone{URN: c.URN, Peer: peer})
				}
			}
		}
		return cmds
	case RequestCloning:
		room, err := r.room.Cloning(in.URN, in.Peer, now)
		r.room = room
		return r.drainWaitingRoomErr(in.URN, err)
	case RequestCloned:
		room, err := r.room.Cloned(in.URN, in.Peer, now)
		r.room = room
		return r.drainWaitingRoomErr(in.URN, err)
	case RequestQueried:
		room, err := r.room.Queried(in.URN, now)
		r.room = room
		return r.drainWaitingRoomErr(in.URN, err)
	case RequestFailed:
		room, err := r.room.CloningFailed(in.URN, in.Peer, now, in.Reason)
		r.room = room
		return r.drainWaitingRoomErr(in.URN, err)
	default:
		return nil
	}
}

// drainWaitingRoomErr converts the error of a waitingroom transition on urn
// into the TimedOut re-surfacing command spec.md §4.5 describes; nil on success.
func (r *RunState) drainWaitingRoomErr(urn identity.URN, err error) []Command {
	if err == nil {
		return nil
	}
	var timedOut waitingroom.TimedOutError
	if ok := asTimedOut(err, &timedOut); ok {
		r.Events = append(r.Events, EventRequestTimedOut{URN: urn})
		return []Command{CommandTimedOut{URN: urn, Kind: timedOut.Kind}}
	}
	return nil
}

func (r *RunState) handleStats(in StatsValues) []Command {
	switch r.status.Kind {
	case StatusOnline:
		if len(in.Stats.ConnectedPeers) == 0 {
			old := r.status
			r.status = Status{Kind: StatusOffline}
			r.Events = append(r.Events, EventStatusChanged{Old: old, New: r.status})
		}
	case StatusOffline, StatusStarted:
		if len(in.Stats.ConnectedPeers) > 0 {
			old := r.status
			r.status = Status{Kind: StatusOnline, ConnectedPeers: connectedPeerIds(in.Stats)}
			r.Events = append(r.Events, EventStatusChanged{Old: old, New: r.status})
		}
	}
	r.stats = in.Stats
	return nil
}

func connectedPeerIds(stats gossip.Stats) []identity.PeerId {
	var peers []identity.PeerId
	for k := range stats.ConnectedPeers {
		peer, err := identity.ParsePeerId(k)
		if err == nil {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (r *RunState) handleCreateRequest(in ControlCreateRequest) []Command {
	room, either := r.room.Request(in.URN, in.At)
	r.room = room
	return []Command{CommandReplyCreateRequest{Reply: in.Reply, Result: either}}
}

func (r *RunState) handleCancelRequest(in ControlCancelRequest) []Command {
	room, err := r.room.Cancel(in.URN, in.At)
	r.room = room
	return []Command{CommandReplyCancelRequest{Reply: in.Reply, Err: err}}
}

func (r *RunState) handleListRequests(in ControlListRequests) []Command {
	all := r.room.All()
	out := make([]RequestSnapshot, 0, len(all))
	for rev, req := range all {
		out = append(out, RequestSnapshot{URN: identity.URN{Revision: rev}, Request: req})
	}
	return []Command{CommandReplyListRequests{Reply: in.Reply, Value: out}}
}

// asTimedOut adapts errors.As without importing the errors package twice;
// kept local since it is only ever used against waitingroom.TimedOutError.
func asTimedOut(err error, target *waitingroom.TimedOutError) bool {
	for err != nil {
		if t, ok := err.(waitingroom.TimedOutError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
