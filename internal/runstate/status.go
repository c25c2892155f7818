package runstate

import "github.com/radicle-dev/coco/internal/identity"

// StatusKind discriminates Status, per spec.md §4.5.
type StatusKind int

const (
	StatusStopped StatusKind = iota
	StatusStarted
	StatusOffline
	StatusOnline
)

func (k StatusKind) String() string {
	switch k {
	case StatusStopped:
		return "Stopped"
	case StatusStarted:
		return "Started"
	case StatusOffline:
		return "Offline"
	case StatusOnline:
		return "Online"
	default:
		return "Unknown"
	}
}

// Status is the local peer's current relation to the network.
type Status struct {
	Kind           StatusKind
	ConnectedPeers []identity.PeerId // set when Kind == StatusOnline
}
