package subroutines

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/radicle-dev/coco/internal/runstate"
)

var (
	commandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coco",
		Subsystem: "subroutines",
		Name:      "commands_dispatched_total",
		Help:      "Number of Commands dispatched by the Subroutines executor, by kind.",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coco",
		Subsystem: "subroutines",
		Name:      "events_dropped_total",
		Help:      "Number of RunState Events dropped because a subscriber's channel was full.",
	})

	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coco",
		Subsystem: "subroutines",
		Name:      "tasks_in_flight",
		Help:      "Number of Command tasks currently spawned and running.",
	})
)

func commandKind(cmd runstate.Command) string {
	switch cmd.(type) {
	case runstate.CommandAnnounce:
		return "Announce"
	case runstate.CommandInclude:
		return "Include"
	case runstate.CommandQuery:
		return "Query"
	case runstate.CommandClone:
		return "Clone"
	case runstate.CommandTimedOut:
		return "TimedOut"
	case runstate.CommandStats:
		return "Stats"
	case runstate.CommandReplyStatus:
		return "ReplyStatus"
	case runstate.CommandReplyListenAddrs:
		return "ReplyListenAddrs"
	case runstate.CommandReplyCreateRequest:
		return "ReplyCreateRequest"
	case runstate.CommandReplyCancelRequest:
		return "ReplyCancelRequest"
	case runstate.CommandReplyListRequests:
		return "ReplyListRequests"
	default:
		return "Unknown"
	}
}
