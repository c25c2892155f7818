// Package subroutines implements the executor described in spec.md §5: it
// feeds RunState's pure reducer with a stream of Inputs, spawns one task per
// Command the reducer returns, and rebroadcasts the Events each Transition
// collects to external subscribers. It is the only place in this module
// that performs I/O on the state machine's behalf — RunState itself stays
// pure.
//
// Unlike the daemon this is grounded on, which drives its periodic ticks
// and its bounded task pool off a dedicated async runtime's combinators
// (FuturesUnordered, SelectAll, tokio::time::interval), this executor uses
// plain stdlib primitives: time.Ticker for periodic Inputs, and a
// semaphore-guarded goroutine launcher for Command tasks, matching
// SPEC_FULL.md §5's call for a tiny bounded pool rather than a generic
// worker-pool dependency.
package subroutines

import (
	"context"
	"time"

	"github.com/sourcegraph/log"

	"github.com/radicle-dev/coco/internal/announcer"
	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/kv"
	"github.com/radicle-dev/coco/internal/monorepo"
	"github.com/radicle-dev/coco/internal/replicator"
	"github.com/radicle-dev/coco/internal/runstate"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

// Projects enumerates the identities this peer tracks, for CommandAnnounce
// to sweep over.
type Projects interface {
	ListURNs() ([]identity.URN, error)
}

// Deps are the concrete collaborators Command dispatch drives. Transport,
// Announcer, and Replicator are required; Bridge, Store, Projects, and
// ListenAddrs are optional — a nil Store simply skips persistence, a nil
// Bridge/Projects skips include-file maintenance/announce sweeps, and a
// nil ListenAddrs channel means ListenAddrs Inputs never fire.
type Deps struct {
	Transport  gossip.Transport
	Announcer  *announcer.Sync
	Replicator *replicator.Replicator
	Bridge     *monorepo.Bridge
	Store      *kv.Store
	Projects   Projects

	// ListenAddrs, if set, is bridged into runstate.ListenAddrs Inputs
	// whenever the local peer's listen set changes.
	ListenAddrs <-chan []string
}

// Config controls the periodic ticks Run drives the reducer with, the
// waiting room's retry bounds, and the task pool's width.
type Config struct {
	AnnounceInterval    time.Duration // 0 disables periodic announcing
	WaitingRoomInterval time.Duration
	StatsInterval       time.Duration
	MaxConcurrentTasks  int
	WaitingRoom         waitingroom.Config
}

func (c Config) withDefaults() Config {
	if c.WaitingRoomInterval <= 0 {
		c.WaitingRoomInterval = 5 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 16
	}
	return c
}

// Executor is the Subroutines task manager: it owns the RunState, the input
// channels feeding it, and the broadcast channel its Events are rebroadcast
// on.
type Executor struct {
	config Config
	deps   Deps
	logger log.Logger

	state *runstate.RunState

	external chan runstate.Input
	feedback chan runstate.Input
	events   chan runstate.Event

	sem chan struct{}
}

// New builds an Executor. If deps.Store holds a previously persisted
// waiting-room snapshot, it is restored; otherwise the waiting room starts
// empty.
func New(ctx context.Context, deps Deps, cfg Config) *Executor {
	cfg = cfg.withDefaults()

	room := waitingroom.New(cfg.WaitingRoom)
	if deps.Store != nil {
		var snapshot map[identity.Revision]waitingroom.Request
		if ok, err := deps.Store.LoadWaitingRoom(ctx, &snapshot); err == nil && ok {
			room = waitingroom.Restore(cfg.WaitingRoom, snapshot)
		}
	}

	return &Executor{
		config:   cfg,
		deps:     deps,
		logger:   log.Scoped("subroutines"),
		state:    runstate.New(room),
		external: make(chan runstate.Input, 16),
		feedback: make(chan runstate.Input, 64),
		events:   make(chan runstate.Event, 64),
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

// Inputs returns the channel external callers (Control clients, CLI
// commands) push Inputs into.
func (e *Executor) Inputs() chan<- runstate.Input { return e.external }

// Events returns the channel every Transition's mirrored Events are
// published on. Subscribers must keep up; a full channel drops events with
// a logged warning rather than blocking the reducer loop.
func (e *Executor) Events() <-chan runstate.Event { return e.events }

// Run drives the reducer until ctx is cancelled. In-flight Command tasks
// are not waited on: they are spawned with the same ctx, so each one
// notices the cancellation on its own and unwinds; Run itself returns
// immediately rather than joining them, so a stuck clone or query never
// holds up shutdown.
func (e *Executor) Run(ctx context.Context) error {
	var announceTicker *time.Ticker
	var announceC <-chan time.Time
	if e.config.AnnounceInterval > 0 {
		announceTicker = time.NewTicker(e.config.AnnounceInterval)
		announceC = announceTicker.C
		defer announceTicker.Stop()
	}

	waitingRoomTicker := time.NewTicker(e.config.WaitingRoomInterval)
	defer waitingRoomTicker.Stop()
	statsTicker := time.NewTicker(e.config.StatsInterval)
	defer statsTicker.Stop()

	protocolEvents := e.deps.Transport.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-protocolEvents:
			if !ok {
				protocolEvents = nil
				continue
			}
			e.handle(ctx, runstate.Protocol{Event: ev})

		case addrs, ok := <-e.deps.ListenAddrs:
			if !ok {
				continue
			}
			e.handle(ctx, runstate.ListenAddrs{Addrs: addrs})

		case in := <-e.external:
			e.handle(ctx, in)

		case in := <-e.feedback:
			e.handle(ctx, in)

		case <-announceC:
			e.handle(ctx, runstate.AnnounceTick{})

		case <-waitingRoomTicker.C:
			e.handle(ctx, runstate.RequestTick{})

		case <-statsTicker.C:
			e.handle(ctx, runstate.StatsTick{})
		}
	}
}

func (e *Executor) handle(ctx context.Context, input runstate.Input) {
	cmds := e.state.Transition(input)

	for _, ev := range e.state.Events {
		select {
		case e.events <- ev:
		default:
			eventsDropped.Inc()
			e.logger.Warn("dropping event, subscriber channel full", log.String("kind", eventKind(ev)))
		}
	}

	if e.deps.Store != nil {
		if err := e.deps.Store.SaveWaitingRoom(ctx, e.state.WaitingRoom().All()); err != nil {
			e.logger.Warn("persist waiting room", log.Error(err))
		}
	}

	for _, cmd := range cmds {
		e.dispatch(ctx, cmd)
	}
}

func (e *Executor) dispatch(ctx context.Context, cmd runstate.Command) {
	commandsDispatched.WithLabelValues(commandKind(cmd)).Inc()

	switch c := cmd.(type) {
	case runstate.CommandAnnounce:
		e.spawn(ctx, func(ctx context.Context) { e.runAnnounce(ctx) })

	case runstate.CommandInclude:
		e.spawn(ctx, func(context.Context) { e.runInclude(c.URN) })

	case runstate.CommandQuery:
		e.spawn(ctx, func(ctx context.Context) { e.runQuery(ctx, c.URN) })

	case runstate.CommandClone:
		e.spawn(ctx, func(ctx context.Context) { e.runClone(ctx, c.URN, c.Peer) })

	case runstate.CommandTimedOut:
		e.logger.Warn("request timed out", log.String("urn", c.URN.String()))

	case runstate.CommandStats:
		e.spawn(ctx, func(ctx context.Context) { e.runStats(ctx) })

	// CommandReply* carry a reply channel already sized for one value, so
	// the send here never blocks; these are executed inline rather than
	// handed to the task pool.
	case runstate.CommandReplyStatus:
		c.Reply <- c.Value
	case runstate.CommandReplyListenAddrs:
		c.Reply <- c.Value
	case runstate.CommandReplyCreateRequest:
		c.Reply <- c.Result
	case runstate.CommandReplyCancelRequest:
		c.Reply <- c.Err
	case runstate.CommandReplyListRequests:
		c.Reply <- c.Value
	}
}

// spawn runs fn in its own goroutine, throttled to config.MaxConcurrentTasks
// concurrent runs via a semaphore acquired inside the goroutine so the
// dispatch loop above never blocks waiting for a free slot.
func (e *Executor) spawn(ctx context.Context, fn func(context.Context)) {
	go func() {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.sem }()
		tasksInFlight.Inc()
		defer tasksInFlight.Dec()
		fn(ctx)
	}()
}

func (e *Executor) sendFeedback(ctx context.Context, input runstate.Input) {
	select {
	case e.feedback <- input:
	case <-ctx.Done():
	}
}

func (e *Executor) runAnnounce(ctx context.Context) {
	if e.deps.Announcer == nil || e.deps.Projects == nil {
		return
	}
	urns, err := e.deps.Projects.ListURNs()
	if err != nil {
		e.logger.Warn("list projects for announce", log.Error(err))
		return
	}
	for _, urn := range urns {
		if _, err := e.deps.Announcer.Announce(ctx, urn); err != nil {
			e.logger.Warn("announce failed", log.String("urn", urn.String()), log.Error(err))
		}
	}
}

func (e *Executor) runInclude(urn identity.URN) {
	if e.deps.Bridge == nil {
		return
	}
	if _, err := e.deps.Bridge.RewriteIncludeForProject(urn); err != nil {
		e.logger.Warn("rewrite include failed", log.String("urn", urn.String()), log.Error(err))
	}
}

func (e *Executor) runQuery(ctx context.Context, urn identity.URN) {
	if err := e.deps.Transport.Query(ctx, urn); err != nil {
		e.logger.Warn("query failed", log.String("urn", urn.String()), log.Error(err))
	}
	e.sendFeedback(ctx, runstate.RequestQueried{URN: urn})
}

func (e *Executor) runClone(ctx context.Context, urn identity.URN, peer identity.PeerId) {
	e.sendFeedback(ctx, runstate.RequestCloning{URN: urn, Peer: peer})

	if _, err := e.deps.Replicator.Clone(ctx, urn, peer, nil); err != nil {
		e.logger.Warn("clone failed",
			log.String("urn", urn.String()),
			log.String("peer", peer.String()),
			log.Error(err),
		)
		e.sendFeedback(ctx, runstate.RequestFailed{URN: urn, Peer: peer, Reason: err.Error()})
		return
	}
	e.sendFeedback(ctx, runstate.RequestCloned{URN: urn, Peer: peer})
}

func (e *Executor) runStats(ctx context.Context) {
	stats := e.deps.Transport.Stats()
	e.sendFeedback(ctx, runstate.StatsValues{Stats: stats})
}

func eventKind(ev runstate.Event) string {
	switch ev.(type) {
	case runstate.EventAnnounced:
		return "Announced"
	case runstate.EventGossipFetched:
		return "GossipFetched"
	case runstate.EventProtocol:
		return "Protocol"
	case runstate.EventRequestCloned:
		return "RequestCloned"
	case runstate.EventRequestCloning:
		return "RequestCloning"
	case runstate.EventRequestQueried:
		return "RequestQueried"
	case runstate.EventRequestTick:
		return "RequestTick"
	case runstate.EventRequestTimedOut:
		return "RequestTimedOut"
	case runstate.EventStatusChanged:
		return "StatusChanged"
	default:
		return "Unknown"
	}
}
