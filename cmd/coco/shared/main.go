// Package shared wires coco's components into a runnable peer, mirroring
// the teacher's convention of a thin cmd/<binary>/main.go delegating to a
// package-level Main that does the actual construction (cmd/repo-updater's
// shared.Main is the closest analogue).
package shared

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/log"
	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/announcer"
	"github.com/radicle-dev/coco/internal/control"
	"github.com/radicle-dev/coco/internal/eventlog"
	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/gossip"
	gossipfake "github.com/radicle-dev/coco/internal/gossip/fake"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/kv"
	"github.com/radicle-dev/coco/internal/monorepo"
	"github.com/radicle-dev/coco/internal/replicator"
	"github.com/radicle-dev/coco/internal/runstate"
	"github.com/radicle-dev/coco/internal/seedfetcher"
	"github.com/radicle-dev/coco/internal/subroutines"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

// Hooks lets an embedder supply the components this module deliberately
// has no opinion on: the gossip overlay (spec.md §6 treats it as external)
// and the project/person registry backing identity resolution. Every field
// is optional; Main substitutes a documented default when left nil, the
// same way cmd/repo-updater's EnterpriseInit hook defaults to no-ops in the
// non-enterprise build.
type Hooks struct {
	Transport gossip.Transport
	Projects  monorepo.ProjectStore
	Tracking  monorepo.TrackingStore
	Persons   identity.PersonResolver
	Handles   monorepo.HandleResolver
}

// Main opens the repository and local state, wires every component
// together, and runs the peer until ctx is cancelled or a SIGINT/SIGTERM
// is received.
func Main(ctx context.Context, cfg *Config, hooks Hooks) error {
	logger := log.Scoped("coco")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", log.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", log.String("addr", cfg.MetricsAddr))
	}

	repo, err := openOrInitRepo(cfg.RepoPath)
	if err != nil {
		return errors.Wrap(err, "open monorepo")
	}

	store, err := kv.Open(ctx, cfg.KVPath)
	if err != nil {
		return errors.Wrap(err, "open kv store")
	}
	defer store.Close(context.Background())

	signer, err := loadOrCreateSigner(cfg.KeyPath)
	if err != nil {
		return errors.Wrap(err, "load signing key")
	}
	logger.Info("loaded peer identity", log.String("peer", signer.PeerId().String()))

	transport := hooks.Transport
	if transport == nil {
		logger.Warn("no gossip transport configured, running with an in-memory stand-in")
		transport = gossipfake.New()
	}

	var registry noProjects
	projects := hooks.Projects
	tracking := hooks.Tracking
	persons := hooks.Persons
	handles := hooks.Handles
	if projects == nil {
		logger.Warn("no project registry configured, falling back to an empty one")
		projects = registry
	}
	if tracking == nil {
		tracking = registry
	}
	if persons == nil {
		persons = registry
	}
	if handles == nil {
		handles = registry
	}

	events := eventlog.New(repo, signer)
	repl := replicator.New(transport, events)
	announce := announcer.New(repo, transport, signer)

	// Project metadata is resolved repeatedly within a single include sweep
	// (default-branch lookup, then again per tracked peer); cache it.
	cachedProjects := monorepo.NewCachingProjectStore(projects, 256)

	bridge := monorepo.New(repo, cachedProjects, tracking, persons, signer.PeerId(), cfg.IncludeDir)
	bridge = bridge.WithHandleResolver(handles)

	fetcher := seedfetcher.New(repo, store, seedfetcher.Deps{
		Projects:  cachedProjects,
		Tracking:  trackingForSeedFetcher(tracking),
		Persons:   persons,
		Selves:    selfResolverFor(persons),
		LocalPeer: signer.PeerId(),
	}, seedfetcher.Config{
		Seeds:         cfg.Seeds.Value(),
		FetchInterval: cfg.SeedFetchInterval,
	})
	fetcherDone := make(chan struct{})
	go fetcher.Run(ctx, fetcherDone)
	defer close(fetcherDone)

	// Drain fetcher.Updates so a freshly-fetched identity never backs up
	// the channel; no Input currently models "seed fetch completed" for
	// the reducer to act on, so this just logs for now.
	go func() {
		for urn := range fetcher.Updates {
			logger.Debug("identity refreshed from seed", log.String("urn", urn))
		}
	}()

	executor := subroutines.New(ctx, subroutines.Deps{
		Transport:  transport,
		Announcer:  announce,
		Replicator: repl,
		Bridge:     bridge,
		Store:      store,
		Projects:   projectsAsList(projects),
	}, subroutines.Config{
		AnnounceInterval:    cfg.AnnounceInterval,
		WaitingRoomInterval: cfg.WaitingRoomInterval,
		StatsInterval:       cfg.StatsInterval,
		WaitingRoom: waitingroom.Config{
			MaxQueries: boundedCounter(cfg.MaxQueries),
			MaxClones:  boundedCounter(cfg.MaxClones),
			Delta:      cfg.RequestDelta,
		},
	})

	// Client is the handle an embedder's own control surface (RPC, CLI
	// subcommand) drives the running peer through; Main itself only needs
	// it constructed so Inputs() has a consumer ready before Run starts.
	_ = control.New(executor.Inputs())

	go func() {
		for ev := range executor.Events() {
			logger.Debug("event", log.String("kind", runstateEventKind(ev)))
		}
	}()

	logger.Info("coco peer starting",
		log.String("repo", cfg.RepoPath),
		log.String("kv", cfg.KVPath),
	)
	err = executor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("coco peer stopped")
		return nil
	}
	return err
}

// projectsAsList adapts a ProjectStore to subroutines.Projects when it also
// implements ListURNs (noProjects does; a real registry may not, in which
// case periodic announce sweeps are simply skipped).
func projectsAsList(p monorepo.ProjectStore) subroutines.Projects {
	if lister, ok := p.(subroutines.Projects); ok {
		return lister
	}
	return noProjects{}
}

// trackingForSeedFetcher adapts a TrackingStore to seedfetcher.Tracking
// when it also implements TrackBatch (noProjects does; a real registry that
// only supports reads falls back to a registry that declines every
// install, so seed fetches still run, just without maintaining tracking
// relations).
func trackingForSeedFetcher(t monorepo.TrackingStore) seedfetcher.Tracking {
	if full, ok := t.(seedfetcher.Tracking); ok {
		return full
	}
	return noProjects{}
}

// selfResolverFor adapts a PersonResolver to seedfetcher.SelfResolver when
// it also implements ResolveSelf (noProjects does; a real registry that
// doesn't simply means step 5's rad/self bootstrap never fires).
func selfResolverFor(p identity.PersonResolver) seedfetcher.SelfResolver {
	if resolver, ok := p.(seedfetcher.SelfResolver); ok {
		return resolver
	}
	return noProjects{}
}

// boundedCounter translates a configured 0 (config.go's "0 for unbounded"
// flags) into waitingroom.Infinite; any positive value stays a finite
// bound.
func boundedCounter(n int) waitingroom.Counter {
	if n <= 0 {
		return waitingroom.Infinite
	}
	return waitingroom.Finite(n)
}

func openOrInitRepo(path string) (*gitstore.Repository, error) {
	repo, err := gitstore.Open(path)
	if err == nil {
		return repo, nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return gitstore.Init(path)
	}
	return nil, err
}

func runstateEventKind(ev runstate.Event) string {
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
