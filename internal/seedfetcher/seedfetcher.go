// Package seedfetcher keeps identities this peer does not yet have (or
// whose local copy is stale) pulled in from known Git+HTTPS seeds, per
// spec.md §4.3. For an identity with a pinned seed (one it previously
// found success with) only that seed is tried; otherwise the full candidate
// seed list is tried in order. On success it pins that seed and reschedules
// a routine re-fetch.
//
// A single successful seed attempt runs the full discovery sequence: fetch
// the project's own identity refs (returning NotFound early if the seed has
// never heard of it), fan out to every delegate identity (fatal on
// failure), install tracking relations for the project's declared remotes,
// pull refs for every currently-tracked peer, and bootstrap a `rad/id` ref
// for any tracked peer whose self-claimed person identity we can already
// resolve locally but the seed itself lacks.
package seedfetcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sourcegraph/log"
	"github.com/sourcegraph/sourcegraph/lib/errors"
	"golang.org/x/sync/errgroup"

	"github.com/radicle-dev/coco/internal/delayqueue"
	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/kv"
)

// Config bounds SeedFetcher's retry and rescan behavior.
type Config struct {
	// Seeds is the candidate pool tried, in order, for an identity with no
	// previously-pinned seed.
	Seeds []string
	// FetchInterval is how soon a successfully-fetched identity is
	// rescheduled for a routine re-fetch.
	FetchInterval time.Duration
	// Backoff bounds the retry delay after an identity fails against every
	// candidate seed.
	Backoff backoff.BackOff
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // never give up; the queue owns scheduling, not BackOff.Stop
	return b
}

// Store persists the seed a given identity was last fetched from
// successfully, so repeat fetches skip straight to it.
type Store interface {
	LoadSeeds(ctx context.Context, urn string) ([]kv.Seed, error)
	SaveSeeds(ctx context.Context, urn string, seeds []kv.Seed) error
}

// ProjectResolver resolves a project's signed identity metadata, the same
// narrow contract monorepo.ProjectStore exposes.
type ProjectResolver interface {
	GetProject(urn identity.URN) (identity.Project, error)
}

// TrackPolicy is the tracking policy a batch install is performed under.
type TrackPolicy int

const (
	// TrackAny is the only policy spec.md §4.3 names for seed-discovered
	// remotes: accept whichever peer shows up for the tracked URN.
	TrackAny TrackPolicy = iota
)

// Tracking installs and reports the tracking relations a project's seed
// fetch maintains. It extends monorepo.TrackingStore's read-only
// TrackedPeers with the batch install step §4.3 calls for.
type Tracking interface {
	TrackedPeers(urn identity.URN) ([]identity.PeerId, error)
	TrackBatch(urn identity.URN, peers []identity.PeerId, policy TrackPolicy) error
}

// SelfResolver maps a tracked remote peer to the person URN it claims as
// its `rad/self`, so a seed fetch can bootstrap that person's identity ref
// locally when the seed itself doesn't carry it.
type SelfResolver interface {
	ResolveSelf(peer identity.PeerId) (person identity.URN, ok bool)
}

// Deps are the optional collaborators fetchFromSeed needs for the delegate
// fan-out, tracking-install, and rad/self bootstrap steps. A nil field
// simply skips that step — useful for callers that only want the bare
// namespace fetch.
type Deps struct {
	Projects  ProjectResolver
	Tracking  Tracking
	Persons   identity.PersonResolver
	Selves    SelfResolver
	LocalPeer identity.PeerId
}

// Fetcher drives seed discovery and refresh for a set of identities.
type Fetcher struct {
	repo   *gitstore.Repository
	store  Store
	deps   Deps
	config Config
	queue  *delayqueue.Queue
	logger log.Logger

	// Updates receives the URN (as its rad:git: string form) of every
	// identity that was fetched with new refs, for Replicator/AnnouncerSync
	// to act on. Buffered; a full channel drops the update rather than
	// blocking fetch progress.
	Updates chan string
}

// New creates a Fetcher. Call Add for every identity that should be kept
// fresh, then Run in its own goroutine.
func New(repo *gitstore.Repository, store Store, deps Deps, cfg Config) *Fetcher {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 10 * time.Minute
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff()
	}
	return &Fetcher{
		repo:    repo,
		store:   store,
		deps:    deps,
		config:  cfg,
		queue:   delayqueue.New(),
		logger:  log.Scoped("seedfetcher"),
		Updates: make(chan string, 32),
	}
}

// Add schedules urn to be fetched immediately, then kept fresh on
// cfg.FetchInterval, per spec.md §4.3.
func (f *Fetcher) Add(urn identity.URN) {
	f.queue.Schedule(urn.String(), 0)
}

// Run processes the fetch queue until done is closed.
func (f *Fetcher) Run(ctx context.Context, done <-chan struct{}) {
	for {
		key, ok := f.queue.Wait(done)
		if !ok {
			return
		}
		urn, err := identity.ParseURN(key)
		if err != nil {
			f.logger.Warn("dropping malformed queue entry", log.String("key", key), log.Error(err))
			continue
		}

		updated, err := f.fetchOne(ctx, urn)
		if err != nil {
			f.logger.Warn("seed fetch failed for every candidate", log.String("urn", urn.String()), log.Error(err))
			f.queue.Schedule(key, f.config.Backoff.NextBackOff())
			continue
		}
		f.config.Backoff.Reset()
		if updated {
			select {
			case f.Updates <- key:
			default:
				f.logger.Warn("dropped seed-fetch update, subscriber too slow", log.String("urn", urn.String()))
			}
		}
		f.queue.Schedule(key, f.config.FetchInterval)
	}
}

// fetchOne tries the pinned seed first, if any, else every candidate in
// order, pinning the first one that actually carries the identity.
func (f *Fetcher) fetchOne(ctx context.Context, urn identity.URN) (updated bool, err error) {
	key := urn.String()
	known, loadErr := f.store.LoadSeeds(ctx, key)
	if loadErr != nil {
		f.logger.Warn("failed to load pinned seeds", log.String("urn", key), log.Error(loadErr))
	}

	candidates := f.config.Seeds
	if len(known) > 0 {
		candidates = []string{known[0].URL}
	}

	var errs error
	for _, seed := range candidates {
		result, ferr := f.fetchFromSeed(ctx, urn, seed)
		if ferr != nil {
			errs = errors.Append(errs, errors.Wrapf(ferr, "seed %q", seed))
			continue
		}
		if result == resultNotFound {
			errs = errors.Append(errs, errors.Newf("seed %q: no refs/rad/id for %s", seed, key))
			continue
		}
		if saveErr := f.store.SaveSeeds(ctx, key, []kv.Seed{{URL: seed, LastSeen: time.Now()}}); saveErr != nil {
			f.logger.Warn("failed to pin seed", log.String("urn", key), log.Error(saveErr))
		}
		return result == resultUpdated, nil
	}
	if errs != nil {
		return false, errs
	}
	return false, errors.Newf("no seeds configured for %q", key)
}

// seedResult is the outcome of a single candidate's fetchFromSeed attempt.
type seedResult int

const (
	// resultNotFound means the seed's own refs/rad/id lookup for the
	// project came back empty — this seed has never heard of the identity.
	resultNotFound seedResult = iota
	resultUpToDate
	resultUpdated
)

// radIDRef is the ref path every identity's content address is published
// under, inside its own namespace.
func radIDRef(urn identity.URN) string {
	return fmt.Sprintf("refs/namespaces/%s/refs/rad/id", hex.EncodeToString(urn.Revision[:]))
}

// refSpec fetches every namespaced ref for urn, mirroring it verbatim —
// the same refspec shape spec.md §4.3 describes for a seed sync.
func refSpec(urn identity.URN) config.RefSpec {
	ns := hex.EncodeToString(urn.Revision[:])
	return config.RefSpec(fmt.Sprintf("+refs/namespaces/%s/*:refs/namespaces/%s/*", ns, ns))
}

// remotePeerRefSpec fetches just the remote-tracking subtree a single
// tracked peer publishes under a project's namespace.
func remotePeerRefSpec(urn identity.URN, peer identity.PeerId) config.RefSpec {
	ns := hex.EncodeToString(urn.Revision[:])
	p := peer.String()
	return config.RefSpec(fmt.Sprintf(
		"+refs/namespaces/%s/refs/remotes/%s/*:refs/namespaces/%s/refs/remotes/%s/*", ns, p, ns, p,
	))
}

// fetchFromSeed runs spec.md §4.3's full discovery sequence against a
// single seed: identity lookup, delegate fan-out, tracking install,
// tracked-peer refs, and rad/self bootstrap.
func (f *Fetcher) fetchFromSeed(ctx context.Context, urn identity.URN, seedURL string) (seedResult, error) {
	has, err := f.hasRemoteRef(ctx, seedURL, radIDRef(urn))
	if err != nil {
		return resultNotFound, errors.Wrap(err, "list seed refs")
	}
	if !has {
		return resultNotFound, nil
	}

	transferred, err := f.fetchNamespace(ctx, urn, seedURL)
	if err != nil {
		return resultNotFound, errors.Wrap(err, "fetch identity refs")
	}

	if f.deps.Projects != nil {
		project, err := f.deps.Projects.GetProject(urn)
		if err != nil {
			f.logger.Warn("resolve project for delegate fan-out", log.String("urn", urn.String()), log.Error(err))
		} else {
			if err := f.fetchDelegates(ctx, project, seedURL); err != nil {
				return resultNotFound, err
			}
			f.installTracking(urn, project)
		}
	}

	for _, peer := range f.currentlyTracked(urn) {
		peerTransferred, err := f.fetchRemote(ctx, urn, peer, seedURL)
		if err != nil {
			f.logger.Warn("fetch tracked peer refs",
				log.String("urn", urn.String()), log.String("peer", peer.String()), log.Error(err))
			continue
		}
		transferred = transferred || peerTransferred
		f.bootstrapSelf(ctx, peer, seedURL)
	}

	if transferred {
		return resultUpdated, nil
	}
	return resultUpToDate, nil
}

// fetchDelegates fetches every person-delegate's identity refs from
// seedURL concurrently, per spec.md §4.3 step 2. A single delegate failure
// is fatal: errgroup cancels the remaining fetches and the first error is
// returned.
func (f *Fetcher) fetchDelegates(ctx context.Context, project identity.Project, seedURL string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range project.Delegates {
		if !d.IsPerson() {
			continue
		}
		delegate := *d.Person
		g.Go(func() error {
			if _, err := f.fetchNamespace(gctx, delegate, seedURL); err != nil {
				return errors.Wrapf(err, "fetch delegate %s identity refs", delegate.String())
			}
			return nil
		})
	}
	return g.Wait()
}

// installTracking installs a tracking relation, with TrackAny policy, for
// every peer the project's identity lists as a remote besides the local
// peer, per spec.md §4.3 step 3.
func (f *Fetcher) installTracking(urn identity.URN, project identity.Project) {
	if f.deps.Tracking == nil {
		return
	}
	var peers []identity.PeerId
	for _, p := range project.Remotes {
		if p.Equal(f.deps.LocalPeer) {
			continue
		}
		peers = append(peers, p)
	}
	if len(peers) == 0 {
		return
	}
	if err := f.deps.Tracking.TrackBatch(urn, peers, TrackAny); err != nil {
		f.logger.Warn("install tracking relations", log.String("urn", urn.String()), log.Error(err))
	}
}

// currentlyTracked returns every peer presently tracked for urn, including
// ones installTracking just added, per spec.md §4.3 step 4.
func (f *Fetcher) currentlyTracked(urn identity.URN) []identity.PeerId {
	if f.deps.Tracking == nil {
		return nil
	}
	peers, err := f.deps.Tracking.TrackedPeers(urn)
	if err != nil {
		f.logger.Warn("list tracked peers", log.String("urn", urn.String()), log.Error(err))
		return nil
	}
	return peers
}

// bootstrapSelf creates a local refs/rad/id ref for peer's self-claimed
// person identity when that identity is already resolvable locally but
// this seed doesn't carry it, per spec.md §4.3 step 5. Already-existing
// refs are left untouched, making the operation idempotent.
func (f *Fetcher) bootstrapSelf(ctx context.Context, peer identity.PeerId, seedURL string) {
	if f.deps.Selves == nil || f.deps.Persons == nil {
		return
	}
	personURN, ok := f.deps.Selves.ResolveSelf(peer)
	if !ok {
		return
	}
	person, err := f.deps.Persons.ResolvePerson(personURN)
	if err != nil {
		return // not locally resolvable; nothing to bootstrap from
	}

	ref := radIDRef(personURN)
	if _, exists, err := f.repo.ReadRef(ref); err == nil && exists {
		return // already present locally
	}

	has, err := f.hasRemoteRef(ctx, seedURL, ref)
	if err != nil {
		f.logger.Warn("check seed for rad/self ref", log.String("person", personURN.String()), log.Error(err))
		return
	}
	if has {
		return // the seed has its own copy; the regular fetch above already pulled it
	}

	content, err := person.ContentID()
	if err != nil {
		f.logger.Warn("compute content id for rad/self bootstrap", log.String("person", personURN.String()), log.Error(err))
		return
	}
	if err := f.repo.UpdateRef(ref, plumbing.Hash(content)); err != nil {
		f.logger.Warn("bootstrap rad/self ref", log.String("person", personURN.String()), log.Error(err))
	}
}

// hasRemoteRef reports whether seedURL currently advertises ref, without
// fetching any objects — the NotFound-distinguishing lookup spec.md §4.3
// step 1 calls for.
func (f *Fetcher) hasRemoteRef(ctx context.Context, seedURL, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "seed-list",
		URLs: []string{seedURL},
	})
	refs, err := remote.List(&git.ListOptions{})
	if err != nil {
		return false, err
	}
	for _, r := range refs {
		if r.Name().String() == ref {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fetcher) fetchNamespace(ctx context.Context, urn identity.URN, seedURL string) (updated bool, err error) {
	remote := git.NewRemote(f.repo.Underlying().Storer, &config.RemoteConfig{
		Name: "seed-" + hex.EncodeToString(urn.Revision[:8]),
		URLs: []string{seedURL},
	})
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{refSpec(urn)},
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return false, nil
	default:
		return false, errors.Wrap(err, "fetch")
	}
}

func (f *Fetcher) fetchRemote(ctx context.Context, urn identity.URN, peer identity.PeerId, seedURL string) (updated bool, err error) {
	remote := git.NewRemote(f.repo.Underlying().Storer, &config.RemoteConfig{
		Name: "seed-remote-" + hex.EncodeToString(urn.Revision[:8]),
		URLs: []string{seedURL},
	})
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{remotePeerRefSpec(urn, peer)},
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return false, nil
	default:
		return false, errors.Wrap(err, "fetch")
	}
}
