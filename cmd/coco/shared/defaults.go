package shared

import (
	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/seedfetcher"
)

// noProjects is the default Projects/ProjectStore implementation: an empty
// identity registry. cmd/coco has no opinion on how projects and their
// delegate/tracking graph are stored — that registry, like the gossip
// transport, is supplied by an embedder; Main falls back to this no-op so
// the binary still starts and exercises its other components standalone.
type noProjects struct{}

func (noProjects) ListURNs() ([]identity.URN, error) { return nil, nil }

func (noProjects) GetProject(urn identity.URN) (identity.Project, error) {
	return identity.Project{}, errors.Newf("no project registry configured: %s", urn)
}

func (noProjects) TrackedPeers(identity.URN) ([]identity.PeerId, error) { return nil, nil }

// TrackBatch satisfies seedfetcher.Tracking; with no registry configured,
// installing a tracking relation is a no-op.
func (noProjects) TrackBatch(identity.URN, []identity.PeerId, seedfetcher.TrackPolicy) error {
	return nil
}

func (noProjects) ResolvePerson(urn identity.URN) (identity.Person, error) {
	return identity.Person{}, errors.Newf("no person registry configured: %s", urn)
}

func (noProjects) ResolveHandle(identity.PeerId) (string, bool) { return "", false }

// ResolveSelf satisfies seedfetcher.SelfResolver; with no registry
// configured, no peer is ever known to claim a rad/self identity.
func (noProjects) ResolveSelf(identity.PeerId) (identity.URN, bool) { return identity.URN{}, false }
