// Package replicator drives a single clone/fetch attempt for an identity
// from a known peer, wrapping the raw gossip transport replication with
// the event-log signature verification spec.md §4.7 requires before data
// from an untrusted peer is accepted as valid.
package replicator

import (
	"context"
	"net"

	"github.com/sourcegraph/log"
	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/eventlog"
	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
)

// InvalidRefsError reports that a replication left behind event-log refs
// that fail envelope or signature validation.
type InvalidRefsError struct {
	URN  identity.URN
	Refs []string
}

func (e InvalidRefsError) Error() string {
	return "replication left invalid event-log refs for " + e.URN.String()
}

// Replicator clones or fetches an identity from a specific peer over the
// gossip transport, then validates the result before reporting success.
type Replicator struct {
	transport gossip.Transport
	events    *eventlog.EventLog
	logger    log.Logger
}

// New creates a Replicator over transport, validating fetched refs with
// events.
func New(transport gossip.Transport, events *eventlog.EventLog) *Replicator {
	return &Replicator{transport: transport, events: events, logger: log.Scoped("replicator")}
}

// Clone replicates urn from peer (reachable at addrs), then checks that
// every event-log ref the fetch touched still validates. A peer that
// ships well-formed Git objects but invalid signatures is treated as a
// failed clone, not a successful one.
func (r *Replicator) Clone(ctx context.Context, urn identity.URN, peer identity.PeerId, addrs []net.Addr) (gossip.Report, error) {
	report, err := r.transport.Replicate(ctx, urn, peer, addrs)
	if err != nil {
		return report, errors.Wrapf(err, "replicate %s from %s", urn, peer)
	}

	invalid, err := r.events.InvalidRefs(urn.Id())
	if err != nil {
		return report, errors.Wrapf(err, "validate event log for %s", urn)
	}
	if len(invalid) > 0 {
		r.logger.Warn("rejecting replication with invalid event-log refs",
			log.String("urn", urn.String()),
			log.String("peer", peer.String()),
			log.Strings("refs", invalid),
		)
		return report, InvalidRefsError{URN: urn, Refs: invalid}
	}

	return report, nil
}
