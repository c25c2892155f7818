// Package fake provides a deterministic in-memory gossip.Transport for
// tests, standing in for a live network the same way the teacher's
// gitserver.ClientMocks stands in for a live Git host.
package fake

import (
	"context"
	"net"
	"sync"

	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
)

// Transport is a scriptable gossip.Transport: tests preload Replicate
// results keyed by (urn, peer) and Announce is recorded for assertions.
type Transport struct {
	mu        sync.Mutex
	replies   map[string]gossip.Report
	failures  map[string]error
	announced []announceCall
	queried   []identity.URN
	events    chan gossip.ProtocolEvent
	stats     gossip.Stats
}

type announceCall struct {
	URN   identity.URN
	Heads map[string]string
}

// New builds an empty Transport. Events has buffer size 16; callers that
// need to block on backpressure should drain it in a goroutine.
func New() *Transport {
	return &Transport{
		replies:  map[string]gossip.Report{},
		failures: map[string]error{},
		events:   make(chan gossip.ProtocolEvent, 16),
	}
}

func key(urn identity.URN, peer identity.PeerId) string {
	return urn.String() + "/" + peer.String()
}

// SetReport preloads the Report Replicate returns for (urn, peer).
func (t *Transport) SetReport(urn identity.URN, peer identity.PeerId, report gossip.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[key(urn, peer)] = report
}

// SetFailure preloads the error Replicate returns for (urn, peer).
func (t *Transport) SetFailure(urn identity.URN, peer identity.PeerId, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[key(urn, peer)] = err
}

// SetStats sets the value Stats() returns.
func (t *Transport) SetStats(stats gossip.Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = stats
}

// Emit pushes a ProtocolEvent onto the channel Events() drains, blocking if
// the buffer is full.
func (t *Transport) Emit(event gossip.ProtocolEvent) {
	t.events <- event
}

func (t *Transport) Replicate(_ context.Context, urn identity.URN, peer identity.PeerId, _ []net.Addr) (gossip.Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(urn, peer)
	if err, ok := t.failures[k]; ok {
		return gossip.Report{}, err
	}
	if report, ok := t.replies[k]; ok {
		return report, nil
	}
	return gossip.Report{}, errors.Newf("fake transport: no scripted reply for %s", k)
}

func (t *Transport) Announce(_ context.Context, urn identity.URN, heads map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announced = append(t.announced, announceCall{URN: urn, Heads: heads})
	return nil
}

func (t *Transport) Query(_ context.Context, urn identity.URN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queried = append(t.queried, urn)
	return nil
}

// Queried returns every urn passed to Query so far, for test assertions.
func (t *Transport) Queried() []identity.URN {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]identity.URN, len(t.queried))
	copy(out, t.queried)
	return out
}

func (t *Transport) Events() <-chan gossip.ProtocolEvent { return t.events }

func (t *Transport) Stats() gossip.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Announced returns every Announce call recorded so far, for test
// assertions.
func (t *Transport) Announced() []struct {
	URN   identity.URN
	Heads map[string]string
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]struct {
		URN   identity.URN
		Heads map[string]string
	}, len(t.announced))
	for i, a := range t.announced {
		out[i] = struct {
			URN   identity.URN
			Heads map[string]string
		}{URN: a.URN, Heads: a.Heads}
	}
	return out
}
