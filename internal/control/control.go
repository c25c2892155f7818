// Package control implements the typed request/reply API described in
// spec.md §4.9: external callers push a request, each carrying a one-shot
// reply, and RunState (via Subroutines) answers it asynchronously. This
// package is the thin client half; it knows nothing about HTTP/JSON
// routing, which spec.md §1 explicitly places with an external
// collaborator.
package control

import (
	"context"
	"time"

	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/identity"
	"github.com/radicle-dev/coco/internal/runstate"
	"github.com/radicle-dev/coco/internal/waitingroom"
)

// Client sends typed Control inputs into a RunState's input channel and
// awaits the reply each request carries.
type Client struct {
	inputs chan<- runstate.Input
}

// New creates a Client that feeds inputs into the given channel —
// ordinarily a Subroutines instance's external-input feed.
func New(inputs chan<- runstate.Input) *Client {
	return &Client{inputs: inputs}
}

func (c *Client) send(ctx context.Context, input runstate.Input) error {
	select {
	case c.inputs <- input:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentStatus returns the peer's current Status.
func (c *Client) CurrentStatus(ctx context.Context) (runstate.Status, error) {
	reply := make(chan runstate.Status, 1)
	if err := c.send(ctx, runstate.ControlStatus{Reply: reply}); err != nil {
		return runstate.Status{}, errors.Wrap(err, "send CurrentStatus")
	}
	select {
	case status := <-reply:
		return status, nil
	case <-ctx.Done():
		return runstate.Status{}, ctx.Err()
	}
}

// ListenAddrs returns the peer's current listen addresses.
func (c *Client) ListenAddrs(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := c.send(ctx, runstate.ControlListenAddrs{Reply: reply}); err != nil {
		return nil, errors.Wrap(err, "send ListenAddrs")
	}
	select {
	case addrs := <-reply:
		return addrs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartSearch creates (or returns the existing) waiting-room request for
// urn, timestamped at t.
func (c *Client) StartSearch(ctx context.Context, urn identity.URN, t time.Time) (waitingroom.Either, error) {
	reply := make(chan waitingroom.Either, 1)
	if err := c.send(ctx, runstate.ControlCreateRequest{URN: urn, At: t, Reply: reply}); err != nil {
		return waitingroom.Either{}, errors.Wrap(err, "send StartSearch")
	}
	select {
	case either := <-reply:
		return either, nil
	case <-ctx.Done():
		return waitingroom.Either{}, ctx.Err()
	}
}

// CancelSearch cancels the waiting-room request for urn, timestamped at t.
func (c *Client) CancelSearch(ctx context.Context, urn identity.URN, t time.Time) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, runstate.ControlCancelRequest{URN: urn, At: t, Reply: reply}); err != nil {
		return errors.Wrap(err, "send CancelSearch")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSearches returns a snapshot of every current waiting-room request.
func (c *Client) ListSearches(ctx context.Context) ([]runstate.RequestSnapshot, error) {
	reply := make(chan []runstate.RequestSnapshot, 1)
	if err := c.send(ctx, runstate.ControlListRequests{Reply: reply}); err != nil {
		return nil, errors.Wrap(err, "send ListSearches")
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
