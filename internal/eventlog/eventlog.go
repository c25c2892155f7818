// Package eventlog implements the signed commit-chain event log described
// in spec.md §4.2: one Git ref per (identity, topic, peer), each commit
// carrying a CBOR/Ed25519 signature header and a JSON envelope in its
// message trailers.
package eventlog

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sourcegraph/log"
	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/identity"
)

// signatureHeader is the non-standard commit header every event-log commit
// carries, matching the original daemon's `radicle-ed25519` scheme exactly.
const signatureHeader = "radicle-ed25519"

const (
	contentTypeKey   = "content-type"
	contentKey       = "content"
	envelopeMIMEType = "radicle-upstream-event.v1"
)

// eventsPath is the ref path segment event-log commits live under, per
// identity: "refs/namespaces/<id>/refs/<eventsPath>/<topic>" for the local
// peer's own log, "refs/namespaces/<id>/refs/remotes/<peer>/<eventsPath>/<topic>"
// for a replicated one.
const eventsPath = "upstream/events.experimental"

// Event is the topic-specific payload an Envelope carries. Data is kept as
// raw JSON so EventLog itself never needs to know about topic-specific
// shapes, matching spec.md §3's "opaque to the log" framing.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Envelope is the signed unit EventLog reads and writes, per spec.md §4.2.
type Envelope struct {
	PeerId   identity.PeerId  `json:"-"`
	Identity identity.Revision `json:"-"`
	Topic    string           `json:"-"`
	Event    Event            `json:"event"`
}

// envelopeWire is Envelope's JSON-on-the-wire shape: PeerId/Identity render
// as their canonical text forms instead of Go struct layout.
type envelopeWire struct {
	PeerId   string `json:"peerId"`
	Identity string `json:"identity"`
	Topic    string `json:"topic"`
	Event    Event  `json:"event"`
}

func (e Envelope) marshalJSON() ([]byte, error) {
	return json.Marshal(envelopeWire{
		PeerId:   e.PeerId.String(),
		Identity: hex.EncodeToString(e.Identity[:]),
		Topic:    e.Topic,
		Event:    e.Event,
	})
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal event envelope")
	}
	peer, err := identity.ParsePeerId(w.PeerId)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal event envelope: peer id")
	}
	raw, err := hex.DecodeString(w.Identity)
	if err != nil || len(raw) != identity.RevisionLen {
		return Envelope{}, errors.Newf("unmarshal event envelope: bad identity %q", w.Identity)
	}
	var rev identity.Revision
	copy(rev[:], raw)
	return Envelope{PeerId: peer, Identity: rev, Topic: w.Topic, Event: w.Event}, nil
}

// EventLog reads and publishes events for the local peer, signing with its
// own key and serializing concurrent writers per (identity, topic).
type EventLog struct {
	repo   *gitstore.Repository
	signer identity.Signer
	logger log.Logger

	sems refSemaphores
}

// New builds an EventLog over repo, signing commits with signer.
func New(repo *gitstore.Repository, signer identity.Signer) *EventLog {
	return &EventLog{repo: repo, signer: signer, logger: log.Scoped("eventlog")}
}

func ownRef(id identity.Revision, topic string) string {
	return fmt.Sprintf("refs/namespaces/%s/refs/%s/%s", hex.EncodeToString(id[:]), eventsPath, topic)
}

func remoteRefPrefix(id identity.Revision) string {
	return fmt.Sprintf("refs/namespaces/%s/refs/remotes/", hex.EncodeToString(id[:]))
}

func remoteRefSuffix(topic string) string {
	return "/" + eventsPath + "/" + topic
}

// Publish writes a new commit onto the local (identity, topic) log,
// signed by this peer, and returns the updated tip hash. Concurrent
// Publish calls for the same (identity, topic) serialize on an in-process
// mutex, matching spec.md §4.2's single-writer invariant; cross-process
// coordination is out of scope.
func (l *EventLog) Publish(ctx context.Context, id identity.Revision, topic string, event Event) (plumbing.Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}

	key := hex.EncodeToString(id[:]) + "/" + topic
	release := l.sems.acquire(key)
	defer release()

	ref := ownRef(id, topic)
	prev, hasPrev, err := l.repo.ReadRef(ref)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "publish event: read ref %s", ref)
	}

	tree, err := l.repo.EmptyTree()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "publish event: empty tree")
	}

	envelope := Envelope{PeerId: l.signer.PeerId(), Identity: id, Topic: topic, Event: event}
	message, err := encodeMessage(envelope)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "publish event: encode message")
	}

	now := time.Now()
	sig := gitstore.Signature{Name: "coco", Email: l.signer.PeerId().String() + "@coco", When: now}

	var parent *plumbing.Hash
	if hasPrev {
		parent = &prev
	}

	buf := gitstore.BuildCommit(tree, parent, sig, sig, nil, message)
	sigBytes, err := encodeSignatureHeader(l.signer, buf)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "publish event: sign")
	}
	signedBuf := gitstore.BuildCommit(tree, parent, sig, sig, &gitstore.HeaderField{
		Name:  signatureHeader,
		Value: sigBytes,
	}, message)

	hash, err := l.repo.WriteRawCommit(signedBuf)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "publish event: write commit")
	}
	if err := l.repo.UpdateRef(ref, hash); err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "publish event: update ref %s", ref)
	}

	l.logger.Debug("published event",
		log.String("identity", hex.EncodeToString(id[:])),
		log.String("topic", topic),
		log.String("commit", hash.String()))
	return hash, nil
}

// Get returns every envelope published for (identity, topic) across the
// local log and every replicated peer's log, in reverse topological order:
// if commit A references commit B as its parent, A precedes B in the
// result. Ties (independent chains) break by commit timestamp, descending.
func (l *EventLog) Get(id identity.Revision, topic string) ([]Envelope, error) {
	refs := []string{ownRef(id, topic)}

	prefix := remoteRefPrefix(id)
	suffix := remoteRefSuffix(topic)
	all, err := l.repo.ListRefs(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "get events: list remote refs")
	}
	for _, name := range all {
		if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
			refs = append(refs, name)
		}
	}

	type chained = struct {
		commit   gitstore.RawCommit
		envelope Envelope
	}
	var chains [][]chained

	for _, ref := range refs {
		tip, ok, err := l.repo.ReadRef(ref)
		if err != nil {
			return nil, errors.Wrapf(err, "get events: read ref %s", ref)
		}
		if !ok {
			continue
		}
		commits, err := l.walkChain(tip)
		if err != nil {
			return nil, errors.Wrapf(err, "get events: walk ref %s", ref)
		}
		var chain []chained
		for _, c := range commits {
			envelope, err := envelopeFromCommit(c)
			if err != nil {
				return nil, errors.Wrapf(err, "get events: decode commit %s", c.Hash)
			}
			if envelope.Identity != id || envelope.Topic != topic {
				continue
			}
			chain = append(chain, chained{commit: c, envelope: envelope})
		}
		if len(chain) > 0 {
			chains = append(chains, chain)
		}
	}

	merged := mergeChains(chains)
	out := make([]Envelope, len(merged))
	for i, c := range merged {
		out[i] = c.envelope
	}
	return out, nil
}

func mergeChains(chains [][]struct {
	commit   gitstore.RawCommit
	envelope Envelope
}) []struct {
	commit   gitstore.RawCommit
	envelope Envelope
} {
	var all []struct {
		commit   gitstore.RawCommit
		envelope Envelope
	}
	for _, chain := range chains {
		all = append(all, chain...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].commit.Committer.When.After(all[j].commit.Committer.When)
	})
	return all
}

// walkChain follows the single-parent chain from tip back to the root
// commit, returning commits tip-first.
func (l *EventLog) walkChain(tip plumbing.Hash) ([]gitstore.RawCommit, error) {
	var out []gitstore.RawCommit
	hash := tip
	seen := map[plumbing.Hash]bool{}
	for {
		if seen[hash] {
			return nil, errors.Newf("event log chain contains a cycle at %s", hash)
		}
		seen[hash] = true

		raw, err := l.repo.ReadRawCommit(hash)
		if err != nil {
			return nil, err
		}
		c, err := gitstore.ParseCommit(hash, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if c.Parent == nil {
			break
		}
		hash = *c.Parent
	}
	return out, nil
}

// InvalidRefs validates every event-log ref (own and remote-tracked) under
// identity: every commit must carry a well-formed envelope in its message
// trailers and a valid radicle-ed25519 signature. It returns the names of
// refs whose chain fails validation, matching spec.md §4.2's validate().
func (l *EventLog) InvalidRefs(id identity.Revision) ([]string, error) {
	ns := fmt.Sprintf("refs/namespaces/%s/refs/", hex.EncodeToString(id[:]))
	names, err := l.repo.ListRefs(ns)
	if err != nil {
		return nil, errors.Wrap(err, "validate event logs: list refs")
	}

	var invalid []string
	for _, ref := range names {
		if !isEventRef(ref) {
			continue
		}
		tip, ok, err := l.repo.ReadRef(ref)
		if err != nil || !ok {
			continue
		}
		commits, err := l.walkChain(tip)
		if err != nil {
			invalid = append(invalid, ref)
			continue
		}
		valid := true
		for _, c := range commits {
			if err := validateCommit(c); err != nil {
				l.logger.Warn("event log ref failed validation", log.String("ref", ref), log.Error(err))
				valid = false
				break
			}
		}
		if !valid {
			invalid = append(invalid, ref)
		}
	}
	return invalid, nil
}

func isEventRef(ref string) bool {
	const marker = "/" + eventsPath + "/"
	for i := 0; i+len(marker) <= len(ref); i++ {
		if ref[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func validateCommit(c gitstore.RawCommit) error {
	envelope, err := envelopeFromCommit(c)
	if err != nil {
		return errors.Wrap(err, "parse envelope")
	}

	sigField, ok := c.Headers[signatureHeader]
	if !ok {
		return errors.Newf("commit %s missing %s header", c.Hash, signatureHeader)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sigField)
	if err != nil {
		return errors.Wrap(err, "decode base64 signature")
	}
	var rawSig []byte
	if err := cbor.Unmarshal(sigBytes, &rawSig); err != nil {
		return errors.Wrap(err, "decode cbor signature")
	}

	signed := gitstore.BuildCommit(c.Tree, c.Parent, c.Author, c.Committer, nil, c.Message)
	if !identity.Verify(envelope.PeerId, signed, rawSig) {
		return errors.Newf("commit %s: signature verification failed", c.Hash)
	}
	return nil
}

func encodeMessage(e Envelope) (string, error) {
	data, err := e.marshalJSON()
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("radicle upstream event: %s", e.Event.Type)
	return fmt.Sprintf("%s\n\n%s: %s\n%s: %s\n", title, contentTypeKey, envelopeMIMEType, contentKey, string(data)), nil
}

func envelopeFromCommit(c gitstore.RawCommit) (Envelope, error) {
	contentType, ok := c.Trailers[contentTypeKey]
	if !ok {
		return Envelope{}, errors.New("no content-type trailer in commit message")
	}
	if contentType != envelopeMIMEType {
		return Envelope{}, errors.Newf("unexpected content-type %q", contentType)
	}
	content, ok := c.Trailers[contentKey]
	if !ok {
		return Envelope{}, errors.New("no content trailer in commit message")
	}
	return unmarshalEnvelope([]byte(content))
}

// encodeSignatureHeader signs buf with signer and returns the base64 text
// to place in the radicle-ed25519 header: base64(cbor(raw ed25519 sig)).
func encodeSignatureHeader(signer identity.Signer, buf []byte) (string, error) {
	sig := signer.Sign(buf)
	encoded, err := cbor.Marshal(sig)
	if err != nil {
		return "", errors.Wrap(err, "cbor-encode signature")
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}
