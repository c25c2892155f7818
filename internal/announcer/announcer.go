// Package announcer implements AnnouncerSync, per spec.md §4.8: compute the
// set of local-ref updates since the last announcement for each tracked
// project, broadcast them through the gossip layer, and persist the new
// head set for the next diff. The head set itself is stored as a signed
// commit in the monorepo, the same signing scheme the event log uses, so
// that "Monorepo refs — the authoritative persistent state" (spec.md §6)
// stays true without a side KV bucket.
package announcer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sourcegraph/log"
	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/gossip"
	"github.com/radicle-dev/coco/internal/identity"
)

const signatureHeader = "radicle-ed25519"

const signedRefsRefSuffix = "refs/coco/signed-refs"

func signedRefsRef(urn identity.URN) string {
	return "refs/namespaces/" + hex.EncodeToString(urn.Revision[:]) + "/" + signedRefsRefSuffix
}

func localHeadsPrefix(urn identity.URN) string {
	return "refs/namespaces/" + hex.EncodeToString(urn.Revision[:]) + "/refs/heads/"
}

// headSet is the signed record of a project's local branch heads.
type headSet struct {
	Heads map[string]string `json:"heads"`
}

// Sync computes the current local heads for urn, diffs them against the
// last signed record, and — if they changed — signs and commits the new
// record, then broadcasts it. ok reports whether an announcement happened.
type Sync struct {
	repo      *gitstore.Repository
	transport gossip.Transport
	signer    identity.Signer
	logger    log.Logger
}

// New creates a Sync that signs head-set records as signer and broadcasts
// through transport.
func New(repo *gitstore.Repository, transport gossip.Transport, signer identity.Signer) *Sync {
	return &Sync{repo: repo, transport: transport, signer: signer, logger: log.Scoped("announcer")}
}

// Announce diffs urn's current local heads against the last announced
// set and, if changed, signs a new record, updates the monorepo ref, and
// broadcasts it. Returns ok=false when nothing changed — a no-op, not an
// error, matching spec.md §4.8's "periodic" framing.
func (s *Sync) Announce(ctx context.Context, urn identity.URN) (ok bool, err error) {
	current, err := s.currentHeads(urn)
	if err != nil {
		return false, errors.Wrapf(err, "read local heads for %s", urn)
	}

	previous, err := s.lastHeads(urn)
	if err != nil {
		return false, errors.Wrapf(err, "read last signed-refs for %s", urn)
	}
	if headsEqual(current, previous) {
		return false, nil
	}

	if err := s.commitHeads(urn, current); err != nil {
		return false, errors.Wrapf(err, "persist signed-refs for %s", urn)
	}

	if err := s.transport.Announce(ctx, urn, current); err != nil {
		return false, errors.Wrapf(err, "broadcast announce for %s", urn)
	}
	return true, nil
}

func (s *Sync) currentHeads(urn identity.URN) (map[string]string, error) {
	prefix := localHeadsPrefix(urn)
	names, err := s.repo.ListRefs(prefix)
	if err != nil {
		return nil, err
	}
	heads := make(map[string]string, len(names))
	for _, name := range names {
		hash, ok, err := s.repo.ReadRef(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		heads[name] = hash.String()
	}
	return heads, nil
}

func (s *Sync) lastHeads(urn identity.URN) (map[string]string, error) {
	tip, ok, err := s.repo.ReadRef(signedRefsRef(urn))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	buf, err := s.repo.ReadRawCommit(tip)
	if err != nil {
		return nil, err
	}
	raw, err := gitstore.ParseCommit(tip, buf)
	if err != nil {
		return nil, errors.Wrap(err, "parse signed-refs commit")
	}
	var set headSet
	if err := json.Unmarshal([]byte(raw.Message), &set); err != nil {
		return nil, errors.Wrap(err, "decode signed-refs payload")
	}
	return set.Heads, nil
}

func (s *Sync) commitHeads(urn identity.URN, heads map[string]string) error {
	tree, err := s.repo.EmptyTree()
	if err != nil {
		return err
	}
	parentHash, hasParent, err := s.repo.ReadRef(signedRefsRef(urn))
	if err != nil {
		return err
	}
	var parent *plumbing.Hash
	if hasParent {
		parent = &parentHash
	}

	payload, err := json.Marshal(headSet{Heads: heads})
	if err != nil {
		return err
	}

	now := time.Now()
	sig := gitstore.Signature{Name: "coco", Email: s.signer.PeerId().String() + "@coco", When: now}
	unsigned := gitstore.BuildCommit(tree, parent, sig, sig, nil, string(payload))

	sigField, err := s.encodeSignature(unsigned)
	if err != nil {
		return errors.Wrap(err, "sign signed-refs commit")
	}
	signed := gitstore.BuildCommit(tree, parent, sig, sig, &gitstore.HeaderField{
		Name:  signatureHeader,
		Value: sigField,
	}, string(payload))

	hash, err := s.repo.WriteRawCommit(signed)
	if err != nil {
		return err
	}
	return s.repo.UpdateRef(signedRefsRef(urn), hash)
}

// encodeSignature signs buf and returns base64(cbor(sig)), the same
// encoding EventLog.Publish uses for the radicle-ed25519 header.
func (s *Sync) encodeSignature(buf []byte) (string, error) {
	sig := s.signer.Sign(buf)
	encoded, err := cbor.Marshal(sig)
	if err != nil {
		return "", errors.Wrap(err, "cbor-encode signature")
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

func headsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
