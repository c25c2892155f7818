// Package monorepo implements the namespaced Git views, default-branch
// resolution, and include-file maintenance described in spec.md §4.4.
package monorepo

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sourcegraph/sourcegraph/lib/errors"

	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/identity"
)

// Reference names a branch within a project's namespace, optionally scoped
// to a remote peer's tracking refs.
type Reference struct {
	Namespace identity.URN
	Remote    *identity.PeerId // nil: the local owner's ref
	Name      string
}

// RefName renders the fully-qualified Git ref name for r.
func (r Reference) RefName() string {
	ns := hex.EncodeToString(r.Namespace.Id()[:])
	if r.Remote == nil {
		return fmt.Sprintf("refs/namespaces/%s/refs/heads/%s", ns, r.Name)
	}
	return fmt.Sprintf("refs/namespaces/%s/refs/remotes/%s/heads/%s", ns, r.Remote.String(), r.Name)
}

// ErrNoDefaultBranch is returned when neither the owner nor any delegate has
// a resolvable default branch.
var ErrNoDefaultBranch = errors.New("no default branch found")

// MissingRefError is returned by GetBranch when the resolved reference is
// absent from storage.
type MissingRefError struct {
	Reference Reference
}

func (e MissingRefError) Error() string {
	return "missing ref: " + e.Reference.RefName()
}

// ProjectStore resolves a project's signed identity metadata.
type ProjectStore interface {
	GetProject(urn identity.URN) (identity.Project, error)
}

// TrackingStore reports which peers are tracked for a project, for
// include-file maintenance.
type TrackingStore interface {
	TrackedPeers(urn identity.URN) ([]identity.PeerId, error)
}

// HandleResolver maps a tracked peer to the display handle its include-file
// entry should carry. ok is false when no handle is known yet, in which
// case the peer is left out of the rewritten file (RewriteInclude already
// drops peers absent from a handles map; ResolveHandle is how
// RewriteIncludeForProject builds that map).
type HandleResolver interface {
	ResolveHandle(identity.PeerId) (handle string, ok bool)
}

// Bridge implements spec.md §4.4's MonorepoBridge: default-branch
// resolution, namespaced browsing, and include-file rewriting.
type Bridge struct {
	repo       *gitstore.Repository
	projects   ProjectStore
	tracking   TrackingStore
	resolver   identity.PersonResolver
	handles    HandleResolver
	localPeer  identity.PeerId
	includeDir string
}

// New builds a Bridge. includeDir is the directory include files are
// written under, one file per identity.
func New(repo *gitstore.Repository, projects ProjectStore, tracking TrackingStore, resolver identity.PersonResolver, localPeer identity.PeerId, includeDir string) *Bridge {
	return &Bridge{
		repo:       repo,
		projects:   projects,
		tracking:   tracking,
		resolver:   resolver,
		localPeer:  localPeer,
		includeDir: includeDir,
	}
}

// WithHandleResolver attaches the resolver RewriteIncludeForProject uses to
// turn tracked peers into display handles, and returns b for chaining.
func (b *Bridge) WithHandleResolver(handles HandleResolver) *Bridge {
	b.handles = handles
	return b
}

// RewriteIncludeForProject rewrites urn's include file using the Bridge's
// configured HandleResolver to look up each tracked peer's handle. This is
// what CommandInclude dispatches to: the command carries only a URN, since
// the handle lookup is an implementation detail of the Bridge, not of the
// state machine.
func (b *Bridge) RewriteIncludeForProject(urn identity.URN) (string, error) {
	peers, err := b.tracking.TrackedPeers(urn)
	if err != nil {
		return "", errors.Wrapf(err, "rewrite include for %s: tracked peers", urn)
	}
	handles := make(map[identity.PeerId]string, len(peers))
	if b.handles != nil {
		for _, p := range peers {
			if handle, ok := b.handles.ResolveHandle(p); ok {
				handles[p] = handle
			}
		}
	}
	return b.RewriteInclude(urn, handles)
}

// FindDefaultBranch resolves urn's default branch: first the owner's copy,
// falling back to the first delegate's copy, per spec.md §4.4.
func (b *Bridge) FindDefaultBranch(urn identity.URN) (Reference, error) {
	project, err := b.projects.GetProject(urn)
	if err != nil {
		return Reference{}, errors.Wrapf(err, "find default branch for %s", urn)
	}
	if project.DefaultBranch == "" {
		return Reference{}, errors.Wrapf(ErrNoDefaultBranch, "project %s", project.Name)
	}

	if ref, err := b.GetBranch(urn, nil, project.DefaultBranch); err == nil {
		return ref, nil
	}

	keys, err := identity.FlattenDelegateKeys(project, b.resolver)
	if err != nil {
		return Reference{}, errors.Wrap(err, "find default branch: flatten delegates")
	}
	if len(keys) == 0 {
		return Reference{}, errors.Wrapf(ErrNoDefaultBranch, "project %s", project.Name)
	}

	ref, err := b.GetBranch(urn, &keys[0], project.DefaultBranch)
	if err != nil {
		var missing MissingRefError
		if errors.As(err, &missing) {
			return Reference{}, errors.Wrapf(ErrNoDefaultBranch, "project %s", project.Name)
		}
		return Reference{}, err
	}
	return ref, nil
}

// GetBranch resolves a Reference for urn, defaulting name to the project's
// default branch and normalizing remote == the local peer id to nil. Fails
// with MissingRefError when the ref does not exist in storage.
func (b *Bridge) GetBranch(urn identity.URN, remote *identity.PeerId, name string) (Reference, error) {
	if name == "" {
		project, err := b.projects.GetProject(urn)
		if err != nil {
			return Reference{}, errors.Wrapf(err, "get branch for %s", urn)
		}
		if project.DefaultBranch == "" {
			return Reference{}, errors.Wrapf(ErrNoDefaultBranch, "project %s", project.Name)
		}
		name = project.DefaultBranch
	}

	if remote != nil && remote.Equal(b.localPeer) {
		remote = nil
	}

	ref := Reference{Namespace: urn, Remote: remote, Name: name}
	_, ok, err := b.repo.ReadRef(ref.RefName())
	if err != nil {
		return Reference{}, errors.Wrapf(err, "get branch: read ref %s", ref.RefName())
	}
	if !ok {
		return Reference{}, MissingRefError{Reference: ref}
	}
	return ref, nil
}

// Browser is a namespaced, read-only view over a single branch, standing in
// for the out-of-scope tree/blob rendering primitives: it exposes only what
// MonorepoBridge and its callers need, resolving the branch tip and
// its tree.
type Browser struct {
	repo *gitstore.Repository
	Tip  plumbing.Hash
	Tree plumbing.Hash
}

// WithBrowser opens the bare monorepo, resolves ref to its tip, and hands a
// Browser scoped to that commit's tree to f. Errors from f propagate
// unchanged.
func (b *Bridge) WithBrowser(ref Reference, f func(*Browser) error) error {
	tip, ok, err := b.repo.ReadRef(ref.RefName())
	if err != nil {
		return errors.Wrapf(err, "with browser: read ref %s", ref.RefName())
	}
	if !ok {
		return MissingRefError{Reference: ref}
	}

	raw, err := b.repo.ReadRawCommit(tip)
	if err != nil {
		return errors.Wrapf(err, "with browser: read commit %s", tip)
	}
	commit, err := gitstore.ParseCommit(tip, raw)
	if err != nil {
		return errors.Wrapf(err, "with browser: parse commit %s", tip)
	}

	browser := &Browser{repo: b.repo, Tip: tip, Tree: commit.Tree}
	return f(browser)
}

// includePath is the deterministic path of urn's include file, per spec.md
// §4.4 ("the file path is deterministic from the identity").
func (b *Bridge) includePath(urn identity.URN) string {
	id := hex.EncodeToString(urn.Id()[:])
	return filepath.Join(b.includeDir, id+".inc")
}

// RewriteInclude rewrites urn's include file to list every tracked peer
// that has an entry in handles, one `<peer_id> <handle>` line each, sorted
// by peer id, and returns its path. Callers checking out a working copy are
// responsible for pointing that checkout's Git config at the returned
// path; the monorepo itself is never touched.
func (b *Bridge) RewriteInclude(urn identity.URN, handles map[identity.PeerId]string) (string, error) {
	peers, err := b.tracking.TrackedPeers(urn)
	if err != nil {
		return "", errors.Wrapf(err, "rewrite include for %s: tracked peers", urn)
	}

	type entry struct {
		peer   identity.PeerId
		handle string
	}
	var entries []entry
	for _, p := range peers {
		handle, ok := handles[p]
		if !ok {
			continue
		}
		entries = append(entries, entry{peer: p, handle: handle})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].peer.String() < entries[j].peer.String() })

	path := b.includePath(urn)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "rewrite include: mkdir")
	}

	var out []byte
	for _, e := range entries {
		out = append(out, []byte(fmt.Sprintf("%s %s\n", e.peer.String(), e.handle))...)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", errors.Wrapf(err, "rewrite include: write %s", path)
	}
	return path, nil
}

// SetIncludePath points a checked-out working copy's Git config at the
// identity's include file, per spec.md §4.4's "checkout path only" note.
func SetIncludePath(worktreeGitDir, includePath string) error {
	configPath := filepath.Join(worktreeGitDir, "config")
	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "set include path: open %s", configPath)
	}
	defer f.Close()

	section := fmt.Sprintf("\n[include]\n\tpath = %s\n", includePath)
	if _, err := f.WriteString(section); err != nil {
		return errors.Wrap(err, "set include path: write")
	}
	return nil
}
