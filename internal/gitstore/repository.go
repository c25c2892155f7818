// Package gitstore is the thin plumbing-level wrapper over the bare
// monorepo that EventLog, MonorepoBridge, SeedFetcher, and Replicator share.
// It intentionally exposes only object/ref primitives, not the
// tree/blob/commit rendering the spec places out of scope (spec.md §1).
package gitstore

import (
	"bytes"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sourcegraph/sourcegraph/lib/errors"
)

// Repository is a handle onto the bare monorepo. All namespacing (per
// spec.md's `refs/namespaces/<urn-id>/...` convention) is the caller's
// responsibility: Repository deals only in fully-qualified ref names.
type Repository struct {
	repo *git.Repository
}

// Open opens the bare Git repository at path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open monorepo at %s", path)
	}
	return &Repository{repo: repo}, nil
}

// Init creates a new bare monorepo at path.
func Init(path string) (*Repository, error) {
	repo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, errors.Wrapf(err, "init monorepo at %s", path)
	}
	return &Repository{repo: repo}, nil
}

// Underlying exposes the go-git repository for callers (SeedFetcher's
// transport fetch, in particular) that need the porcelain/transport API
// directly.
func (r *Repository) Underlying() *git.Repository { return r.repo }

// ReadRef resolves name to its current target hash. ok is false when the ref
// does not exist.
func (r *Repository) ReadRef(name string) (plumbing.Hash, bool, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(name), true)
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, errors.Wrapf(err, "read ref %s", name)
	}
	return ref.Hash(), true, nil
}

// UpdateRef points name at hash, creating it if absent.
func (r *Repository) UpdateRef(name string, hash plumbing.Hash) error {
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return errors.Wrapf(err, "update ref %s", name)
	}
	return nil
}

// ListRefs returns every ref whose name has the given prefix.
func (r *Repository) ListRefs(prefix string) ([]string, error) {
	iter, err := r.repo.Storer.IterReferences()
	if err != nil {
		return nil, errors.Wrap(err, "iterate refs")
	}
	defer iter.Close()

	var names []string
	for {
		ref, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "iterate refs")
		}
		name := string(ref.Name())
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	return names, nil
}

// EmptyTree stores (if not already present) and returns the hash of the
// empty tree object. Event-log commits never touch the working tree, so
// every commit in a chain reuses this one tree (spec.md §3's
// "trees of all commits in a chain are identical" invariant).
func (r *Repository) EmptyTree() (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	// An empty tree object's payload is zero bytes; only its header (which
	// the storer computes from Type+Size) differs from an empty blob.
	if _, err := obj.Writer(); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "open empty tree writer")
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store empty tree")
	}
	return hash, nil
}

// WriteRawCommit stores buf (a caller-built raw commit object body, tree
// line through trailers) as a commit object and returns its hash. Using the
// raw buffer instead of go-git's object.Commit lets EventLog and
// AnnouncerSync attach the custom `radicle-ed25519` header the spec
// requires, which go-git's typed commit encoder does not model.
func (r *Repository) WriteRawCommit(buf []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "open commit writer")
	}
	if _, err := io.Copy(w, bytes.NewReader(buf)); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, errors.Wrap(err, "write commit buffer")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "close commit writer")
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store commit")
	}
	return hash, nil
}

// ReadRawCommit returns the raw bytes of the commit object at hash.
func (r *Repository) ReadRawCommit(hash plumbing.Hash) ([]byte, error) {
	obj, err := r.repo.Storer.EncodedObject(plumbing.CommitObject, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "load commit %s", hash)
	}
	rc, err := obj.Reader()
	if err != nil {
		return nil, errors.Wrapf(err, "read commit %s", hash)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, errors.Wrapf(err, "read commit %s", hash)
	}
	return buf.Bytes(), nil
}
