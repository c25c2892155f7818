package monorepo

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radicle-dev/coco/internal/gitstore"
	"github.com/radicle-dev/coco/internal/identity"
)

type fakeProjects struct {
	projects map[identity.Revision]identity.Project
}

func (f *fakeProjects) GetProject(urn identity.URN) (identity.Project, error) {
	p, ok := f.projects[urn.Id()]
	if !ok {
		return identity.Project{}, errNotFound
	}
	return p, nil
}

var errNotFound = errNotFoundErr{}

type errNotFoundErr struct{}

func (errNotFoundErr) Error() string { return "project not found" }

type fakeTracking struct {
	peers map[identity.Revision][]identity.PeerId
}

func (f *fakeTracking) TrackedPeers(urn identity.URN) ([]identity.PeerId, error) {
	return f.peers[urn.Id()], nil
}

type fakeResolver struct{}

func (fakeResolver) ResolvePerson(identity.URN) (identity.Person, error) {
	return identity.Person{}, errNotFound
}

func testPeer(t *testing.T) identity.PeerId {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pid, err := identity.NewPeerId(pub)
	require.NoError(t, err)
	return pid
}

func testURN(b byte) identity.URN {
	var rev identity.Revision
	rev[0] = b
	return identity.URN{Revision: rev}
}

func TestGetBranchMissingRef(t *testing.T) {
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)

	urn := testURN(1)
	projects := &fakeProjects{projects: map[identity.Revision]identity.Project{
		urn.Id(): {URN: urn, Name: "proj", DefaultBranch: "main"},
	}}
	bridge := New(repo, projects, &fakeTracking{}, fakeResolver{}, testPeer(t), t.TempDir())

	_, err = bridge.GetBranch(urn, nil, "")
	require.Error(t, err)
	var missing MissingRefError
	require.ErrorAs(t, err, &missing)
}

func TestGetBranchNormalizesLocalRemote(t *testing.T) {
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)

	urn := testURN(2)
	local := testPeer(t)
	projects := &fakeProjects{projects: map[identity.Revision]identity.Project{
		urn.Id(): {URN: urn, Name: "proj", DefaultBranch: "main"},
	}}
	bridge := New(repo, projects, &fakeTracking{}, fakeResolver{}, local, t.TempDir())

	tree, err := repo.EmptyTree()
	require.NoError(t, err)
	buf := gitstore.BuildCommit(tree, nil, gitstore.Signature{Name: "t", Email: "t@t"}, gitstore.Signature{Name: "t", Email: "t@t"}, nil, "init\n")
	hash, err := repo.WriteRawCommit(buf)
	require.NoError(t, err)
	ownRef := Reference{Namespace: urn, Name: "main"}
	require.NoError(t, repo.UpdateRef(ownRef.RefName(), hash))

	ref, err := bridge.GetBranch(urn, &local, "main")
	require.NoError(t, err)
	require.Nil(t, ref.Remote)
}

func TestFindDefaultBranchFallsBackToDelegate(t *testing.T) {
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)

	urn := testURN(3)
	delegate := testPeer(t)
	project := identity.Project{
		URN:           urn,
		Name:          "proj",
		DefaultBranch: "main",
		Delegates:     []identity.Delegate{identity.PeerDelegate(delegate)},
	}
	projects := &fakeProjects{projects: map[identity.Revision]identity.Project{urn.Id(): project}}
	bridge := New(repo, projects, &fakeTracking{}, fakeResolver{}, testPeer(t), t.TempDir())

	tree, err := repo.EmptyTree()
	require.NoError(t, err)
	sig := gitstore.Signature{Name: "t", Email: "t@t"}
	buf := gitstore.BuildCommit(tree, nil, sig, sig, nil, "init\n")
	hash, err := repo.WriteRawCommit(buf)
	require.NoError(t, err)

	delegateRef := Reference{Namespace: urn, Remote: &delegate, Name: "main"}
	require.NoError(t, repo.UpdateRef(delegateRef.RefName(), hash))

	ref, err := bridge.FindDefaultBranch(urn)
	require.NoError(t, err)
	require.NotNil(t, ref.Remote)
	require.Equal(t, delegate, *ref.Remote)
}

func TestRewriteIncludeWritesKnownHandles(t *testing.T) {
	repo, err := gitstore.Init(t.TempDir())
	require.NoError(t, err)

	urn := testURN(4)
	peer := testPeer(t)
	tracking := &fakeTracking{peers: map[identity.Revision][]identity.PeerId{urn.Id(): {peer}}}
	includeDir := t.TempDir()
	bridge := New(repo, &fakeProjects{projects: map[identity.Revision]identity.Project{}}, tracking, fakeResolver{}, testPeer(t), includeDir)

	path, err := bridge.RewriteInclude(urn, map[identity.PeerId]string{peer: "alice"})
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path) || filepath.Dir(path) == includeDir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, peer.String()+" alice\n", string(data))
}
