package identity

import (
	"encoding/json"

	"golang.org/x/crypto/blake2b"

	"github.com/sourcegraph/sourcegraph/lib/errors"
)

// Delegate is either a direct peer key or a person identity that in turn
// delegates to a set of keys. The delegation graph can be mutually
// recursive (projects delegate to persons, persons delegate to keys); see
// SPEC_FULL.md §9 for how cycles are broken.
type Delegate struct {
	Peer   PeerId
	Person *URN // nil when Delegate is a direct PeerId
}

func PeerDelegate(p PeerId) Delegate  { return Delegate{Peer: p} }
func PersonDelegate(u URN) Delegate   { return Delegate{Person: &u} }
func (d Delegate) IsPerson() bool     { return d.Person != nil }

// Project is the signed metadata the spec calls "Project identity".
type Project struct {
	URN           URN
	Name          string
	Description   string
	DefaultBranch string
	Delegates     []Delegate

	// Remotes lists every peer the project's seed-fetch step should install
	// a tracking relation for, besides the delegates' own keys.
	Remotes []PeerId
}

// Person is the signed metadata the spec calls "Person identity".
type Person struct {
	URN       URN
	Name      string
	Delegates []PeerId
}

// ContentID computes the content address a Person's identity document is
// known by: a keyless blake2b digest of its canonical JSON encoding,
// truncated to RevisionLen so it can back a rad/id ref the same way a git
// object id does.
func (p Person) ContentID() (Revision, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Revision{}, errors.Wrap(err, "marshal person for content id")
	}
	h, err := blake2b.New(RevisionLen, nil)
	if err != nil {
		return Revision{}, errors.Wrap(err, "init content id hash")
	}
	h.Write(data)
	var rev Revision
	copy(rev[:], h.Sum(nil))
	return rev, nil
}

// Kind discriminates SomeIdentity at the storage boundary, per SPEC_FULL §9
// ("Dynamic dispatch over identities").
type Kind int

const (
	KindProject Kind = iota
	KindPerson
)

// SomeIdentity is the tagged variant `{Project(P), Person(U)}` from spec.md
// §9.
type SomeIdentity struct {
	Kind    Kind
	Project *Project
	Person  *Person
}

func OfProject(p Project) SomeIdentity { return SomeIdentity{Kind: KindProject, Project: &p} }
func OfPerson(p Person) SomeIdentity   { return SomeIdentity{Kind: KindPerson, Person: &p} }

func (s SomeIdentity) URN() URN {
	if s.Kind == KindProject {
		return s.Project.URN
	}
	return s.Person.URN
}

// PersonResolver resolves a person URN to its current identity, used to
// flatten indirect (person-backed) delegates into peer keys.
type PersonResolver interface {
	ResolvePerson(URN) (Person, error)
}

// FlattenDelegateKeys computes the flat set of PeerIds authorized to sign
// updates to a project: the project's direct peer delegates, plus the peer
// delegates of every person delegate (one level of indirection, per
// spec.md §9 — "cycles are broken by treating the delegate-URN set as a flat
// map": we never recurse into a person's own person-delegates, since the
// data model does not allow persons to delegate to persons).
func FlattenDelegateKeys(p Project, resolve PersonResolver) ([]PeerId, error) {
	seen := make(map[string]struct{})
	var keys []PeerId

	add := func(pid PeerId) {
		k := pid.String()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, pid)
	}

	for _, d := range p.Delegates {
		if !d.IsPerson() {
			add(d.Peer)
		}
	}
	for _, d := range p.Delegates {
		if !d.IsPerson() {
			continue
		}
		person, err := resolve.ResolvePerson(*d.Person)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving delegate person %s", d.Person)
		}
		for _, k := range person.Delegates {
			add(k)
		}
	}
	return keys, nil
}
