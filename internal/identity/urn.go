// Package identity models the content-addressed identity graph: URNs,
// PeerIds, and the signed project/person metadata that the rest of coco
// replicates.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/sourcegraph/sourcegraph/lib/errors"
)

// RevisionLen is the width of a URN's content address.
const RevisionLen = 20

// Revision is the 20-byte content address a URN is keyed on.
type Revision [RevisionLen]byte

// URN is a content address with an optional path. Equality for replication
// purposes is by Revision alone; two URNs with different Paths to the same
// Revision denote the same identity.
type URN struct {
	Revision Revision
	Path     string
}

// String renders the canonical textual form, "rad:git:<hex>[/path]".
func (u URN) String() string {
	s := "rad:git:" + hex.EncodeToString(u.Revision[:])
	if u.Path != "" {
		s += "/" + strings.TrimPrefix(u.Path, "/")
	}
	return s
}

// Id returns the identity the URN denotes, ignoring Path. Used as the map
// key throughout the waiting room and event log, matching the spec's
// "equality is by revision" invariant.
func (u URN) Id() Revision { return u.Revision }

// MarshalText renders the revision as hex, letting Revision serve as a JSON
// object key (encoding/json requires map keys implement TextMarshaler) so
// persisted waiting-room snapshots round-trip through kv.Store.
func (r Revision) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(r[:])), nil
}

func (r *Revision) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return errors.Wrapf(err, "malformed revision %q", text)
	}
	if len(raw) != RevisionLen {
		return errors.Newf("malformed revision %q: want %d bytes, got %d", text, RevisionLen, len(raw))
	}
	copy(r[:], raw)
	return nil
}

// ParseURN parses the canonical "rad:git:<hex>[/path]" form.
func ParseURN(s string) (URN, error) {
	const prefix = "rad:git:"
	if !strings.HasPrefix(s, prefix) {
		return URN{}, errors.Newf("malformed urn %q: missing %q prefix", s, prefix)
	}
	rest := s[len(prefix):]
	hexPart, path, _ := strings.Cut(rest, "/")
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return URN{}, errors.Wrapf(err, "malformed urn %q: bad revision", s)
	}
	if len(raw) != RevisionLen {
		return URN{}, errors.Newf("malformed urn %q: revision must be %d bytes, got %d", s, RevisionLen, len(raw))
	}
	var u URN
	copy(u.Revision[:], raw)
	u.Path = path
	return u, nil
}

// PeerId is the public-key identity of a replicating peer: the author of
// event-log commits, the namespace for remote-tracking refs, and the key in
// the waiting room's per-peer status map.
type PeerId struct {
	key ed25519.PublicKey
}

// NewPeerId wraps a raw Ed25519 public key as a PeerId.
func NewPeerId(key ed25519.PublicKey) (PeerId, error) {
	if len(key) != ed25519.PublicKeySize {
		return PeerId{}, errors.Newf("peer id: want %d-byte ed25519 key, got %d", ed25519.PublicKeySize, len(key))
	}
	cp := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(cp, key)
	return PeerId{key: cp}, nil
}

// PublicKey returns the underlying Ed25519 public key.
func (p PeerId) PublicKey() ed25519.PublicKey { return p.key }

// String renders the peer id as base58-btc, the encoding the original
// daemon used for display and for remote-tracking ref namespaces.
func (p PeerId) String() string {
	if len(p.key) == 0 {
		return ""
	}
	return base58Encode(p.key)
}

// Equal reports whether two PeerIds wrap the same public key.
func (p PeerId) Equal(other PeerId) bool {
	return string(p.key) == string(other.key)
}

// IsZero reports whether p is the zero value.
func (p PeerId) IsZero() bool { return len(p.key) == 0 }

// ParsePeerId decodes a base58-btc-encoded PeerId.
func ParsePeerId(s string) (PeerId, error) {
	raw, err := base58Decode(s)
	if err != nil {
		return PeerId{}, errors.Wrapf(err, "malformed peer id %q", s)
	}
	return NewPeerId(raw)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode/base58Decode implement the fixed bitcoin-style alphabet the
// original implementation used for PeerId rendering. See SPEC_FULL.md's note
// on why this stays a local table instead of a new dependency.
func base58Encode(input []byte) string {
	zero := byte(base58Alphabet[0])

	x := make([]byte, len(input))
	copy(x, input)

	var result []byte
	for len(x) > 0 && anyNonZero(x) {
		next, rem := divmod58(x)
		result = append(result, base58Alphabet[rem])
		x = trimLeadingZeros(next)
	}
	// reverse
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	leadingZeros := 0
	for _, b := range input {
		if b != 0 {
			break
		}
		leadingZeros++
	}
	prefix := strings.Repeat(string(zero), leadingZeros)
	return prefix + string(result)
}

func anyNonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// divmod58 divides the big-endian byte slice x by 58, returning the
// quotient (same length as x) and the remainder.
func divmod58(x []byte) ([]byte, byte) {
	out := make([]byte, len(x))
	rem := 0
	for i, b := range x {
		acc := rem*256 + int(b)
		out[i] = byte(acc / 58)
		rem = acc % 58
	}
	return out, byte(rem)
}

func base58Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty base58 string")
	}
	index := make(map[byte]int, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		index[base58Alphabet[i]] = i
	}

	num := []int{0}
	for i := 0; i < len(s); i++ {
		v, ok := index[s[i]]
		if !ok {
			return nil, errors.Newf("invalid base58 character %q", s[i])
		}
		carry := v
		for j := 0; j < len(num); j++ {
			carry += num[j] * 58
			num[j] = carry & 0xff
			carry >>= 8
		}
		for carry > 0 {
			num = append(num, carry&0xff)
			carry >>= 8
		}
	}

	// num is little-endian; reverse to big-endian.
	out := make([]byte, len(num))
	for i, b := range num {
		out[len(num)-1-i] = byte(b)
	}

	leadingZeros := 0
	for i := 0; i < len(s) && s[i] == base58Alphabet[0]; i++ {
		leadingZeros++
	}
	return append(make([]byte, leadingZeros), trimLeadingZeros(out)...), nil
}
