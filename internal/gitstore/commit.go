package gitstore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sourcegraph/sourcegraph/lib/errors"
)

// Signature is a commit author/committer line.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) encode() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format("-0700"))
}

// RawCommit is a parsed Git commit object: the handful of fields EventLog
// and AnnouncerSync need, plus arbitrary extra headers (the spec's
// `radicle-ed25519` signature header among them) and trailers parsed out of
// the message body.
type RawCommit struct {
	Hash      plumbing.Hash
	Tree      plumbing.Hash
	Parent    *plumbing.Hash
	Author    Signature
	Committer Signature
	// Headers holds every commit header beyond tree/parent/author/committer,
	// keyed by header name (e.g. "radicle-ed25519").
	Headers map[string]string
	// Message is the commit message body (everything after the blank line
	// separating headers from message), trailers included.
	Message string
	// Trailers holds the "key: value" lines parsed from the tail of
	// Message, per Git trailer convention.
	Trailers map[string]string
}

// BuildCommit composes the raw commit object body the spec's publish
// protocol describes: a tree line, an optional single parent line,
// author/committer lines, an optional extra header (used for the
// `radicle-ed25519` signature), a blank line, then the message (title,
// blank line, trailers).
func BuildCommit(tree plumbing.Hash, parent *plumbing.Hash, author, committer Signature, extraHeader *HeaderField, message string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree.String())
	if parent != nil {
		fmt.Fprintf(&buf, "parent %s\n", parent.String())
	}
	fmt.Fprintf(&buf, "author %s\n", author.encode())
	fmt.Fprintf(&buf, "committer %s\n", committer.encode())
	if extraHeader != nil {
		fmt.Fprintf(&buf, "%s %s\n", extraHeader.Name, foldHeaderValue(extraHeader.Value))
	}
	buf.WriteByte('\n')
	buf.WriteString(message)
	return buf.Bytes()
}

// HeaderField is a single extra commit header (name, value).
type HeaderField struct {
	Name  string
	Value string
}

// foldHeaderValue applies Git's header continuation convention: embedded
// newlines are followed by a single leading space so the value stays one
// logical header. The signature values coco writes are single-line base64,
// so this only matters for forward-compatibility with longer encodings.
func foldHeaderValue(v string) string {
	return strings.ReplaceAll(v, "\n", "\n ")
}

func unfoldHeaderValue(v string) string {
	return strings.ReplaceAll(v, "\n ", "\n")
}

// ParseCommit parses a raw commit object body as produced by BuildCommit
// (or any spec-conformant writer).
func ParseCommit(hash plumbing.Hash, buf []byte) (RawCommit, error) {
	c := RawCommit{Hash: hash, Headers: map[string]string{}}

	lines := strings.Split(string(buf), "\n")
	i := 0
	var curHeader, curValue string
	flush := func() {
		if curHeader == "" {
			return
		}
		value := unfoldHeaderValue(curValue)
		switch curHeader {
		case "tree":
			c.Tree = plumbing.NewHash(value)
		case "parent":
			h := plumbing.NewHash(value)
			c.Parent = &h
		case "author":
			c.Author = mustParseSignature(value)
		case "committer":
			c.Committer = mustParseSignature(value)
		default:
			c.Headers[curHeader] = value
		}
		curHeader, curValue = "", ""
	}

	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			flush()
			i++
			break
		}
		if strings.HasPrefix(line, " ") {
			curValue += "\n" + strings.TrimPrefix(line, " ")
			continue
		}
		flush()
		name, value, ok := strings.Cut(line, " ")
		if !ok {
			return RawCommit{}, errors.Newf("malformed commit header line %q", line)
		}
		curHeader, curValue = name, value
	}
	c.Message = strings.Join(lines[i:], "\n")
	c.Trailers = parseTrailers(c.Message)
	return c, nil
}

func mustParseSignature(v string) Signature {
	// "Name <email> unixSeconds +zzzz"
	lt := strings.LastIndexByte(v, '<')
	gt := strings.LastIndexByte(v, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return Signature{}
	}
	name := strings.TrimSpace(v[:lt])
	email := v[lt+1 : gt]
	rest := strings.Fields(strings.TrimSpace(v[gt+1:]))
	var when time.Time
	if len(rest) >= 1 {
		if sec, err := strconv.ParseInt(rest[0], 10, 64); err == nil {
			when = time.Unix(sec, 0).UTC()
		}
	}
	if len(rest) >= 2 {
		if tz, err := time.Parse("-0700", rest[1]); err == nil {
			_, off := tz.Zone()
			when = when.In(time.FixedZone("", off))
		}
	}
	return Signature{Name: name, Email: email, When: when}
}

// parseTrailers extracts "key: value" lines from a commit message. Every
// line is scanned, the title included; a line counts when its key holds no
// whitespace, and a later key overwrites an earlier one. Spec.md §4.2 relies on two trailers,
// `content-type` and `content`.
func parseTrailers(message string) map[string]string {
	trailers := map[string]string{}
	lines := strings.Split(message, "\n")
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if strings.ContainsAny(key, " \t") {
			continue
		}
		trailers[key] = value
	}
	return trailers
}
