// Package chatid implements canonical conversation identifiers.
//
// A ChatId is a backend-prefixed, normalized conversation key. Two ChatIds
// compare equal iff their canonical string form is equal.
package chatid

import (
	"regexp"
	"strings"
)

var (
	hexGroupPattern    = regexp.MustCompile(`^[0-9a-fA-F]{20,}$`)
	base64GroupPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{20,}={0,2}$`)
	digitsOnly         = regexp.MustCompile(`^\d+$`)
)

// ID is a canonical conversation identifier: an optional backend prefix
// followed by a normalized bare identifier.
type ID struct {
	backendPrefix string
	bare          string
}

// New builds a canonical ID from a backend prefix (empty for the default
// backend) and a raw, possibly-unnormalized bare identifier.
func New(backendPrefix, raw string) ID {
	return ID{backendPrefix: backendPrefix, bare: normalizeBare(raw)}
}

// normalizeBare applies the total normalization rule: 10-digit strings become
// "+1XXXXXXXXXX"; 11-digit strings starting with "1" become "+1…"; hex
// strings of length >= 20 are lowercased (candidate group ids); everything
// else passes through unchanged.
func normalizeBare(raw string) string {
	s := strings.TrimSpace(raw)
	if digitsOnly.MatchString(s) {
		switch {
		case len(s) == 10:
			return "+1" + s
		case len(s) == 11 && s[0] == '1':
			return "+" + s
		}
	}
	if len(s) >= 20 && hexGroupPattern.MatchString(s) {
		return strings.ToLower(s)
	}
	return s
}

// String returns the canonical form: "<prefix>/<bare>" when a backend prefix
// is present, or the bare identifier alone for the default backend.
func (c ID) String() string {
	if c.backendPrefix == "" {
		return c.bare
	}
	return c.backendPrefix + "/" + c.bare
}

// Bare returns the normalized identifier without any backend prefix.
func (c ID) Bare() string { return c.bare }

// BackendPrefix returns the backend prefix, empty for the default backend.
func (c ID) BackendPrefix() string { return c.backendPrefix }

// Equal reports whether two ids have the same canonical form.
func (c ID) Equal(other ID) bool { return c.String() == other.String() }

// IsGroup reports whether the bare identifier matches a group pattern:
// lowercase hex (iMessage-style group guid) or base64 (Signal-style group id).
func (c ID) IsGroup() bool {
	if hexGroupPattern.MatchString(c.bare) && c.bare == strings.ToLower(c.bare) {
		return true
	}
	return base64GroupPattern.MatchString(c.bare) && !digitsOnly.MatchString(c.bare)
}

// IsZero reports whether the id was never populated.
func (c ID) IsZero() bool { return c.bare == "" && c.backendPrefix == "" }

// Background returns the paired background/consolidation id for this chat,
// e.g. "+15555551234" -> "+15555551234-bg".
func (c ID) Background() ID {
	return ID{backendPrefix: c.backendPrefix, bare: c.bare + backgroundSuffix}
}

// IsBackground reports whether this id is a background-session id.
func (c ID) IsBackground() bool {
	return strings.HasSuffix(c.bare, backgroundSuffix)
}

const backgroundSuffix = "-bg"

// Parse reconstructs an ID from its canonical string form, splitting on the
// first "/" to recover a backend prefix when present. Parsing an
// already-normalized ChatId string is the identity: Parse(c.String()) == c.
func Parse(canonical string) ID {
	if i := strings.IndexByte(canonical, '/'); i >= 0 {
		prefix, bare := canonical[:i], canonical[i+1:]
		// A backend prefix never contains "/", so the first slash is always
		// the prefix separator; a later slash (a base64 group id may hold
		// one) stays in the bare part.
		return New(prefix, bare)
	}
	return New("", canonical)
}
