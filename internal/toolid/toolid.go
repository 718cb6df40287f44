// Package toolid maps (server, tool) pairs into the flat function namespace
// exposed to the model.
//
// Encoding is one-way. The registry that produced an id keeps the reverse
// mapping.
package toolid

import (
	"regexp"
	"strings"
)

const (
	// MaxLen is the longest id most providers accept for a function name.
	MaxLen = 63
	// PrefixLen is the number of server id characters kept as a namespace.
	PrefixLen = 16
	// Marker is prepended when an id would not start with a letter.
	Marker = 't'
)

var grammar = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)

// Valid reports whether id is a well-formed tool id.
func Valid(id string) bool {
	return grammar.MatchString(id)
}

// Encode returns the tool id for rawName served by serverID.
//
// The result always satisfies Valid. Two names that only differ past the
// truncation point encode to the same id.
func Encode(serverID, rawName string) string {
	prefix := strings.ReplaceAll(serverID, "-", "")
	if len(prefix) > PrefixLen {
		prefix = prefix[:PrefixLen]
	}
	joined := prefix + "-" + strings.TrimSpace(rawName)

	var sb strings.Builder
	sb.Grow(len(joined) + 1)
	for _, r := range joined {
		if allowed(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	id := sb.String()
	if !isLetter(id[0]) {
		id = string(Marker) + id
	}

	id = collapse(id)
	if len(id) > MaxLen {
		id = id[:MaxLen]
	}
	return strings.TrimRight(id, "_-")
}

// collapse keeps the first separator of every run of separators.
func collapse(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if isSeparator(s[i]) && len(out) > 0 && isSeparator(out[len(out)-1]) {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func allowed(r rune) bool {
	return r < 0x80 && (isLetter(byte(r)) || (r >= '0' && r <= '9') || isSeparator(byte(r)))
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isSeparator(b byte) bool {
	return b == '_' || b == '-'
}
