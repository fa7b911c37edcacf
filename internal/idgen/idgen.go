// Package idgen generates entity identifiers.
//
// Identifiers are UUIDv7 strings: the leading 48 bits carry the unix
// millisecond timestamp and the rest is random, so ids sort lexicographically
// by creation time. Temporary identifiers mark entities created while offline
// that have not yet been assigned a permanent id by the remote backend.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// TemporaryPrefix marks an identifier as client-generated and not yet committed.
const TemporaryPrefix = "temp-"

// Generator produces identifiers.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Generate returns a new permanent-style identifier.
func Generate() string {
	return UUIDv7Generator{}.Generate()
}

// GenerateTemporary returns a new temporary identifier.
func GenerateTemporary() string {
	return TemporaryPrefix + Generate()
}

// IsTemporary reports whether id carries the temporary prefix.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}
