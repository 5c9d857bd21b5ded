// Package uuidgen generates the random peer-identity UUIDs stores use
// (spec §3: "uuid identifies the Store instance for its lifetime"). No
// library in the example pack provides this concern on its own, and the
// format is the one standard shape (RFC 4122 v4, 36 ASCII characters), so
// this is a small stdlib-only helper rather than a new dependency.
package uuidgen

import (
	"crypto/rand"
	"fmt"
)

// New returns a random version-4 UUID string, always exactly 36 bytes
// (spec §3 Ascii36).
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("uuidgen: reading random bytes: %v", err))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
