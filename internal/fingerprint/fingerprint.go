// Package fingerprint computes stable content hashes used for message
// deduplication. Identical semantic content always yields the same
// fingerprint; any field change yields a different one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Content holds the message fields that participate in the fingerprint.
// Missing fields are treated as their zero value.
type Content struct {
	Text     string
	HasMedia bool
	AuthorID int64
}

// Compute returns the hex-encoded SHA-256 over the canonical concatenation
// of the content fields. Pure function, no side effects.
func Compute(c Content) string {
	var b strings.Builder
	b.WriteString(c.Text)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(c.HasMedia))
	b.WriteByte('|')
	if c.AuthorID != 0 {
		b.WriteString(strconv.FormatInt(c.AuthorID, 10))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
