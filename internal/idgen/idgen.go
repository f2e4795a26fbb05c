// Package idgen provides random identifier generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random version 4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex characters of a random UUID,
// e.g. "txn_9f1c...". Prefixes make identifiers self-describing in logs.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
