// Package fingerprint computes deterministic content hashes used as cache
// keys. Keys must be stable across process restarts and across workers, so
// everything is reduced to a canonical byte encoding before hashing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex-encoded sha256 of b. Fixed-width (64 hex chars),
// stable across architectures.
func Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Text is shorthand for Sum of a string.
func Text(s string) string {
	return Sum([]byte(s))
}

// JSON marshals v to its canonical JSON encoding and hashes that.
// encoding/json sorts map keys, so map-valued fields do not perturb the key.
// Struct fields marshal in declaration order; key structs are append-only.
func JSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}
	return Sum(b), nil
}
