// Package canonjson produces canonical JSON (RFC 8785 / JCS) and SHA-256
// request hashes over it. Every idempotency key comparison and the policy
// ETag go through this package so that two logically equal documents always
// hash identically, regardless of map iteration order or whitespace.
package canonjson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the canonical JSON encoding of v: sorted keys, compact
// separators, JCS number formatting.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	c, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for values known to be JSON-encodable (maps of scalars,
// already-decoded documents). It panics on encoding failure, which for such
// inputs indicates a programming error.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
