// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing for Hlekkr records.
//
// Every hash that enters the custody chain — content hashes, event hashes,
// integrity proofs — is computed over the canonical form produced here, so
// two encodings of the same logical value always hash identically.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"encoding/json"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks digests produced by this package.
const HashPrefix = "sha256:"

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json (struct tags respected), then the
// intermediate form is canonicalized: keys sorted, numbers normalized, no
// HTML escaping.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// MarshalString returns the canonical form as a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// ContentHash hashes arbitrary content. Strings hash as raw UTF-8; []byte
// hashes as-is; everything else hashes as canonical JSON.
func ContentHash(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return HashBytes([]byte(t)), nil
	case []byte:
		return HashBytes(t), nil
	}
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
