// Package checksum derives cheap content digests for sync payloads.
//
// The digest is a change detector, not a cryptographic guarantee: two copies
// of a field are assumed equal when their checksums match, and the sync
// engine uses that assumption to drop no-op updates and suppress self-echoes.
// The algorithm can be swapped without protocol changes because checksums are
// never persisted remotely.
package checksum

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Sum computes the FNV-1a digest of a JSON payload in canonical form.
// Deeply-equal payloads produce equal sums regardless of object key order.
// A nil or empty payload sums to the empty string.
func Sum(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	canonical, err := Canonical(data)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write(canonical)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// SumValue marshals v and computes its checksum.
func SumValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Sum(data)
}

// Canonical re-encodes a JSON document into a deterministic byte form:
// object keys sorted, insignificant whitespace removed. encoding/json
// sorts map keys on output, so a decode/encode round trip is sufficient.
func Canonical(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return json.Marshal(v)
}

// Equal reports whether two payloads have the same canonical content.
func Equal(a, b []byte) (bool, error) {
	sa, err := Sum(a)
	if err != nil {
		return false, err
	}
	sb, err := Sum(b)
	if err != nil {
		return false, err
	}
	return sa == sb, nil
}
