package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v deterministically: object keys are sorted and
// numbers keep their literal form. Used for idempotency keys, checksums and
// the audit hash chain, where byte-identical output across runs matters.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	// Round-trip through an untyped tree; encoding/json emits map keys in
	// sorted order. UseNumber keeps 64-bit integers intact.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to rebuild canonical tree: %w", err)
	}

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical tree: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical returns the SHA-256 of the canonical JSON form of v.
func HashCanonical(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(data), nil
}
