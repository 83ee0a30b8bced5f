package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefix for shape-set identity.
// The version suffix allows a future change of the normalization rules.
const DomainShapes = "shapesub/shapes/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ShapeHash computes the content identity of a shape set.
//
// Every list in the set is treated as unordered: the top-level list of
// shapes, include lists and foreign-key column lists are all sorted by
// canonical encoding before hashing. Reordering includes therefore never
// changes the hash; the same holds for foreign-key column order, which is
// an accepted side effect.
//
// The result is 64 lowercase hex characters and never contains ':'.
func ShapeHash(shapes []Shape) (string, error) {
	arr := make(IRArray, len(shapes))
	for i, s := range shapes {
		arr[i] = s.IRValue()
	}

	normalized, err := Unordered(arr)
	if err != nil {
		return "", fmt.Errorf("ShapeHash: normalize: %w", err)
	}

	canonical, err := MarshalCanonical(normalized)
	if err != nil {
		return "", fmt.Errorf("ShapeHash: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainShapes, canonical), nil
}

// MustShapeHash is like ShapeHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustShapeHash(shapes []Shape) string {
	h, err := ShapeHash(shapes)
	if err != nil {
		panic(err)
	}
	return h
}
