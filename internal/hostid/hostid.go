// Package hostid derives the deterministic host id from an actor identity
// (name, key...), per spec.md §3: "A deterministic hash of (name,key)
// yields a stable host id."
//
// Hashing uses xxhash (github.com/cespare/xxhash/v2), the same
// fast non-cryptographic hash the teacher repo and its sibling forks in
// the retrieved pack carry as a dependency for exactly this kind of
// sharding-key derivation.
package hostid

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Derive computes a stable host id string for (name, key). The encoding
// framing (length-prefixed segments) guarantees that
// Derive("ab", "c") != Derive("a", "bc"): without framing, the
// concatenation "ab"+"c" would collide with "a"+"bc".
func Derive(name string, key []string) string {
	h := xxhash.New()
	writeSegment(h, name)
	for _, k := range key {
		writeSegment(h, k)
	}
	sum := h.Sum64()
	return strconv.FormatUint(sum, 36)
}

func writeSegment(h *xxhash.Digest, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
