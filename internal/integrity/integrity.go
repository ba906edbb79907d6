// Package integrity provides tamper-evident hashing for run artifacts: a
// content digest per file and a Merkle root binding every artifact of a run.
// All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FieldsHash hashes an ordered list of fields. Each field is written as a
// 4-byte big-endian length followed by its bytes, so no field value can
// collide with a different split of the same bytes.
func FieldsHash(fields ...string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f))) //nolint:gosec // artifact fields are far below 4 GiB
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Leaf is one named content digest in a manifest.
type Leaf struct {
	Name   string
	Digest string
}

// ManifestRoot sorts leaves by name, binds each name to its digest and
// returns the Merkle root. It returns "" for no leaves.
func ManifestRoot(leaves []Leaf) string {
	sorted := append([]Leaf(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	hashes := make([]string, len(sorted))
	for i, l := range sorted {
		hashes[i] = FieldsHash(l.Name, l.Digest)
	}
	return BuildMerkleRoot(hashes)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes in the given
// order and returns the root. Empty input returns ""; a single leaf is its
// own root. Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
