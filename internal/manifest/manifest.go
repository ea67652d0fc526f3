// Package manifest computes the whole-transfer BLAKE3 Merkle root used to
// verify a completed transfer end to end, independent of the per-chunk AEAD
// tags the wire protocol already checks.
package manifest

import "github.com/zeebo/blake3"

// LeafHash returns the BLAKE3 digest of one segment's plaintext bytes, the
// leaf of the Merkle tree built over the whole transfer.
func LeafHash(segment []byte) [32]byte {
	h := blake3.New()
	h.Write(segment)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Root builds the Merkle root bottom-up over leaves in segment order,
// duplicating the last leaf of a level when its count is odd. Returns the
// zero value for an empty transfer.
func Root(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := blake3.New()
			h.Write(left[:])
			h.Write(right[:])
			var parent [32]byte
			copy(parent[:], h.Sum(nil))
			next = append(next, parent)
		}
		level = next
	}
	return level[0]
}

// Builder accumulates per-segment leaf hashes in delivery order and produces
// the final root once every segment has been observed.
type Builder struct {
	leaves [][32]byte
}

// NewBuilder returns a Builder with capacity for totalSegments leaves.
func NewBuilder(totalSegments int) *Builder {
	return &Builder{leaves: make([][32]byte, 0, totalSegments)}
}

// AddSegment hashes and appends one segment's plaintext bytes. Segments must
// be added in ascending segment order to match the sender's root.
func (b *Builder) AddSegment(data []byte) {
	b.leaves = append(b.leaves, LeafHash(data))
}

// Root returns the Merkle root over every segment added so far.
func (b *Builder) Root() [32]byte {
	return Root(b.leaves)
}

// BuildRoot is a convenience for the sender side: it hashes every segment in
// order and returns the resulting root directly.
func BuildRoot(segments [][]byte) [32]byte {
	b := NewBuilder(len(segments))
	for _, seg := range segments {
		b.AddSegment(seg)
	}
	return b.Root()
}
