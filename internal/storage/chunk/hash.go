package chunk

import "github.com/zeebo/blake3"

// Hash computes BLAKE3 digest for a chunk.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// NewHasher returns a streaming BLAKE3 hasher for chunks too large to hold in memory.
func NewHasher() *blake3.Hasher {
	return blake3.New()
}

// Sum finalizes h into a fixed-size digest.
func Sum(h *blake3.Hasher) [32]byte {
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
