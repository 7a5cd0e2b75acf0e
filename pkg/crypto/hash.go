// Package crypto provides the ledger's hashing primitive.
package crypto

import (
	"hash"

	"github.com/Klingon-tech/ledgerchat/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// NewHasher returns a streaming BLAKE3 hasher with a 32-byte output.
func NewHasher() hash.Hash {
	return blake3.New()
}

// Sum finalizes a hasher from NewHasher into a types.Hash.
func Sum(h hash.Hash) types.Hash {
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
