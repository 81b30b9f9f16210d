package mmr

import (
	"encoding/binary"

	"github.com/klingnet-labs/txhashset/pkg/crypto"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Domain-separation prefixes for leaf vs internal node hashing, so a leaf
// hash can never collide with an internal node hash over the same bytes.
const (
	leafPrefix     = 0x00
	internalPrefix = 0x01
)

// HashLeaf computes the stored hash for a leaf at the given position,
// binding the position into the hash so identical leaf content appended
// at different points in the MMR never produces the same node hash.
func HashLeaf(pos uint64, data []byte) types.Hash {
	buf := make([]byte, 0, 9+len(data))
	buf = append(buf, leafPrefix)
	buf = binary.LittleEndian.AppendUint64(buf, pos)
	buf = append(buf, data...)
	return crypto.Hash(buf)
}

// HashInternal computes the stored hash for an internal node given its
// position and its two children's hashes.
func HashInternal(pos uint64, left, right types.Hash) types.Hash {
	buf := make([]byte, 0, 9+2*types.HashSize)
	buf = append(buf, internalPrefix)
	buf = binary.LittleEndian.AppendUint64(buf, pos)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return crypto.Hash(buf)
}

// BagPeaks folds a list of peak hashes (left to right) into a single root.
// An empty peak list hashes to the zero hash.
func BagPeaks(peakHashes []types.Hash) types.Hash {
	if len(peakHashes) == 0 {
		return types.Hash{}
	}
	root := peakHashes[len(peakHashes)-1]
	for i := len(peakHashes) - 2; i >= 0; i-- {
		root = crypto.HashConcat(peakHashes[i], root)
	}
	return root
}
