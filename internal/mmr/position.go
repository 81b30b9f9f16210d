// Package mmr implements a persistent, prunable Merkle Mountain Range: an
// append-only accumulator whose node positions are stable across pruning
// and whose peaks bag into a single root.
//
// Positions are 1-based and assigned sequentially as nodes are inserted
// (leaves and the internal nodes created by merging equal-height peaks),
// exactly as in Grin's pmmr implementation. Because a node's height is a
// pure function of its position and the current size, the tree shape never
// needs to be stored explicitly — it is always recoverable from `size`
// alone.
package mmr

// Popcount returns the number of set bits in x.
func Popcount(x uint64) uint64 {
	var n uint64
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// LeafIndexToPos converts a 0-based leaf insertion index to its 1-based
// MMR position. This is the standard closed-form MMR position formula:
// pos = 2*index - popcount(index) + 1.
func LeafIndexToPos(index uint64) uint64 {
	return 2*index - Popcount(index) + 1
}

// SizeAfterLeaves returns the total node count (last assigned position)
// of an MMR after n leaves have been appended with all resulting merges
// applied: size = 2n - popcount(n).
func SizeAfterLeaves(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return 2*n - Popcount(n)
}

// maxPeakHeight returns the largest height h such that a perfect binary
// subtree of that height (2^(h+1)-1 nodes) fits within remaining.
func maxPeakHeight(remaining uint64) uint64 {
	if remaining == 0 {
		return 0
	}
	var h uint64
	for (uint64(1)<<(h+2))-1 <= remaining {
		h++
	}
	return h
}

// Peak describes one peak of the MMR at a given size: its position (the
// root of a perfect binary subtree) and that subtree's height.
type Peak struct {
	Pos    uint64
	Height uint64
}

// Peaks decomposes an MMR of the given size into its ordered peaks, each a
// perfect binary subtree of decreasing height. This is the unique
// "Mountain Range" decomposition: positions assigned left-to-right mean
// peak offsets are simply cumulative subtree sizes.
func Peaks(size uint64) []Peak {
	var peaks []Peak
	remaining := size
	base := uint64(0)
	for remaining > 0 {
		h := maxPeakHeight(remaining)
		peakSize := (uint64(1) << (h + 1)) - 1
		base += peakSize
		peaks = append(peaks, Peak{Pos: base, Height: h})
		remaining -= peakSize
	}
	return peaks
}

// NLeaves returns the number of leaves present in an MMR of the given
// size (a perfect subtree of height h holds 2^h leaves).
func NLeaves(size uint64) uint64 {
	var n uint64
	for _, p := range Peaks(size) {
		n += 1 << p.Height
	}
	return n
}

// peakOffsetAndHeight finds which peak of an MMR of the given size
// contains pos, returning that peak's base offset (position of the node
// immediately before the peak's subtree starts) and height.
func peakOffsetAndHeight(pos, size uint64) (offset, height uint64, ok bool) {
	remaining := size
	cum := uint64(0)
	for remaining > 0 {
		h := maxPeakHeight(remaining)
		peakSize := (uint64(1) << (h + 1)) - 1
		if pos <= cum+peakSize {
			return cum, h, true
		}
		cum += peakSize
		remaining -= peakSize
	}
	return 0, 0, false
}

// IsLeaf reports whether pos is a leaf position within an MMR of the given
// size (a leaf is any node at height 0).
func IsLeaf(pos, size uint64) bool {
	_, height, found := localHeightOf(pos, size)
	return found && height == 0
}

// localHeightOf returns the height of the node at pos within the peak
// subtree that contains it.
func localHeightOf(pos, size uint64) (local, height uint64, ok bool) {
	offset, peakHeight, found := peakOffsetAndHeight(pos, size)
	if !found {
		return 0, 0, false
	}
	local = pos - offset
	h, found := heightOfLocal(local, peakHeight)
	return local, h, found
}

// heightOfLocal recurses through a perfect binary subtree of the given
// height (root at local position 2^(height+1)-1) to find the height of
// the node at local position `local`.
func heightOfLocal(local, height uint64) (uint64, bool) {
	size := (uint64(1) << (height + 1)) - 1
	if local == size {
		return height, true
	}
	if height == 0 {
		return 0, false
	}
	leftSize := (uint64(1) << height) - 1
	if local <= leftSize {
		return heightOfLocal(local, height-1)
	}
	return heightOfLocal(local-leftSize, height-1)
}

// Family returns the sibling and parent position of pos within the MMR of
// the given size, and whether pos is a left child. isPeak is true when pos
// is itself a peak (it has no parent within the tree — only bagging
// combines peaks into a root).
func Family(pos, size uint64) (sibling, parent uint64, isLeftChild, isPeak bool) {
	offset, height, found := peakOffsetAndHeight(pos, size)
	if !found {
		return 0, 0, false, false
	}
	local := pos - offset
	localSize := (uint64(1) << (height + 1)) - 1
	if local == localSize {
		return 0, 0, true, true
	}
	ls, lp, left := subtreeFamily(local, height)
	return offset + ls, offset + lp, left, false
}

// subtreeFamily computes the sibling/parent of localPos within a perfect
// binary subtree of the given height, in that subtree's own local
// coordinate space (root at local position 2^(height+1)-1).
func subtreeFamily(localPos, height uint64) (siblingLocal, parentLocal uint64, isLeft bool) {
	size := (uint64(1) << (height + 1)) - 1
	leftSize := (uint64(1) << height) - 1

	if localPos <= leftSize {
		if localPos == leftSize {
			// Root of the left half: sibling is the right half's root.
			return size - 1, size, true
		}
		return subtreeFamily(localPos, height-1)
	}

	rlocal := localPos - leftSize
	if rlocal == leftSize {
		return leftSize, size, false
	}
	sl, pl, left := subtreeFamily(rlocal, height-1)
	return sl + leftSize, pl + leftSize, left
}

// PosToLeafIndex converts a leaf's 1-based MMR position back to its
// 0-based insertion index. Treating pos itself as a size always yields a
// valid peak decomposition ending in a height-0 peak, because merges only
// ever create nodes at positions greater than the leaves they merge, so a
// leaf's own position is self-consistent with the MMR state at the moment
// it was appended.
func PosToLeafIndex(pos uint64) uint64 {
	return NLeaves(pos) - 1
}

// RightmostLeaf descends from the rightmost peak of an MMR of the given
// size to find the position of its rightmost leaf. Used to resolve
// "position at a given height" style header-MMR queries.
func RightmostLeaf(size uint64) uint64 {
	peaks := Peaks(size)
	if len(peaks) == 0 {
		return 0
	}
	last := peaks[len(peaks)-1]
	offset := last.Pos - ((uint64(1) << (last.Height + 1)) - 1)
	local := last.Pos - offset
	height := last.Height
	for height > 0 {
		local--
		height--
	}
	return offset + local
}
