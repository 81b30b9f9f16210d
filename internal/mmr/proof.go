package mmr

import (
	"fmt"

	"github.com/klingnet-labs/txhashset/pkg/types"
)

// ProofStep is one sibling hash encountered while walking from a leaf up
// to its peak, together with whether the known node was the left child
// (so the sibling belongs on the right) at that step.
type ProofStep struct {
	Sibling     types.Hash
	IsLeftChild bool
}

// Proof is a Merkle inclusion proof for a single leaf position in an MMR
// of a given size: the path of sibling hashes from the leaf to its peak,
// plus the remaining bagged peaks needed to recompute the root.
type Proof struct {
	LeafPos    uint64
	Size       uint64
	Path       []ProofStep
	OtherPeaks []types.Hash // peaks other than the one containing LeafPos, in MMR order
	PeakIndex  int          // index of the peak containing LeafPos within the full peak list
}

// Verify recomputes the root implied by the proof starting from leafHash
// and checks it against expectedRoot.
func (p *Proof) Verify(leafHash types.Hash, expectedRoot types.Hash) error {
	cur := leafHash
	pos := p.LeafPos
	for _, step := range p.Path {
		_, parent, _, _, ok := familyAt(pos, p.Size)
		if !ok {
			return fmt.Errorf("mmr: proof path position %d invalid for size %d", pos, p.Size)
		}
		if step.IsLeftChild {
			cur = HashInternal(parent, cur, step.Sibling)
		} else {
			cur = HashInternal(parent, step.Sibling, cur)
		}
		pos = parent
	}

	peaks := make([]types.Hash, 0, len(p.OtherPeaks)+1)
	inserted := false
	for i := 0; i <= len(p.OtherPeaks); i++ {
		if i == p.PeakIndex {
			peaks = append(peaks, cur)
			inserted = true
			continue
		}
		j := i
		if inserted {
			j--
		}
		if j < len(p.OtherPeaks) {
			peaks = append(peaks, p.OtherPeaks[j])
		}
	}

	root := BagPeaks(peaks)
	if root != expectedRoot {
		return fmt.Errorf("mmr: computed root does not match expected root")
	}
	return nil
}

// familyAt is Family with the parent's sibling-relationship resolved
// (whether pos is itself the left child of its parent).
func familyAt(pos, size uint64) (sibling, parent uint64, isLeftChild, isPeak, ok bool) {
	s, p, left, peak := Family(pos, size)
	if peak {
		return 0, 0, false, true, true
	}
	return s, p, left, false, true
}
