// Package txhashset implements the transactional UTXO-set engine: seven
// parallel Merkle Mountain Range accumulators (the base output/rangeproof/
// kernel set, and an analogous token set of four) plus an unspent-output
// bitmap accumulator and a header MMR, combined under a single commit/
// rewind/compaction/snapshot discipline modeled on Grin's txhashset.rs.
package txhashset

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/mmr"
	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Directory names for each accumulator's backend, rooted under the
// txhashset's base directory.
const (
	dirOutput          = "output"
	dirRangeproof      = "rangeproof"
	dirKernel          = "kernel"
	dirTokenOutput     = "tokenoutput"
	dirTokenRangeproof = "tokenrangeproof"
	dirTokenIssueProof = "tokenissueproof"
	dirTokenKernel     = "tokenkernel"
	dirHeader          = "header"
	dirBitmap          = "bitmap"
)

// TxHashSet bundles the eight MMRs (seven data accumulators plus the
// header MMR) and the bitmap accumulator into one transactional unit,
// alongside the advisory CommitIndex that makes commitment lookups O(1).
type TxHashSet struct {
	mu sync.RWMutex

	dir string
	db  storage.DB

	Output          *PMMRHandle[OutputEntry]
	Rangeproof      *PMMRHandle[RangeproofEntry]
	Kernel          *PMMRHandle[KernelEntry]
	TokenOutput     *PMMRHandle[TokenOutputEntry]
	TokenRangeproof *PMMRHandle[TokenRangeproofEntry]
	TokenIssueProof *PMMRHandle[TokenIssueEntry]
	TokenKernel     *PMMRHandle[TokenKernelEntry]
	Header          *PMMRHandle[HeaderEntry]

	Bitmap *mmr.BitmapAccumulator

	Commits *CommitIndex
}

// Open opens (or initializes) a txhashset rooted at dir, backed by db for
// the advisory commit-index and undo logs.
func Open(dir string, db storage.DB) (*TxHashSet, error) {
	output, err := newHandle[OutputEntry](filepath.Join(dir, dirOutput), true, encodeJSON, decodeJSON[OutputEntry])
	if err != nil {
		return nil, err
	}
	rangeproof, err := newHandle[RangeproofEntry](filepath.Join(dir, dirRangeproof), true, encodeJSON, decodeJSON[RangeproofEntry])
	if err != nil {
		return nil, err
	}
	kernel, err := openKernelHandle(filepath.Join(dir, dirKernel))
	if err != nil {
		return nil, err
	}
	tokenOutput, err := newHandle[TokenOutputEntry](filepath.Join(dir, dirTokenOutput), true, encodeJSON, decodeJSON[TokenOutputEntry])
	if err != nil {
		return nil, err
	}
	tokenRangeproof, err := newHandle[TokenRangeproofEntry](filepath.Join(dir, dirTokenRangeproof), true, encodeJSON, decodeJSON[TokenRangeproofEntry])
	if err != nil {
		return nil, err
	}
	tokenIssueProof, err := newHandle[TokenIssueEntry](filepath.Join(dir, dirTokenIssueProof), false, encodeJSON, decodeJSON[TokenIssueEntry])
	if err != nil {
		return nil, err
	}
	tokenKernel, err := newHandle[TokenKernelEntry](filepath.Join(dir, dirTokenKernel), false, encodeJSON, decodeJSON[TokenKernelEntry])
	if err != nil {
		return nil, err
	}
	header, err := newHandle[HeaderEntry](filepath.Join(dir, dirHeader), false, encodeJSON, decodeJSON[HeaderEntry])
	if err != nil {
		return nil, err
	}
	bitmap, err := mmr.NewBitmapAccumulator(filepath.Join(dir, dirBitmap))
	if err != nil {
		return nil, err
	}

	log.TxHashSet.Info().Str("dir", dir).
		Uint64("output_size", output.LastPos()).
		Uint64("kernel_size", kernel.LastPos()).
		Msg("txhashset opened")

	return &TxHashSet{
		dir:             dir,
		db:              db,
		Output:          output,
		Rangeproof:      rangeproof,
		Kernel:          kernel,
		TokenOutput:     tokenOutput,
		TokenRangeproof: tokenRangeproof,
		TokenIssueProof: tokenIssueProof,
		TokenKernel:     tokenKernel,
		Header:          header,
		Bitmap:          bitmap,
		Commits:         NewCommitIndex(db),
	}, nil
}

// Roots returns the current bagged root of every data MMR plus the bitmap
// accumulator's root.
func (t *TxHashSet) Roots() TxHashSetRoots {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TxHashSetRoots{
		OutputRoot:          t.Output.Root(),
		RangeproofRoot:      t.Rangeproof.Root(),
		KernelRoot:          t.Kernel.Root(),
		TokenOutputRoot:     t.TokenOutput.Root(),
		TokenRangeproofRoot: t.TokenRangeproof.Root(),
		TokenIssueProofRoot: t.TokenIssueProof.Root(),
		TokenKernelRoot:     t.TokenKernel.Root(),
		BitmapRoot:          t.Bitmap.Root(),
	}
}

// Sizes returns the seven data-MMR committed sizes, in the same order as
// the header's *MMRSize fields.
func (t *TxHashSet) Sizes() (output, rangeproof, kernel, tokenOutput, tokenRangeproof, tokenIssueProof, tokenKernel uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Output.LastPos(), t.Rangeproof.LastPos(), t.Kernel.LastPos(),
		t.TokenOutput.LastPos(), t.TokenRangeproof.LastPos(), t.TokenIssueProof.LastPos(), t.TokenKernel.LastPos()
}

// HeaderRoot returns the header MMR's current bagged root.
func (t *TxHashSet) HeaderRoot() types.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Header.Root()
}

// GetUnspentOutput returns the output entry for op if it is live (present
// in the commit-index and not marked spent in the bitmap accumulator).
func (t *TxHashSet) GetUnspentOutput(op types.Outpoint) (OutputEntry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok, err := t.Commits.GetOutputPos(op)
	if err != nil {
		return OutputEntry{}, false, err
	}
	if !ok {
		return OutputEntry{}, false, nil
	}
	leafIdx := mmr.PosToLeafIndex(pos.Pos)
	if !t.Bitmap.IsUnspent(leafIdx) {
		return OutputEntry{}, false, nil
	}
	entry, ok, err := t.Output.Backend.Get(pos.Pos)
	if err != nil {
		return OutputEntry{}, false, fmt.Errorf("%w: get output: %v", ErrStore, err)
	}
	return entry, ok, nil
}

// IsSpendable reports whether op refers to a currently-unspent output.
func (t *TxHashSet) IsSpendable(op types.Outpoint) (bool, error) {
	_, ok, err := t.GetUnspentOutput(op)
	return ok, err
}

// FindKernel looks up the kernel entry for a transaction hash.
func (t *TxHashSet) FindKernel(txHash types.Hash) (KernelEntry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok, err := t.Commits.GetKernelPos(txHash)
	if err != nil || !ok {
		return KernelEntry{}, false, err
	}
	entry, ok, err := t.Kernel.Backend.Get(pos.Pos)
	if err != nil {
		return KernelEntry{}, false, fmt.Errorf("%w: get kernel: %v", ErrStore, err)
	}
	return entry, ok, nil
}

// OutputMerkleProof builds an inclusion proof for a live output.
func (t *TxHashSet) OutputMerkleProof(op types.Outpoint) (*mmr.Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok, err := t.Commits.GetOutputPos(op)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOutputNotFound
	}
	proof, err := t.Output.Backend.MerkleProof(pos.Pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMerkleProof, err)
	}
	return proof, nil
}

// lastNLeaves returns up to n of b's most recently appended, still-live
// leaves, newest first.
func lastNLeaves[T any](b *mmr.Backend[T], n int) ([]T, error) {
	var all []T
	err := b.ForEachLeaf(func(pos uint64, data T) error {
		all = append(all, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// LastOutputs returns up to n of the most recently appended, still-live
// output entries, newest first.
func (t *TxHashSet) LastOutputs(n int) ([]OutputEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastNLeaves(t.Output.Backend, n)
}

// LastRangeproofs is LastOutputs for the rangeproof MMR.
func (t *TxHashSet) LastRangeproofs(n int) ([]RangeproofEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastNLeaves(t.Rangeproof.Backend, n)
}

// LastKernels returns up to n of the most recent kernel entries, newest
// first.
func (t *TxHashSet) LastKernels(n int) ([]KernelEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastNLeaves(t.Kernel.Backend, n)
}

// LastTokenOutputs is LastOutputs for the token-output MMR.
func (t *TxHashSet) LastTokenOutputs(n int) ([]TokenOutputEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastNLeaves(t.TokenOutput.Backend, n)
}

// LastTokenKernels is LastKernels for the token-kernel MMR.
func (t *TxHashSet) LastTokenKernels(n int) ([]TokenKernelEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastNLeaves(t.TokenKernel.Backend, n)
}

// leavesByPMMRIndex walks b's live leaves starting at startPos, collecting
// up to maxCount of them, stopping early at maxPos when it is non-zero.
// It returns the last position actually visited alongside the entries, so
// a paging caller can resume from lastPos+1.
func leavesByPMMRIndex[T any](b *mmr.Backend[T], startPos, maxCount, maxPos uint64) (uint64, []T, error) {
	end := b.UnprunedSize()
	if maxPos != 0 && maxPos < end {
		end = maxPos
	}
	var out []T
	var lastPos uint64
	for pos := startPos; pos <= end && uint64(len(out)) < maxCount; pos++ {
		entry, ok, err := b.Get(pos)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		out = append(out, entry)
		lastPos = pos
	}
	return lastPos, out, nil
}

// OutputsByPMMRIndex pages through live output leaves by raw MMR position,
// the paging shape the node's "recent outputs" RPC endpoints consume.
func (t *TxHashSet) OutputsByPMMRIndex(startPos, maxCount, maxPos uint64) (uint64, []OutputEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return leavesByPMMRIndex(t.Output.Backend, startPos, maxCount, maxPos)
}

// RangeproofsByPMMRIndex is OutputsByPMMRIndex for the rangeproof MMR.
func (t *TxHashSet) RangeproofsByPMMRIndex(startPos, maxCount, maxPos uint64) (uint64, []RangeproofEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return leavesByPMMRIndex(t.Rangeproof.Backend, startPos, maxCount, maxPos)
}

// TokenOutputsByPMMRIndex is OutputsByPMMRIndex for the token-output MMR.
func (t *TxHashSet) TokenOutputsByPMMRIndex(startPos, maxCount, maxPos uint64) (uint64, []TokenOutputEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return leavesByPMMRIndex(t.TokenOutput.Backend, startPos, maxCount, maxPos)
}

// TokenRangeproofsByPMMRIndex is RangeproofsByPMMRIndex for the
// token-rangeproof MMR.
func (t *TxHashSet) TokenRangeproofsByPMMRIndex(startPos, maxCount, maxPos uint64) (uint64, []TokenRangeproofEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return leavesByPMMRIndex(t.TokenRangeproof.Backend, startPos, maxCount, maxPos)
}

// FindKernelInRange scans kernel positions from max down to min and
// returns the first kernel whose transaction hash matches, with its
// position. Linear by design: the kernel MMR is append-only, never
// indexed by anything but insertion order, and this lookup is rare.
func (t *TxHashSet) FindKernelInRange(txHash types.Hash, min, max uint64) (KernelEntry, uint64, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if size := t.Kernel.LastPos(); max == 0 || max > size {
		max = size
	}
	if min == 0 {
		min = 1
	}
	for pos := max; pos >= min; pos-- {
		entry, ok, err := t.Kernel.Backend.Get(pos)
		if err != nil {
			return KernelEntry{}, 0, false, fmt.Errorf("%w: get kernel: %v", ErrStore, err)
		}
		if ok && entry.TxHash == txHash {
			return entry, pos, true, nil
		}
	}
	return KernelEntry{}, 0, false, nil
}

// Close syncs every MMR to disk.
func (t *TxHashSet) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sync := range []func() error{
		t.Output.Backend.Sync,
		t.Rangeproof.Backend.Sync,
		t.Kernel.Backend.Sync,
		t.TokenOutput.Backend.Sync,
		t.TokenRangeproof.Backend.Sync,
		t.TokenIssueProof.Backend.Sync,
		t.TokenKernel.Backend.Sync,
		t.Header.Backend.Sync,
		t.Bitmap.Sync,
	} {
		if err := sync(); err != nil {
			return err
		}
	}
	return nil
}
