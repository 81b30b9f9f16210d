package txhashset

import (
	"fmt"

	"github.com/klingnet-labs/txhashset/internal/mmr"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// HeaderExtension is a scoped, transactional view over the header MMR,
// the separate accumulator block headers are appended to as they're
// received — ahead of, and independent from, the body data the seven
// data MMRs commit to. It mirrors Extension's rollback discipline: the
// driver (HeaderExtending) discards the header backend back to its last
// Sync on error, and never calls Sync itself.
type HeaderExtension struct {
	ts       *TxHashSet
	head     *block.Header
	rollback bool
}

func newHeaderExtension(ts *TxHashSet, head *block.Header) *HeaderExtension {
	return &HeaderExtension{ts: ts, head: head}
}

// Head returns the header this extension currently considers its tip.
func (e *HeaderExtension) Head() *block.Header { return e.head }

// ForceRollback marks the extension for rollback even if its closure
// returns nil.
func (e *HeaderExtension) ForceRollback() { e.rollback = true }

// ApplyHeader appends h to the header MMR and advances head.
func (e *HeaderExtension) ApplyHeader(h *block.Header) error {
	if _, err := e.ts.Header.Backend.Append(HeaderEntry{Hash: h.Hash(), Height: h.Height}); err != nil {
		return fmt.Errorf("mmr: append header: %w", err)
	}
	e.head = h
	return nil
}

// Rewind truncates the header MMR back to the size it had at target's
// height (target's own header is the new head, so the MMR keeps exactly
// target.Height+1 leaves counting the genesis header at height 0).
func (e *HeaderExtension) Rewind(target *block.Header) error {
	targetLeaves := target.Height + 1
	size := mmr.SizeAfterLeaves(targetLeaves)
	if err := e.ts.Header.Backend.Rewind(size, nil); err != nil {
		return fmt.Errorf("mmr: rewind header: %w", err)
	}
	e.head = target
	return nil
}

// GetHeaderByHeight returns the header-MMR leaf recorded at height, if any
// is within the current size.
func (e *HeaderExtension) GetHeaderByHeight(height uint64) (HeaderEntry, bool, error) {
	leafIdx := height
	pos := mmr.LeafIndexToPos(leafIdx)
	entry, ok, err := e.ts.Header.Backend.Get(pos)
	if err != nil {
		return HeaderEntry{}, false, fmt.Errorf("mmr: get header at height %d: %w", height, err)
	}
	return entry, ok, nil
}

// IsOnCurrentChain reports whether hash is the header MMR's recorded entry
// at height, i.e. whether it is an ancestor of the extension's head.
func (e *HeaderExtension) IsOnCurrentChain(hash types.Hash, height uint64) (bool, error) {
	entry, ok, err := e.GetHeaderByHeight(height)
	if err != nil || !ok {
		return false, err
	}
	return entry.Hash == hash, nil
}

// ValidateRoot checks the header MMR's current bagged root against h's
// recorded PrevRoot, i.e. whether h correctly commits to every header up
// to and including its parent.
func (e *HeaderExtension) ValidateRoot(h *block.Header) error {
	if h.Height == 0 {
		return nil
	}
	if e.ts.Header.Backend.Root() != h.PrevRoot {
		return fmt.Errorf("%w: header mmr root for %s", ErrInvalidRoot, h.Hash())
	}
	return nil
}

// headHash returns the hash of the most recently appended header, failing
// if the header MMR is empty.
func (e *HeaderExtension) headHash() (types.Hash, error) {
	size := e.ts.Header.Backend.UnprunedSize()
	if size == 0 {
		return types.Hash{}, ErrEmptyMMR
	}
	lastLeaf := e.ts.Header.Backend.NLeaves()
	entry, ok, err := e.GetHeaderByHeight(lastLeaf - 1)
	if err != nil {
		return types.Hash{}, err
	}
	if !ok {
		return types.Hash{}, ErrEmptyMMR
	}
	return entry.Hash, nil
}
