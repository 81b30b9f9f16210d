package chain

import (
	"errors"
	"fmt"

	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/internal/txhashset"
	"github.com/klingnet-labs/txhashset/pkg/block"
)

// ErrForkDetected marks a block whose parent is known but off the active
// chain. ProcessBlock stores such blocks and runs fork choice instead of
// connecting them directly.
var ErrForkDetected = errors.New("block forks from the active chain")

// maybeReorg runs fork choice for a stored side-branch tip: the branch is
// adopted only if its total difficulty beats the active chain's. The
// switch itself happens inside one scoped extension — rewind to the fork
// point, then replay the branch — so a branch that fails any engine check
// discards cleanly and the old chain stays untouched.
func (c *Chain) maybeReorg(tip *block.Block) error {
	branch, fork, err := c.collectBranch(tip)
	if err != nil {
		if errors.Is(err, ErrPrevNotFound) {
			// Incomplete branch: keep the block, wait for its ancestors.
			log.Chain.Debug().Str("hash", tip.Hash().String()).Msg("fork branch incomplete, stored for later")
			return nil
		}
		return err
	}

	var newDiff uint64
	for _, b := range branch {
		newDiff += b.Header.Difficulty
	}
	var oldDiff uint64
	for h := fork.Height + 1; h <= c.state.Height; h++ {
		hdr, err := c.activeHeaderAt(h)
		if err != nil {
			return fmt.Errorf("load active header at %d: %w", h, err)
		}
		oldDiff += hdr.Difficulty
	}
	if newDiff <= oldDiff {
		log.Chain.Debug().
			Uint64("fork_height", fork.Height).
			Uint64("branch_diff", newDiff).
			Uint64("active_diff", oldDiff).
			Msg("side branch not heavier, keeping current chain")
		return nil
	}

	return c.reorg(branch, fork, oldDiff, newDiff)
}

// collectBranch walks tip's ancestry back to the first header that sits on
// the active chain, returning the branch blocks in ascending order and the
// fork-point header. ErrPrevNotFound means an ancestor is missing.
func (c *Chain) collectBranch(tip *block.Block) ([]*block.Block, *block.Header, error) {
	branch := []*block.Block{tip}
	cur := tip.Header
	for {
		if cur.Height == 0 {
			return nil, nil, fmt.Errorf("fork predates genesis")
		}
		prevHash := cur.PrevHash
		prevHdr, err := c.blocks.GetHeader(prevHash)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrPrevNotFound, prevHash)
		}
		if active, err := c.blocks.GetHashByHeight(prevHdr.Height); err == nil && active == prevHash {
			// Reverse into ascending order.
			for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
				branch[i], branch[j] = branch[j], branch[i]
			}
			return branch, prevHdr, nil
		}
		prevBlk, err := c.blocks.GetBlock(prevHash)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrPrevNotFound, prevHash)
		}
		branch = append(branch, prevBlk)
		cur = prevBlk.Header
	}
}

// activeHeaderAt loads the active-chain header at the given height.
func (c *Chain) activeHeaderAt(height uint64) (*block.Header, error) {
	hash, err := c.blocks.GetHashByHeight(height)
	if err != nil {
		return nil, err
	}
	return c.blocks.GetHeader(hash)
}

// reorg switches the chain to the given branch: one extension rewinds the
// data MMRs to the fork point and replays every branch block with full
// root/size validation; only after that commits does the header MMR, the
// height index, and the tip follow.
func (c *Chain) reorg(branch []*block.Block, fork *block.Header, oldDiff, newDiff uint64) error {
	oldHeight := c.state.Height
	head, err := c.tipHeader()
	if err != nil {
		return fmt.Errorf("load tip header: %w", err)
	}

	batch := c.db.(storage.Batcher).NewBatch()
	defer batch.Discard()
	err = c.ts.Extending(batch, head, func(ext *txhashset.Extension) error {
		if err := ext.Rewind(fork, c); err != nil {
			return fmt.Errorf("rewind to fork point %d: %w", fork.Height, err)
		}
		for _, b := range branch {
			if err := ext.ApplyBlock(b); err != nil {
				return fmt.Errorf("replay block %d: %w", b.Header.Height, err)
			}
			if err := ext.ValidateRoots(b.Header); err != nil {
				return fmt.Errorf("replay block %d: %w", b.Header.Height, err)
			}
			if err := ext.ValidateSizes(b.Header); err != nil {
				return fmt.Errorf("replay block %d: %w", b.Header.Height, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit reorg batch: %w", err)
	}

	newTip := branch[len(branch)-1]
	if err := c.ts.HeaderExtending(newTip.Header, func(ext *txhashset.HeaderExtension) error {
		if err := ext.Rewind(fork); err != nil {
			return err
		}
		for _, b := range branch {
			if err := ext.ApplyHeader(b.Header); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("rewind header mmr: %w", err)
	}

	// Re-point the height index at the new branch and drop any stale
	// entries the old, longer chain left above the new tip.
	for _, b := range branch {
		if err := c.blocks.PutBlock(b); err != nil {
			return fmt.Errorf("reindex block %d: %w", b.Header.Height, err)
		}
	}
	for h := newTip.Header.Height + 1; h <= oldHeight; h++ {
		if err := c.blocks.DeleteHeightIndex(h); err != nil {
			log.Chain.Warn().Uint64("height", h).Err(err).Msg("reorg: stale height index not removed")
		}
	}

	c.state.TipHash = newTip.Hash()
	c.state.Height = newTip.Header.Height
	c.state.TotalDifficulty = c.state.TotalDifficulty - oldDiff + newDiff
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, c.state.TotalDifficulty); err != nil {
		return fmt.Errorf("set tip after reorg: %w", err)
	}

	log.Chain.Info().
		Uint64("fork_height", fork.Height).
		Uint64("old_height", oldHeight).
		Uint64("new_height", c.state.Height).
		Msg("chain reorganized")
	return nil
}
