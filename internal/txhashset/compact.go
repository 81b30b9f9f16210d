package txhashset

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/mmr"
	"github.com/klingnet-labs/txhashset/pkg/block"
)

// InputPosToRewind walks the header chain from head back down to (but not
// including) horizon, OR-ing every intervening block's spent-position undo
// log — falling back to the legacy per-block bitmap for blocks that
// predate it — into one bitmap per MMR kind. The result is the set of
// positions compaction must leave physically intact: a rewind back to any
// height in (horizon, head] might still need their data restored.
func (t *TxHashSet) InputPosToRewind(horizon, head *block.Header, headers HeaderProvider) (base, token *roaring.Bitmap, err error) {
	base = roaring.New()
	token = roaring.New()
	cur := head

	for cur.Height > horizon.Height {
		h := cur.Hash()

		baseSpent, ok, gerr := t.Commits.GetSpentIndex(h)
		if gerr != nil {
			return nil, nil, gerr
		}
		if ok {
			for _, sp := range baseSpent {
				base.Add(uint32(sp.Pos))
			}
		} else {
			data, ok, gerr := t.Commits.GetBlockInputBitmap(h)
			if gerr != nil {
				return nil, nil, gerr
			}
			if ok {
				bm, derr := mmr.DecodeBitmap(data)
				if derr != nil {
					return nil, nil, fmt.Errorf("%w: decode legacy input bitmap: %v", ErrInvalidTxHashSet, derr)
				}
				base.Or(bm)
			}
		}

		tokenSpent, ok, gerr := t.Commits.GetTokenSpentIndex(h)
		if gerr != nil {
			return nil, nil, gerr
		}
		if ok {
			for _, sp := range tokenSpent {
				token.Add(uint32(sp.Pos))
			}
		} else {
			data, ok, gerr := t.Commits.GetTokenBlockInputBitmap(h)
			if gerr != nil {
				return nil, nil, gerr
			}
			if ok {
				bm, derr := mmr.DecodeBitmap(data)
				if derr != nil {
					return nil, nil, fmt.Errorf("%w: decode legacy token input bitmap: %v", ErrInvalidTxHashSet, derr)
				}
				token.Or(bm)
			}
		}

		prev, ok, gerr := headers.GetHeaderByHash(cur.PrevHash)
		if gerr != nil {
			return nil, nil, gerr
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: missing ancestor header %s during compaction scan", ErrInvalidTxHashSet, cur.PrevHash)
		}
		cur = prev
	}
	return base, token, nil
}

// Compact physically reclaims pruned leaf data for the four prunable
// backends (output, rangeproof, token-output, token-rangeproof) up to
// horizon's recorded MMR sizes, preserving any position a rewind between
// horizon and head might still need restored. Kernel and token-issue-proof
// MMRs are never prunable and are left untouched (spec §4.1).
func (t *TxHashSet) Compact(horizon, head *block.Header, headers HeaderProvider) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	baseKeep, tokenKeep, err := t.InputPosToRewind(horizon, head, headers)
	if err != nil {
		return err
	}

	if err := t.Output.Backend.CheckCompact(horizon.OutputMMRSize, baseKeep); err != nil {
		return err
	}
	if err := t.Rangeproof.Backend.CheckCompact(horizon.RangeproofMMRSize, baseKeep); err != nil {
		return err
	}
	if err := t.TokenOutput.Backend.CheckCompact(horizon.TokenOutputMMRSize, tokenKeep); err != nil {
		return err
	}
	if err := t.TokenRangeproof.Backend.CheckCompact(horizon.TokenRangeproofMMRSize, tokenKeep); err != nil {
		return err
	}

	for _, sync := range []func() error{
		t.Output.Backend.Sync, t.Rangeproof.Backend.Sync,
		t.TokenOutput.Backend.Sync, t.TokenRangeproof.Backend.Sync,
	} {
		if err := sync(); err != nil {
			return err
		}
	}

	log.TxHashSet.Info().Uint64("horizon_height", horizon.Height).Msg("txhashset compaction complete")
	return nil
}
