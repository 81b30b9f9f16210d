package txhashset

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/mmr"
	"github.com/klingnet-labs/txhashset/internal/token"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/crypto"
	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// HeaderProvider resolves an ancestor header by hash. Extension.Rewind uses
// it to walk backward block by block without depending on whatever chain
// store owns header storage.
type HeaderProvider interface {
	GetHeaderByHash(hash types.Hash) (*block.Header, bool, error)
}

// Extension is a scoped, transactional view over a TxHashSet's seven data
// MMRs and bitmap accumulator. It mutates the owning TxHashSet's backends
// directly; on rollback the enclosing driver discards every backend back
// to its last Sync and drops the extension's cloned bitmap working copy,
// so nothing it did is observable. Only the driver commits or discards —
// Extension itself never calls Sync.
type Extension struct {
	ts       *TxHashSet
	commits  *CommitIndex
	bitmap   *mmr.BitmapAccumulator
	head     *block.Header
	rollback bool
}

func newExtension(ts *TxHashSet, commits *CommitIndex, head *block.Header) *Extension {
	return &Extension{
		ts:      ts,
		commits: commits,
		bitmap:  ts.Bitmap.CloneAccumulator(),
		head:    head,
	}
}

// Head returns the header this extension currently considers its tip.
func (e *Extension) Head() *block.Header { return e.head }

// ForceRollback marks the extension for rollback even if f returns nil,
// the mechanism a caller uses to run validation inside the same closure
// that applied a block and still discard everything on failure.
func (e *Extension) ForceRollback() { e.rollback = true }

// Roots returns the bagged root of every data MMR as they currently stand
// inside this extension, plus the working bitmap accumulator's root.
func (e *Extension) Roots() TxHashSetRoots {
	return TxHashSetRoots{
		OutputRoot:          e.ts.Output.Backend.Root(),
		RangeproofRoot:      e.ts.Rangeproof.Backend.Root(),
		KernelRoot:          e.ts.Kernel.Backend.Root(),
		TokenOutputRoot:     e.ts.TokenOutput.Backend.Root(),
		TokenRangeproofRoot: e.ts.TokenRangeproof.Backend.Root(),
		TokenIssueProofRoot: e.ts.TokenIssueProof.Backend.Root(),
		TokenKernelRoot:     e.ts.TokenKernel.Backend.Root(),
		BitmapRoot:          e.bitmap.Root(),
	}
}

// Sizes returns the seven data-MMR sizes as they currently stand inside
// this extension, in header field order. Callers inside a driver closure
// must use this rather than TxHashSet.Sizes, which takes the lock the
// driver already holds.
func (e *Extension) Sizes() (output, rangeproof, kernel, tokenOutput, tokenRangeproof, tokenIssueProof, tokenKernel uint64) {
	return e.ts.Output.Backend.UnprunedSize(),
		e.ts.Rangeproof.Backend.UnprunedSize(),
		e.ts.Kernel.Backend.UnprunedSize(),
		e.ts.TokenOutput.Backend.UnprunedSize(),
		e.ts.TokenRangeproof.Backend.UnprunedSize(),
		e.ts.TokenIssueProof.Backend.UnprunedSize(),
		e.ts.TokenKernel.Backend.UnprunedSize()
}

// ValidateRoots checks the extension's current roots against h. A genesis
// header predates every accumulator and has nothing to compare.
func (e *Extension) ValidateRoots(h *block.Header) error {
	if h.Height == 0 {
		return nil
	}
	got := e.Roots()
	want := TxHashSetRoots{
		OutputRoot:          h.OutputRoot,
		RangeproofRoot:      h.RangeproofRoot,
		KernelRoot:          h.KernelRoot,
		TokenOutputRoot:     h.TokenOutputRoot,
		TokenRangeproofRoot: h.TokenRangeproofRoot,
		TokenIssueProofRoot: h.TokenIssueProofRoot,
		TokenKernelRoot:     h.TokenKernelRoot,
		BitmapRoot:          h.BitmapRoot,
	}
	if got != want {
		return fmt.Errorf("%w: header %s", ErrInvalidRoot, h.Hash())
	}
	return nil
}

// ValidateSizes checks the extension's current MMR sizes against h,
// skipping genesis the same way ValidateRoots does.
func (e *Extension) ValidateSizes(h *block.Header) error {
	if h.Height == 0 {
		return nil
	}
	if e.ts.Output.Backend.UnprunedSize() != h.OutputMMRSize ||
		e.ts.Rangeproof.Backend.UnprunedSize() != h.RangeproofMMRSize ||
		e.ts.Kernel.Backend.UnprunedSize() != h.KernelMMRSize ||
		e.ts.TokenOutput.Backend.UnprunedSize() != h.TokenOutputMMRSize ||
		e.ts.TokenRangeproof.Backend.UnprunedSize() != h.TokenRangeproofMMRSize ||
		e.ts.TokenIssueProof.Backend.UnprunedSize() != h.TokenIssueProofMMRSize ||
		e.ts.TokenKernel.Backend.UnprunedSize() != h.TokenKernelMMRSize {
		return fmt.Errorf("%w: header %s", ErrInvalidMMRSize, h.Hash())
	}
	return nil
}

// ApplyBlock folds b's transactions into the seven data MMRs and the
// bitmap accumulator one transaction at a time: for each transaction its
// outputs (each appended together with its token output and, for a mint,
// its token-issue proof), then its inputs (each pruned together with its
// token input), then its kernel and token kernel. The bitmap update and
// the new head follow the last transaction. Because of this order, an
// input can spend an output created by an earlier transaction of the same
// block but not one created by a later transaction of the block.
func (e *Extension) ApplyBlock(b *block.Block) error {
	blockHash := b.Header.Hash()
	var affected []uint64
	var baseSpent []SpentPosition
	var tokenSpent []SpentPosition
	var blockCoinbaseValue, blockFeeSum, blockTokenMinted uint64

	for _, t := range b.Transactions {
		txHash := t.Hash()
		hasTokenOp := false
		isCoinbaseTx := len(t.Inputs) > 0 && t.Inputs[0].PrevOut.IsZero()

		// 1. Outputs: append to the output/rangeproof MMRs, rejecting a
		// commitment that is already indexed live.
		for idx, out := range t.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(idx)}
			if pos, ok, err := e.commits.GetOutputPos(op); err != nil {
				return err
			} else if ok {
				// The index is advisory; only a live MMR leaf with the same
				// commitment makes this a real duplicate. A stale entry is
				// simply overwritten by the save below.
				existing, live, gerr := e.ts.Output.Backend.Get(pos.Pos)
				if gerr != nil {
					return fmt.Errorf("mmr: get output at %d: %w", pos.Pos, gerr)
				}
				if live && existing.Outpoint == op {
					return fmt.Errorf("%w: %s", ErrDuplicateCommitment, op)
				}
			}

			coinbase := len(t.Inputs) > 0 && t.Inputs[0].PrevOut.IsZero()
			outPos, err := e.ts.Output.Backend.Append(OutputEntry{
				Outpoint: op, Value: out.Value, Script: out.Script,
				Height: b.Header.Height, Coinbase: coinbase,
			})
			if err != nil {
				return fmt.Errorf("mmr: append output: %w", err)
			}
			rpPos, err := e.ts.Rangeproof.Backend.Append(RangeproofEntry{Outpoint: op, Value: out.Value})
			if err != nil {
				return fmt.Errorf("mmr: append rangeproof: %w", err)
			}
			if outPos != rpPos {
				return fmt.Errorf("%w: output/rangeproof position mismatch at %s", ErrInvalidTxHashSet, op)
			}
			if err := e.commits.SaveOutputPos(op, CommitPos{Pos: outPos, Height: b.Header.Height}); err != nil {
				return err
			}
			leafIdx := mmr.PosToLeafIndex(outPos)
			e.bitmap.Set(leafIdx, true)
			affected = append(affected, leafIdx)

			// 3. Token outputs: carried by the same output when Token is set.
			if out.Token != nil {
				hasTokenOp = true
				tOutPos, err := e.ts.TokenOutput.Backend.Append(TokenOutputEntry{
					Outpoint: op, TokenID: out.Token.ID, Amount: out.Token.Amount, Height: b.Header.Height,
				})
				if err != nil {
					return fmt.Errorf("mmr: append token output: %w", err)
				}
				tRpPos, err := e.ts.TokenRangeproof.Backend.Append(TokenRangeproofEntry{Outpoint: op, Amount: out.Token.Amount})
				if err != nil {
					return fmt.Errorf("mmr: append token rangeproof: %w", err)
				}
				if tOutPos != tRpPos {
					return fmt.Errorf("%w: token output/rangeproof position mismatch at %s", ErrInvalidTxHashSet, op)
				}
				if err := e.commits.SaveTokenOutputPos(op, CommitPos{Pos: tOutPos, Height: b.Header.Height}); err != nil {
					return err
				}

				if out.Script.Type == types.ScriptTypeMint {
					if _, ok, err := e.commits.GetTokenIssuePos(out.Token.ID); err != nil {
						return err
					} else if ok {
						return fmt.Errorf("%w: %s", ErrDuplicateTokenKey, out.Token.ID)
					}
					addr, name, symbol, _, ok := token.DecodeMintData(out.Script.Data)
					if !ok {
						log.TxHashSet.Warn().Str("token_id", out.Token.ID.String()).Msg("mint output with undecodable data, issuing with empty metadata")
					}
					issuePos, err := e.ts.TokenIssueProof.Backend.Append(TokenIssueEntry{
						TokenID: out.Token.ID, Creator: addr, Name: name, Symbol: symbol, Height: b.Header.Height,
					})
					if err != nil {
						return fmt.Errorf("mmr: append token issue proof: %w", err)
					}
					if err := e.commits.SaveTokenIssuePos(out.Token.ID, CommitPos{Pos: issuePos, Height: b.Header.Height}); err != nil {
						return err
					}
					blockTokenMinted += out.Token.Amount
				}
			}
		}

		// 2. Inputs: resolve, verify not already spent, prune, and record
		// the undo entry. Coinbase markers (zero outpoint) spend nothing.
		// Input values are tallied here, while the leaves are still
		// readable, for the fee bookkeeping below.
		var inValue uint64
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}

			pos, ok, err := e.commits.GetOutputPos(in.PrevOut)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrAlreadySpent, in.PrevOut)
			}
			entry, ok, err := e.ts.Output.Backend.Get(pos.Pos)
			if err != nil {
				return fmt.Errorf("mmr: get output at %d: %w", pos.Pos, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrAlreadySpent, in.PrevOut)
			}
			if err := e.ts.Output.Backend.Prune(pos.Pos); err != nil {
				return fmt.Errorf("mmr: prune output at %d: %w", pos.Pos, err)
			}
			if err := e.ts.Rangeproof.Backend.Prune(pos.Pos); err != nil {
				return fmt.Errorf("mmr: prune rangeproof at %d: %w", pos.Pos, err)
			}
			if err := e.commits.DeleteOutputPos(in.PrevOut); err != nil {
				return err
			}
			inValue += entry.Value
			leafIdx := mmr.PosToLeafIndex(pos.Pos)
			e.bitmap.Set(leafIdx, false)
			affected = append(affected, leafIdx)
			baseSpent = append(baseSpent, SpentPosition{Pos: pos.Pos, Height: entry.Height})

			// 4. Token inputs: same outpoint, independent token-output index.
			tPos, ok, err := e.commits.GetTokenOutputPos(in.PrevOut)
			if err != nil {
				return err
			}
			if ok {
				hasTokenOp = true
				tEntry, ok, err := e.ts.TokenOutput.Backend.Get(tPos.Pos)
				if err != nil {
					return fmt.Errorf("mmr: get token output at %d: %w", tPos.Pos, err)
				}
				if !ok {
					return fmt.Errorf("%w: %s", ErrAlreadySpent, in.PrevOut)
				}
				if err := e.ts.TokenOutput.Backend.Prune(tPos.Pos); err != nil {
					return fmt.Errorf("mmr: prune token output at %d: %w", tPos.Pos, err)
				}
				if err := e.ts.TokenRangeproof.Backend.Prune(tPos.Pos); err != nil {
					return fmt.Errorf("mmr: prune token rangeproof at %d: %w", tPos.Pos, err)
				}
				if err := e.commits.DeleteTokenOutputPos(in.PrevOut); err != nil {
					return err
				}
				tokenSpent = append(tokenSpent, SpentPosition{Pos: tPos.Pos, Height: tEntry.Height})
			}
		}

		// 5. Kernels and token kernels, last, one per transaction.
		outValue, err := t.TotalOutputValue()
		if err != nil {
			return err
		}
		var fee uint64
		if !isCoinbaseTx && inValue > outValue {
			fee = inValue - outValue
		}
		if isCoinbaseTx {
			blockCoinbaseValue += outValue
		} else {
			blockFeeSum += fee
		}
		sig, pub := kernelSignature(t)
		kernelPos, err := e.ts.Kernel.Backend.Append(KernelEntry{
			TxHash: txHash, Fee: fee, LockTime: t.LockTime, Signature: sig, PubKey: pub,
		})
		if err != nil {
			return fmt.Errorf("mmr: append kernel: %w", err)
		}
		if err := e.commits.SaveKernelPos(txHash, CommitPos{Pos: kernelPos, Height: b.Header.Height}); err != nil {
			return err
		}
		if hasTokenOp {
			tkPos, err := e.ts.TokenKernel.Backend.Append(TokenKernelEntry{TxHash: txHash, Signature: sig, PubKey: pub})
			if err != nil {
				return fmt.Errorf("mmr: append token kernel: %w", err)
			}
			if err := e.commits.SaveTokenKernelPos(txHash, CommitPos{Pos: tkPos, Height: b.Header.Height}); err != nil {
				return err
			}
		}
	}

	// 6. Bitmap accumulator: rebuild only the chunks touched by this block.
	if len(affected) > 0 {
		minIdx := affected[0]
		for _, idx := range affected[1:] {
			if idx < minIdx {
				minIdx = idx
			}
		}
		lastLeaf := e.ts.Output.Backend.NLeaves()
		if lastLeaf > 0 {
			if _, err := e.bitmap.Rebuild(minIdx, lastLeaf-1); err != nil {
				return fmt.Errorf("mmr: rebuild bitmap accumulator: %w", err)
			}
		}
	}

	if err := e.commits.SaveSpentIndex(blockHash, baseSpent); err != nil {
		return err
	}
	if err := e.commits.SaveTokenSpentIndex(blockHash, tokenSpent); err != nil {
		return err
	}

	// Record this block's contribution to the mint tallies ValidateKernelSums
	// checks the live output sum against. A coinbase reclaims the block's
	// fees into its own value, so the net change to circulating supply is
	// coinbase value minus fee sum — negative when a block burns fees with
	// no coinbase to recycle them.
	mintDelta := int64(blockCoinbaseValue) - int64(blockFeeSum)
	if err := e.commits.SaveMintDelta(blockHash, MintDelta{Base: mintDelta, Token: blockTokenMinted}); err != nil {
		return err
	}
	if err := e.commits.AddBaseMinted(mintDelta); err != nil {
		return err
	}
	if err := e.commits.AddTokenMinted(int64(blockTokenMinted)); err != nil {
		return err
	}

	// 7. Advance head.
	e.head = b.Header
	return nil
}

// kernelSignature returns the first non-coinbase input's authorization,
// or nil/nil for a coinbase transaction.
func kernelSignature(t *tx.Transaction) (sig, pub []byte) {
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		return in.Signature, in.PubKey
	}
	return nil, nil
}

// Rewind undoes blocks until the extension's head matches target. If the
// current head is already at or below target's height there is no block
// to undo: the MMRs and the bitmap accumulator are truncated to target's
// recorded sizes and then checked against them.
func (e *Extension) Rewind(target *block.Header, headers HeaderProvider) error {
	if e.head == nil {
		return fmt.Errorf("%w: rewind with no current head", ErrEmptyMMR)
	}
	if e.head.Height <= target.Height {
		// No blocks to undo: truncate any uncommitted appends past target's
		// recorded sizes, collapse the bitmap accumulator to match, and
		// enforce structural equality.
		if err := e.truncateToSizes(target); err != nil {
			return err
		}
		e.bitmap.Truncate(mmr.NLeaves(target.OutputMMRSize))
		return e.ValidateSizes(target)
	}

	cur := e.head
	for cur.Hash() != target.Hash() {
		prevHash := cur.PrevHash
		prev, ok, err := headers.GetHeaderByHash(prevHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: missing ancestor header %s during rewind", ErrInvalidTxHashSet, prevHash)
		}
		if _, err := e.rewindSingleBlock(cur, prev); err != nil {
			return err
		}
		cur = prev
		if cur.Height <= target.Height {
			break
		}
	}
	e.head = cur
	return e.ValidateSizes(target)
}

// truncateToSizes rewinds every data MMR to the sizes h records, with no
// prune marks cleared (nothing is being unspent, only trailing appends
// dropped).
func (e *Extension) truncateToSizes(h *block.Header) error {
	if err := e.ts.Output.Backend.Rewind(h.OutputMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate output: %w", err)
	}
	if err := e.ts.Rangeproof.Backend.Rewind(h.RangeproofMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate rangeproof: %w", err)
	}
	if err := e.ts.Kernel.Backend.Rewind(h.KernelMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate kernel: %w", err)
	}
	if err := e.ts.TokenOutput.Backend.Rewind(h.TokenOutputMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate token output: %w", err)
	}
	if err := e.ts.TokenRangeproof.Backend.Rewind(h.TokenRangeproofMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate token rangeproof: %w", err)
	}
	if err := e.ts.TokenIssueProof.Backend.Rewind(h.TokenIssueProofMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate token issue proof: %w", err)
	}
	if err := e.ts.TokenKernel.Backend.Rewind(h.TokenKernelMMRSize, nil); err != nil {
		return fmt.Errorf("mmr: truncate token kernel: %w", err)
	}
	return nil
}

// rewindSingleBlock undoes exactly one block, restoring every MMR to prev's
// recorded sizes and re-inserting the commit-index entries for outputs
// prev's block still considered live. It folds the output-MMR leaf
// indices whose spentness changed into the bitmap accumulator itself, and
// also returns them.
func (e *Extension) rewindSingleBlock(h, prev *block.Header) ([]uint64, error) {
	blockHash := h.Hash()

	baseSpent, ok, err := e.commits.GetSpentIndex(blockHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		baseSpent, err = e.legacySpentPositions(blockHash, e.commits.GetBlockInputBitmap)
		if err != nil {
			return nil, err
		}
	}
	tokenSpent, ok, err := e.commits.GetTokenSpentIndex(blockHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		tokenSpent, err = e.legacySpentPositions(blockHash, e.commits.GetTokenBlockInputBitmap)
		if err != nil {
			return nil, err
		}
	}

	if delta, ok, err := e.commits.GetMintDelta(blockHash); err != nil {
		return nil, err
	} else if ok {
		if err := e.commits.AddBaseMinted(-delta.Base); err != nil {
			return nil, err
		}
		if err := e.commits.AddTokenMinted(-int64(delta.Token)); err != nil {
			return nil, err
		}
		if err := e.commits.DeleteMintDelta(blockHash); err != nil {
			return nil, err
		}
	}

	var affected []uint64

	// Collect the commitments h created before the MMR truncation below
	// makes their leaves unreadable; their index entries are deleted once
	// the rewind lands.
	var createdOutputs []types.Outpoint
	for pos := prev.OutputMMRSize + 1; pos <= h.OutputMMRSize; pos++ {
		if !mmr.IsLeaf(pos, h.OutputMMRSize) {
			continue
		}
		entry, ok, err := e.ts.Output.Backend.Get(pos)
		if err != nil {
			return nil, fmt.Errorf("mmr: get created output at %d: %w", pos, err)
		}
		if !ok {
			// Spent within h itself; apply already removed its index entry.
			continue
		}
		createdOutputs = append(createdOutputs, entry.Outpoint)
	}
	var createdTokenOutputs []types.Outpoint
	for pos := prev.TokenOutputMMRSize + 1; pos <= h.TokenOutputMMRSize; pos++ {
		if !mmr.IsLeaf(pos, h.TokenOutputMMRSize) {
			continue
		}
		entry, ok, err := e.ts.TokenOutput.Backend.Get(pos)
		if err != nil {
			return nil, fmt.Errorf("mmr: get created token output at %d: %w", pos, err)
		}
		if !ok {
			continue
		}
		createdTokenOutputs = append(createdTokenOutputs, entry.Outpoint)
	}
	var revokedIssues []types.TokenID
	for pos := prev.TokenIssueProofMMRSize + 1; pos <= h.TokenIssueProofMMRSize; pos++ {
		if !mmr.IsLeaf(pos, h.TokenIssueProofMMRSize) {
			continue
		}
		entry, ok, err := e.ts.TokenIssueProof.Backend.Get(pos)
		if err != nil {
			return nil, fmt.Errorf("mmr: get token issue proof at %d: %w", pos, err)
		}
		if ok {
			revokedIssues = append(revokedIssues, entry.TokenID)
		}
	}

	// The spent positions being undone are the only prune marks this
	// rewind may clear: spends by blocks at or below prev stay pruned.
	baseUnprune := roaring.New()
	for _, sp := range baseSpent {
		baseUnprune.Add(uint32(sp.Pos))
	}
	tokenUnprune := roaring.New()
	for _, sp := range tokenSpent {
		tokenUnprune.Add(uint32(sp.Pos))
	}

	if err := e.ts.Output.Backend.Rewind(prev.OutputMMRSize, baseUnprune); err != nil {
		return nil, fmt.Errorf("mmr: rewind output: %w", err)
	}
	if err := e.ts.Rangeproof.Backend.Rewind(prev.RangeproofMMRSize, baseUnprune); err != nil {
		return nil, fmt.Errorf("mmr: rewind rangeproof: %w", err)
	}
	if err := e.ts.Kernel.Backend.Rewind(prev.KernelMMRSize, nil); err != nil {
		return nil, fmt.Errorf("mmr: rewind kernel: %w", err)
	}
	if err := e.ts.TokenOutput.Backend.Rewind(prev.TokenOutputMMRSize, tokenUnprune); err != nil {
		return nil, fmt.Errorf("mmr: rewind token output: %w", err)
	}
	if err := e.ts.TokenRangeproof.Backend.Rewind(prev.TokenRangeproofMMRSize, tokenUnprune); err != nil {
		return nil, fmt.Errorf("mmr: rewind token rangeproof: %w", err)
	}
	if err := e.ts.TokenIssueProof.Backend.Rewind(prev.TokenIssueProofMMRSize, nil); err != nil {
		return nil, fmt.Errorf("mmr: rewind token issue proof: %w", err)
	}
	if err := e.ts.TokenKernel.Backend.Rewind(prev.TokenKernelMMRSize, nil); err != nil {
		return nil, fmt.Errorf("mmr: rewind token kernel: %w", err)
	}

	// Outputs created by h no longer exist above prev's size: drop their
	// index entries (the Rewind above already removed the leaves).
	for _, op := range createdOutputs {
		if err := e.commits.DeleteOutputPos(op); err != nil {
			log.TxHashSet.Warn().Str("outpoint", op.String()).Msg("rewind: created output missing from index")
		}
	}
	for _, op := range createdTokenOutputs {
		if err := e.commits.DeleteTokenOutputPos(op); err != nil {
			log.TxHashSet.Warn().Str("outpoint", op.String()).Msg("rewind: created token output missing from index")
		}
	}
	for _, id := range revokedIssues {
		if err := e.commits.DeleteTokenIssuePos(id); err != nil {
			log.TxHashSet.Warn().Str("token_id", id.String()).Msg("rewind: token issuance missing from index")
		}
	}
	for pos := prev.OutputMMRSize + 1; pos <= h.OutputMMRSize; pos++ {
		if !mmr.IsLeaf(pos, h.OutputMMRSize) {
			continue
		}
		leafIdx := mmr.PosToLeafIndex(pos)
		e.bitmap.Set(leafIdx, false)
		affected = append(affected, leafIdx)
	}

	// Inputs h spent are unspent again: restore their commit-index entries
	// and bitmap bits from the undo log.
	for _, sp := range baseSpent {
		entry, ok, err := e.ts.Output.Backend.Get(sp.Pos)
		if err != nil {
			return nil, fmt.Errorf("mmr: get restored output at %d: %w", sp.Pos, err)
		}
		if !ok {
			log.TxHashSet.Warn().Uint64("pos", sp.Pos).Msg("rewind: spent output position missing, skipping index restore")
			continue
		}
		if err := e.commits.SaveOutputPos(entry.Outpoint, CommitPos{Pos: sp.Pos, Height: sp.Height}); err != nil {
			return nil, err
		}
		leafIdx := mmr.PosToLeafIndex(sp.Pos)
		e.bitmap.Set(leafIdx, true)
		affected = append(affected, leafIdx)
	}
	for _, sp := range tokenSpent {
		entry, ok, err := e.ts.TokenOutput.Backend.Get(sp.Pos)
		if err != nil {
			return nil, fmt.Errorf("mmr: get restored token output at %d: %w", sp.Pos, err)
		}
		if !ok {
			log.TxHashSet.Warn().Uint64("pos", sp.Pos).Msg("rewind: spent token output position missing, skipping index restore")
			continue
		}
		if err := e.commits.SaveTokenOutputPos(entry.Outpoint, CommitPos{Pos: sp.Pos, Height: sp.Height}); err != nil {
			return nil, err
		}
	}

	// Collapse the accumulator to the rewound leaf count first (Rebuild
	// only ever grows the chunk-slot range), then fold the restored
	// spentness bits back in.
	lastLeaf := e.ts.Output.Backend.NLeaves()
	e.bitmap.Truncate(lastLeaf)
	if lastLeaf > 0 && len(affected) > 0 {
		minIdx := affected[0]
		for _, idx := range affected[1:] {
			if idx < minIdx {
				minIdx = idx
			}
		}
		if _, err := e.bitmap.Rebuild(minIdx, lastLeaf-1); err != nil {
			return nil, fmt.Errorf("mmr: rebuild bitmap accumulator after rewind: %w", err)
		}
	}

	return affected, nil
}

// legacySpentPositions reconstructs a SpentPosition list (height left at 0,
// since the legacy format never recorded it) from a per-block roaring
// bitmap of spent MMR positions, for blocks that predate the undo-log
// format.
func (e *Extension) legacySpentPositions(blockHash types.Hash, get func(types.Hash) ([]byte, bool, error)) ([]SpentPosition, error) {
	data, ok, err := get(blockHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.TxHashSet.Warn().Str("block", blockHash.String()).Msg("rewind: no spent index or legacy bitmap for block")
		return nil, nil
	}
	bm, err := mmr.DecodeBitmap(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode legacy input bitmap: %v", ErrInvalidTxHashSet, err)
	}
	var out []SpentPosition
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, SpentPosition{Pos: uint64(it.Next())})
	}
	return out, nil
}

// ValidateMMRs recomputes and checks every data MMR's internal hash tree.
func (e *Extension) ValidateMMRs() error {
	backends := []interface{ Validate() error }{
		e.ts.Output.Backend, e.ts.Rangeproof.Backend, e.ts.Kernel.Backend,
		e.ts.TokenOutput.Backend, e.ts.TokenRangeproof.Backend,
		e.ts.TokenIssueProof.Backend, e.ts.TokenKernel.Backend,
	}
	for _, b := range backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTxHashSet, err)
		}
	}
	return nil
}

// ValidateKernelSums is the engine's value-conservation check, the cleartext
// analogue of Grin's Pedersen-commitment kernel-sum verification. Without
// blinding factors there is no homomorphic sum of commitments to check;
// instead the engine maintains a running tally of coinbase reward ever
// minted (CommitIndex.AddBaseMinted, updated in lockstep by ApplyBlock and
// rewindSingleBlock) and checks it against Σ(live unspent output values)
// walked fresh from the output MMR: every base-currency unit in existence
// either was minted by a coinbase reward or descends from one through
// fee-preserving transfers, so the two must agree exactly.
func (e *Extension) ValidateKernelSums() error {
	var liveSum uint64
	if err := e.ts.Output.Backend.ForEachLeaf(func(pos uint64, o OutputEntry) error {
		if liveSum > ^uint64(0)-o.Value {
			return fmt.Errorf("%w: live output sum overflow", ErrKernelSumMismatch)
		}
		liveSum += o.Value
		return nil
	}); err != nil {
		return err
	}
	minted, err := e.commits.GetBaseMinted()
	if err != nil {
		return err
	}
	if liveSum != minted {
		return fmt.Errorf("%w: live unspent sum %d != cumulative minted %d", ErrKernelSumMismatch, liveSum, minted)
	}
	return nil
}

// ValidateTokenKernelSums is ValidateKernelSums's token analogue: it sums
// every live token-output entry's Amount (mints, transfers, and inert burn
// outputs all remain live MMR leaves, see DESIGN.md) and checks it against
// the cumulative amount ever minted through ScriptTypeMint outputs.
func (e *Extension) ValidateTokenKernelSums() error {
	var liveSum uint64
	if err := e.ts.TokenOutput.Backend.ForEachLeaf(func(pos uint64, o TokenOutputEntry) error {
		if liveSum > ^uint64(0)-o.Amount {
			return fmt.Errorf("%w: live token output sum overflow", ErrKernelSumMismatch)
		}
		liveSum += o.Amount
		return nil
	}); err != nil {
		return err
	}
	minted, err := e.commits.GetTokenMinted()
	if err != nil {
		return err
	}
	if liveSum != minted {
		return fmt.Errorf("%w: live token unspent sum %d != cumulative minted %d", ErrKernelSumMismatch, liveSum, minted)
	}
	return nil
}

// VerifyKernelSignatures batch-verifies every kernel's recorded signature
// against its public key and transaction hash, reporting progress to status
// every kernelVerifyBatchSize leaves. Kernels with no signature (coinbase
// transactions) are skipped.
func (e *Extension) VerifyKernelSignatures(status TxHashsetWriteStatus) error {
	total := e.ts.Kernel.Backend.NLeaves()
	var done uint64
	err := e.ts.Kernel.Backend.ForEachLeaf(func(pos uint64, k KernelEntry) error {
		if len(k.Signature) != 0 && !crypto.VerifySignature(k.TxHash[:], k.Signature, k.PubKey) {
			return fmt.Errorf("%w: kernel %s", ErrKernelSumMismatch, k.TxHash)
		}
		done++
		if done%kernelVerifyBatchSize == 0 {
			status.OnValidationKernels(done, total)
		}
		return nil
	})
	if err != nil {
		return err
	}
	status.OnValidationKernels(done, total)
	return nil
}

// VerifyTokenKernelSignatures is VerifyKernelSignatures's token analogue.
func (e *Extension) VerifyTokenKernelSignatures(status TxHashsetWriteStatus) error {
	total := e.ts.TokenKernel.Backend.NLeaves()
	var done uint64
	err := e.ts.TokenKernel.Backend.ForEachLeaf(func(pos uint64, k TokenKernelEntry) error {
		if len(k.Signature) != 0 && !crypto.VerifySignature(k.TxHash[:], k.Signature, k.PubKey) {
			return fmt.Errorf("%w: token kernel %s", ErrKernelSumMismatch, k.TxHash)
		}
		done++
		if done%kernelVerifyBatchSize == 0 {
			status.OnValidationTokenKernels(done, total)
		}
		return nil
	})
	if err != nil {
		return err
	}
	status.OnValidationTokenKernels(done, total)
	return nil
}

// VerifyRangeproofs batch-verifies every rangeproof-MMR leaf against its
// aligned output-MMR leaf (see RangeproofEntry's doc comment for why this
// cross-MMR value check stands in for a zero-knowledge range proof in a
// cleartext-value domain), reporting progress every
// rangeproofVerifyBatchSize leaves.
func (e *Extension) VerifyRangeproofs(status TxHashsetWriteStatus) error {
	total := e.ts.Rangeproof.Backend.NLeaves()
	var done uint64
	err := e.ts.Rangeproof.Backend.ForEachLeaf(func(pos uint64, rp RangeproofEntry) error {
		out, ok, err := e.ts.Output.Backend.Get(pos)
		if err != nil {
			return fmt.Errorf("mmr: get output at %d: %w", pos, err)
		}
		if !ok || out.Outpoint != rp.Outpoint || out.Value != rp.Value {
			return fmt.Errorf("%w: rangeproof/output mismatch at pos %d", ErrRangeproofNotFound, pos)
		}
		done++
		if done%rangeproofVerifyBatchSize == 0 {
			status.OnValidationRangeproofs(done, total)
		}
		return nil
	})
	if err != nil {
		return err
	}
	status.OnValidationRangeproofs(done, total)
	return nil
}

// VerifyTokenRangeproofs is VerifyRangeproofs's token analogue, checked
// against the token-output MMR.
func (e *Extension) VerifyTokenRangeproofs(status TxHashsetWriteStatus) error {
	total := e.ts.TokenRangeproof.Backend.NLeaves()
	var done uint64
	err := e.ts.TokenRangeproof.Backend.ForEachLeaf(func(pos uint64, rp TokenRangeproofEntry) error {
		out, ok, err := e.ts.TokenOutput.Backend.Get(pos)
		if err != nil {
			return fmt.Errorf("mmr: get token output at %d: %w", pos, err)
		}
		if !ok || out.Outpoint != rp.Outpoint || out.Amount != rp.Amount {
			return fmt.Errorf("%w: token rangeproof/output mismatch at pos %d", ErrRangeproofNotFound, pos)
		}
		done++
		if done%rangeproofVerifyBatchSize == 0 {
			status.OnValidationTokenRangeproofs(done, total)
		}
		return nil
	})
	if err != nil {
		return err
	}
	status.OnValidationTokenRangeproofs(done, total)
	return nil
}

// Validate runs the full pipeline validating this extension's state against
// h: MMR internal-hash structure, then roots and sizes, then (skipping
// genesis) kernel sum conservation, and — unless fast is set — full
// rangeproof and signature verification. status receives progress callbacks
// for the batched passes; pass NopWriteStatus{} if none are needed.
func (e *Extension) Validate(genesis bool, fast bool, h *block.Header, status TxHashsetWriteStatus) error {
	if status == nil {
		status = NopWriteStatus{}
	}
	if err := e.ValidateMMRs(); err != nil {
		return err
	}
	if err := e.ValidateRoots(h); err != nil {
		return err
	}
	if err := e.ValidateSizes(h); err != nil {
		return err
	}
	if genesis {
		return nil
	}
	if err := e.ValidateKernelSums(); err != nil {
		return err
	}
	if err := e.ValidateTokenKernelSums(); err != nil {
		return err
	}
	if fast {
		return nil
	}
	if err := e.VerifyRangeproofs(status); err != nil {
		return err
	}
	if err := e.VerifyTokenRangeproofs(status); err != nil {
		return err
	}
	if err := e.VerifyKernelSignatures(status); err != nil {
		return err
	}
	return e.VerifyTokenKernelSignatures(status)
}
