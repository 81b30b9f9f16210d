package chain

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/internal/txhashset"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/crypto"
	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown            = errors.New("block already known")
	ErrPrevNotFound          = errors.New("previous block not found")
	ErrBadHeight             = errors.New("block height does not follow parent")
	ErrBadPrevHash           = errors.New("prev_hash does not match current tip")
	ErrBadPrevRoot           = errors.New("prev_root does not match header MMR")
	ErrTimestampTooFuture    = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent = errors.New("block timestamp before parent")
	ErrCoinbaseNotMature     = errors.New("coinbase output not mature")
	ErrBadOwnership          = errors.New("input pubkey does not match spent output")
)

// ProcessBlock validates a block and applies it to the chain through the
// txhashset engine. Structural checks run first; everything stateful —
// unspent checks, duplicate commitments, root and size commitments — is
// enforced by the scoped extension, which discards every MMR mutation if
// any check fails. A block extending a known side branch is stored and
// handed to the reorg logic instead.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	if err := blk.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if err := verifyBlockSignatures(blk); err != nil {
		return err
	}

	// Timestamp bounds: not too far in the future, monotonic vs parent.
	maxTime := uint64(time.Now().Add(2 * time.Minute).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}
	if blk.Header.Height > 0 {
		parentHdr, err := c.blocks.GetHeader(blk.Header.PrevHash)
		if err == nil && blk.Header.Timestamp < parentHdr.Timestamp {
			return fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
				ErrTimestampBeforeParent, blk.Header.Timestamp, parentHdr.Timestamp)
		}
	}

	// Side branch: store the block and let fork choice decide.
	if errors.Is(parentErr, ErrForkDetected) {
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}
		if err := c.maybeReorg(blk); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		return nil
	}

	// Fast path: block extends the current tip.
	prev, err := c.tipHeader()
	if err != nil {
		return fmt.Errorf("load tip header: %w", err)
	}
	return c.connectBlock(blk, prev)
}

// connectBlock drives blk through the engine against prev (nil for the
// genesis block) and, on success, persists it as the new tip. The order is
// the engine's durability discipline: the extension's child batch commits
// inside Extending before any PMMR syncs, then the parent batch commits,
// then the header MMR advances, and only then are the block and the new
// tip written to the block store.
func (c *Chain) connectBlock(blk *block.Block, prev *block.Header) error {
	if err := c.checkSpendable(blk); err != nil {
		return err
	}

	// The header MMR must already bag exactly the headers up to prev.
	if c.ts.HeaderRoot() != blk.Header.PrevRoot {
		return fmt.Errorf("%w: header %s", ErrBadPrevRoot, blk.Hash())
	}

	batch := c.db.(storage.Batcher).NewBatch()
	defer batch.Discard()
	err := c.ts.Extending(batch, prev, func(ext *txhashset.Extension) error {
		if err := ext.ApplyBlock(blk); err != nil {
			return err
		}
		if err := ext.ValidateRoots(blk.Header); err != nil {
			return err
		}
		return ext.ValidateSizes(blk.Header)
	})
	if err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit block batch: %w", err)
	}

	if err := c.ts.HeaderExtending(blk.Header, func(ext *txhashset.HeaderExtension) error {
		return ext.ApplyHeader(blk.Header)
	}); err != nil {
		return fmt.Errorf("extend header mmr: %w", err)
	}

	hash := blk.Hash()
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TotalDifficulty += blk.Header.Difficulty
	if err := c.blocks.SetTip(hash, c.state.Height, c.state.TotalDifficulty); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}

	log.Chain.Debug().Uint64("height", blk.Header.Height).Str("hash", hash.String()).Msg("block connected")
	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are
// consistent with the current chain tip, distinguishing tip extensions,
// known side branches, and orphans.
func (c *Chain) checkParentLink(blk *block.Block) error {
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentHdr, err := c.blocks.GetHeader(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent header: %w", err)
		}
		if blk.Header.Height != parentHdr.Height+1 {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentHdr.Height, parentHdr.Height+1, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// checkSpendable enforces the input rules that need the committed UTXO
// state: coinbase maturity and P2PKH ownership. Existence and
// unspent-ness are the extension's job (ErrAlreadySpent); an input
// created earlier in the same block isn't visible here yet and is
// likewise left to the extension.
func (c *Chain) checkSpendable(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			entry, ok, err := c.ts.GetUnspentOutput(in.PrevOut)
			if err != nil {
				return fmt.Errorf("lookup input %s: %w", in.PrevOut, err)
			}
			if !ok {
				continue
			}
			if entry.Coinbase && blk.Header.Height-entry.Height < c.coinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, c.coinbaseMaturity, blk.Header.Height-entry.Height)
			}
			if entry.Script.Type == types.ScriptTypeP2PKH {
				addr := crypto.AddressFromPubKey(in.PubKey)
				if !bytes.Equal(addr.Bytes(), entry.Script.Data) {
					return fmt.Errorf("%w: input %s", ErrBadOwnership, in.PrevOut)
				}
			}
		}
	}
	return nil
}

// verifyBlockSignatures checks every non-coinbase input's Schnorr
// signature. Stateless: the signed message is the transaction's own hash.
func verifyBlockSignatures(blk *block.Block) error {
	for i, transaction := range blk.Transactions {
		if err := transaction.VerifySignatures(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

// BuildBlock assembles and finalizes the next block after the current tip
// from the given transactions (coinbase first; the rest are sorted into
// canonical order). The MMR sizes and roots its header must commit to are
// computed by dry-running the block through a discarded extension, so
// building a template never perturbs chain state.
func (c *Chain) BuildBlock(txs []*tx.Transaction, timestamp uint64) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildBlockLocked(txs, timestamp)
}

func (c *Chain) buildBlockLocked(txs []*tx.Transaction, timestamp uint64) (*block.Block, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("block needs at least a coinbase transaction")
	}

	prev, err := c.tipHeader()
	if err != nil {
		return nil, fmt.Errorf("load tip header: %w", err)
	}

	ordered := make([]*tx.Transaction, len(txs))
	copy(ordered, txs)
	rest := ordered[1:]
	sort.Slice(rest, func(i, j int) bool {
		hi, hj := rest[i].Hash(), rest[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	txHashes := make([]types.Hash, len(ordered))
	for i, t := range ordered {
		txHashes[i] = t.Hash()
	}

	var prevHash types.Hash
	var height uint64
	if prev != nil {
		prevHash = prev.Hash()
		height = prev.Height + 1
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   prevHash,
		MerkleRoot: block.ComputeMerkleRoot(txHashes),
		Timestamp:  timestamp,
		Height:     height,
		Difficulty: 1,
		PrevRoot:   c.ts.HeaderRoot(),
	}
	draft := block.NewBlock(header, ordered)

	var roots txhashset.TxHashSetRoots
	var sizes [7]uint64
	err = c.ts.ExtendingReadonly(prev, func(ext *txhashset.Extension) error {
		if err := ext.ApplyBlock(draft); err != nil {
			return err
		}
		roots = ext.Roots()
		sizes[0], sizes[1], sizes[2], sizes[3], sizes[4], sizes[5], sizes[6] = ext.Sizes()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dry-run block: %w", err)
	}

	final := *header
	final.OutputMMRSize = sizes[0]
	final.RangeproofMMRSize = sizes[1]
	final.KernelMMRSize = sizes[2]
	final.TokenOutputMMRSize = sizes[3]
	final.TokenRangeproofMMRSize = sizes[4]
	final.TokenIssueProofMMRSize = sizes[5]
	final.TokenKernelMMRSize = sizes[6]
	final.OutputRoot = roots.OutputRoot
	final.RangeproofRoot = roots.RangeproofRoot
	final.KernelRoot = roots.KernelRoot
	final.TokenOutputRoot = roots.TokenOutputRoot
	final.TokenRangeproofRoot = roots.TokenRangeproofRoot
	final.TokenIssueProofRoot = roots.TokenIssueProofRoot
	final.TokenKernelRoot = roots.TokenKernelRoot
	final.BitmapRoot = roots.BitmapRoot
	return block.NewBlock(&final, ordered), nil
}
