package txhashset

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// newTestSet opens a fresh txhashset rooted in a scratch directory, backed
// by an in-memory database, the way the teacher's chain tests use
// storage.NewMemory() rather than a real Badger instance.
func newTestSet(t *testing.T) (*TxHashSet, storage.DB) {
	t.Helper()
	db := storage.NewMemory()
	ts, err := Open(t.TempDir(), db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ts, db
}

// genesisHeader is the zero-value root of the chain: every MMR starts
// empty, so every size and root field is naturally its zero value.
func genesisHeader() *block.Header {
	return &block.Header{Version: 1}
}

// coinbaseTx builds a reward transaction for height, with height folded
// into the (otherwise unused for a coinbase) signature bytes so distinct
// heights never collide on the same transaction hash.
func coinbaseTx(height uint64, outs ...tx.Output) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: binary.LittleEndian.AppendUint64(nil, height),
		}},
		Outputs: outs,
	}
}

// spendTx builds a transaction spending the given outpoints into outs.
func spendTx(prevouts []types.Outpoint, outs ...tx.Output) *tx.Transaction {
	ins := make([]tx.Input, len(prevouts))
	for i, op := range prevouts {
		ins[i] = tx.Input{PrevOut: op}
	}
	return &tx.Transaction{Version: 1, Inputs: ins, Outputs: outs}
}

// buildAndApply constructs the next block after prev out of txs, computes
// its committed MMR sizes and roots via a dry run that is always
// discarded, then commits the block for real with those now-finalized
// header fields. The returned header's hash is therefore stable for every
// later lookup keyed by it (spent-index entries, HeaderProvider, ...),
// since it is never mutated again after being used.
func buildAndApply(t *testing.T, ts *TxHashSet, db storage.DB, prev *block.Header, txs []*tx.Transaction) *block.Header {
	t.Helper()

	draft := &block.Header{
		Version:  1,
		PrevHash: prev.Hash(),
		Height:   prev.Height + 1,
	}
	draftBlk := block.NewBlock(draft, txs)

	var roots TxHashSetRoots
	var sizes [7]uint64
	err := ts.ExtendingReadonly(prev, func(ext *Extension) error {
		if err := ext.ApplyBlock(draftBlk); err != nil {
			return err
		}
		roots = ext.Roots()
		sizes[0], sizes[1], sizes[2], sizes[3], sizes[4], sizes[5], sizes[6] = ext.Sizes()
		return nil
	})
	if err != nil {
		t.Fatalf("dry run ApplyBlock: %v", err)
	}

	final := &block.Header{
		Version:                1,
		PrevHash:               prev.Hash(),
		Height:                 prev.Height + 1,
		OutputMMRSize:          sizes[0],
		RangeproofMMRSize:      sizes[1],
		KernelMMRSize:          sizes[2],
		TokenOutputMMRSize:     sizes[3],
		TokenRangeproofMMRSize: sizes[4],
		TokenIssueProofMMRSize: sizes[5],
		TokenKernelMMRSize:     sizes[6],
		OutputRoot:             roots.OutputRoot,
		RangeproofRoot:         roots.RangeproofRoot,
		KernelRoot:             roots.KernelRoot,
		TokenOutputRoot:        roots.TokenOutputRoot,
		TokenRangeproofRoot:    roots.TokenRangeproofRoot,
		TokenIssueProofRoot:    roots.TokenIssueProofRoot,
		TokenKernelRoot:        roots.TokenKernelRoot,
		BitmapRoot:             roots.BitmapRoot,
	}
	finalBlk := block.NewBlock(final, txs)

	batcher, ok := db.(storage.Batcher)
	if !ok {
		t.Fatalf("test database does not support batches")
	}
	// The parent batch is the caller's to commit, mirroring how a chain
	// pipeline saves the block itself alongside the extension's child batch.
	parent := batcher.NewBatch()
	if err := ts.Extending(parent, prev, func(ext *Extension) error {
		return ext.ApplyBlock(finalBlk)
	}); err != nil {
		t.Fatalf("Extending: %v", err)
	}
	if err := parent.Commit(); err != nil {
		t.Fatalf("commit parent batch: %v", err)
	}
	return final
}

// applyExpectErr runs a block through Extending and requires it to fail,
// asserting nothing about the txhashset changed as a result (the Extending
// discard path already guarantees that; this just checks the caller sees
// the right error).
func applyExpectErr(t *testing.T, ts *TxHashSet, db storage.DB, prev *block.Header, txs []*tx.Transaction, wantErr error) {
	t.Helper()
	h := &block.Header{Version: 1, PrevHash: prev.Hash(), Height: prev.Height + 1}
	blk := block.NewBlock(h, txs)

	batcher := db.(storage.Batcher)
	err := ts.Extending(batcher.NewBatch(), prev, func(ext *Extension) error {
		return ext.ApplyBlock(blk)
	})
	if err == nil {
		t.Fatalf("Extending: expected error, got nil")
	}
	if wantErr != nil && !errors.Is(err, wantErr) {
		t.Fatalf("Extending: got error %v, want one wrapping %v", err, wantErr)
	}
}

// buildDraftBlock builds a block following prev with a zero-valued header
// (no finalized MMR sizes/roots) — good enough for callers that only need
// a well-formed block to run through ApplyBlock inside a scope that will
// be discarded or rolled back regardless of outcome.
func buildDraftBlock(prev *block.Header, txs []*tx.Transaction) *block.Block {
	h := &block.Header{Version: 1, PrevHash: prev.Hash(), Height: prev.Height + 1}
	return block.NewBlock(h, txs)
}

// mustOutpoint builds the Outpoint for the idx'th output of t.
func mustOutpoint(t *tx.Transaction, idx uint32) types.Outpoint {
	return types.Outpoint{TxID: t.Hash(), Index: idx}
}

// memHeaders is a minimal HeaderProvider backed by a map, standing in for
// the real chain store's ancestor-header lookup (spec.md §1 names it an
// external collaborator).
type memHeaders map[types.Hash]*block.Header

func (m memHeaders) GetHeaderByHash(hash types.Hash) (*block.Header, bool, error) {
	h, ok := m[hash]
	return h, ok, nil
}

func (m memHeaders) add(h *block.Header) {
	m[h.Hash()] = h
}
