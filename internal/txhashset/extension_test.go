package txhashset

import (
	"testing"

	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/internal/token"
	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

func p2pkhOut(value uint64) tx.Output {
	return tx.Output{Value: value, Script: types.Script{Type: types.ScriptTypeP2PKH}}
}

// TestApplyBlockAndRewind covers the core apply/rewind roundtrip (spec §8
// S1): spend an output, confirm the old one is gone and the new ones are
// spendable, then rewind back and confirm the original state returns bit
// for bit.
func TestApplyBlockAndRewind(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(600), p2pkhOut(400))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	cbHash := cbTx.Hash()
	op0 := types.Outpoint{TxID: cbHash, Index: 0}
	op1 := types.Outpoint{TxID: cbHash, Index: 1}

	if ok, err := ts.IsSpendable(op0); err != nil || !ok {
		t.Fatalf("IsSpendable(op0) after block1 = %v, %v, want true, nil", ok, err)
	}

	spend := spendTx([]types.Outpoint{op0}, p2pkhOut(300), p2pkhOut(250))
	h2 := buildAndApply(t, ts, db, h1, []*tx.Transaction{spend})

	if ok, err := ts.IsSpendable(op0); err != nil || ok {
		t.Fatalf("IsSpendable(op0) after spend = %v, %v, want false, nil", ok, err)
	}
	if ok, err := ts.IsSpendable(op1); err != nil || !ok {
		t.Fatalf("IsSpendable(op1) after block2 = %v, %v, want true, nil", ok, err)
	}
	newOp0 := types.Outpoint{TxID: spend.Hash(), Index: 0}
	if ok, err := ts.IsSpendable(newOp0); err != nil || !ok {
		t.Fatalf("IsSpendable(newOp0) = %v, %v, want true, nil", ok, err)
	}

	if _, ok, err := ts.FindKernel(spend.Hash()); err != nil || !ok {
		t.Fatalf("FindKernel(spend) = _, %v, %v, want true, nil", ok, err)
	}

	headers := memHeaders{}
	headers.add(gen)
	headers.add(h1)

	batcher := db.(storage.Batcher)
	parent := batcher.NewBatch()
	if err := ts.Extending(parent, h2, func(ext *Extension) error {
		return ext.Rewind(h1, headers)
	}); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if err := parent.Commit(); err != nil {
		t.Fatalf("commit parent batch: %v", err)
	}

	wantRoots := TxHashSetRoots{
		OutputRoot: h1.OutputRoot, RangeproofRoot: h1.RangeproofRoot, KernelRoot: h1.KernelRoot,
		TokenOutputRoot: h1.TokenOutputRoot, TokenRangeproofRoot: h1.TokenRangeproofRoot,
		TokenIssueProofRoot: h1.TokenIssueProofRoot, TokenKernelRoot: h1.TokenKernelRoot,
		BitmapRoot: h1.BitmapRoot,
	}
	if got := ts.Roots(); got != wantRoots {
		t.Errorf("roots after rewind = %+v, want %+v", got, wantRoots)
	}

	if ok, err := ts.IsSpendable(op0); err != nil || !ok {
		t.Fatalf("IsSpendable(op0) after rewind = %v, %v, want true, nil", ok, err)
	}
	if ok, err := ts.IsSpendable(newOp0); err != nil || ok {
		t.Fatalf("IsSpendable(newOp0) after rewind = %v, %v, want false, nil", ok, err)
	}
}

// TestApplyBlockDuplicateCommitment covers spec §8 S2: a commitment that is
// already live in the output index can never be appended again.
func TestApplyBlockDuplicateCommitment(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	// The same transaction twice in one block produces the same Outpoint
	// (txhash, 0) on the second pass, which must be rejected.
	applyExpectErr(t, ts, db, gen, []*tx.Transaction{cbTx, cbTx}, ErrDuplicateCommitment)
}

// TestApplyBlockAlreadySpent covers spec §8 S3: a block cannot spend the
// same output twice.
func TestApplyBlockAlreadySpent(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	op0 := types.Outpoint{TxID: cbTx.Hash(), Index: 0}
	doubleSpend := spendTx([]types.Outpoint{op0, op0}, p2pkhOut(50))
	applyExpectErr(t, ts, db, h1, []*tx.Transaction{doubleSpend}, ErrAlreadySpent)
}

// TestApplyBlockTokenIssuanceDuplicate covers the token-issuance analogue
// of S2: re-minting an already-issued TokenID is rejected even though its
// Outpoint differs from the original mint's.
func TestApplyBlockTokenIssuanceDuplicate(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	var tokenID types.TokenID
	tokenID[0] = 0xAB

	addr := types.Address{}
	mintData := token.EncodeMintData(addr, "Example", "EX", 0)

	mintOut := func() tx.Output {
		return tx.Output{
			Value:  0,
			Script: types.Script{Type: types.ScriptTypeMint, Data: mintData},
			Token:  &types.TokenData{ID: tokenID, Amount: 1000},
		}
	}
	cbTx := coinbaseTx(1, mintOut(), mintOut())
	applyExpectErr(t, ts, db, gen, []*tx.Transaction{cbTx}, ErrDuplicateTokenKey)
}

// TestValidateFullPipeline covers Extension.Validate's non-fast path:
// after applying a block, every structural and cryptographic check it
// runs must pass against the header that apply itself produced.
func TestValidateFullPipeline(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	if err := ts.UTXOView(func(ext *Extension) error {
		return ext.Validate(false, false, h1, NopWriteStatus{})
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

// TestValidateKernelSumsDetectsTamperedMint covers the conservation check
// ValidateKernelSums now performs: if the cumulative mint tally and the
// live output sum disagree, validation must fail rather than silently pass.
func TestValidateKernelSumsDetectsTamperedMint(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	if err := ts.UTXOView(func(ext *Extension) error {
		return ext.ValidateKernelSums()
	}); err != nil {
		t.Fatalf("ValidateKernelSums before tampering: %v", err)
	}

	if err := ts.Commits.AddBaseMinted(1); err != nil {
		t.Fatalf("AddBaseMinted: %v", err)
	}

	err := ts.UTXOView(func(ext *Extension) error {
		return ext.ValidateKernelSums()
	})
	if err == nil {
		t.Fatal("ValidateKernelSums after tampering with mint tally = nil, want error")
	}
}

// TestVerifyRangeproofsDetectsMismatch covers VerifyRangeproofs: a
// rangeproof leaf appended with no live output leaf at its position must
// fail verification instead of being silently skipped.
func TestVerifyRangeproofsDetectsMismatch(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	if err := ts.UTXOView(func(ext *Extension) error {
		return ext.VerifyRangeproofs(NopWriteStatus{})
	}); err != nil {
		t.Fatalf("VerifyRangeproofs before tampering: %v", err)
	}

	op := types.Outpoint{TxID: cbTx.Hash(), Index: 0}
	if _, ok, err := ts.Commits.GetOutputPos(op); err != nil || !ok {
		t.Fatalf("GetOutputPos: %v, %v", ok, err)
	}
	if _, err := ts.Rangeproof.Backend.Append(RangeproofEntry{Outpoint: op, Value: 999}); err != nil {
		t.Fatalf("append tampered rangeproof: %v", err)
	}

	err := ts.UTXOView(func(ext *Extension) error {
		return ext.VerifyRangeproofs(NopWriteStatus{})
	})
	if err == nil {
		t.Fatal("VerifyRangeproofs after appending mismatched entry = nil, want error")
	}
}
