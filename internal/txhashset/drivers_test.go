package txhashset

import (
	"testing"

	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// TestExtendingRollsBackOnError confirms an Extending call that returns an
// error leaves every backend exactly where it was before the call.
func TestExtendingRollsBackOnError(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	before := ts.Roots()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	applyExpectErr(t, ts, db, gen, []*tx.Transaction{cbTx, cbTx}, ErrDuplicateCommitment)

	if after := ts.Roots(); after != before {
		t.Errorf("roots after rolled-back Extending = %+v, want unchanged %+v", after, before)
	}
	if out, rp, k, to, trp, tip, tk := ts.Sizes(); out != 0 || rp != 0 || k != 0 || to != 0 || trp != 0 || tip != 0 || tk != 0 {
		t.Errorf("sizes after rolled-back Extending = %d,%d,%d,%d,%d,%d,%d, want all zero", out, rp, k, to, trp, tip, tk)
	}
}

// TestExtendingForceRollback confirms ForceRollback discards a successful
// closure just as an error would.
func TestExtendingForceRollback(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()
	before := ts.Roots()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	draftBlk := buildDraftBlock(gen, []*tx.Transaction{cbTx})

	batcher := db.(storage.Batcher)
	err := ts.Extending(batcher.NewBatch(), gen, func(ext *Extension) error {
		if err := ext.ApplyBlock(draftBlk); err != nil {
			return err
		}
		ext.ForceRollback()
		return nil
	})
	if err == nil {
		t.Fatalf("Extending with ForceRollback: expected error, got nil")
	}

	if after := ts.Roots(); after != before {
		t.Errorf("roots after ForceRollback = %+v, want unchanged %+v", after, before)
	}
}

// TestExtendingReadonlyAlwaysDiscards confirms a successful ExtendingReadonly
// call never leaves any durable trace, even though it mutates the backends
// in place during the closure.
func TestExtendingReadonlyAlwaysDiscards(t *testing.T) {
	ts, _ := newTestSet(t)
	gen := genesisHeader()
	before := ts.Roots()

	cbTx := coinbaseTx(1, p2pkhOut(100))
	draftBlk := buildDraftBlock(gen, []*tx.Transaction{cbTx})

	var sawNonZeroSize bool
	err := ts.ExtendingReadonly(gen, func(ext *Extension) error {
		if err := ext.ApplyBlock(draftBlk); err != nil {
			return err
		}
		if out, _, _, _, _, _, _ := ext.Sizes(); out != 0 {
			sawNonZeroSize = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExtendingReadonly: %v", err)
	}
	if !sawNonZeroSize {
		t.Fatalf("ExtendingReadonly: output size was never observed non-zero during the closure")
	}
	if after := ts.Roots(); after != before {
		t.Errorf("roots after ExtendingReadonly = %+v, want unchanged %+v", after, before)
	}
}

// TestUTXOViewIsReadonly confirms UTXOView exposes live state for lookups
// but never commits any mutation attempted inside it.
func TestUTXOViewIsReadonly(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()
	cbTx := coinbaseTx(1, p2pkhOut(100))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	before := ts.Roots()

	spend := spendTx([]types.Outpoint{mustOutpoint(cbTx, 0)}, p2pkhOut(90))
	err := ts.UTXOView(func(ext *Extension) error {
		blk := buildDraftBlock(h1, []*tx.Transaction{spend})
		return ext.ApplyBlock(blk)
	})
	if err != nil {
		t.Fatalf("UTXOView: %v", err)
	}
	if after := ts.Roots(); after != before {
		t.Errorf("roots after UTXOView spend attempt = %+v, want unchanged %+v", after, before)
	}
	if ok, err := ts.IsSpendable(mustOutpoint(cbTx, 0)); err != nil || !ok {
		t.Fatalf("IsSpendable after UTXOView = %v, %v, want true, nil", ok, err)
	}
}

// TestReopenAfterCommitIsDurable confirms a committed Extending call
// survives a Close and a fresh Open of the same directory and database.
func TestReopenAfterCommitIsDurable(t *testing.T) {
	dir := t.TempDir()
	db := storage.NewMemory()

	ts, err := Open(dir, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	gen := genesisHeader()
	cbTx := coinbaseTx(1, p2pkhOut(100))
	buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})
	wantRoots := ts.Roots()

	if err := ts.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, db)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if got := reopened.Roots(); got != wantRoots {
		t.Errorf("roots after reopen = %+v, want %+v", got, wantRoots)
	}
	if ok, err := reopened.IsSpendable(mustOutpoint(cbTx, 0)); err != nil || !ok {
		t.Fatalf("IsSpendable after reopen = %v, %v, want true, nil", ok, err)
	}
}
