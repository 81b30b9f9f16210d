package txhashset

import (
	"testing"

	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// TestInitOutputPosIndexRebuildsFromLiveLeaves covers spec §8 S4: a rebuild
// must reproduce exactly the live (unpruned) output leaf set, dropping both
// ghost entries that don't correspond to any leaf and entries for outputs
// a later block already spent and pruned.
func TestInitOutputPosIndexRebuildsFromLiveLeaves(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(600), p2pkhOut(400))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	op0 := mustOutpoint(cbTx, 0)
	op1 := mustOutpoint(cbTx, 1)

	spend := spendTx([]types.Outpoint{op0}, p2pkhOut(590))
	buildAndApply(t, ts, db, h1, []*tx.Transaction{spend})
	newOp := mustOutpoint(spend, 0)

	ghost := types.Outpoint{TxID: types.Hash{0xFF}, Index: 7}
	if err := ts.Commits.SaveOutputPos(ghost, CommitPos{Pos: 999, Height: 1}); err != nil {
		t.Fatalf("seed ghost entry: %v", err)
	}

	if err := ts.InitOutputPosIndex(); err != nil {
		t.Fatalf("InitOutputPosIndex: %v", err)
	}

	if _, ok, err := ts.Commits.GetOutputPos(ghost); err != nil || ok {
		t.Errorf("ghost entry survived rebuild: ok=%v, err=%v, want false, nil", ok, err)
	}
	if _, ok, err := ts.Commits.GetOutputPos(op0); err != nil || ok {
		t.Errorf("spent/pruned op0 survived rebuild: ok=%v, err=%v, want false, nil", ok, err)
	}
	if pos, ok, err := ts.Commits.GetOutputPos(op1); err != nil || !ok {
		t.Errorf("live op1 missing after rebuild: ok=%v, err=%v, want true, nil", ok, err)
	} else if pos.Height != 1 {
		t.Errorf("op1 height after rebuild = %d, want 1", pos.Height)
	}
	if _, ok, err := ts.Commits.GetOutputPos(newOp); err != nil || !ok {
		t.Errorf("live newOp missing after rebuild: ok=%v, err=%v, want true, nil", ok, err)
	}

	var count int
	if err := ts.Commits.ForEachOutputPos(func(types.Outpoint, CommitPos) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("ForEachOutputPos: %v", err)
	}
	if count != 2 {
		t.Errorf("ForEachOutputPos count after rebuild = %d, want 2 (op1, newOp)", count)
	}
}

// TestInitTokenOutputPosIndexRebuildsFromLiveLeaves is the token-output
// analogue of the base-output rebuild test.
func TestInitTokenOutputPosIndexRebuildsFromLiveLeaves(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	var tokenID types.TokenID
	tokenID[0] = 0x01
	mintData := []byte("token-metadata")

	mintOut := tx.Output{
		Script: types.Script{Type: types.ScriptTypeMint, Data: mintData},
		Token:  &types.TokenData{ID: tokenID, Amount: 1000},
	}
	cbTx := coinbaseTx(1, mintOut)
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})
	tokenOp := mustOutpoint(cbTx, 0)

	if _, ok, err := ts.Commits.GetTokenOutputPos(tokenOp); err != nil || !ok {
		t.Fatalf("GetTokenOutputPos before rebuild: ok=%v, err=%v, want true, nil", ok, err)
	}

	ghost := types.Outpoint{TxID: types.Hash{0xEE}, Index: 3}
	if err := ts.Commits.SaveTokenOutputPos(ghost, CommitPos{Pos: 999, Height: 1}); err != nil {
		t.Fatalf("seed ghost token entry: %v", err)
	}

	_ = h1
	if err := ts.InitTokenOutputPosIndex(); err != nil {
		t.Fatalf("InitTokenOutputPosIndex: %v", err)
	}

	if _, ok, err := ts.Commits.GetTokenOutputPos(ghost); err != nil || ok {
		t.Errorf("ghost token entry survived rebuild: ok=%v, err=%v, want false, nil", ok, err)
	}
	if pos, ok, err := ts.Commits.GetTokenOutputPos(tokenOp); err != nil || !ok {
		t.Errorf("live token output missing after rebuild: ok=%v, err=%v, want true, nil", ok, err)
	} else if pos.Height != 1 {
		t.Errorf("token output height after rebuild = %d, want 1", pos.Height)
	}
}
