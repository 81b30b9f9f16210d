package txhashset

import (
	"testing"

	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// TestInputPosToRewindCollectsSpentPositions confirms the scan walks every
// block strictly above horizon (never horizon itself) and OR-s their
// spent-position undo logs together.
func TestInputPosToRewindCollectsSpentPositions(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(600), p2pkhOut(400))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	op0 := mustOutpoint(cbTx, 0)
	pos0, ok, err := ts.Commits.GetOutputPos(op0)
	if err != nil || !ok {
		t.Fatalf("GetOutputPos(op0) before spend: %v, %v, want true, nil", ok, err)
	}

	spend := spendTx([]types.Outpoint{op0}, p2pkhOut(590))
	h2 := buildAndApply(t, ts, db, h1, []*tx.Transaction{spend})

	headers := memHeaders{}
	headers.add(gen)
	headers.add(h1)
	headers.add(h2)

	base, _, err := ts.InputPosToRewind(h1, h2, headers)
	if err != nil {
		t.Fatalf("InputPosToRewind(horizon=h1, head=h2): %v", err)
	}
	if !base.Contains(uint32(pos0.Pos)) {
		t.Errorf("InputPosToRewind base bitmap missing spent position %d for a block above horizon", pos0.Pos)
	}

	baseAtSpendHeight, _, err := ts.InputPosToRewind(h2, h2, headers)
	if err != nil {
		t.Fatalf("InputPosToRewind(horizon=h2, head=h2): %v", err)
	}
	if baseAtSpendHeight.GetCardinality() != 0 {
		t.Errorf("InputPosToRewind(horizon=head) = %d positions, want 0 (horizon's own block is excluded)", baseAtSpendHeight.GetCardinality())
	}
}

// TestCompactRunsCleanlyWithoutChangingRoots confirms compaction, which
// only reclaims in-memory leaf data for already-pruned positions, never
// perturbs any MMR's bagged root.
func TestCompactRunsCleanlyWithoutChangingRoots(t *testing.T) {
	ts, db := newTestSet(t)
	gen := genesisHeader()

	cbTx := coinbaseTx(1, p2pkhOut(600), p2pkhOut(400))
	h1 := buildAndApply(t, ts, db, gen, []*tx.Transaction{cbTx})

	op0 := mustOutpoint(cbTx, 0)
	spend := spendTx([]types.Outpoint{op0}, p2pkhOut(590))
	h2 := buildAndApply(t, ts, db, h1, []*tx.Transaction{spend})

	before := ts.Roots()

	headers := memHeaders{}
	headers.add(gen)
	headers.add(h1)
	headers.add(h2)

	if err := ts.Compact(h1, h2, headers); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if after := ts.Roots(); after != before {
		t.Errorf("roots changed by Compact: %+v, want unchanged %+v", after, before)
	}
}
