package mmr

import (
	"path/filepath"
	"testing"

	"github.com/klingnet-labs/txhashset/pkg/types"
)

func newTestBitmap(t *testing.T) *BitmapAccumulator {
	t.Helper()
	a, err := NewBitmapAccumulator(filepath.Join(t.TempDir(), "bitmap"))
	if err != nil {
		t.Fatalf("NewBitmapAccumulator: %v", err)
	}
	return a
}

func TestBitmapSetAndIsUnspent(t *testing.T) {
	a := newTestBitmap(t)

	if a.IsUnspent(5) {
		t.Fatalf("IsUnspent(5) on a fresh accumulator = true, want false")
	}
	a.Set(5, true)
	if !a.IsUnspent(5) {
		t.Fatalf("IsUnspent(5) after Set(5, true) = false, want true")
	}
	a.Set(5, false)
	if a.IsUnspent(5) {
		t.Fatalf("IsUnspent(5) after Set(5, false) = true, want false")
	}
}

func TestBitmapRootEmptyIsZero(t *testing.T) {
	a := newTestBitmap(t)
	if got := a.Root(); got != (types.Hash{}) {
		t.Errorf("Root() with no chunks = %s, want the zero hash", got)
	}
}

func TestBitmapRebuildIsDeterministic(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(0, true)
	a.Set(ChunkBits-1, true)
	a.Set(ChunkBits, true)
	a.Set(2*ChunkBits-1, true)

	root1, err := a.Rebuild(0, 2*ChunkBits-1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if a.NChunks() != 2 {
		t.Fatalf("NChunks() = %d, want 2", a.NChunks())
	}

	root2, err := a.Rebuild(0, 2*ChunkBits-1)
	if err != nil {
		t.Fatalf("Rebuild (again): %v", err)
	}
	if root1 != root2 {
		t.Errorf("Rebuild with unchanged state produced a different root: %s vs %s", root1, root2)
	}
}

func TestBitmapRebuildSpanningBoundaryTouchesBothChunks(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(ChunkBits-1, true)
	a.Set(ChunkBits, true)

	if _, err := a.Rebuild(ChunkBits-1, ChunkBits); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if a.NChunks() != 2 {
		t.Fatalf("NChunks() after a boundary-spanning Rebuild = %d, want 2", a.NChunks())
	}
	if _, ok := a.chunks[0]; !ok {
		t.Errorf("chunk 0 was not folded in by a Rebuild spanning the chunk boundary")
	}
	if _, ok := a.chunks[1]; !ok {
		t.Errorf("chunk 1 was not folded in by a Rebuild spanning the chunk boundary")
	}
}

func TestBitmapRootIgnoresUnrebuiltChunks(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(0, true)
	root1, err := a.Rebuild(0, 0)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	// A bit set in a chunk beyond NChunks, without a Rebuild extending to
	// cover it, must not change Root: that chunk isn't folded in yet.
	a.Set(ChunkBits+1, true)
	root2 := a.Root()
	if root1 != root2 {
		t.Errorf("Root changed after touching an un-rebuilt chunk: %s vs %s", root1, root2)
	}
}

func TestBitmapTruncate(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(0, true)
	a.Set(ChunkBits, true)
	a.Set(2*ChunkBits, true)
	if _, err := a.Rebuild(0, 3*ChunkBits-1); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if a.NChunks() != 3 {
		t.Fatalf("NChunks() before truncate = %d, want 3", a.NChunks())
	}

	a.Truncate(1500)
	if a.NChunks() != 2 {
		t.Errorf("NChunks() after Truncate(1500) = %d, want 2", a.NChunks())
	}
	if _, ok := a.chunks[2]; ok {
		t.Errorf("chunk 2 survived Truncate(1500), want it dropped")
	}
	if _, ok := a.chunks[1]; !ok {
		t.Errorf("chunk 1 missing after Truncate(1500), want it recomputed at the boundary")
	}
}

func TestBitmapTruncateToZero(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(0, true)
	if _, err := a.Rebuild(0, ChunkBits-1); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	a.Truncate(0)
	if a.NChunks() != 0 {
		t.Errorf("NChunks() after Truncate(0) = %d, want 0", a.NChunks())
	}
	if len(a.chunks) != 0 {
		t.Errorf("chunks after Truncate(0) = %d entries, want 0", len(a.chunks))
	}
	if got := a.Root(); got != (types.Hash{}) {
		t.Errorf("Root() after Truncate(0) = %s, want the zero hash", got)
	}
}

func TestBitmapSyncAndDiscard(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bitmap")
	a, err := NewBitmapAccumulator(dir)
	if err != nil {
		t.Fatalf("NewBitmapAccumulator: %v", err)
	}
	a.Set(1, true)
	if _, err := a.Rebuild(0, ChunkBits-1); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	syncedRoot := a.Root()

	a.Set(2, true)
	if _, err := a.Rebuild(ChunkBits, 2*ChunkBits-1); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if a.Root() == syncedRoot {
		t.Fatalf("root did not change after extending past the synced state")
	}

	if err := a.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if got := a.Root(); got != syncedRoot {
		t.Errorf("root after Discard = %s, want the last-synced root %s", got, syncedRoot)
	}
	if a.IsUnspent(2) {
		t.Errorf("IsUnspent(2) survived Discard, want the post-sync mutation reverted")
	}

	reopened, err := NewBitmapAccumulator(dir)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if got := reopened.Root(); got != syncedRoot {
		t.Errorf("root after reopening from disk = %s, want %s", got, syncedRoot)
	}
}

func TestBitmapCloneAccumulatorIsIndependent(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(1, true)
	if _, err := a.Rebuild(0, ChunkBits-1); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	original := a.Root()

	clone := a.CloneAccumulator()
	clone.Set(2, true)
	if _, err := clone.Rebuild(ChunkBits, 2*ChunkBits-1); err != nil {
		t.Fatalf("clone Rebuild: %v", err)
	}
	if clone.Root() == original {
		t.Fatalf("clone root did not change after mutating the clone")
	}
	if a.Root() != original {
		t.Errorf("original accumulator's root changed after mutating its clone: %s vs %s", a.Root(), original)
	}

	a.Adopt(clone)
	if a.Root() != clone.Root() {
		t.Errorf("root after Adopt = %s, want the adopted clone's root %s", a.Root(), clone.Root())
	}
}

func TestBitmapCloneAndRestore(t *testing.T) {
	a := newTestBitmap(t)
	a.Set(10, true)

	snapshot := a.Clone()
	snapshot.Add(20)
	if a.IsUnspent(20) {
		t.Errorf("mutating a Clone()'d bitmap affected the original accumulator")
	}

	a.Restore(snapshot)
	if !a.IsUnspent(20) {
		t.Fatalf("IsUnspent(20) after Restore(snapshot) = false, want true")
	}
	snapshot.Remove(20)
	if !a.IsUnspent(20) {
		t.Errorf("mutating the bitmap passed to Restore afterward affected the accumulator, want Restore to have copied it")
	}
}
