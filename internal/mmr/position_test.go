package mmr

import "testing"

func TestLeafIndexToPos(t *testing.T) {
	cases := []struct {
		index uint64
		pos   uint64
	}{
		{0, 1}, {1, 2}, {2, 4}, {3, 5}, {4, 8}, {5, 9}, {6, 11}, {7, 12}, {8, 16},
	}
	for _, c := range cases {
		if got := LeafIndexToPos(c.index); got != c.pos {
			t.Errorf("LeafIndexToPos(%d) = %d, want %d", c.index, got, c.pos)
		}
	}
}

func TestSizeAfterLeaves(t *testing.T) {
	cases := []struct {
		n    uint64
		size uint64
	}{
		{0, 0}, {1, 1}, {2, 3}, {3, 4}, {4, 7}, {5, 8}, {6, 10}, {7, 11}, {8, 15},
	}
	for _, c := range cases {
		if got := SizeAfterLeaves(c.n); got != c.size {
			t.Errorf("SizeAfterLeaves(%d) = %d, want %d", c.n, got, c.size)
		}
	}
}

func TestPeaksSumToSize(t *testing.T) {
	for n := uint64(1); n <= 64; n++ {
		size := SizeAfterLeaves(n)
		peaks := Peaks(size)
		if len(peaks) == 0 {
			t.Fatalf("no peaks for size %d", size)
		}
		if peaks[len(peaks)-1].Pos != size {
			t.Errorf("n=%d size=%d: last peak pos %d != size", n, size, peaks[len(peaks)-1].Pos)
		}
		var total uint64
		for _, p := range peaks {
			total += (uint64(1) << (p.Height + 1)) - 1
		}
		if total != size {
			t.Errorf("n=%d: peak sizes sum to %d, want %d", n, total, size)
		}
	}
}

func TestNLeavesRoundTrip(t *testing.T) {
	for n := uint64(1); n <= 64; n++ {
		size := SizeAfterLeaves(n)
		if got := NLeaves(size); got != n {
			t.Errorf("NLeaves(SizeAfterLeaves(%d)) = %d, want %d", n, got, n)
		}
	}
}

func TestFamilyLeafPositions(t *testing.T) {
	// With 2 leaves (positions 1,2), they merge into position 3 which is
	// the sole peak: 1 and 2 are siblings, 3 has no parent.
	size := SizeAfterLeaves(2)
	sib, parent, left, isPeak := Family(1, size)
	if isPeak {
		t.Fatalf("position 1 should not be a peak at size %d", size)
	}
	if sib != 2 || parent != 3 || !left {
		t.Errorf("Family(1,%d) = (%d,%d,%v), want (2,3,true)", size, sib, parent, left)
	}
	sib, parent, left, isPeak = Family(2, size)
	if sib != 1 || parent != 3 || left {
		t.Errorf("Family(2,%d) = (%d,%d,%v), want (1,3,false)", size, sib, parent, left)
	}
	_, _, _, isPeak = Family(3, size)
	if !isPeak {
		t.Errorf("position 3 should be a peak at size %d", size)
	}
}

func TestIsLeaf(t *testing.T) {
	size := SizeAfterLeaves(4) // positions 1..7, leaves at 1,2,4,5; internal at 3,6,7
	leafPositions := map[uint64]bool{1: true, 2: true, 4: true, 5: true}
	for pos := uint64(1); pos <= size; pos++ {
		want := leafPositions[pos]
		if got := IsLeaf(pos, size); got != want {
			t.Errorf("IsLeaf(%d, %d) = %v, want %v", pos, size, got, want)
		}
	}
}
