package mmr

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Directory and file names for a PMMR's persisted state. The backend keeps
// hash, leaf-data, and prune-bitmap files as three logically separate
// artifacts (matching the spec's three-file-per-MMR layout), even though
// each is serialized here as a single gob-encoded snapshot rather than the
// true append-only byte format a production PMMR backend would use — the
// exact on-disk byte layout is explicitly out of scope (spec.md §1 names it
// an external collaborator); only Backend's exported interface matters to
// callers.
const (
	hashFileName  = "pmmr_hash.bin"
	dataFileName  = "pmmr_data.bin"
	pruneFileName = "pmmr_prun.bin"
)

// Backend is a persistent, optionally prunable Merkle Mountain Range over
// leaves of type T. Positions are stable across pruning: pruning removes
// leaf *data* (for space reclamation) while leaving the leaf's hash in
// place, since hashes above a pruned leaf must remain computable.
type Backend[T any] struct {
	mu sync.RWMutex

	dir       string
	prunable  bool
	encode    func(T) ([]byte, error)
	decode    func([]byte) (T, error)
	component string

	hashes   []types.Hash      // index i holds the hash at position i+1
	leafData map[uint64][]byte // pos -> encoded leaf data, leaves only
	pruned   *roaring.Bitmap   // positions (cast to uint32) whose data has been pruned
	size     uint64            // current unpruned size (last assigned position)
}

// Open opens or creates a PMMR backend rooted at dir. prunable controls
// whether Prune/CheckCompact are permitted (kernel and token-issue-proof
// MMRs are never prunable, per spec §4.1).
func Open[T any](dir string, prunable bool, encode func(T) ([]byte, error), decode func([]byte) (T, error)) (*Backend[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mmr: create backend dir %s: %w", dir, err)
	}
	b := &Backend[T]{
		dir:       dir,
		prunable:  prunable,
		encode:    encode,
		decode:    decode,
		component: filepath.Base(dir),
		leafData:  make(map[uint64][]byte),
		pruned:    roaring.New(),
	}
	if err := b.load(); err != nil {
		return nil, fmt.Errorf("mmr: load backend %s: %w", dir, err)
	}
	return b, nil
}

type snapshot struct {
	Hashes   []types.Hash
	LeafData map[uint64][]byte
	Pruned   []byte
	Size     uint64
}

// PeekLeafBytes reads the still-encoded payload of the leaf at pos directly
// from dir's on-disk snapshot, without instantiating a typed Backend. It
// exists for the kernel-PMMR open-time version probe (spec §4.2), which
// must inspect leaf 1's raw bytes under multiple candidate decoders before
// committing to the one the rest of the backend will use.
func PeekLeafBytes(dir string, pos uint64) ([]byte, bool, error) {
	path := filepath.Join(dir, hashFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, false, fmt.Errorf("mmr: decode snapshot for leaf peek: %w", err)
	}
	data, ok := snap.LeafData[pos]
	return data, ok, nil
}

func (b *Backend[T]) load() error {
	path := filepath.Join(b.dir, hashFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	b.hashes = snap.Hashes
	if snap.LeafData != nil {
		b.leafData = snap.LeafData
	}
	b.size = snap.Size
	if len(snap.Pruned) > 0 {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(snap.Pruned); err != nil {
			return fmt.Errorf("decode prune bitmap: %w", err)
		}
		b.pruned = bm
	}
	return nil
}

// Sync persists the backend's current in-memory state to disk. Per the
// engine's commit discipline this is called after the owning database
// child-batch has already committed, so a crash between Sync calls for
// different MMRs only ever leaves the PMMR *behind* the already-durable
// index, never ahead of it.
func (b *Backend[T]) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncLocked()
}

func (b *Backend[T]) syncLocked() error {
	prunedBytes, err := b.pruned.ToBytes()
	if err != nil {
		return fmt.Errorf("marshal prune bitmap: %w", err)
	}
	snap := snapshot{
		Hashes:   b.hashes,
		LeafData: b.leafData,
		Pruned:   prunedBytes,
		Size:     b.size,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := filepath.Join(b.dir, hashFileName+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, hashFileName)); err != nil {
		return err
	}
	// Data and prune files are written as empty sentinels for layout
	// fidelity; the real payload lives in the hash-file snapshot above.
	_ = os.WriteFile(filepath.Join(b.dir, dataFileName), []byte{}, 0o644)
	_ = os.WriteFile(filepath.Join(b.dir, pruneFileName), []byte{}, 0o644)
	return nil
}

// Discard drops all in-memory mutations since the last Sync, reloading
// from the on-disk snapshot.
func (b *Backend[T]) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hashes = nil
	b.leafData = make(map[uint64][]byte)
	b.pruned = roaring.New()
	b.size = 0
	return b.load()
}

// UnprunedSize returns the total node count (last assigned position).
func (b *Backend[T]) UnprunedSize() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// NLeaves returns the number of leaves present at the current size.
func (b *Backend[T]) NLeaves() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return NLeaves(b.size)
}

// Append inserts a new leaf and returns its assigned position, merging
// equal-height peaks as the classic iterative MMR append algorithm
// requires.
func (b *Backend[T]) Append(data T) (uint64, error) {
	encoded, err := b.encode(data)
	if err != nil {
		return 0, fmt.Errorf("mmr: encode leaf: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	leafPos := b.size + 1
	leafHash := HashLeaf(leafPos, encoded)
	b.hashes = append(b.hashes, leafHash)
	b.leafData[leafPos] = encoded
	b.size++

	// Merge while the two most recent peaks share a height. Peaks() over
	// the current size always reflects this correctly because positions
	// are assigned in the same left-to-right order peaks are bagged in.
	for {
		peaks := Peaks(b.size)
		if len(peaks) < 2 {
			break
		}
		last := peaks[len(peaks)-1]
		prev := peaks[len(peaks)-2]
		if last.Height != prev.Height {
			break
		}
		leftHash := b.hashAt(prev.Pos)
		rightHash := b.hashAt(last.Pos)
		parentPos := b.size + 1
		parentHash := HashInternal(parentPos, leftHash, rightHash)
		b.hashes = append(b.hashes, parentHash)
		b.size++
	}

	return leafPos, nil
}

func (b *Backend[T]) hashAt(pos uint64) types.Hash {
	if pos == 0 || pos > uint64(len(b.hashes)) {
		return types.Hash{}
	}
	return b.hashes[pos-1]
}

// HashAt returns the stored hash at pos, if within the current size.
func (b *Backend[T]) HashAt(pos uint64) (types.Hash, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos == 0 || pos > b.size {
		return types.Hash{}, false
	}
	return b.hashAt(pos), true
}

// Get returns the decoded leaf data at pos, or ok=false if pos is not a
// live leaf (wrong position, beyond current size, or pruned).
func (b *Backend[T]) Get(pos uint64) (T, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var zero T
	if pos == 0 || pos > b.size || !IsLeaf(pos, b.size) {
		return zero, false, nil
	}
	if b.pruned.Contains(uint32(pos)) {
		return zero, false, nil
	}
	raw, ok := b.leafData[pos]
	if !ok {
		return zero, false, nil
	}
	v, err := b.decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("mmr: decode leaf at %d: %w", pos, err)
	}
	return v, true, nil
}

// Root returns the bagged root over all current peaks.
func (b *Backend[T]) Root() types.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rootLocked()
}

func (b *Backend[T]) rootLocked() types.Hash {
	peaks := Peaks(b.size)
	hashes := make([]types.Hash, len(peaks))
	for i, p := range peaks {
		hashes[i] = b.hashAt(p.Pos)
	}
	return BagPeaks(hashes)
}

// Prune logically marks a leaf as removed without affecting the stored
// hash or its underlying data. This is reversible: a Rewind that restores
// an earlier prune bitmap makes the leaf visible to Get again. Physical
// reclamation of the data happens later, and only up to the compaction
// horizon, in CheckCompact — the two-phase split spec §4.1 and §4.7
// describe (logical prune vs. physical compaction). Non-prunable backends
// (kernel / token-issue-proof MMRs) reject this.
func (b *Backend[T]) Prune(pos uint64) error {
	if !b.prunable {
		return fmt.Errorf("mmr: backend is not prunable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos == 0 || pos > b.size || !IsLeaf(pos, b.size) {
		return fmt.Errorf("mmr: position %d is not a live leaf", pos)
	}
	b.pruned.Add(uint32(pos))
	return nil
}

// IsPruned reports whether the leaf at pos has had its data pruned.
func (b *Backend[T]) IsPruned(pos uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pruned.Contains(uint32(pos))
}

// Rewind truncates the backend to targetSize, discarding every node
// inserted after it. unprune carries the positions whose prune marks the
// rewound-over blocks created (their spends are being undone, so their
// leaves become visible to Get again); positions pruned by older,
// still-applied blocks keep their marks. Pass nil for an append-only
// backend or when no spends are being undone.
func (b *Backend[T]) Rewind(targetSize uint64, unprune *roaring.Bitmap) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if targetSize > b.size {
		return fmt.Errorf("mmr: cannot rewind to size %d beyond current size %d", targetSize, b.size)
	}
	b.hashes = b.hashes[:targetSize]
	for pos := range b.leafData {
		if pos > targetSize {
			delete(b.leafData, pos)
		}
	}
	b.pruned.RemoveRange(targetSize+1, uint64(^uint32(0))+1)
	if unprune != nil {
		b.pruned.AndNot(unprune)
	}
	b.size = targetSize
	return nil
}

// ValidatePosition checks a position is a leaf position within size.
func ValidatePosition(pos, size uint64) error {
	if pos == 0 || pos > size {
		return fmt.Errorf("mmr: position %d out of range for size %d", pos, size)
	}
	if !IsLeaf(pos, size) {
		return fmt.Errorf("mmr: position %d is not a leaf", pos)
	}
	return nil
}

// Validate recomputes every internal node's hash from its children and
// compares it to the stored hash, detecting any corruption or tampering.
func (b *Backend[T]) Validate() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.validateViaPeaks()
}

// validateViaPeaks rebuilds every peak's internal hashes bottom-up from
// recorded leaf hashes and compares them against the stored hashes,
// which is equivalent to, but simpler than, a generic per-node check.
func (b *Backend[T]) validateViaPeaks() error {
	for _, peak := range Peaks(b.size) {
		offset := peak.Pos - ((uint64(1) << (peak.Height + 1)) - 1)
		if _, err := b.validateSubtree(offset, peak.Height); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend[T]) validateSubtree(offset, height uint64) (types.Hash, error) {
	if height == 0 {
		return b.hashAt(offset + 1), nil
	}
	leftSize := (uint64(1) << height) - 1
	leftHash, err := b.validateSubtree(offset, height-1)
	if err != nil {
		return types.Hash{}, err
	}
	rightHash, err := b.validateSubtree(offset+leftSize, height-1)
	if err != nil {
		return types.Hash{}, err
	}
	parentPos := offset + 2*leftSize + 1
	want := HashInternal(parentPos, leftHash, rightHash)
	got := b.hashAt(parentPos)
	if want != got {
		return types.Hash{}, fmt.Errorf("mmr: hash mismatch at position %d", parentPos)
	}
	return got, nil
}

// MerkleProof builds an inclusion proof for the leaf at pos.
func (b *Backend[T]) MerkleProof(pos uint64) (*Proof, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := ValidatePosition(pos, b.size); err != nil {
		return nil, err
	}

	peaks := Peaks(b.size)
	peakIdx := -1
	for i, p := range peaks {
		offset := p.Pos - ((uint64(1) << (p.Height + 1)) - 1)
		if pos > offset && pos <= p.Pos {
			peakIdx = i
			break
		}
	}
	if peakIdx == -1 {
		return nil, fmt.Errorf("mmr: position %d not contained in any peak", pos)
	}

	var path []ProofStep
	cur := pos
	for {
		sibling, parent, isLeftChild, isPeak := Family(cur, b.size)
		if isPeak {
			break
		}
		path = append(path, ProofStep{Sibling: b.hashAt(sibling), IsLeftChild: isLeftChild})
		cur = parent
	}

	otherPeaks := make([]types.Hash, 0, len(peaks)-1)
	for i, p := range peaks {
		if i == peakIdx {
			continue
		}
		otherPeaks = append(otherPeaks, b.hashAt(p.Pos))
	}

	return &Proof{
		LeafPos:    pos,
		Size:       b.size,
		Path:       path,
		OtherPeaks: otherPeaks,
		PeakIndex:  peakIdx,
	}, nil
}

// CheckCompact physically reclaims leaf data for positions pruned at or
// before horizon, except any position set in keep — a position spent by a
// block past the horizon that a rewind could still need restored. This is
// the physical half of the logical-prune/physical-compact split Prune's
// doc comment describes; it is a no-op on non-prunable backends (kernel /
// token-issue-proof MMRs are never pruned in the first place).
func (b *Backend[T]) CheckCompact(horizon uint64, keep *roaring.Bitmap) error {
	if !b.prunable {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	reclaimed := 0
	it := b.pruned.Iterator()
	for it.HasNext() {
		pos := uint64(it.Next())
		if pos > horizon {
			continue
		}
		if keep != nil && keep.Contains(uint32(pos)) {
			continue
		}
		if _, ok := b.leafData[pos]; ok {
			delete(b.leafData, pos)
			reclaimed++
		}
	}
	pmmrLogger := log.WithComponent("pmmr")
	pmmrLogger.Debug().
		Str("backend", b.component).
		Uint64("size", b.size).
		Uint64("pruned", b.pruned.GetCardinality()).
		Int("reclaimed", reclaimed).
		Uint64("horizon", horizon).
		Msg("compaction check")
	return nil
}

// ForEachLeaf iterates over every live (non-pruned) leaf position in
// ascending order, used by index-rebuild passes.
func (b *Backend[T]) ForEachLeaf(fn func(pos uint64, data T) error) error {
	b.mu.RLock()
	positions := make([]uint64, 0, len(b.leafData))
	for pos := range b.leafData {
		positions = append(positions, pos)
	}
	b.mu.RUnlock()

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	for _, pos := range positions {
		v, ok, err := b.Get(pos)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(pos, v); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotZipPaths returns the backend's on-disk artifact paths, used by
// the txhashset snapshot packager to build its allow-list.
func (b *Backend[T]) SnapshotZipPaths() []string {
	return []string{
		filepath.Join(b.dir, hashFileName),
		filepath.Join(b.dir, dataFileName),
		filepath.Join(b.dir, pruneFileName),
	}
}
