package mmr

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// DecodeBitmap unmarshals a serialized roaring bitmap, the on-disk format
// of the legacy per-block input bitmap fallback.
func DecodeBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return bm, nil
}

// ChunkBits is the number of output-MMR leaf positions summarized by a
// single bitmap-accumulator chunk leaf. 1024 mirrors the chunk size Grin
// uses for its "BitmapChain" structure.
const ChunkBits = 1024

const bitmapFileName = "bitmap_accumulator.bin"

// BitmapAccumulator is a Merkle accumulator over chunked spentness bits of
// the output MMR's leaves. Each chunk occupies a fixed, overwritable slot
// addressed by chunk index rather than an append-only log entry, so Root
// is a pure function of the *current* unspent set: re-applying the same
// set of leaves always reproduces the same root bit-for-bit, which an
// append-only backing would not (every Rebuild would grow the tree and
// permanently change what Root bags). Its root is the second root
// committed to in block headers alongside the output MMR's own root
// (spec §4.7 / §2 "Bitmap Accumulator").
type BitmapAccumulator struct {
	dir     string
	unspent *roaring.Bitmap   // 0-based leaf indices currently unspent
	chunks  map[uint64][]byte // chunk index -> packed chunk bits, for touched chunks
	nChunks uint64            // number of chunk slots folded into Root
}

type bitmapSnapshot struct {
	Unspent []byte
	Chunks  map[uint64][]byte
	NChunks uint64
}

// NewBitmapAccumulator creates or reopens an accumulator persisted under dir.
func NewBitmapAccumulator(dir string) (*BitmapAccumulator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mmr: create bitmap dir %s: %w", dir, err)
	}
	a := &BitmapAccumulator{
		dir:     dir,
		unspent: roaring.New(),
		chunks:  make(map[uint64][]byte),
	}
	if err := a.load(); err != nil {
		return nil, fmt.Errorf("mmr: load bitmap accumulator: %w", err)
	}
	return a, nil
}

func (a *BitmapAccumulator) path() string {
	return filepath.Join(a.dir, bitmapFileName)
}

func (a *BitmapAccumulator) load() error {
	raw, err := os.ReadFile(a.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap bitmapSnapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	bm := roaring.New()
	if len(snap.Unspent) > 0 {
		if err := bm.UnmarshalBinary(snap.Unspent); err != nil {
			return fmt.Errorf("decode unspent bitmap: %w", err)
		}
	}
	a.unspent = bm
	if snap.Chunks != nil {
		a.chunks = snap.Chunks
	}
	a.nChunks = snap.NChunks
	return nil
}

// Set marks the given 0-based leaf index as unspent (true) or spent
// (false). It does not fold the change into the root — call Rebuild
// afterward with a range spanning the touched index.
func (a *BitmapAccumulator) Set(leafIndex uint64, unspent bool) {
	if unspent {
		a.unspent.Add(uint32(leafIndex))
	} else {
		a.unspent.Remove(uint32(leafIndex))
	}
}

// IsUnspent reports whether the given 0-based leaf index is marked
// unspent.
func (a *BitmapAccumulator) IsUnspent(leafIndex uint64) bool {
	return a.unspent.Contains(uint32(leafIndex))
}

// Rebuild recomputes every chunk touching [from, to] (inclusive, 0-based
// leaf indices) from the current unspent set, extending the accumulator's
// chunk-slot count if needed, and returns the resulting root. Chunks
// outside [from, to] are left as they were, so the cost of folding in a
// block's worth of spends/creations is proportional to the number of
// distinct chunks it touches, not to the full output set.
func (a *BitmapAccumulator) Rebuild(from, to uint64) (types.Hash, error) {
	firstChunk := from / ChunkBits
	lastChunk := to / ChunkBits
	for c := firstChunk; c <= lastChunk; c++ {
		a.chunks[c] = a.encodeChunk(c)
	}
	if lastChunk+1 > a.nChunks {
		a.nChunks = lastChunk + 1
	}
	return a.Root(), nil
}

// Truncate drops every chunk slot at or beyond the chunk covering
// outputLeaves, then recomputes the chunk now at the boundary from the
// (already-restored) unspent set. Used by Extension.Rewind to collapse the
// accumulator back to the shape it had when the output MMR held exactly
// outputLeaves leaves.
func (a *BitmapAccumulator) Truncate(outputLeaves uint64) {
	if outputLeaves == 0 {
		a.chunks = make(map[uint64][]byte)
		a.nChunks = 0
		return
	}
	boundary := (outputLeaves - 1) / ChunkBits
	for c := range a.chunks {
		if c > boundary {
			delete(a.chunks, c)
		}
	}
	a.chunks[boundary] = a.encodeChunk(boundary)
	a.nChunks = boundary + 1
}

func (a *BitmapAccumulator) encodeChunk(chunk uint64) []byte {
	start := chunk * ChunkBits
	buf := make([]byte, 8+ChunkBits/8)
	binary.LittleEndian.PutUint64(buf[:8], chunk)
	for i := uint64(0); i < ChunkBits; i++ {
		if a.unspent.Contains(uint32(start + i)) {
			buf[8+i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

func (a *BitmapAccumulator) chunkHash(c uint64) types.Hash {
	data, ok := a.chunks[c]
	if !ok {
		data = a.encodeChunk(c)
	}
	return HashLeaf(c+1, data)
}

// Root returns the Merkle root over every chunk slot [0, nChunks),
// recomputed fresh each call so it depends only on the current unspent
// set and chunk-slot count, never on how many times Rebuild has run.
func (a *BitmapAccumulator) Root() types.Hash {
	if a.nChunks == 0 {
		return types.Hash{}
	}
	hashes := make([]types.Hash, a.nChunks)
	for c := uint64(0); c < a.nChunks; c++ {
		hashes[c] = a.chunkHash(c)
	}
	return block.ComputeMerkleRoot(hashes)
}

// NChunks returns the number of chunk slots currently folded into Root.
func (a *BitmapAccumulator) NChunks() uint64 { return a.nChunks }

// Sync persists the accumulator's unspent bitmap and chunk cache.
func (a *BitmapAccumulator) Sync() error {
	unspentBytes, err := a.unspent.ToBytes()
	if err != nil {
		return fmt.Errorf("marshal unspent bitmap: %w", err)
	}
	snap := bitmapSnapshot{Unspent: unspentBytes, Chunks: a.chunks, NChunks: a.nChunks}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := a.path() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.path())
}

// Discard reloads the accumulator from its last Sync, dropping in-memory
// mutations made by the extension that was working against it.
func (a *BitmapAccumulator) Discard() error {
	a.unspent = roaring.New()
	a.chunks = make(map[uint64][]byte)
	a.nChunks = 0
	return a.load()
}

// Clone returns a deep copy of the unspent bitmap, used to snapshot
// prune/rewind state for an Extension.
func (a *BitmapAccumulator) Clone() *roaring.Bitmap {
	return a.unspent.Clone()
}

// Restore replaces the unspent bitmap wholesale, used on rewind.
func (a *BitmapAccumulator) Restore(bm *roaring.Bitmap) {
	a.unspent = bm.Clone()
}

// SnapshotZipPath returns the accumulator's on-disk artifact path, used by
// the txhashset snapshot packager to build its allow-list.
func (a *BitmapAccumulator) SnapshotZipPath() string {
	return a.path()
}

// CloneAccumulator returns an independent in-memory working copy sharing
// this accumulator's directory but none of its state: an Extension mutates
// the clone freely (Rebuild/Truncate), and only Sync makes those mutations
// durable, so a discarded extension never touches the original's file.
func (a *BitmapAccumulator) CloneAccumulator() *BitmapAccumulator {
	chunks := make(map[uint64][]byte, len(a.chunks))
	for k, v := range a.chunks {
		cp := make([]byte, len(v))
		copy(cp, v)
		chunks[k] = cp
	}
	return &BitmapAccumulator{
		dir:     a.dir,
		unspent: a.unspent.Clone(),
		chunks:  chunks,
		nChunks: a.nChunks,
	}
}

// Adopt replaces a's in-memory state with other's, used by the commit path
// to install an extension's working copy as the new canonical accumulator.
func (a *BitmapAccumulator) Adopt(other *BitmapAccumulator) {
	a.unspent = other.unspent
	a.chunks = other.chunks
	a.nChunks = other.nChunks
}
