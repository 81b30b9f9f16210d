package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Key prefixes and state keys for the block store. Headers get their own
// column alongside full blocks: the txhashset engine resolves ancestors by
// hash on every rewind and compaction scan, and those lookups shouldn't
// pay to deserialize transaction bodies.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeader = []byte("r/") // r/<hash(32)> -> header JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32), active chain only

	keyTipHash    = []byte("s/tip")
	keyHeight     = []byte("s/height")
	keyTotalDiff  = []byte("s/totaldiff")
)

// BlockStore persists blocks, headers, and chain metadata to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block and its header by hash only, without touching
// the height index. Use this for blocks that are not (yet) on the active
// chain — a reorg candidate's branch lives here until it wins.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	hdr, err := json.Marshal(blk.Header)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	if err := bs.db.Put(headerKey(hash), hdr); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes it as the active block at its height.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	if err := bs.StoreBlock(blk); err != nil {
		return err
	}
	hash := blk.Hash()
	if err := bs.db.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetHeader retrieves a header by its block hash, without loading the body.
func (bs *BlockStore) GetHeader(hash types.Hash) (*block.Header, error) {
	data, err := bs.db.Get(headerKey(hash))
	if err != nil {
		return nil, fmt.Errorf("header get: %w", err)
	}
	var hdr block.Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("header unmarshal: %w", err)
	}
	return &hdr, nil
}

// GetHashByHeight returns the active-chain block hash at the given height.
func (bs *BlockStore) GetHashByHeight(height uint64) (types.Hash, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, nil
}

// GetBlockByHeight retrieves the active-chain block at the given height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hash, err := bs.GetHashByHeight(height)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// DeleteHeightIndex removes the active-chain marker at the given height,
// used when a reorg shortens the chain.
func (bs *BlockStore) DeleteHeightIndex(height uint64) error {
	return bs.db.Delete(heightKey(height))
}

// SetTip stores the current chain tip hash, height, and total difficulty.
func (bs *BlockStore) SetTip(hash types.Hash, height, totalDiff uint64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf, diffBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(diffBuf[:], totalDiff)
	if err := bs.db.Put(keyTotalDiff, diffBuf[:]); err != nil {
		return fmt.Errorf("set total difficulty: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, and total difficulty.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, 0, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var totalDiff uint64
	diffBytes, err := bs.db.Get(keyTotalDiff)
	if err == nil && len(diffBytes) == 8 {
		totalDiff = binary.BigEndian.Uint64(diffBytes)
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	height := binary.BigEndian.Uint64(heightBytes)
	return hash, height, totalDiff, nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func headerKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHeader)+types.HashSize)
	copy(key, prefixHeader)
	copy(key[len(prefixHeader):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}
