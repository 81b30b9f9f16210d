// Package chain drives block application through the txhashset engine:
// every accepted block flows through a scoped extension that appends to
// the MMR ensemble, prunes spent outputs, and validates the header's
// committed roots and sizes — the MMRs are the authoritative UTXO state,
// the chain's own database holds only blocks, headers, and the tip.
package chain

import (
	"fmt"
	"sync"

	"github.com/klingnet-labs/txhashset/config"
	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/internal/txhashset"
	"github.com/klingnet-labs/txhashset/pkg/block"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Chain owns the block store and the txhashset engine, serializing all
// state mutation behind one mutex (single writer, per the engine's
// extension discipline).
type Chain struct {
	mu     sync.Mutex // Protects all state mutations (ProcessBlock, reorg).
	db     storage.DB
	blocks *BlockStore
	ts     *txhashset.TxHashSet
	state  *State

	coinbaseMaturity uint64
	pruneHorizon     uint64
}

// New opens a chain backed by db for blocks/headers and by txhashsetDir
// for the MMR ensemble. The engine's commit-index shares db, so a block's
// index mutations and its storage land in the same database.
func New(db storage.DB, txhashsetDir string) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if _, ok := db.(storage.Batcher); !ok {
		return nil, fmt.Errorf("storage db does not support batches")
	}

	ts, err := txhashset.Open(txhashsetDir, db)
	if err != nil {
		return nil, fmt.Errorf("open txhashset: %w", err)
	}

	blocks := NewBlockStore(db)
	tipHash, height, totalDiff, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	return &Chain{
		db:               db,
		blocks:           blocks,
		ts:               ts,
		state:            &State{TipHash: tipHash, Height: height, TotalDifficulty: totalDiff},
		coinbaseMaturity: config.CoinbaseMaturity,
		pruneHorizon:     config.DefaultPruneHorizon,
	}, nil
}

// SetPruneHorizon overrides how many blocks behind the tip compaction may
// physically reclaim spent output data.
func (c *Chain) SetPruneHorizon(horizon uint64) {
	if horizon > 0 {
		c.pruneHorizon = horizon
	}
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// TxHashSet exposes the engine for read-only queries (spendability,
// Merkle proofs, recent outputs, snapshots).
func (c *Chain) TxHashSet() *txhashset.TxHashSet {
	return c.ts
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves the active-chain block at the given height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// GetHeaderByHash resolves a header by block hash. This is the engine's
// HeaderProvider: Extension.Rewind and compaction walk ancestor headers
// through it.
func (c *Chain) GetHeaderByHash(hash types.Hash) (*block.Header, bool, error) {
	hdr, err := c.blocks.GetHeader(hash)
	if err != nil {
		return nil, false, nil
	}
	return hdr, true, nil
}

// tipHeader loads the current tip's header, or nil on a fresh chain.
func (c *Chain) tipHeader() (*block.Header, error) {
	if c.state.IsGenesis() {
		return nil, nil
	}
	return c.blocks.GetHeader(c.state.TipHash)
}

// Compact physically reclaims pruned MMR data older than the prune
// horizon, keeping every position a reorg inside the horizon could still
// need restored.
func (c *Chain) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Height <= c.pruneHorizon {
		return nil
	}
	horizonBlk, err := c.blocks.GetBlockByHeight(c.state.Height - c.pruneHorizon)
	if err != nil {
		return fmt.Errorf("load horizon block: %w", err)
	}
	head, err := c.tipHeader()
	if err != nil {
		return fmt.Errorf("load tip header: %w", err)
	}
	return c.ts.Compact(horizonBlk.Header, head, c)
}

// Close syncs the engine's backends to disk.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts.Close()
}
