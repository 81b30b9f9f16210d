package config

import (
	"path/filepath"
	"time"
)

// TxHashSetConfig holds the UTXO-set engine's node-local operational
// settings: none of these affect consensus, only how aggressively this
// node reclaims disk space and how long it keeps generated fast-sync
// snapshots around.
type TxHashSetConfig struct {
	// DataDir is the directory the engine's MMR backends and bitmap
	// accumulator are rooted under. Defaults to <ChainDataDir>/txhashset.
	DataDir string `conf:"txhashset.datadir"`

	// PruneHorizon is how many blocks behind the chain tip a spent
	// output's data must be before compaction physically reclaims it.
	// Positions spent more recently than this stay intact in case a
	// reorg needs them restored.
	PruneHorizon uint64 `conf:"txhashset.prunehorizon"`

	// CompactionCadence is how often, in blocks, the node runs a
	// compaction pass against the current prune horizon.
	CompactionCadence uint64 `conf:"txhashset.compactioncadence"`

	// SnapshotMaxAge bounds how long a generated fast-sync snapshot zip
	// is kept before opportunistic cleanup removes it.
	SnapshotMaxAge time.Duration `conf:"txhashset.snapshotmaxage"`
}

// TxHashSetDir returns the txhashset engine's data directory.
func (c *Config) TxHashSetDir() string {
	if c.TxHashSet.DataDir != "" {
		return c.TxHashSet.DataDir
	}
	return filepath.Join(c.ChainDataDir(), "txhashset")
}
