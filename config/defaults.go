package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		TxHashSet: TxHashSetConfig{
			PruneHorizon:      DefaultPruneHorizon,
			CompactionCadence: DefaultCompactionCadence,
			SnapshotMaxAge:    DefaultSnapshotMaxAge,
		},
	}
}

// Default txhashset engine tuning constants. PruneHorizon mirrors
// CoinbaseMaturity's order of magnitude (config/genesis.go): both exist so
// a reorg shallower than the horizon can still restore pruned data.
const (
	DefaultPruneHorizon      uint64        = 20
	DefaultCompactionCadence uint64        = 10
	DefaultSnapshotMaxAge    time.Duration = 24 * time.Hour
)

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
