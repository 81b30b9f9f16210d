package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.TxHashSet.PruneHorizon == 0 {
		return fmt.Errorf("txhashset.prunehorizon must be greater than zero")
	}
	if cfg.TxHashSet.CompactionCadence == 0 {
		return fmt.Errorf("txhashset.compactioncadence must be greater than zero")
	}
	if cfg.TxHashSet.SnapshotMaxAge < 0 {
		return fmt.Errorf("txhashset.snapshotmaxage must not be negative")
	}
	return nil
}
