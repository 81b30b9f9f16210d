// Klingnet chain daemon: opens the block database and the txhashset
// engine, initializes genesis on first run, and keeps the engine
// compacted until it receives SIGINT or SIGTERM.
//
// Usage:
//
//	klingnetd [--network=testnet --datadir=...]
//	klingnetd --help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingnet-labs/txhashset/config"
	"github.com/klingnet-labs/txhashset/internal/chain"
	klog "github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/storage"
)

const version = "0.2.0"

func main() {
	flags := config.ParseFlags()
	if flags.Help {
		config.PrintUsage()
		return
	}
	if flags.Version {
		fmt.Printf("klingnetd %s\n", version)
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("daemon")

	if err := os.MkdirAll(cfg.ChainDBDir(), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create data directory")
	}
	db, err := storage.NewBadger(cfg.ChainDBDir())
	if err != nil {
		logger.Fatal().Err(err).Msg("open chain database")
	}
	defer db.Close()

	c, err := chain.New(db, cfg.TxHashSetDir())
	if err != nil {
		logger.Fatal().Err(err).Msg("open chain")
	}
	defer c.Close()
	c.SetPruneHorizon(cfg.TxHashSet.PruneHorizon)

	state := c.State()
	if state.IsGenesis() {
		gen, err := loadGenesis(flags, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("load genesis")
		}
		if err := c.InitFromGenesis(gen); err != nil {
			logger.Fatal().Err(err).Msg("initialize genesis")
		}
		logger.Info().Str("chain", gen.ChainID).Msg("genesis initialized")
	}

	st := c.State()
	logger.Info().
		Str("network", string(cfg.Network)).
		Uint64("height", st.Height).
		Str("tip", st.TipHash.String()).
		Msg("klingnetd started")

	// Compact the engine whenever the chain has advanced a full cadence
	// of blocks since the last pass.
	stop := make(chan struct{})
	go compactLoop(c, cfg.TxHashSet.CompactionCadence, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	close(stop)
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}

func loadConfig(flags *config.Flags) (*config.Config, error) {
	network := config.Mainnet
	if flags.Network != "" {
		network = config.NetworkType(flags.Network)
	}
	cfg := config.Default(network)

	path := flags.Config
	if path == "" {
		path = cfg.ConfigFile()
	}
	values, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := config.ApplyFileConfig(cfg, values); err != nil {
		return nil, err
	}
	flags.Apply(cfg)

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadGenesis(flags *config.Flags, cfg *config.Config) (*config.Genesis, error) {
	if flags.Genesis != "" {
		return config.LoadGenesis(flags.Genesis)
	}
	return config.GenesisFor(cfg.Network), nil
}

func compactLoop(c *chain.Chain, cadence uint64, stop <-chan struct{}) {
	logger := klog.WithComponent("daemon")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastCompacted := c.Height()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			height := c.Height()
			if height < lastCompacted+cadence {
				continue
			}
			if err := c.Compact(); err != nil {
				logger.Warn().Err(err).Msg("compaction failed")
				continue
			}
			lastCompacted = height
		}
	}
}
