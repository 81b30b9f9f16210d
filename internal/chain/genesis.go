package chain

import (
	"fmt"
	"sort"

	"github.com/klingnet-labs/txhashset/config"
	"github.com/klingnet-labs/txhashset/pkg/tx"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// InitFromGenesis initializes a fresh chain from genesis configuration:
// the allocation coinbase is dry-run through the engine to finalize the
// genesis header's MMR commitments, then connected like any other block.
// Genesis bypasses ProcessBlock's structural validation — it is trusted
// local configuration, and an empty allocation produces a zero-value
// output no network block would be allowed to carry.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == nil {
		return fmt.Errorf("genesis config is nil")
	}
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	coinbase, err := buildCoinbaseTx(gen.Alloc)
	if err != nil {
		return fmt.Errorf("build genesis coinbase: %w", err)
	}

	blk, err := c.buildBlockLocked([]*tx.Transaction{coinbase}, gen.Timestamp)
	if err != nil {
		return fmt.Errorf("finalize genesis: %w", err)
	}

	if err := c.connectBlock(blk, nil); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	return nil
}

// buildCoinbaseTx creates a coinbase transaction with the initial
// allocations, one P2PKH output per address in deterministic order.
func buildCoinbaseTx(alloc map[string]uint64) (*tx.Transaction, error) {
	addrs := make([]string, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []tx.Output
	for _, addrStr := range addrs {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		outputs = append(outputs, tx.Output{
			Value: alloc[addrStr],
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr.Bytes(),
			},
		})
	}

	// No allocations: a single zero-value output so the block has a valid tx.
	if len(outputs) == 0 {
		outputs = []tx.Output{{
			Value: 0,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: make([]byte, types.AddressSize),
			},
		}}
	}

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{}, // Zero outpoint marks a coinbase.
		}},
		Outputs: outputs,
	}, nil
}
