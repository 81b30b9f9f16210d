package chain

import "github.com/klingnet-labs/txhashset/pkg/types"

// State holds the current chain tip state.
type State struct {
	Height          uint64
	TipHash         types.Hash
	TotalDifficulty uint64 // Sum of all active-chain block difficulties (fork choice weight).
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}
