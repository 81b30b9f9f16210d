package txhashset

import (
	"github.com/klingnet-labs/txhashset/internal/mmr"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// PMMRHandle wraps one persistent MMR backend. It keeps no separate
// last_pos cursor: LastPos reads the backend's current size, which inside
// a driver closure includes appends that have not been synced yet. The
// drivers roll such appends back with Backend.Discard, which reloads the
// backend from its last Sync.
type PMMRHandle[T any] struct {
	Backend *mmr.Backend[T]
}

func newHandle[T any](dir string, prunable bool, encode func(T) ([]byte, error), decode func([]byte) (T, error)) (*PMMRHandle[T], error) {
	b, err := mmr.Open[T](dir, prunable, encode, decode)
	if err != nil {
		return nil, err
	}
	return &PMMRHandle[T]{Backend: b}, nil
}

// LastPos returns the backend's current size (Backend.UnprunedSize).
func (h *PMMRHandle[T]) LastPos() uint64 { return h.Backend.UnprunedSize() }

// Root returns the MMR's current bagged root.
func (h *PMMRHandle[T]) Root() types.Hash { return h.Backend.Root() }
