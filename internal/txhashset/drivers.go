package txhashset

import (
	"fmt"

	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/pkg/block"
)

// dataSyncFuncs lists the seven data-MMR backends' Sync methods, in the
// fixed outputs-before-kernels order Extending commits them in.
func (t *TxHashSet) dataSyncFuncs() []func() error {
	return []func() error{
		t.Output.Backend.Sync,
		t.Rangeproof.Backend.Sync,
		t.Kernel.Backend.Sync,
		t.TokenOutput.Backend.Sync,
		t.TokenRangeproof.Backend.Sync,
		t.TokenIssueProof.Backend.Sync,
		t.TokenKernel.Backend.Sync,
	}
}

// dataDiscardFuncs is dataSyncFuncs' rollback counterpart.
func (t *TxHashSet) dataDiscardFuncs() []func() error {
	return []func() error{
		t.Output.Backend.Discard,
		t.Rangeproof.Backend.Discard,
		t.Kernel.Backend.Discard,
		t.TokenOutput.Backend.Discard,
		t.TokenRangeproof.Backend.Discard,
		t.TokenIssueProof.Backend.Discard,
		t.TokenKernel.Backend.Discard,
	}
}

// scratchBatch returns a freshly opened batch on t's database that the
// caller intends to discard: a convenient, never-committed staging area
// for commit-index writes a read-only view's Extension needs to make and
// read back, but which must never become durable.
func (t *TxHashSet) scratchBatch() (storage.Batch, error) {
	batcher, ok := t.db.(storage.Batcher)
	if !ok {
		return nil, fmt.Errorf("%w: database does not support batches", ErrStore)
	}
	return batcher.NewBatch(), nil
}

// ExtensionPair bundles a header extension with the data extension that
// advances alongside it, for callers that accept a full block (header +
// body) and need both to commit or roll back together.
type ExtensionPair struct {
	Header *HeaderExtension
	Ext    *Extension
}

// Extending runs f against a fresh Extension scoped to a child batch of
// batch, applying the commit discipline spec'd for the engine:
//
//   - f returns nil and never calls Extension.ForceRollback: the child
//     batch commits first, then every data backend syncs, then the
//     bitmap accumulator's working copy is adopted and synced. A crash
//     between these steps leaves the PMMRs looking behind the
//     already-durable commit index, never ahead of it.
//   - f returns an error, or calls ForceRollback: the child batch is
//     dropped and every data backend is discarded back to its last Sync,
//     and the bitmap accumulator's working copy is simply not adopted.
func (t *TxHashSet) Extending(batch storage.Batch, head *block.Header, f func(*Extension) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cb, ok := batch.(storage.ChildBatcher)
	if !ok {
		return fmt.Errorf("%w: batch does not support child batches", ErrStore)
	}
	child := cb.Child()

	ext := newExtension(t, t.Commits.WithBatch(child), head)
	err := f(ext)

	if err == nil && !ext.rollback {
		if cerr := child.Commit(); cerr != nil {
			for _, discard := range t.dataDiscardFuncs() {
				if derr := discard(); derr != nil {
					log.TxHashSet.Error().Err(derr).Msg("discard after failed batch commit")
				}
			}
			return fmt.Errorf("%w: commit extension batch: %v", ErrStore, cerr)
		}
		for _, sync := range t.dataSyncFuncs() {
			if serr := sync(); serr != nil {
				return fmt.Errorf("%w: sync pmmr after commit: %v", ErrStore, serr)
			}
		}
		t.Bitmap.Adopt(ext.bitmap)
		if serr := t.Bitmap.Sync(); serr != nil {
			return fmt.Errorf("%w: sync bitmap accumulator: %v", ErrStore, serr)
		}
		committedEvt := log.TxHashSet.Debug()
		if head != nil {
			committedEvt = committedEvt.Uint64("height", head.Height)
		}
		committedEvt.Msg("extension committed")
		return nil
	}

	for _, discard := range t.dataDiscardFuncs() {
		if derr := discard(); derr != nil {
			log.TxHashSet.Error().Err(derr).Msg("discard after rolled-back extension")
		}
	}
	if err == nil {
		return fmt.Errorf("extension rolled back")
	}
	return err
}

// ExtendingReadonly runs f against an Extension that is always discarded,
// regardless of what f returns, so callers can validate prospective state
// (e.g. a block under consideration) without any risk of committing it.
// Commit-index writes are staged in a batch that is simply never
// committed, the same discard-by-construction trick the PMMR discards
// rely on.
func (t *TxHashSet) ExtendingReadonly(head *block.Header, f func(*Extension) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	scratch, err := t.scratchBatch()
	if err != nil {
		return err
	}
	defer scratch.Discard()
	ext := newExtension(t, t.Commits.WithBatch(scratch), head)
	err = f(ext)

	for _, discard := range t.dataDiscardFuncs() {
		if derr := discard(); derr != nil {
			log.TxHashSet.Error().Err(derr).Msg("discard after readonly extension")
		}
	}
	return err
}

// HeaderExtending is Extending's header-MMR-only counterpart, used by
// header-first sync to advance the header chain ahead of body data.
func (t *TxHashSet) HeaderExtending(head *block.Header, f func(*HeaderExtension) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ext := newHeaderExtension(t, head)
	err := f(ext)

	if err == nil && !ext.rollback {
		if serr := t.Header.Backend.Sync(); serr != nil {
			return fmt.Errorf("%w: sync header pmmr: %v", ErrStore, serr)
		}
		return nil
	}
	if derr := t.Header.Backend.Discard(); derr != nil {
		log.TxHashSet.Error().Err(derr).Msg("discard after rolled-back header extension")
	}
	if err == nil {
		return fmt.Errorf("header extension rolled back")
	}
	return err
}

// UTXOView runs f against a read-only Extension with no current head,
// useful for one-off lookups (spendability checks, Merkle proofs) that
// want the composite-view ergonomics of Extension without any intent to
// mutate state. Always discarded.
func (t *TxHashSet) UTXOView(f func(*Extension) error) error {
	return t.ExtendingReadonly(nil, f)
}

// RewindableKernelView runs f against a read-only Extension solely to
// inspect the kernel MMR at an earlier size, local to this call: f can
// rewind the kernel backend freely and the driver discards the change
// afterward regardless of outcome.
func (t *TxHashSet) RewindableKernelView(f func(*Extension) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	scratch, err := t.scratchBatch()
	if err != nil {
		return err
	}
	defer scratch.Discard()
	ext := newExtension(t, t.Commits.WithBatch(scratch), nil)
	err = f(ext)

	if derr := t.Kernel.Backend.Discard(); derr != nil {
		log.TxHashSet.Error().Err(derr).Msg("discard after rewindable kernel view")
	}
	return err
}
