package txhashset

// InitOutputPosIndex rebuilds the advisory output commit-index from the
// output MMR itself. Since OutputEntry is self-describing (it carries its
// own Outpoint and creation height), a full rebuild is a single clear-then
// -replay pass rather than the separate stale-entry-prune and height-
// backfill passes a leaf format without that information would need: the
// live leaf set already *is* the correct index contents.
func (t *TxHashSet) InitOutputPosIndex() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.Commits.ClearOutputPosIndex(); err != nil {
		return err
	}
	return t.Output.Backend.ForEachLeaf(func(pos uint64, entry OutputEntry) error {
		return t.Commits.SaveOutputPos(entry.Outpoint, CommitPos{Pos: pos, Height: entry.Height})
	})
}

// InitTokenOutputPosIndex is InitOutputPosIndex's token analogue, rebuilding
// the advisory token-output commit-index from the token-output MMR.
func (t *TxHashSet) InitTokenOutputPosIndex() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.Commits.ClearTokenOutputPosIndex(); err != nil {
		return err
	}
	return t.TokenOutput.Backend.ForEachLeaf(func(pos uint64, entry TokenOutputEntry) error {
		return t.Commits.SaveTokenOutputPos(entry.Outpoint, CommitPos{Pos: pos, Height: entry.Height})
	})
}
