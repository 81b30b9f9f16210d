package storage

// Batch buffers a sequence of writes for atomic, all-or-nothing commit.
// The txhashset engine's transactional drivers use a batch's child-batch
// (see ChildBatcher below) as the database half of its commit discipline:
// child-batch commit must happen before any PMMR is synced to disk, so a
// crash between the two always leaves the PMMR looking "behind" the
// durable index, never ahead of it.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Get reads a key back through the batch, seeing this batch's own
	// uncommitted writes (and its ancestors' if it is a child) before
	// falling through to the underlying database. This read-your-writes
	// guarantee is what lets a single scoped extension both write and
	// re-read the commit-index consistently before it ever commits.
	Get(key []byte) ([]byte, error)
	// Discard releases the batch's resources without applying its
	// writes. Safe to call after Commit, so callers can defer it
	// unconditionally. A Badger child batch's Discard is a no-op (the
	// shared transaction belongs to the outermost batch); an in-memory
	// child's Discard drops only its own buffered writes.
	Discard()
}

// Batcher is implemented by a DB that can produce a Batch.
type Batcher interface {
	NewBatch() Batch
}

// ChildBatcher is implemented by a Batch that can itself spawn a nested
// child batch, so Extending can stage its writes in the child. An
// in-memory child keeps its writes apart until its Commit folds them into
// the parent, and they are lost if it never commits. A Badger child shares
// its parent's transaction: its writes are visible to the parent at once
// and are dropped only when the parent itself is discarded.
type ChildBatcher interface {
	Child() Batch
}
