package storage

import (
	"errors"
	"strings"
)

// MemoryDB implements DB using an in-memory map.
type MemoryDB struct {
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	return v, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.data[string(key)] = value
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// NewBatch returns a buffered batch that applies its writes directly to m
// on Commit. Used by tests and by any in-memory chain instance exercising
// the same transactional drivers as a Badger-backed one.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m, overlay: make(map[string]memoryOp)}
}

type memoryOp struct {
	key    []byte
	value  []byte // unused when delete is set
	delete bool
}

type memoryBatch struct {
	db      *MemoryDB
	ops     []memoryOp
	overlay map[string]memoryOp
	parent  *memoryBatch
}

func (mb *memoryBatch) Put(key, value []byte) error {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	op := memoryOp{key: k, value: v}
	mb.ops = append(mb.ops, op)
	mb.overlay[string(k)] = op
	return nil
}

func (mb *memoryBatch) Delete(key []byte) error {
	k := append([]byte(nil), key...)
	op := memoryOp{key: k, delete: true}
	mb.ops = append(mb.ops, op)
	mb.overlay[string(k)] = op
	return nil
}

// Get checks this batch's own pending writes first (read-your-writes),
// then its parent's, and only then falls through to the root database.
func (mb *memoryBatch) Get(key []byte) ([]byte, error) {
	if op, ok := mb.overlay[string(key)]; ok {
		if op.delete {
			return nil, errors.New("key not found")
		}
		return op.value, nil
	}
	if mb.parent != nil {
		return mb.parent.Get(key)
	}
	return mb.db.Get(key)
}

// Commit applies this batch's ops to its root database. A child batch
// folds its ops into its parent instead of writing through, so only the
// outermost Commit is ever observed as a write.
func (mb *memoryBatch) Commit() error {
	if mb.parent != nil {
		mb.parent.ops = append(mb.parent.ops, mb.ops...)
		for k, op := range mb.overlay {
			mb.parent.overlay[k] = op
		}
		return nil
	}
	for _, op := range mb.ops {
		if op.delete {
			if err := mb.db.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := mb.db.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops the batch's buffered ops.
func (mb *memoryBatch) Discard() {
	mb.ops = nil
	mb.overlay = make(map[string]memoryOp)
}

// Child returns a nested batch whose ops are folded into mb on Commit.
func (mb *memoryBatch) Child() Batch {
	return &memoryBatch{db: mb.db, parent: mb, overlay: make(map[string]memoryOp)}
}
