package txhashset

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klingnet-labs/txhashset/internal/storage"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Key prefixes for the advisory commit-index. The commit-index is
// *advisory*: the MMR is authoritative, and this index exists purely to
// turn an Outpoint/TokenID into an O(1) lookup of {Pos, Height} instead of
// a linear MMR scan, exactly as txhashset.rs's output_pos_height index
// does for Grin's commitments.
var (
	prefixOutputPos      = []byte("o/") // o/<txid(32)><index(4)> -> CommitPos JSON
	prefixTokenOutputPos = []byte("t/") // t/<txid(32)><index(4)> -> CommitPos JSON
	prefixTokenIssuePos  = []byte("i/") // i/<tokenid(32)> -> CommitPos JSON
	prefixSpentIndex     = []byte("s/") // s/<blockhash(32)> -> []SpentPosition JSON
	prefixBlockInputBmp  = []byte("b/") // b/<blockhash(32)> -> roaring bitmap bytes (legacy fallback)
	prefixKernelPos      = []byte("k/") // k/<txhash(32)> -> CommitPos JSON
	prefixTokenKernelPos = []byte("c/") // c/<txhash(32)> -> CommitPos JSON
	prefixTokenSpentIdx  = []byte("u/") // u/<blockhash(32)> -> []SpentPosition JSON (token-output spends)
	prefixTokenInputBmp  = []byte("v/") // v/<blockhash(32)> -> roaring bitmap bytes (legacy token fallback)
	prefixMintDelta      = []byte("n/") // n/<blockhash(32)> -> MintDelta JSON, undone on rewind

	keyBaseMinted  = []byte("m/base")  // cumulative base-currency reward ever minted (uint64 big-endian)
	keyTokenMinted = []byte("m/token") // cumulative token amount ever minted across all TokenIDs (uint64 big-endian)
)

// MintDelta records exactly how much a single block added to the
// cumulative mint tallies, so rewindSingleBlock can subtract the same
// amount back out without needing to re-walk the block's transactions.
// Base is signed: a block with fees but no coinbase burns value.
type MintDelta struct {
	Base  int64  `json:"base"`
	Token uint64 `json:"token"`
}

func mintDeltaKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixMintDelta)+types.HashSize)
	copy(key, prefixMintDelta)
	copy(key[len(prefixMintDelta):], blockHash[:])
	return key
}

// SaveMintDelta records a block's contribution to the mint tallies.
func (c *CommitIndex) SaveMintDelta(blockHash types.Hash, delta MintDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("%w: marshal mint delta: %v", ErrStore, err)
	}
	if err := c.kv.Put(mintDeltaKey(blockHash), data); err != nil {
		return fmt.Errorf("%w: put mint delta: %v", ErrStore, err)
	}
	return nil
}

// GetMintDelta retrieves a block's recorded mint-tally contribution.
func (c *CommitIndex) GetMintDelta(blockHash types.Hash) (MintDelta, bool, error) {
	data, err := c.kv.Get(mintDeltaKey(blockHash))
	if err != nil {
		return MintDelta{}, false, nil
	}
	var delta MintDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return MintDelta{}, false, fmt.Errorf("%w: unmarshal mint delta: %v", ErrStore, err)
	}
	return delta, true, nil
}

// DeleteMintDelta removes a block's recorded mint-tally contribution.
func (c *CommitIndex) DeleteMintDelta(blockHash types.Hash) error {
	return c.kv.Delete(mintDeltaKey(blockHash))
}

// SpentPosition records one output-MMR position spent by a block, with the
// height it was created at (needed to restore bitmap state on rewind).
type SpentPosition struct {
	Pos    uint64 `json:"pos"`
	Height uint64 `json:"height"`
}

// kv is the minimal read/write surface CommitIndex needs. Both storage.DB
// and storage.Batch satisfy it, which is what lets the same CommitIndex
// code run either directly against the database (index rebuild) or scoped
// to an Extension's child batch (apply_block/rewind), picking up that
// batch's read-your-writes and rollback-on-discard semantics for free.
type kv interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// CommitIndex is the advisory commitment -> (pos, height) index, plus the
// per-block spent-position undo log used for deterministic rewind.
type CommitIndex struct {
	kv kv
	db storage.DB // non-nil only on the db-backed root view; used by ForEach/Clear passes
}

// NewCommitIndex creates a commit-index backed by the given database.
func NewCommitIndex(db storage.DB) *CommitIndex {
	return &CommitIndex{kv: db, db: db}
}

// WithBatch returns a view of the commit-index whose reads and writes go
// through b instead of directly against the database, so all of an
// Extension's index mutations live in its child batch until commit and
// vanish on discard along with everything else in the batch.
func (c *CommitIndex) WithBatch(b storage.Batch) *CommitIndex {
	return &CommitIndex{kv: b, db: c.db}
}

func outputPosKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixOutputPos)+types.HashSize+4)
	copy(key, prefixOutputPos)
	copy(key[len(prefixOutputPos):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixOutputPos)+types.HashSize:], op.Index)
	return key
}

func tokenOutputPosKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixTokenOutputPos)+types.HashSize+4)
	copy(key, prefixTokenOutputPos)
	copy(key[len(prefixTokenOutputPos):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixTokenOutputPos)+types.HashSize:], op.Index)
	return key
}

func tokenIssuePosKey(id types.TokenID) []byte {
	key := make([]byte, len(prefixTokenIssuePos)+types.HashSize)
	copy(key, prefixTokenIssuePos)
	copy(key[len(prefixTokenIssuePos):], id[:])
	return key
}

func spentIndexKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixSpentIndex)+types.HashSize)
	copy(key, prefixSpentIndex)
	copy(key[len(prefixSpentIndex):], blockHash[:])
	return key
}

func blockInputBitmapKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixBlockInputBmp)+types.HashSize)
	copy(key, prefixBlockInputBmp)
	copy(key[len(prefixBlockInputBmp):], blockHash[:])
	return key
}

func tokenSpentIndexKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixTokenSpentIdx)+types.HashSize)
	copy(key, prefixTokenSpentIdx)
	copy(key[len(prefixTokenSpentIdx):], blockHash[:])
	return key
}

func tokenInputBitmapKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixTokenInputBmp)+types.HashSize)
	copy(key, prefixTokenInputBmp)
	copy(key[len(prefixTokenInputBmp):], blockHash[:])
	return key
}

func kernelPosKey(txHash types.Hash) []byte {
	key := make([]byte, len(prefixKernelPos)+types.HashSize)
	copy(key, prefixKernelPos)
	copy(key[len(prefixKernelPos):], txHash[:])
	return key
}

func tokenKernelPosKey(txHash types.Hash) []byte {
	key := make([]byte, len(prefixTokenKernelPos)+types.HashSize)
	copy(key, prefixTokenKernelPos)
	copy(key[len(prefixTokenKernelPos):], txHash[:])
	return key
}

// GetKernelPos looks up a transaction kernel's position by transaction hash.
func (c *CommitIndex) GetKernelPos(txHash types.Hash) (CommitPos, bool, error) {
	return c.getPos(kernelPosKey(txHash))
}

// SaveKernelPos records a transaction kernel's position.
func (c *CommitIndex) SaveKernelPos(txHash types.Hash, pos CommitPos) error {
	return c.putPos(kernelPosKey(txHash), pos)
}

// GetTokenKernelPos looks up a token-kernel leaf's position by transaction hash.
func (c *CommitIndex) GetTokenKernelPos(txHash types.Hash) (CommitPos, bool, error) {
	return c.getPos(tokenKernelPosKey(txHash))
}

// SaveTokenKernelPos records a token-kernel leaf's position.
func (c *CommitIndex) SaveTokenKernelPos(txHash types.Hash, pos CommitPos) error {
	return c.putPos(tokenKernelPosKey(txHash), pos)
}

// GetOutputPos looks up the position and height of a live output.
func (c *CommitIndex) GetOutputPos(op types.Outpoint) (CommitPos, bool, error) {
	return c.getPos(outputPosKey(op))
}

// SaveOutputPos records an output's position and height.
func (c *CommitIndex) SaveOutputPos(op types.Outpoint, pos CommitPos) error {
	return c.putPos(outputPosKey(op), pos)
}

// DeleteOutputPos removes an output's commit-index entry (called when its
// MMR leaf is pruned past the point any rewind could need it, or when a
// duplicate commitment check needs to clean up after a failed apply).
func (c *CommitIndex) DeleteOutputPos(op types.Outpoint) error {
	if err := c.kv.Delete(outputPosKey(op)); err != nil {
		return fmt.Errorf("%w: delete output pos: %v", ErrStore, err)
	}
	return nil
}

// GetTokenOutputPos looks up a token-output leaf's position.
func (c *CommitIndex) GetTokenOutputPos(op types.Outpoint) (CommitPos, bool, error) {
	return c.getPos(tokenOutputPosKey(op))
}

// SaveTokenOutputPos records a token-output leaf's position.
func (c *CommitIndex) SaveTokenOutputPos(op types.Outpoint, pos CommitPos) error {
	return c.putPos(tokenOutputPosKey(op), pos)
}

// DeleteTokenOutputPos removes a token-output commit-index entry.
func (c *CommitIndex) DeleteTokenOutputPos(op types.Outpoint) error {
	if err := c.kv.Delete(tokenOutputPosKey(op)); err != nil {
		return fmt.Errorf("%w: delete token output pos: %v", ErrStore, err)
	}
	return nil
}

// GetTokenIssuePos looks up the token-issue-proof position for a TokenID.
func (c *CommitIndex) GetTokenIssuePos(id types.TokenID) (CommitPos, bool, error) {
	return c.getPos(tokenIssuePosKey(id))
}

// SaveTokenIssuePos records a token-issue-proof leaf's position.
func (c *CommitIndex) SaveTokenIssuePos(id types.TokenID, pos CommitPos) error {
	return c.putPos(tokenIssuePosKey(id), pos)
}

// DeleteTokenIssuePos removes a token-issuance index entry, undone along
// with its issue-proof leaf on rewind.
func (c *CommitIndex) DeleteTokenIssuePos(id types.TokenID) error {
	if err := c.kv.Delete(tokenIssuePosKey(id)); err != nil {
		return fmt.Errorf("%w: delete token issue pos: %v", ErrStore, err)
	}
	return nil
}

func (c *CommitIndex) getPos(key []byte) (CommitPos, bool, error) {
	data, err := c.kv.Get(key)
	if err != nil {
		return CommitPos{}, false, nil
	}
	var pos CommitPos
	if err := json.Unmarshal(data, &pos); err != nil {
		return CommitPos{}, false, fmt.Errorf("%w: unmarshal commit pos: %v", ErrStore, err)
	}
	return pos, true, nil
}

func (c *CommitIndex) putPos(key []byte, pos CommitPos) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("%w: marshal commit pos: %v", ErrStore, err)
	}
	if err := c.kv.Put(key, data); err != nil {
		return fmt.Errorf("%w: put commit pos: %v", ErrStore, err)
	}
	return nil
}

// SaveSpentIndex persists the list of positions a block spent, the
// deterministic-rewind undo log described in spec §4.6.
func (c *CommitIndex) SaveSpentIndex(blockHash types.Hash, spent []SpentPosition) error {
	data, err := json.Marshal(spent)
	if err != nil {
		return fmt.Errorf("%w: marshal spent index: %v", ErrStore, err)
	}
	if err := c.kv.Put(spentIndexKey(blockHash), data); err != nil {
		return fmt.Errorf("%w: put spent index: %v", ErrStore, err)
	}
	return nil
}

// GetSpentIndex retrieves the undo log for a block, or ok=false if it was
// never recorded (forcing the legacy bitmap fallback).
func (c *CommitIndex) GetSpentIndex(blockHash types.Hash) ([]SpentPosition, bool, error) {
	data, err := c.kv.Get(spentIndexKey(blockHash))
	if err != nil {
		return nil, false, nil
	}
	var spent []SpentPosition
	if err := json.Unmarshal(data, &spent); err != nil {
		return nil, false, fmt.Errorf("%w: unmarshal spent index: %v", ErrStore, err)
	}
	return spent, true, nil
}

// SaveBlockInputBitmap persists the legacy fallback: a serialized roaring
// bitmap of positions a block's inputs spent, keyed by block hash. Used by
// InputPosToRewind when a block predates the spent-index format.
func (c *CommitIndex) SaveBlockInputBitmap(blockHash types.Hash, data []byte) error {
	if err := c.kv.Put(blockInputBitmapKey(blockHash), data); err != nil {
		return fmt.Errorf("%w: put block input bitmap: %v", ErrStore, err)
	}
	return nil
}

// GetBlockInputBitmap retrieves the legacy per-block input bitmap.
func (c *CommitIndex) GetBlockInputBitmap(blockHash types.Hash) ([]byte, bool, error) {
	data, err := c.kv.Get(blockInputBitmapKey(blockHash))
	if err != nil {
		return nil, false, nil
	}
	return data, true, nil
}

// SaveTokenSpentIndex persists the list of token-output positions a block
// spent, the token analogue of SaveSpentIndex.
func (c *CommitIndex) SaveTokenSpentIndex(blockHash types.Hash, spent []SpentPosition) error {
	data, err := json.Marshal(spent)
	if err != nil {
		return fmt.Errorf("%w: marshal token spent index: %v", ErrStore, err)
	}
	if err := c.kv.Put(tokenSpentIndexKey(blockHash), data); err != nil {
		return fmt.Errorf("%w: put token spent index: %v", ErrStore, err)
	}
	return nil
}

// GetTokenSpentIndex retrieves the token-output undo log for a block.
func (c *CommitIndex) GetTokenSpentIndex(blockHash types.Hash) ([]SpentPosition, bool, error) {
	data, err := c.kv.Get(tokenSpentIndexKey(blockHash))
	if err != nil {
		return nil, false, nil
	}
	var spent []SpentPosition
	if err := json.Unmarshal(data, &spent); err != nil {
		return nil, false, fmt.Errorf("%w: unmarshal token spent index: %v", ErrStore, err)
	}
	return spent, true, nil
}

// SaveTokenBlockInputBitmap persists the legacy token-input fallback.
func (c *CommitIndex) SaveTokenBlockInputBitmap(blockHash types.Hash, data []byte) error {
	if err := c.kv.Put(tokenInputBitmapKey(blockHash), data); err != nil {
		return fmt.Errorf("%w: put token block input bitmap: %v", ErrStore, err)
	}
	return nil
}

// GetTokenBlockInputBitmap retrieves the legacy per-block token-input bitmap.
func (c *CommitIndex) GetTokenBlockInputBitmap(blockHash types.Hash) ([]byte, bool, error) {
	data, err := c.kv.Get(tokenInputBitmapKey(blockHash))
	if err != nil {
		return nil, false, nil
	}
	return data, true, nil
}

// AddBaseMinted adjusts the running tally of base-currency value ever
// minted by coinbase transactions, by delta (negative on rewind). The tally
// is the conservation anchor ValidateKernelSums checks the live output sum
// against: cleartext values carry no Pedersen commitment to sum
// homomorphically, so the engine keeps this running counter instead,
// updated in lockstep with ApplyBlock/rewindSingleBlock.
func (c *CommitIndex) AddBaseMinted(delta int64) error {
	return c.addCounter(keyBaseMinted, delta)
}

// GetBaseMinted returns the current cumulative base-currency mint tally.
func (c *CommitIndex) GetBaseMinted() (uint64, error) {
	return c.getCounter(keyBaseMinted)
}

// AddTokenMinted is AddBaseMinted's token analogue, tracking the aggregate
// amount ever minted via ScriptTypeMint outputs across all TokenIDs.
func (c *CommitIndex) AddTokenMinted(delta int64) error {
	return c.addCounter(keyTokenMinted, delta)
}

// GetTokenMinted returns the current cumulative token mint tally.
func (c *CommitIndex) GetTokenMinted() (uint64, error) {
	return c.getCounter(keyTokenMinted)
}

func (c *CommitIndex) getCounter(key []byte) (uint64, error) {
	data, err := c.kv.Get(key)
	if err != nil || len(data) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}

func (c *CommitIndex) addCounter(key []byte, delta int64) error {
	cur, err := c.getCounter(key)
	if err != nil {
		return err
	}
	var next uint64
	if delta >= 0 {
		next = cur + uint64(delta)
	} else {
		dec := uint64(-delta)
		if dec > cur {
			next = 0
		} else {
			next = cur - dec
		}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := c.kv.Put(key, buf[:]); err != nil {
		return fmt.Errorf("%w: put counter %q: %v", ErrStore, key, err)
	}
	return nil
}

// ForEachOutputPos iterates over every recorded output commit-index entry,
// reading the database directly rather than any batch.
func (c *CommitIndex) ForEachOutputPos(fn func(op types.Outpoint, pos CommitPos) error) error {
	return c.db.ForEach(prefixOutputPos, func(key, value []byte) error {
		if len(key) < len(prefixOutputPos)+types.HashSize+4 {
			return nil
		}
		var op types.Outpoint
		off := len(prefixOutputPos)
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])
		var pos CommitPos
		if err := json.Unmarshal(value, &pos); err != nil {
			return fmt.Errorf("%w: unmarshal commit pos during scan: %v", ErrStore, err)
		}
		return fn(op, pos)
	})
}

// ClearOutputPosIndex drops every output commit-index entry.
// InitOutputPosIndex calls it before replaying the live output leaves.
func (c *CommitIndex) ClearOutputPosIndex() error {
	return c.clearPrefix(prefixOutputPos)
}

// ForEachTokenOutputPos is ForEachOutputPos's token analogue.
func (c *CommitIndex) ForEachTokenOutputPos(fn func(op types.Outpoint, pos CommitPos) error) error {
	return c.db.ForEach(prefixTokenOutputPos, func(key, value []byte) error {
		if len(key) < len(prefixTokenOutputPos)+types.HashSize+4 {
			return nil
		}
		var op types.Outpoint
		off := len(prefixTokenOutputPos)
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])
		var pos CommitPos
		if err := json.Unmarshal(value, &pos); err != nil {
			return fmt.Errorf("%w: unmarshal token commit pos during scan: %v", ErrStore, err)
		}
		return fn(op, pos)
	})
}

// ClearTokenOutputPosIndex is ClearOutputPosIndex's token analogue.
func (c *CommitIndex) ClearTokenOutputPosIndex() error {
	return c.clearPrefix(prefixTokenOutputPos)
}

func (c *CommitIndex) clearPrefix(prefix []byte) error {
	var keys [][]byte
	err := c.db.ForEach(prefix, func(key, _ []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan index prefix %q: %v", ErrStore, prefix, err)
	}
	for _, k := range keys {
		if err := c.kv.Delete(k); err != nil {
			return fmt.Errorf("%w: delete index entry: %v", ErrStore, err)
		}
	}
	return nil
}
