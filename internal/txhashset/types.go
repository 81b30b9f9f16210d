package txhashset

import (
	"encoding/json"

	"github.com/klingnet-labs/txhashset/pkg/types"
)

// CommitPos records where a commitment (an Outpoint for base outputs, a
// TokenID for token issuance) lives: its MMR position and the height of
// the block that created it.
type CommitPos struct {
	Pos    uint64 `json:"pos"`
	Height uint64 `json:"height"`
}

// Tip is a lightweight view of a chain head.
type Tip struct {
	Hash            types.Hash `json:"hash"`
	Height          uint64     `json:"height"`
	PrevHash        types.Hash `json:"prev_hash"`
	TotalDifficulty uint64     `json:"total_difficulty"`
}

// TxHashSetRoots bags the seven data-MMR roots plus the bitmap
// accumulator root. The header MMR's root is tracked separately as
// block.Header.PrevRoot (see SPEC_FULL.md §4 and DESIGN.md, Resolved Open
// Question 2).
type TxHashSetRoots struct {
	OutputRoot          types.Hash `json:"output_root"`
	RangeproofRoot      types.Hash `json:"rangeproof_root"`
	KernelRoot          types.Hash `json:"kernel_root"`
	TokenOutputRoot     types.Hash `json:"token_output_root"`
	TokenRangeproofRoot types.Hash `json:"token_rangeproof_root"`
	TokenIssueProofRoot types.Hash `json:"token_issue_proof_root"`
	TokenKernelRoot     types.Hash `json:"token_kernel_root"`
	BitmapRoot          types.Hash `json:"bitmap_root"`
}

// OutputEntry is the leaf content of the output MMR: a minimal,
// deterministic summary of a UTXO sufficient to recompute its commitment
// hash and answer spentness/maturity queries without consulting the
// block that created it.
type OutputEntry struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

func encodeJSON[T any](v T) ([]byte, error) { return json.Marshal(v) }
func decodeJSON[T any](b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// RangeproofEntry is the rangeproof MMR's parallel leaf, aligned one-to-one
// by insertion order with the output MMR. The domain this engine validates
// carries cleartext values (no Pedersen value-hiding), so there is no real
// zero-knowledge range proof to store; this entry instead commits to the
// value it attests for, preserving the parallel-MMR structure and
// alignment invariant the spec names without fabricating cryptography the
// domain doesn't use (documented in DESIGN.md).
type RangeproofEntry struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
}

// KernelEntry is the kernel MMR's leaf: one per transaction, analogous to
// a Grin TxKernel (fee + lock height bound to the transaction's identity).
// Signature/PubKey carry the first input's authorization so
// VerifyKernelSignatures has something to batch-check; coinbase
// transactions (no real spend to authorize) leave both empty.
type KernelEntry struct {
	TxHash    types.Hash `json:"tx_hash"`
	Fee       uint64     `json:"fee"`
	LockTime  uint64     `json:"lock_time"`
	Signature []byte     `json:"signature,omitempty"`
	PubKey    []byte     `json:"pubkey,omitempty"`
}

// TokenOutputEntry is the token-output MMR's leaf.
type TokenOutputEntry struct {
	Outpoint types.Outpoint `json:"outpoint"`
	TokenID  types.TokenID  `json:"token_id"`
	Amount   uint64         `json:"amount"`
	Height   uint64         `json:"height"`
}

// TokenRangeproofEntry parallels TokenOutputEntry the way RangeproofEntry
// parallels OutputEntry.
type TokenRangeproofEntry struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Amount   uint64         `json:"amount"`
}

// TokenIssueEntry is the token-issue-proof MMR's leaf: one per minted
// token, keyed by TokenID so replay is detectable (ErrDuplicateTokenKey).
type TokenIssueEntry struct {
	TokenID types.TokenID `json:"token_id"`
	Creator types.Address `json:"creator"`
	Name    string        `json:"name"`
	Symbol  string        `json:"symbol"`
	Height  uint64        `json:"height"`
}

// TokenKernelEntry is the token-kernel MMR's leaf: one per transaction
// carrying token operations.
type TokenKernelEntry struct {
	TxHash    types.Hash `json:"tx_hash"`
	Signature []byte     `json:"signature,omitempty"`
	PubKey    []byte     `json:"pubkey,omitempty"`
}

// HeaderEntry is the header MMR's leaf.
type HeaderEntry struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
}
