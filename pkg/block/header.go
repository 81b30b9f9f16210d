package block

import (
	"encoding/binary"

	"github.com/klingnet-labs/txhashset/pkg/crypto"
	"github.com/klingnet-labs/txhashset/pkg/types"
)

// Header contains block metadata.
//
// The MMR size/root fields commit the block to the seven parallel
// transaction-set accumulators plus the unspent-output bitmap (see
// internal/txhashset), and to the running header MMR (PrevRoot bags every
// header up to and including the parent). A header is only valid once its
// committed sizes and roots match what replaying the block through the
// txhashset engine actually produces.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Difficulty uint64     `json:"difficulty,omitempty"` // Fork-choice weight of this block.

	// PrevRoot is the header MMR's bagged root over every header up to and
	// including PrevHash's.
	PrevRoot types.Hash `json:"prev_root"`

	OutputMMRSize          uint64 `json:"output_mmr_size"`
	RangeproofMMRSize      uint64 `json:"rangeproof_mmr_size"`
	KernelMMRSize          uint64 `json:"kernel_mmr_size"`
	TokenOutputMMRSize     uint64 `json:"token_output_mmr_size"`
	TokenRangeproofMMRSize uint64 `json:"token_rangeproof_mmr_size"`
	TokenIssueProofMMRSize uint64 `json:"token_issue_proof_mmr_size"`
	TokenKernelMMRSize     uint64 `json:"token_kernel_mmr_size"`

	OutputRoot          types.Hash `json:"output_root"`
	RangeproofRoot      types.Hash `json:"rangeproof_root"`
	KernelRoot          types.Hash `json:"kernel_root"`
	TokenOutputRoot     types.Hash `json:"token_output_root"`
	TokenRangeproofRoot types.Hash `json:"token_rangeproof_root"`
	TokenIssueProofRoot types.Hash `json:"token_issue_proof_root"`
	TokenKernelRoot     types.Hash `json:"token_kernel_root"`
	BitmapRoot          types.Hash `json:"bitmap_root"`
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) |
// height(8) | difficulty(8) | prev_root(32) | 7x mmr_size(8) | 8x mmr_root(32)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 4+3*32+3*8+7*8+8*32)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)

	buf = append(buf, h.PrevRoot[:]...)

	buf = binary.LittleEndian.AppendUint64(buf, h.OutputMMRSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.RangeproofMMRSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.KernelMMRSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.TokenOutputMMRSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.TokenRangeproofMMRSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.TokenIssueProofMMRSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.TokenKernelMMRSize)

	buf = append(buf, h.OutputRoot[:]...)
	buf = append(buf, h.RangeproofRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	buf = append(buf, h.TokenOutputRoot[:]...)
	buf = append(buf, h.TokenRangeproofRoot[:]...)
	buf = append(buf, h.TokenIssueProofRoot[:]...)
	buf = append(buf, h.TokenKernelRoot[:]...)
	buf = append(buf, h.BitmapRoot[:]...)
	return buf
}
