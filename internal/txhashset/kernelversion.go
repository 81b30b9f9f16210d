package txhashset

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/internal/mmr"
	"github.com/klingnet-labs/txhashset/pkg/crypto"
)

// kernelCodec pairs a protocol version number with the encode/decode
// functions for that version's kernel-leaf wire format. A backend must
// write the same version it was detected as, or its own appends would be
// unreadable on the next open.
type kernelCodec struct {
	version int
	encode  func(KernelEntry) ([]byte, error)
	decode  func([]byte) (KernelEntry, error)
}

// kernelCodecs lists every kernel-leaf encoding this engine can read,
// newest first (spec §4.2: "try protocol versions {2, 1} in order"). v2
// is the current JSON encoding, which added LockTime; v1 is the
// fixed-width binary layout earlier chain data was written in. New
// directories always start in v2 — v1 persists only for directories
// detected as already containing it.
var kernelCodecs = []kernelCodec{
	{2, encodeJSON[KernelEntry], decodeKernelEntryV2},
	{1, encodeKernelEntryV1, decodeKernelEntryV1},
}

func encodeKernelEntryV1(e KernelEntry) ([]byte, error) {
	return EncodeKernelEntryV1(e), nil
}

func decodeKernelEntryV2(b []byte) (KernelEntry, error) {
	var e KernelEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return KernelEntry{}, err
	}
	return e, nil
}

// decodeKernelEntryV1 parses the pre-lock-time binary kernel layout:
// txhash(32) | fee(8, BE) | siglen(2, BE) | sig | pubkeylen(2, BE) | pubkey.
func decodeKernelEntryV1(b []byte) (KernelEntry, error) {
	const minLen = 32 + 8 + 2
	if len(b) < minLen {
		return KernelEntry{}, fmt.Errorf("txhashset: v1 kernel leaf too short")
	}
	var e KernelEntry
	copy(e.TxHash[:], b[:32])
	e.Fee = binary.BigEndian.Uint64(b[32:40])

	off := 40
	sigLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+sigLen > len(b) {
		return KernelEntry{}, fmt.Errorf("txhashset: v1 kernel leaf truncated signature")
	}
	if sigLen > 0 {
		e.Signature = append([]byte(nil), b[off:off+sigLen]...)
	}
	off += sigLen

	if off+2 > len(b) {
		return KernelEntry{}, fmt.Errorf("txhashset: v1 kernel leaf missing pubkey length")
	}
	pkLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+pkLen > len(b) {
		return KernelEntry{}, fmt.Errorf("txhashset: v1 kernel leaf truncated pubkey")
	}
	if pkLen > 0 {
		e.PubKey = append([]byte(nil), b[off:off+pkLen]...)
	}
	if off+pkLen != len(b) {
		return KernelEntry{}, fmt.Errorf("txhashset: v1 kernel leaf has trailing bytes")
	}
	return e, nil
}

// EncodeKernelEntryV1 is decodeKernelEntryV1's inverse. It is exported so
// tests can seed a legacy-format kernel directory for the version-probe
// scenario (spec §8 S6); production code writes v1 only when appending to
// a kernel directory that was detected as v1.
func EncodeKernelEntryV1(e KernelEntry) []byte {
	buf := make([]byte, 0, 32+8+2+len(e.Signature)+2+len(e.PubKey))
	buf = append(buf, e.TxHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.Fee)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Signature)))
	buf = append(buf, e.Signature...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.PubKey)))
	buf = append(buf, e.PubKey...)
	return buf
}

// kernelLeafVerifies is the "cryptographic self-verification" spec §4.2
// names: a kernel with no signature (a coinbase transaction has nothing to
// authorize) verifies trivially; otherwise its signature must check
// against its own transaction hash and public key.
func kernelLeafVerifies(e KernelEntry) bool {
	if len(e.Signature) == 0 {
		return true
	}
	return crypto.VerifySignature(e.TxHash[:], e.Signature, e.PubKey)
}

// openKernelHandle implements the kernel-PMMR version probe: an empty
// backend accepts the newest version outright (nothing on disk to
// disagree with); otherwise each candidate version, newest first, decodes
// leaf 1 and must pass kernelLeafVerifies before its decoder is adopted
// for the whole backend. Exhausting every candidate without a match is a
// fatal ErrKernelPMMROpen — the rationale given in spec §4.2 is that the
// on-disk layout changed between versions and this auto-detects which one
// a given kernel directory was written in, without a separate sentinel
// file.
func openKernelHandle(dir string) (*PMMRHandle[KernelEntry], error) {
	raw, ok, err := mmr.PeekLeafBytes(dir, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: peek kernel leaf 1: %v", ErrKernelPMMROpen, err)
	}
	if !ok {
		return newHandle[KernelEntry](dir, false, encodeJSON, decodeKernelEntryV2)
	}

	for _, cand := range kernelCodecs {
		entry, derr := cand.decode(raw)
		if derr != nil {
			continue
		}
		if !kernelLeafVerifies(entry) {
			continue
		}
		log.TxHashSet.Debug().Int("version", cand.version).Str("dir", dir).Msg("kernel pmmr version detected")
		return newHandle[KernelEntry](dir, false, cand.encode, cand.decode)
	}
	return nil, fmt.Errorf("%w: no candidate version's leaf 1 verified", ErrKernelPMMROpen)
}
