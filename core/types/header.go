package types

import (
	"sync/atomic"

	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/rlp"
)

// Header is the canonical, RLP-serialized block header. Its hash is the
// Blake2b-256 digest of its RLP encoding and is cached after first
// computation, mirroring the header cache pattern used throughout the
// node for hot-path hash reuse.
type Header struct {
	Height     uint64
	ParentHash Hash
	Slot       uint64
	VRFOutput  [32]byte
	VRFProof   [64]byte
	TxRoot     Hash
	SignRoot   Hash
	StateRoot  Hash
	Time       uint64

	hash atomic.Pointer[Hash]
}

// rlpHeader is the wire/hash representation of Header; it excludes the
// cache field, which has no canonical encoding.
type rlpHeader struct {
	Height     uint64
	ParentHash Hash
	Slot       uint64
	VRFOutput  [32]byte
	VRFProof   [64]byte
	TxRoot     Hash
	SignRoot   Hash
	StateRoot  Hash
	Time       uint64
}

func (h *Header) toRLP() rlpHeader {
	return rlpHeader{
		Height:     h.Height,
		ParentHash: h.ParentHash,
		Slot:       h.Slot,
		VRFOutput:  h.VRFOutput,
		VRFProof:   h.VRFProof,
		TxRoot:     h.TxRoot,
		SignRoot:   h.SignRoot,
		StateRoot:  h.StateRoot,
		Time:       h.Time,
	}
}

// EncodeRLP returns the canonical byte encoding of the header.
func (h *Header) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(h.toRLP())
}

// SigningHash returns the hash a proposer signs: the header's canonical
// hash with SignRoot zeroed out. SignRoot itself commits to the block's
// signatures, so it cannot be known until after signing; the proposer
// signs this pre-image, fills in the real SignRoot afterward, and the
// block's BlockSignature.MsgHash records this same pre-image rather than
// the header's final Hash(), which a verifier recomputes and compares
// against independently of the block's cached identity hash.
func (h *Header) SigningHash() Hash {
	pre := h.toRLP()
	pre.SignRoot = Hash{}
	enc, err := rlp.EncodeToBytes(pre)
	if err != nil {
		panic(err)
	}
	return BytesToHash(crypto.Blake2b256(enc))
}

// Hash returns the Blake2b-256 hash of the header's canonical encoding,
// computing and caching it on first call.
func (h *Header) Hash() Hash {
	if cached := h.hash.Load(); cached != nil {
		return *cached
	}
	enc, err := h.EncodeRLP()
	if err != nil {
		panic(err)
	}
	digest := BytesToHash(crypto.Blake2b256(enc))
	h.hash.Store(&digest)
	return digest
}
