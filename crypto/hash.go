package crypto

import (
	"golang.org/x/crypto/blake2b"
)

// Blake2b256 returns the 32-byte Blake2b-256 digest of the concatenation of
// the given byte slices. This is the canonical hash function used across the
// node: trie nodes, block and transaction hashes, and address derivation all
// reduce to this single primitive.
func Blake2b256(data ...[]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only possible if a key is supplied to New256, which we never do.
		panic(err)
	}
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Blake2b512 returns the 64-byte Blake2b-512 digest of the concatenation of
// the given byte slices. Used for VRF nonce derivation, which needs a wide
// uniform input to reduce mod the Ristretto group order without bias.
func Blake2b512(data ...[]byte) []byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
