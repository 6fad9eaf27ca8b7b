// Package crypto provides the node's cryptographic primitives: Blake2b
// hashing, secp256k1 signatures for p2p node identity, and the Ristretto
// VRF used for proposer election.
package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// PrivateKeySize and CompressedPubKeySize are the serialized sizes of secp256k1
// keys used for p2p node identity (see the network/nodekey file format).
const (
	PrivateKeySize       = 32
	CompressedPubKeySize = 33
)

var (
	ErrInvalidPrivateKey = errors.New("crypto: invalid secp256k1 private key")
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
)

// GenerateSecp256k1Key generates a new secp256k1 node identity key.
func GenerateSecp256k1Key() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// Secp256k1KeyFromBytes parses a 32-byte scalar into a secp256k1 private key.
func Secp256k1KeyFromBytes(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

// Sign computes a 65-byte recoverable ECDSA signature ([R || S || V]) over a
// 32-byte hash using a secp256k1 private key.
func Sign(hash []byte, prv *secp256k1.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("crypto: hash must be 32 bytes")
	}
	compact := ecdsa.SignCompact(prv, hash, false)
	// decred's compact format is [recovery+27 || R || S]; re-pack to the
	// conventional [R || S || V] layout with a zero-based recovery id.
	sig := make([]byte, 65)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - 27
	return sig, nil
}

// Ecrecover recovers the 33-byte compressed public key from a hash and a
// 65-byte [R || S || V] signature.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	if len(sig) != 65 || len(hash) != 32 {
		return nil, ErrInvalidSignature
	}
	compact := make([]byte, 65)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return pub.SerializeCompressed(), nil
}

// VerifySignature checks an ECDSA signature (64 bytes [R || S], no recovery
// id) against a compressed or uncompressed public key and a 32-byte hash.
func VerifySignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 || len(hash) != 32 {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	r := new(secp256k1.ModNScalar)
	s := new(secp256k1.ModNScalar)
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}
	signature := ecdsa.NewSignature(r, s)
	return signature.Verify(hash, pub)
}

// CompressPubkey serializes a secp256k1 public key in 33-byte compressed form.
func CompressPubkey(pub *secp256k1.PublicKey) []byte {
	if pub == nil {
		return nil
	}
	return pub.SerializeCompressed()
}

// DecompressPubkey parses a 33-byte compressed secp256k1 public key.
func DecompressPubkey(b []byte) (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}

// AddressFromPubkey derives a 20-byte address as the low 20 bytes of
// Blake2b-256(compressed pubkey), per the node's address scheme.
func AddressFromPubkey(pub *secp256k1.PublicKey) [20]byte {
	digest := Blake2b256(pub.SerializeCompressed())
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
