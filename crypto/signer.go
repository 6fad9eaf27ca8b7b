package crypto

import (
	"crypto/sha512"
	"errors"

	"github.com/gtank/ristretto255"
)

// ExpandedSecretScalar reproduces the low half of an ed25519 expanded
// secret key: SHA-512(seed) clamped per RFC 8032 section 5.1.5 step 2.
// The node treats this clamped scalar as the validator's one key, reused
// for both VRF evaluation (see VRFProve/VRFVerify) and header signing
// (see SchnorrSign/SchnorrVerify below) rather than keeping a separate
// ed25519 keypair alongside the Ristretto one.
func ExpandedSecretScalar(seed [32]byte) [32]byte {
	h := sha512.Sum512(seed[:])
	var clamped [32]byte
	copy(clamped[:], h[:32])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64
	return clamped
}

// ValidatorKeyFromSeed derives a validator's Ristretto scalar and 32-byte
// public key from a raw 32-byte seed (the `--key` / keyfile material).
func ValidatorKeyFromSeed(seed [32]byte) (scalar *ristretto255.Scalar, pubkey [32]byte) {
	clamped := ExpandedSecretScalar(seed)
	scalar = ScalarFromClamped(clamped)
	pubkey = VRFPublicKeyFromScalar(scalar)
	return scalar, pubkey
}

// ErrSchnorrVerifyFailed is returned by SchnorrVerify on a bad signature.
var ErrSchnorrVerifyFailed = errors.New("crypto: schnorr signature verification failed")

// SchnorrSign produces a Schnorr signature (R || s, 64 bytes) over msg
// under secret scalar a with public key pkBytes = a*G. This is the
// node's block-signing primitive: the proposer proof's "kind=0 ed25519"
// label names the key material's origin (an ed25519 seed), not a
// separate signature scheme; signing stays inside the same Ristretto
// group used for VRF so one keypair serves both roles.
func SchnorrSign(a *ristretto255.Scalar, pkBytes [32]byte, msg []byte) [64]byte {
	k := hashToScalar512(a.Encode(nil), msg)
	R := ristretto255.NewElement().ScalarBaseMult(k)
	c := hashToScalar(pkBytes[:], R.Encode(nil), msg)
	s := ristretto255.NewScalar().Add(k, ristretto255.NewScalar().Multiply(c, a))

	var sig [64]byte
	copy(sig[:32], R.Encode(nil))
	copy(sig[32:], s.Encode(nil))
	return sig
}

// SchnorrVerify checks that sig is a valid SchnorrSign output for msg
// under public key pkBytes.
func SchnorrVerify(pkBytes [32]byte, msg []byte, sig [64]byte) error {
	pk := ristretto255.NewElement()
	if err := pk.Decode(pkBytes[:]); err != nil {
		return ErrVRFInvalidPubKey
	}
	R := ristretto255.NewElement()
	if err := R.Decode(sig[:32]); err != nil {
		return ErrSchnorrVerifyFailed
	}
	s := ristretto255.NewScalar()
	if err := s.Decode(sig[32:]); err != nil {
		return ErrSchnorrVerifyFailed
	}

	c := hashToScalar(pkBytes[:], R.Encode(nil), msg)

	// s*G =? R + c*pk
	sG := ristretto255.NewElement().ScalarBaseMult(s)
	cPK := ristretto255.NewElement().ScalarMult(c, pk)
	want := ristretto255.NewElement().Add(R, cPK)
	if sG.Equal(want) != 1 {
		return ErrSchnorrVerifyFailed
	}
	return nil
}
