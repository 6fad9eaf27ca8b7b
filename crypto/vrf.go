package crypto

import (
	"errors"

	"github.com/gtank/ristretto255"
)

// VRF implements the Dodis-Yampolskiy-style verifiable random function over
// Ristretto255 used for per-slot proposer election. The construction:
//
//	h      = hash_to_scalar(pk || m)
//	Value  = compress((a + h)^-1 * G)            [safe-invert: 0 -> 1]
//	k      = hash_to_scalar_512(a + h)
//	c      = hash_to_scalar(pk || Value || k*G || k*(a+h)^-1*G)
//	proof  = (k - c*(a+h), c)
//
// Verification reconstructs both basepoint combinations from (r, c, Value,
// pk, m) and checks that the recomputed challenge matches c.

const (
	// VRFValueSize is the size in bytes of a compressed Ristretto VRF output.
	VRFValueSize = 32
	// VRFProofSize is the size in bytes of a VRF proof (r || c).
	VRFProofSize = 64
)

var (
	// ErrVRFInvalidPubKey is returned when a public key does not decode to a
	// valid Ristretto point.
	ErrVRFInvalidPubKey = errors.New("crypto/vrf: invalid public key")
	// ErrVRFInvalidValue is returned when a VRF output does not decode to a
	// valid Ristretto point.
	ErrVRFInvalidValue = errors.New("crypto/vrf: invalid value")
	// ErrVRFVerifyFailed is returned when proof verification fails.
	ErrVRFVerifyFailed = errors.New("crypto/vrf: verification failed")
)

// hashToScalar reduces a Blake2b-256 digest of data to a Ristretto scalar.
// FromUniformBytes requires a 64-byte uniform input; we widen the 32-byte
// digest with a second Blake2b-256 pass to avoid bias in the reduction.
func hashToScalar(data ...[]byte) *ristretto255.Scalar {
	d0 := Blake2b256(data...)
	d1 := Blake2b256(d0)
	wide := append(append([]byte{}, d0...), d1...)
	return ristretto255.NewScalar().FromUniformBytes(wide)
}

// hashToScalar512 reduces a Blake2b-512 digest of data to a Ristretto scalar.
// Used for nonce derivation, where we need the full 64 bytes of entropy.
func hashToScalar512(data ...[]byte) *ristretto255.Scalar {
	wide := Blake2b512(data...)
	return ristretto255.NewScalar().FromUniformBytes(wide)
}

// safeInvert inverts s, treating zero as one to avoid a panic/undefined
// result; zero only occurs with negligible probability for honest input.
func safeInvert(s *ristretto255.Scalar) *ristretto255.Scalar {
	zero := ristretto255.NewScalar()
	if s.Equal(zero) == 1 {
		s = ristretto255.NewScalar().One()
	}
	return ristretto255.NewScalar().Invert(s)
}

// ScalarFromClamped derives a Ristretto scalar from 32 clamped bytes, the
// representation used for an ed25519 expanded secret's low half. See
// ExpandedSecretScalar.
func ScalarFromClamped(clamped [32]byte) *ristretto255.Scalar {
	// SetCanonicalBytes requires a fully reduced scalar; clamped ed25519
	// scalars already satisfy the required bit pattern (top bit clear,
	// bottom three bits clear) but are not guaranteed canonical mod L, so we
	// reduce through FromUniformBytes by zero-extending to 64 bytes.
	wide := make([]byte, 64)
	copy(wide, clamped[:])
	return ristretto255.NewScalar().FromUniformBytes(wide)
}

// VRFPublicKeyFromScalar computes the Ristretto public point for a secret
// scalar: pk = a*G.
func VRFPublicKeyFromScalar(a *ristretto255.Scalar) [32]byte {
	p := ristretto255.NewElement().ScalarBaseMult(a)
	var out [32]byte
	copy(out[:], p.Encode(nil))
	return out
}

// VRFProve computes the VRF value and proof for secret scalar a, public key
// bytes pkBytes, and input message m.
func VRFProve(a *ristretto255.Scalar, pkBytes [32]byte, m []byte) (value [VRFValueSize]byte, proof [VRFProofSize]byte, err error) {
	h := hashToScalar(pkBytes[:], m)
	ah := ristretto255.NewScalar().Add(a, h)
	inv := safeInvert(ah)

	valuePoint := ristretto255.NewElement().ScalarBaseMult(inv)
	copy(value[:], valuePoint.Encode(nil))

	k := hashToScalar512(ah.Encode(nil))
	kG := ristretto255.NewElement().ScalarBaseMult(k)
	kInvG := ristretto255.NewElement().ScalarMult(k, valuePoint)

	c := hashToScalar(pkBytes[:], value[:], kG.Encode(nil), kInvG.Encode(nil))
	r := ristretto255.NewScalar().Subtract(k, ristretto255.NewScalar().Multiply(c, ah))

	copy(proof[:32], r.Encode(nil))
	copy(proof[32:], c.Encode(nil))
	return value, proof, nil
}

// VRFVerify checks that value/proof were honestly computed by the holder of
// the secret scalar corresponding to pkBytes, for input message m.
func VRFVerify(pkBytes [32]byte, m []byte, value [VRFValueSize]byte, proof [VRFProofSize]byte) error {
	pk := ristretto255.NewElement()
	if err := pk.Decode(pkBytes[:]); err != nil {
		return ErrVRFInvalidPubKey
	}
	valuePoint := ristretto255.NewElement()
	if err := valuePoint.Decode(value[:]); err != nil {
		return ErrVRFInvalidValue
	}

	r := ristretto255.NewScalar()
	if err := r.Decode(proof[:32]); err != nil {
		return ErrVRFVerifyFailed
	}
	c := ristretto255.NewScalar()
	if err := c.Decode(proof[32:]); err != nil {
		return ErrVRFVerifyFailed
	}

	h := hashToScalar(pkBytes[:], m)

	// Reconstruct k*G = r*G + c*(pk + h*G).
	hG := ristretto255.NewElement().ScalarBaseMult(h)
	ahPoint := ristretto255.NewElement().Add(pk, hG)
	rG := ristretto255.NewElement().ScalarBaseMult(r)
	cAH := ristretto255.NewElement().ScalarMult(c, ahPoint)
	kG := ristretto255.NewElement().Add(rG, cAH)

	// Reconstruct k*(a+h)^-1*G = r*Value + c*G.
	rValue := ristretto255.NewElement().ScalarMult(r, valuePoint)
	cG := ristretto255.NewElement().ScalarBaseMult(c)
	kInvG := ristretto255.NewElement().Add(rValue, cG)

	expectedC := hashToScalar(pkBytes[:], value[:], kG.Encode(nil), kInvG.Encode(nil))
	if expectedC.Equal(c) != 1 {
		return ErrVRFVerifyFailed
	}
	return nil
}
