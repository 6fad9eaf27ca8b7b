package consensus

import (
	"math"
	"math/big"
)

// twoTo128 is 2^128, the VRF output space's upper bound.
var twoTo128 = new(big.Int).Lsh(big.NewInt(1), 128)

// maxThreshold is 2^128 - 1, the saturating ceiling for p >= 1.
var maxThreshold = new(big.Int).Sub(twoTo128, big.NewInt(1))

// SkipProbability returns p = 1 - (emptyPerThousand/1000)^(1/n) for a
// committee of size n and skip parameter emptyPerThousand (per 1000
// slots expected to go unclaimed). An empty committee has no one to
// claim any slot, so p is defined as 0 in that case (Threshold will
// therefore reject every output, matching "nobody claims an empty
// committee's slots").
func SkipProbability(committeeSize int, emptyPerThousand uint64) float64 {
	if committeeSize <= 0 {
		return 0
	}
	empty := float64(emptyPerThousand) / 1000.0
	return 1 - math.Pow(empty, 1.0/float64(committeeSize))
}

// Threshold returns floor(2^128 * p), saturating to 2^128-1 for p >= 1
// and to 0 for p <= 0.
func Threshold(p float64) *big.Int {
	if p >= 1 {
		return new(big.Int).Set(maxThreshold)
	}
	if p <= 0 {
		return new(big.Int)
	}
	f := new(big.Float).SetFloat64(p)
	f.Mul(f, new(big.Float).SetInt(twoTo128))
	t, _ := f.Int(nil)
	if t.Cmp(maxThreshold) > 0 {
		return new(big.Int).Set(maxThreshold)
	}
	return t
}

// SlotThreshold is the convenience composition of SkipProbability and
// Threshold for a committee of the given size.
func SlotThreshold(committeeSize int, emptyPerThousand uint64) *big.Int {
	return Threshold(SkipProbability(committeeSize, emptyPerThousand))
}

// ClaimsSlot reports whether a 32-byte VRF value claims its slot: the
// big-endian u128 formed from its first 16 bytes must be strictly less
// than threshold.
func ClaimsSlot(value [32]byte, threshold *big.Int) bool {
	v := new(big.Int).SetBytes(value[:16])
	return v.Cmp(threshold) < 0
}
