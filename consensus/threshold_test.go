package consensus

import (
	"math/big"
	"testing"
)

func TestSkipProbabilityBounds(t *testing.T) {
	if p := SkipProbability(0, EmptySlotsPerThousand); p != 0 {
		t.Fatalf("empty committee: want 0, got %v", p)
	}
	p1 := SkipProbability(1, EmptySlotsPerThousand)
	if want := 1 - 0.2; absDiff(p1, want) > 1e-9 {
		t.Fatalf("n=1: want %v, got %v", want, p1)
	}
}

func TestThresholdSaturates(t *testing.T) {
	if got := Threshold(1); got.Cmp(maxThreshold) != 0 {
		t.Fatalf("p=1 should saturate to 2^128-1, got %v", got)
	}
	if got := Threshold(1.5); got.Cmp(maxThreshold) != 0 {
		t.Fatalf("p>1 should saturate to 2^128-1, got %v", got)
	}
	if got := Threshold(0); got.Sign() != 0 {
		t.Fatalf("p=0 should be 0, got %v", got)
	}
	if got := Threshold(-1); got.Sign() != 0 {
		t.Fatalf("p<0 should be 0, got %v", got)
	}
}

func TestThresholdMonotonic(t *testing.T) {
	lo := Threshold(0.1)
	hi := Threshold(0.9)
	if lo.Cmp(hi) >= 0 {
		t.Fatalf("threshold should increase with p: lo=%v hi=%v", lo, hi)
	}
}

func TestClaimsSlot(t *testing.T) {
	half := new(big.Int).Rsh(maxThreshold, 1)
	var low, high [32]byte
	low[15] = 0x01 // value[0:16] is tiny
	high[0] = 0xff // value[0:16] is huge

	if !ClaimsSlot(low, half) {
		t.Fatalf("tiny vrf value should claim under half threshold")
	}
	if ClaimsSlot(high, half) {
		t.Fatalf("huge vrf value should not claim under half threshold")
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
