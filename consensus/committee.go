package consensus

import (
	"encoding/binary"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
)

// Committee is the validator set eligible to propose in an epoch. It does
// not rotate across epochs: the committee is fixed to the validator set as
// of genesis, with rotation left as a named extension point rather than
// implemented here, since doing so would require wiring epoch boundaries to
// Staking activation, which is left undecided for now.
type Committee struct {
	validators []types.Validator
}

// NewCommittee freezes validators (typically the genesis validator set)
// into a Committee snapshot.
func NewCommittee(validators []types.Validator) Committee {
	return Committee{validators: validators}
}

// Len returns the committee size.
func (c Committee) Len() int { return len(c.validators) }

// Validators returns the frozen committee member list.
func (c Committee) Validators() []types.Validator { return c.validators }

// IndexOf returns the committee index of the validator whose pubkey
// matches pk, or -1 if pk is not a committee member.
func (c Committee) IndexOf(pk [types.PubkeySize]byte) int {
	for i, v := range c.validators {
		if v.Pubkey == pk {
			return i
		}
	}
	return -1
}

// TotalEffectiveBalance sums EffectiveBalance across the committee, for a
// future stake-weighted threshold; today's per-validator threshold depends
// only on committee size, not individual weight.
func (c Committee) TotalEffectiveBalance() uint64 {
	var total uint64
	for _, v := range c.validators {
		if v.EffectiveBalance != nil {
			total += v.EffectiveBalance.Uint64()
		}
	}
	return total
}

// RngSeed computes rng_seed(e) = Blake2b-256(block_hash_at(boundary(e)))
// for e > 0, and the zero hash for e == 0. boundaryHash is supplied by
// the caller (the chain) and stays pinned to the genesis hash until
// committee rotation lands, at which point it becomes the first block of
// epoch e-1.
func RngSeed(epoch uint64, boundaryHash types.Hash) types.Hash {
	if epoch == 0 {
		return types.Hash{}
	}
	return types.BytesToHash(crypto.Blake2b256(boundaryHash.Bytes()))
}

// ProposerIndex returns the committee index elected for slot s within
// its epoch: i = s mod EpochLength, h = Blake2b256(seed || BE64(i)),
// proposer = be_u64(h[24:32]) mod n.
func ProposerIndex(seed types.Hash, slot uint64, committeeSize int) int {
	if committeeSize == 0 {
		return -1
	}
	i := slot % EpochLength
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	h := crypto.Blake2b256(seed.Bytes(), buf[:])
	idx := binary.BigEndian.Uint64(h[24:32])
	return int(idx % uint64(committeeSize))
}
