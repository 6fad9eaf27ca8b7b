package types

import "math/big"

// PubkeySize is the length of a validator's Ristretto VRF public key.
const PubkeySize = 32

// DepositEntry is a pending stake deposit that becomes part of the
// validator's effective balance once the chain reaches ActivateAt.
type DepositEntry struct {
	ActivateAt uint64
	Amount     *big.Int
}

// UnlockEntry is a pending withdrawal that becomes spendable once the
// chain reaches UnlockAt.
type UnlockEntry struct {
	UnlockAt uint64
	Amount   *big.Int
}

// Validator is a committee member's on-chain record.
type Validator struct {
	Address          Address
	Pubkey           [PubkeySize]byte
	Balance          *big.Int
	EffectiveBalance *big.Int
	ActivateHeight   uint64
	ExitHeight       uint64
	DepositQueue     []DepositEntry
	UnlockedQueue    []UnlockEntry
}

// NewValidator returns a zeroed validator ready for RLP encoding.
func NewValidator(addr Address, pubkey [PubkeySize]byte) Validator {
	return Validator{
		Address:          addr,
		Pubkey:           pubkey,
		Balance:          new(big.Int),
		EffectiveBalance: new(big.Int),
	}
}

// ListEntry is a node in the validator doubly-linked list persisted in the
// trie: head pointer at a fixed key, each entry keyed by
// Blake2b-256(address || position-tag), holding links to its neighbors and
// the validator payload.
type ListEntry struct {
	Prev    Address
	Next    Address
	HasPrev bool
	HasNext bool
	Payload Validator
}
