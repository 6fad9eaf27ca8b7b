package types

import "math/big"

// Account is the per-address balance record stored in the state trie.
// Balance and LockedBalance are effectively unsigned 128-bit integers,
// represented as *big.Int for RLP's arbitrary-precision encoding.
type Account struct {
	Nonce         uint64
	Balance       *big.Int
	LockedBalance *big.Int
}

// NewAccount returns a zeroed account ready for RLP encoding.
func NewAccount() Account {
	return Account{
		Balance:       new(big.Int),
		LockedBalance: new(big.Int),
	}
}

// Copy returns a deep copy of the account.
func (a Account) Copy() Account {
	return Account{
		Nonce:         a.Nonce,
		Balance:       new(big.Int).Set(a.Balance),
		LockedBalance: new(big.Int).Set(a.LockedBalance),
	}
}
