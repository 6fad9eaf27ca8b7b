package state

import (
	"math/big"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/rlp"
)

// Balance is the account domain facade over a StateDB. Every operation
// round-trips through StateDB's overlay/trie view; nothing is persisted
// until the caller calls Commit.
type Balance struct {
	state *StateDB
}

// NewBalance wraps state with the account facade.
func NewBalance(state *StateDB) *Balance {
	return &Balance{state: state}
}

// accountKey is the double-hashed storage key for an address, per the
// node's account storage scheme.
func accountKey(addr types.Address) []byte {
	return crypto.Blake2b256(crypto.Blake2b256(addr.Bytes()))
}

type rlpAccount struct {
	Nonce         uint64
	Balance       *big.Int
	LockedBalance *big.Int
}

// Get returns the account at addr, or a fresh zero-valued account if none
// has been written yet.
func (b *Balance) Get(addr types.Address) (types.Account, error) {
	raw, ok := b.state.GetStorage(accountKey(addr))
	if !ok {
		return types.NewAccount(), nil
	}
	var ra rlpAccount
	if err := rlp.DecodeBytes(raw, &ra); err != nil {
		return types.Account{}, err
	}
	return types.Account{Nonce: ra.Nonce, Balance: ra.Balance, LockedBalance: ra.LockedBalance}, nil
}

func (b *Balance) put(addr types.Address, acc types.Account) error {
	enc, err := rlp.EncodeToBytes(rlpAccount{Nonce: acc.Nonce, Balance: acc.Balance, LockedBalance: acc.LockedBalance})
	if err != nil {
		return err
	}
	b.state.SetStorage(accountKey(addr), enc)
	return nil
}

// AddBalance credits v to addr's balance.
func (b *Balance) AddBalance(addr types.Address, v *big.Int) error {
	acc, err := b.Get(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, v)
	return b.put(addr, acc)
}

// SubBalance debits v from addr's balance. The caller is responsible for
// checking sufficiency beforehand; this never goes negative is not
// enforced here.
func (b *Balance) SubBalance(addr types.Address, v *big.Int) error {
	acc, err := b.Get(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, v)
	return b.put(addr, acc)
}

// IncNonce increments addr's nonce by one.
func (b *Balance) IncNonce(addr types.Address) error {
	acc, err := b.Get(addr)
	if err != nil {
		return err
	}
	acc.Nonce++
	return b.put(addr, acc)
}

// LockBalance moves v from balance to locked_balance.
func (b *Balance) LockBalance(addr types.Address, v *big.Int) error {
	acc, err := b.Get(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, v)
	acc.LockedBalance = new(big.Int).Add(acc.LockedBalance, v)
	return b.put(addr, acc)
}

// UnlockBalance moves v from locked_balance back to balance.
func (b *Balance) UnlockBalance(addr types.Address, v *big.Int) error {
	acc, err := b.Get(addr)
	if err != nil {
		return err
	}
	acc.LockedBalance = new(big.Int).Sub(acc.LockedBalance, v)
	acc.Balance = new(big.Int).Add(acc.Balance, v)
	return b.put(addr, acc)
}

// Slash removes v from addr's locked_balance without crediting anyone,
// the destructive counterpart to a normal transfer.
func (b *Balance) Slash(addr types.Address, v *big.Int) error {
	acc, err := b.Get(addr)
	if err != nil {
		return err
	}
	acc.LockedBalance = new(big.Int).Sub(acc.LockedBalance, v)
	return b.put(addr, acc)
}

// Transfer moves v from -> to. It is a no-op (not an error) if from's
// balance is insufficient; the executor is responsible for fee semantics
// and for rejecting the transaction outright when appropriate.
func (b *Balance) Transfer(from, to types.Address, v *big.Int) error {
	fromAcc, err := b.Get(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(v) < 0 {
		return nil
	}
	if err := b.SubBalance(from, v); err != nil {
		return err
	}
	return b.AddBalance(to, v)
}

// Commit flushes the underlying StateDB and returns the new root.
func (b *Balance) Commit() (types.Hash, error) {
	return b.state.Commit()
}
