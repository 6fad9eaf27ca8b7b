package state

import (
	"math/big"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/rlp"
)

// headKey is the fixed storage key holding the address of the validator
// list's head, or the zero address if the list is empty.
var headKey = []byte("staking-head")

// Staking is the validator-set facade: a doubly-linked list of
// types.Validator records persisted in the trie, keyed by
// Blake2b-256(address || position-tag) with a head pointer at a fixed key.
type Staking struct {
	state   *StateDB
	balance *Balance
}

// NewStaking wraps state (and its paired Balance facade, used to lock
// deposit/validate funds) with the validator-set facade.
func NewStaking(state *StateDB, balance *Balance) *Staking {
	return &Staking{state: state, balance: balance}
}

func listEntryKey(addr types.Address) []byte {
	return crypto.Blake2b256(append(append([]byte{}, addr.Bytes()...), []byte("validator-entry")...))
}

type rlpListEntry struct {
	Prev             types.Address
	Next             types.Address
	HasPrev          bool
	HasNext          bool
	PayloadAddress   types.Address
	PayloadPubkey    [types.PubkeySize]byte
	Balance          *big.Int
	EffectiveBalance *big.Int
	ActivateHeight   uint64
	ExitHeight       uint64
	DepositQueue     []types.DepositEntry
	UnlockedQueue    []types.UnlockEntry
}

func toRLPEntry(e types.ListEntry) rlpListEntry {
	return rlpListEntry{
		Prev: e.Prev, Next: e.Next, HasPrev: e.HasPrev, HasNext: e.HasNext,
		PayloadAddress:   e.Payload.Address,
		PayloadPubkey:    e.Payload.Pubkey,
		Balance:          e.Payload.Balance,
		EffectiveBalance: e.Payload.EffectiveBalance,
		ActivateHeight:   e.Payload.ActivateHeight,
		ExitHeight:       e.Payload.ExitHeight,
		DepositQueue:     e.Payload.DepositQueue,
		UnlockedQueue:    e.Payload.UnlockedQueue,
	}
}

func fromRLPEntry(r rlpListEntry) types.ListEntry {
	return types.ListEntry{
		Prev: r.Prev, Next: r.Next, HasPrev: r.HasPrev, HasNext: r.HasNext,
		Payload: types.Validator{
			Address:          r.PayloadAddress,
			Pubkey:           r.PayloadPubkey,
			Balance:          r.Balance,
			EffectiveBalance: r.EffectiveBalance,
			ActivateHeight:   r.ActivateHeight,
			ExitHeight:       r.ExitHeight,
			DepositQueue:     r.DepositQueue,
			UnlockedQueue:    r.UnlockedQueue,
		},
	}
}

func (s *Staking) head() (types.Address, bool) {
	raw, ok := s.state.GetStorage(headKey)
	if !ok || len(raw) == 0 {
		return types.Address{}, false
	}
	return types.BytesToAddress(raw), true
}

func (s *Staking) setHead(addr types.Address, present bool) {
	if !present {
		s.state.RemoveStorage(headKey)
		return
	}
	s.state.SetStorage(headKey, addr.Bytes())
}

func (s *Staking) getEntry(addr types.Address) (types.ListEntry, bool) {
	raw, ok := s.state.GetStorage(listEntryKey(addr))
	if !ok {
		return types.ListEntry{}, false
	}
	var r rlpListEntry
	if err := rlp.DecodeBytes(raw, &r); err != nil {
		return types.ListEntry{}, false
	}
	return fromRLPEntry(r), true
}

func (s *Staking) putEntry(addr types.Address, e types.ListEntry) error {
	enc, err := rlp.EncodeToBytes(toRLPEntry(e))
	if err != nil {
		return err
	}
	s.state.SetStorage(listEntryKey(addr), enc)
	return nil
}

// Insert head-prepends a validator onto the list in O(1), rewriting the
// previous head's Prev pointer.
func (s *Staking) Insert(v types.Validator) error {
	entry := types.ListEntry{Payload: v}
	if oldHead, ok := s.head(); ok {
		entry.Next = oldHead
		entry.HasNext = true

		oldEntry, ok := s.getEntry(oldHead)
		if ok {
			oldEntry.Prev = v.Address
			oldEntry.HasPrev = true
			if err := s.putEntry(oldHead, oldEntry); err != nil {
				return err
			}
		}
	}
	if err := s.putEntry(v.Address, entry); err != nil {
		return err
	}
	s.setHead(v.Address, true)
	return nil
}

// Delete unlinks addr from the list in O(1), updating its neighbors and
// the head pointer if necessary. It is a no-op if addr is not present.
func (s *Staking) Delete(addr types.Address) error {
	entry, ok := s.getEntry(addr)
	if !ok {
		return nil
	}

	if entry.HasPrev {
		prevEntry, ok := s.getEntry(entry.Prev)
		if ok {
			prevEntry.Next = entry.Next
			prevEntry.HasNext = entry.HasNext
			if err := s.putEntry(entry.Prev, prevEntry); err != nil {
				return err
			}
		}
	} else {
		s.setHead(entry.Next, entry.HasNext)
	}

	if entry.HasNext {
		nextEntry, ok := s.getEntry(entry.Next)
		if ok {
			nextEntry.Prev = entry.Prev
			nextEntry.HasPrev = entry.HasPrev
			if err := s.putEntry(entry.Next, nextEntry); err != nil {
				return err
			}
		}
	}

	s.state.RemoveStorage(listEntryKey(addr))
	return nil
}

// GetValidator returns the validator record for addr, by its O(1) hashed
// key.
func (s *Staking) GetValidator(addr types.Address) (types.Validator, bool) {
	entry, ok := s.getEntry(addr)
	if !ok {
		return types.Validator{}, false
	}
	return entry.Payload, true
}

// ValidatorSet returns every validator, in head-to-tail list order; O(n).
func (s *Staking) ValidatorSet() []types.Validator {
	var out []types.Validator
	addr, ok := s.head()
	for ok {
		entry, found := s.getEntry(addr)
		if !found {
			break
		}
		out = append(out, entry.Payload)
		addr, ok = entry.Next, entry.HasNext
	}
	return out
}

// Validate registers addr as a new committee candidate with the given
// VRF pubkey, locking amount out of its spendable balance into the
// validator's deposit queue pending activation.
func (s *Staking) Validate(addr types.Address, pubkey [types.PubkeySize]byte, amount *big.Int, activateAt uint64) error {
	if err := s.balance.LockBalance(addr, amount); err != nil {
		return err
	}
	v, ok := s.GetValidator(addr)
	if !ok {
		v = types.NewValidator(addr, pubkey)
		v.DepositQueue = append(v.DepositQueue, types.DepositEntry{ActivateAt: activateAt, Amount: amount})
		return s.Insert(v)
	}
	v.DepositQueue = append(v.DepositQueue, types.DepositEntry{ActivateAt: activateAt, Amount: amount})
	return s.updateValidator(v)
}

// Deposit adds amount to an existing validator's deposit queue, locking
// the funds out of its spendable balance.
func (s *Staking) Deposit(addr types.Address, amount *big.Int, activateAt uint64) error {
	v, ok := s.GetValidator(addr)
	if !ok {
		return nil
	}
	if err := s.balance.LockBalance(addr, amount); err != nil {
		return err
	}
	v.DepositQueue = append(v.DepositQueue, types.DepositEntry{ActivateAt: activateAt, Amount: amount})
	return s.updateValidator(v)
}

// Exit marks addr as having left the committee as of the given height.
func (s *Staking) Exit(addr types.Address, height uint64) error {
	v, ok := s.GetValidator(addr)
	if !ok {
		return nil
	}
	v.ExitHeight = height
	return s.updateValidator(v)
}

// ActivateDeposits moves every deposit queue entry whose ActivateAt is at
// or before currentEpoch into the validator's effective balance, then
// truncates the queue to the remaining (still-pending) entries.
//
// The predicate is "<=", not "<": a deposit queued for exactly the
// current epoch activates this epoch.
func (s *Staking) ActivateDeposits(addr types.Address, currentEpoch uint64) error {
	v, ok := s.GetValidator(addr)
	if !ok {
		return nil
	}
	var remaining []types.DepositEntry
	for _, d := range v.DepositQueue {
		if d.ActivateAt <= currentEpoch {
			v.EffectiveBalance = new(big.Int).Add(v.EffectiveBalance, d.Amount)
		} else {
			remaining = append(remaining, d)
		}
	}
	v.DepositQueue = remaining
	return s.updateValidator(v)
}

func (s *Staking) updateValidator(v types.Validator) error {
	entry, ok := s.getEntry(v.Address)
	if !ok {
		return s.Insert(v)
	}
	entry.Payload = v
	return s.putEntry(v.Address, entry)
}

// Commit flushes the underlying StateDB and returns the new root.
func (s *Staking) Commit() (types.Hash, error) {
	return s.state.Commit()
}
