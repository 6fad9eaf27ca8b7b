package state

import (
	"math/big"
	"testing"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/trie"
)

func TestBalanceTransferBoundaryScenario(t *testing.T) {
	db := trie.NewNodeDatabase(nil)
	s, err := New(types.Hash{}, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bal := NewBalance(s)

	a := types.BytesToAddress([]byte{0xaa})
	b := types.BytesToAddress([]byte{0xbb})

	if err := bal.AddBalance(a, big.NewInt(1)); err != nil {
		t.Fatalf("AddBalance: %v", err)
	}
	if err := bal.IncNonce(a); err != nil {
		t.Fatalf("IncNonce: %v", err)
	}

	if err := bal.Transfer(a, b, big.NewInt(1)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	root, err := bal.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2, err := New(root, db)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	bal2 := NewBalance(s2)

	accB, err := bal2.Get(b)
	if err != nil {
		t.Fatalf("Get(b): %v", err)
	}
	if accB.Balance.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("balance(B) = %s, want 1", accB.Balance)
	}

	accA, err := bal2.Get(a)
	if err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if accA.Balance.Sign() != 0 {
		t.Errorf("balance(A) = %s, want 0", accA.Balance)
	}
	if accA.Nonce != 1 {
		t.Errorf("nonce(A) = %d, want 1", accA.Nonce)
	}
}

func TestBalanceTransferInsufficientIsNoop(t *testing.T) {
	db := trie.NewNodeDatabase(nil)
	s, _ := New(types.Hash{}, db)
	bal := NewBalance(s)

	a := types.BytesToAddress([]byte{1})
	b := types.BytesToAddress([]byte{2})

	if err := bal.Transfer(a, b, big.NewInt(5)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	accB, err := bal.Get(b)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if accB.Balance.Sign() != 0 {
		t.Error("transfer with insufficient balance should be a no-op")
	}
}

func TestBalanceLockUnlockRoundTrip(t *testing.T) {
	db := trie.NewNodeDatabase(nil)
	s, _ := New(types.Hash{}, db)
	bal := NewBalance(s)
	addr := types.BytesToAddress([]byte{9})

	bal.AddBalance(addr, big.NewInt(10))
	if err := bal.LockBalance(addr, big.NewInt(4)); err != nil {
		t.Fatalf("LockBalance: %v", err)
	}
	acc, _ := bal.Get(addr)
	if acc.Balance.Cmp(big.NewInt(6)) != 0 || acc.LockedBalance.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("after lock: balance=%s locked=%s, want 6/4", acc.Balance, acc.LockedBalance)
	}

	if err := bal.UnlockBalance(addr, big.NewInt(4)); err != nil {
		t.Fatalf("UnlockBalance: %v", err)
	}
	acc, _ = bal.Get(addr)
	if acc.Balance.Cmp(big.NewInt(10)) != 0 || acc.LockedBalance.Sign() != 0 {
		t.Fatalf("after unlock: balance=%s locked=%s, want 10/0", acc.Balance, acc.LockedBalance)
	}
}
