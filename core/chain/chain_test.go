package chain

import (
	"testing"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/kvdb"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	c, err := Open(kvdb.NewMemoryDB())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestOpenConstructsGenesis(t *testing.T) {
	c := newTestChain(t)
	head := c.CurrentBlock()
	if head == nil {
		t.Fatal("expected a genesis head block")
	}
	if head.Header.Height != 0 {
		t.Errorf("genesis height = %d, want 0", head.Header.Height)
	}
	if head.Header.ParentHash != (types.Hash{}) {
		t.Error("genesis parent_hash should be zero")
	}
	if head.Header.Time != GenesisTime {
		t.Errorf("genesis time = %d, want %d", head.Header.Time, GenesisTime)
	}
}

func TestOpenReloadsExistingHead(t *testing.T) {
	db := kvdb.NewMemoryDB()
	c1, err := Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	genesisHash := c1.CurrentBlock().Hash()

	c2, err := Open(db)
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	if c2.CurrentBlock().Hash() != genesisHash {
		t.Error("reopening the chain should load the same head, not rebuild genesis")
	}
}

// TestImportBlockRejectsWrongParent covers boundary scenario 3: a block at
// height = head.height + 1 but with a zero parent_hash is rejected as
// UnknownAncestor, and the head does not move.
func TestImportBlockRejectsWrongParent(t *testing.T) {
	c := newTestChain(t)
	head := c.CurrentBlock()

	bad := &types.Block{
		Header: &types.Header{
			Height:     head.Header.Height + 1,
			ParentHash: types.Hash{},
			Time:       head.Header.Time + 6,
			StateRoot:  head.Header.StateRoot,
		},
	}
	txRoot, _ := types.ComputeTxRoot(nil)
	signRoot, _ := types.ComputeSignRoot(nil)
	bad.Header.TxRoot = txRoot
	bad.Header.SignRoot = signRoot

	err := c.ImportBlock(bad)
	if err != ErrUnknownAncestor {
		t.Fatalf("ImportBlock = %v, want ErrUnknownAncestor", err)
	}
	if c.CurrentBlock().Hash() != head.Hash() {
		t.Error("head should be unchanged after a rejected import")
	}
}

// TestImportBlockRejectsWrongStateRoot covers boundary scenario 4: a
// structurally valid block whose declared state_root does not match the
// executor's output is rejected as InvalidState.
func TestImportBlockRejectsWrongStateRoot(t *testing.T) {
	c := newTestChain(t)
	head := c.CurrentBlock()

	txRoot, _ := types.ComputeTxRoot(nil)
	signRoot, _ := types.ComputeSignRoot(nil)

	wrongRoot := head.Header.StateRoot
	wrongRoot[0] ^= 0x01 // flip one bit

	bad := &types.Block{
		Header: &types.Header{
			Height:     head.Header.Height + 1,
			ParentHash: head.Hash(),
			Time:       head.Header.Time + 6,
			StateRoot:  wrongRoot,
			TxRoot:     txRoot,
			SignRoot:   signRoot,
		},
	}

	err := c.ImportBlock(bad)
	if err != ErrInvalidState {
		t.Fatalf("ImportBlock = %v, want ErrInvalidState", err)
	}
	if c.CurrentBlock().Hash() != head.Hash() {
		t.Error("head should be unchanged after a rejected import")
	}
}

func TestImportBlockRejectsKnownBlock(t *testing.T) {
	c := newTestChain(t)
	head := c.CurrentBlock()

	if err := c.ImportBlock(head); err != ErrKnownBlock {
		t.Fatalf("ImportBlock(genesis again) = %v, want ErrKnownBlock", err)
	}
}

func TestImportBlockExtendsHead(t *testing.T) {
	c := newTestChain(t)
	head := c.CurrentBlock()

	txRoot, _ := types.ComputeTxRoot(nil)
	signRoot, _ := types.ComputeSignRoot(nil)

	next := &types.Block{
		Header: &types.Header{
			Height:     head.Header.Height + 1,
			ParentHash: head.Hash(),
			Time:       head.Header.Time + 6,
			StateRoot:  head.Header.StateRoot,
			TxRoot:     txRoot,
			SignRoot:   signRoot,
		},
	}

	if err := c.ImportBlock(next); err != nil {
		t.Fatalf("ImportBlock: %v", err)
	}
	if c.CurrentBlock().Hash() != next.Hash() {
		t.Error("head should advance to the newly imported block")
	}
	got, ok := c.GetBlockByNumber(1)
	if !ok || got.Hash() != next.Hash() {
		t.Error("GetBlockByNumber(1) should return the imported block")
	}
}
