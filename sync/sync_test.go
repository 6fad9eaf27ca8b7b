package sync

import (
	"net"
	"testing"
	"time"

	"github.com/mapprotocol/ori/core/chain"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/kvdb"
	"github.com/mapprotocol/ori/p2p"
)

// chainBackend adapts a *chain.Chain to p2p.Backend so two ProtocolHandlers
// can be wired directly over an in-memory transport pair, the same way
// node.Node does it for a live connection.
type chainBackend struct {
	c *chain.Chain
}

func (b *chainBackend) Status() p2p.StatusData {
	head := b.c.CurrentBlock()
	return p2p.StatusData{
		FinalizedRoot:   head.Hash(),
		FinalizedNumber: head.Header.Height,
		HeadRoot:        head.Hash(),
		HeadSlot:        head.Header.Slot,
	}
}

func (b *chainBackend) GetBlockByHash(hash types.Hash) (*types.Block, bool) {
	return b.c.GetBlock(hash)
}

func (b *chainBackend) GetBlockByNumber(number uint64) (*types.Block, bool) {
	return b.c.GetBlockByNumber(number)
}

func (b *chainBackend) HandleNewBlock(peer *p2p.Peer, block *types.Block)          {}
func (b *chainBackend) HandleTransactions(peer *p2p.Peer, txs []*types.Transaction) {}

// newTestChain opens an empty in-memory chain (just the genesis block).
func newTestChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.Open(kvdb.NewMemoryDB())
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	return c
}

// extendChain imports n empty blocks on top of c's current head, the same
// shape core/chain's own tests use to extend a chain without touching
// execution or proposer-proof verification.
func extendChain(t *testing.T, c *chain.Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		head := c.CurrentBlock()
		txRoot, _ := types.ComputeTxRoot(nil)
		signRoot, _ := types.ComputeSignRoot(nil)
		next := &types.Block{
			Header: &types.Header{
				Height:     head.Header.Height + 1,
				ParentHash: head.Hash(),
				Time:       head.Header.Time + uint64(i) + 1,
				StateRoot:  head.Header.StateRoot,
				TxRoot:     txRoot,
				SignRoot:   signRoot,
			},
		}
		if err := c.ImportBlock(next); err != nil {
			t.Fatalf("extendChain: import block %d: %v", i, err)
		}
	}
}

// wirePeers connects two ProtocolHandlers over a net.Pipe, each running the
// wire protocol against the other's Backend. localID/remoteID are the IDs
// each side's peer will be known by from the other's point of view.
func wirePeers(t *testing.T, localProto, remoteProto *p2p.ProtocolHandler, localID, remoteID string) {
	t.Helper()
	c1, c2 := net.Pipe()
	t1 := p2p.NewFrameConnTransport(c1)
	t2 := p2p.NewFrameConnTransport(c2)

	remotePeer := p2p.NewPeer(remoteID, c1.RemoteAddr().String(), nil)
	localPeer := p2p.NewPeer(localID, c2.RemoteAddr().String(), nil)

	go runProtocol(localProto, remotePeer, t1)
	go runProtocol(remoteProto, localPeer, t2)

	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
}

// runProtocol drives the same handshake a live p2p.Server connection would
// run, via the p2p.Protocol value ProtocolHandler hands to the server.
func runProtocol(h *p2p.ProtocolHandler, peer *p2p.Peer, tr p2p.Transport) {
	// The pipe closes at test teardown; the resulting error exit is expected
	// and not worth surfacing to the test.
	_ = h.Protocol().Run(peer, tr)
}

// waitForHead polls until proto's view of peerID's advertised head reaches
// at least want, or the deadline expires.
func waitForHead(t *testing.T, proto *p2p.ProtocolHandler, peerID string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if peer, ok := proto.Peer(peerID); ok && peer.HeadNumber() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for peer %s head >= %d", peerID, want)
}

func TestProgress_Percentage(t *testing.T) {
	cases := []struct {
		p    Progress
		want float64
	}{
		{Progress{StartingBlock: 0, CurrentBlock: 0, HighestBlock: 0}, 100.0},
		{Progress{StartingBlock: 10, CurrentBlock: 10, HighestBlock: 10}, 100.0},
		{Progress{StartingBlock: 0, CurrentBlock: 50, HighestBlock: 100}, 50.0},
		{Progress{StartingBlock: 100, CurrentBlock: 150, HighestBlock: 200}, 50.0},
	}
	for _, c := range cases {
		if got := c.p.Percentage(); got != c.want {
			t.Errorf("Percentage(%+v) = %v, want %v", c.p, got, c.want)
		}
	}
}

func TestValidateBatch(t *testing.T) {
	blk := func(h uint64) *types.Block {
		return &types.Block{Header: &types.Header{Height: h}}
	}

	if err := validateBatch(nil, 1, 5); err == nil {
		t.Error("empty batch should be rejected")
	}
	if err := validateBatch([]*types.Block{blk(1), blk(2), blk(3)}, 1, 2); err == nil {
		t.Error("batch longer than requested count should be rejected")
	}
	if err := validateBatch([]*types.Block{blk(1), blk(3)}, 1, 2); err == nil {
		t.Error("non-contiguous batch should be rejected")
	}
	if err := validateBatch([]*types.Block{blk(5), blk(6)}, 5, 2); err != nil {
		t.Errorf("valid contiguous batch rejected: %v", err)
	}
	// A responder running out of chain near its own head may legitimately
	// return fewer blocks than requested.
	if err := validateBatch([]*types.Block{blk(5)}, 5, 2); err != nil {
		t.Errorf("short batch at peer head rejected: %v", err)
	}
}

func TestOrphanQueue_AddOrdersByHeight(t *testing.T) {
	q := newOrphanQueue()
	parent := types.Hash{0x01}

	first, queued := q.add(parent, &types.Block{Header: &types.Header{Height: 5}})
	if !first || !queued {
		t.Fatal("first add under a parent should report first and queued")
	}
	second, queued := q.add(parent, &types.Block{Header: &types.Header{Height: 3}})
	if second {
		t.Fatal("second add under the same parent should report false")
	}
	if !queued {
		t.Fatal("second add should still be queued")
	}

	children := q.take(parent)
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	if children[0].Header.Height != 3 || children[1].Header.Height != 5 {
		t.Errorf("children not sorted ascending: %d, %d", children[0].Header.Height, children[1].Header.Height)
	}

	// take drains the bucket; a second call returns nothing.
	if got := q.take(parent); len(got) != 0 {
		t.Errorf("take after drain returned %d children, want 0", len(got))
	}
}

func TestOrphanQueue_CapDropsNewest(t *testing.T) {
	q := newOrphanQueue()
	for i := 0; i < MaxOrphanBlocks; i++ {
		parent := types.Hash{0x01, byte(i), byte(i >> 8)}
		q.add(parent, &types.Block{Header: &types.Header{Height: uint64(100 + i)}})
	}

	// A block at or above the queue's minimum height is the one dropped.
	_, queued := q.add(types.Hash{0x02}, &types.Block{Header: &types.Header{Height: 5000}})
	if queued {
		t.Fatal("overflowing high block should be dropped")
	}

	// A block below every queued height evicts the highest to make room.
	_, queued = q.add(types.Hash{0x03}, &types.Block{Header: &types.Header{Height: 1}})
	if !queued {
		t.Fatal("overflowing lowest block should be admitted")
	}
	if got := q.take(types.Hash{0x03}); len(got) != 1 || got[0].Header.Height != 1 {
		t.Fatalf("lowest block not queued: %+v", got)
	}
	if got := q.take(types.Hash{0x01, byte(MaxOrphanBlocks - 1), byte((MaxOrphanBlocks - 1) >> 8)}); len(got) != 0 {
		t.Errorf("highest block should have been evicted, found %d", len(got))
	}
}

func TestOrphanQueue_Requeue(t *testing.T) {
	q := newOrphanQueue()
	grandparent := types.Hash{0x02}
	child := &types.Block{Header: &types.Header{Height: 7}}

	q.requeue(grandparent, child)
	got := q.take(grandparent)
	if len(got) != 1 || got[0].Header.Height != 7 {
		t.Fatalf("requeue did not preserve the block: %+v", got)
	}
}

func TestSyncer_StartStopIdempotent(t *testing.T) {
	c := newTestChain(t)
	proto := p2p.NewProtocolHandler(&chainBackend{c: c})
	s := NewSyncer(proto, c)

	if s.IsSyncing() {
		t.Fatal("a fresh syncer should not be syncing")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop on a syncer that was never started should not block or panic.
	s2 := NewSyncer(proto, c)
	if err := s2.Stop(); err != nil {
		t.Fatalf("Stop on unstarted syncer: %v", err)
	}
}

func TestSyncer_GatherPoolSkipsDisconnectedScore(t *testing.T) {
	c := newTestChain(t)
	proto := p2p.NewProtocolHandler(&chainBackend{c: c})
	s := NewSyncer(proto, c)

	good := p2p.NewPeer("good", "", nil)
	good.SetHeadNumber(SlotImportTolerance + 80)
	bad := p2p.NewPeer("bad", "", nil)
	bad.SetHeadNumber(SlotImportTolerance + 200)
	for i := 0; i < 20; i++ {
		bad.Score().BadResponse()
	}
	if !bad.Score().ShouldDisconnect() {
		t.Fatal("test setup: bad peer should have fallen below the disconnect threshold")
	}
	near := p2p.NewPeer("near", "", nil)
	near.SetHeadNumber(SlotImportTolerance) // within tolerance, not worth a range sync

	wirePeerDirectly(t, proto, good)
	wirePeerDirectly(t, proto, bad)
	wirePeerDirectly(t, proto, near)

	peers, target := s.gatherPool(0)
	if len(peers) != 1 || peers[0] != "good" {
		t.Fatalf("gatherPool = %v, want [good]; low-reputation and within-tolerance peers should be skipped", peers)
	}
	if target != SlotImportTolerance+80 {
		t.Errorf("target = %d, want %d", target, SlotImportTolerance+80)
	}
}

func TestPeerPool_RoundRobin(t *testing.T) {
	pool := newPeerPool([]string{"a", "b"})

	first, ok := pool.acquire(nil)
	if !ok {
		t.Fatal("acquire from a fresh pool should not block")
	}
	second, _ := pool.acquire(nil)
	if first == second {
		t.Fatalf("two acquisitions without release returned the same peer %q", first)
	}
	pool.release(first)
	third, _ := pool.acquire(nil)
	if third != first {
		t.Errorf("acquire after release = %q, want the released peer %q", third, first)
	}

	// Both members busy: acquire must respect cancellation instead of
	// blocking forever.
	cancel := make(chan struct{})
	close(cancel)
	if _, ok := pool.acquire(cancel); ok {
		t.Error("acquire with a fired cancel and no idle peers should fail")
	}
}

// wirePeerDirectly registers a peer into proto's session table without a
// live transport, enough to exercise PeerIDs/Peer/gatherPool without needing
// a full wire round trip.
func wirePeerDirectly(t *testing.T, proto *p2p.ProtocolHandler, peer *p2p.Peer) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	go proto.Protocol().Run(peer, p2p.NewFrameConnTransport(c1))
	// Give the run loop a moment to register the session before returning.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := proto.Peer(peer.ID()); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("peer %s never registered", peer.ID())
}

func TestSyncer_RunRangeSyncImportsInOrder(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t)
	extendChain(t, remoteChain, 12) // spans three BLOCKS_PER_BATCH=5 batches

	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteProto := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteProto, "local", "remote")
	waitForHead(t, localProto, "remote", 12)

	s := NewSyncer(localProto, localChain)
	s.runRangeSync([]string{"remote"}, 0, 12)

	if got := localChain.CurrentBlock().Header.Height; got != 12 {
		t.Fatalf("local head = %d, want 12", got)
	}
	for h := uint64(1); h <= 12; h++ {
		want, _ := remoteChain.GetBlockByNumber(h)
		got, ok := localChain.GetBlockByNumber(h)
		if !ok || got.Hash() != want.Hash() {
			t.Errorf("block %d not imported correctly", h)
		}
	}
	if got := s.GetProgress().Percentage(); got != 100.0 {
		t.Errorf("progress after full sync = %v, want 100", got)
	}
	if peer, _ := localProto.Peer("remote"); peer.Score().Value() <= 0 {
		t.Errorf("peer score after a clean sync = %v, want > 0", peer.Score().Value())
	}
}

func TestSyncer_RunRangeSyncSpreadsBatchesAcrossPool(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t)
	extendChain(t, remoteChain, 25) // five full batches

	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteA := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	remoteB := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteA, "local", "peer-a")
	wirePeers(t, localProto, remoteB, "local", "peer-b")
	waitForHead(t, localProto, "peer-a", 25)
	waitForHead(t, localProto, "peer-b", 25)

	s := NewSyncer(localProto, localChain)
	s.runRangeSync([]string{"peer-a", "peer-b"}, 0, 25)

	if got := localChain.CurrentBlock().Header.Height; got != 25 {
		t.Fatalf("local head = %d, want 25", got)
	}
	// A clean pool sync credits every member, not just one favorite.
	for _, id := range []string{"peer-a", "peer-b"} {
		if peer, _ := localProto.Peer(id); peer.Score().Value() <= 0 {
			t.Errorf("pool member %s score after a clean sync = %v, want > 0", id, peer.Score().Value())
		}
	}
}

func TestSyncer_TickStartsRangeSyncPastTolerance(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t)
	extendChain(t, remoteChain, int(SlotImportTolerance)+3)

	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteProto := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteProto, "local", "remote")
	waitForHead(t, localProto, "remote", SlotImportTolerance+3)

	s := NewSyncer(localProto, localChain)
	s.tick()

	if got := localChain.CurrentBlock().Header.Height; got != SlotImportTolerance+3 {
		t.Fatalf("local head after tick = %d, want %d", got, SlotImportTolerance+3)
	}
}

func TestSyncer_TickSkipsWithinTolerance(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t)
	extendChain(t, remoteChain, int(SlotImportTolerance)-1)

	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteProto := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteProto, "local", "remote")
	waitForHead(t, localProto, "remote", SlotImportTolerance-1)

	s := NewSyncer(localProto, localChain)
	s.tick()

	if got := localChain.CurrentBlock().Header.Height; got != 0 {
		t.Fatalf("local head after tick = %d, want 0 (peer within tolerance, no sync expected)", got)
	}
}

func TestSyncer_HandleOrphanRejectsBeyondLookahead(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t)
	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteProto := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteProto, "local", "remote")

	s := NewSyncer(localProto, localChain)
	farBlock := &types.Block{Header: &types.Header{Height: OrphanLookaheadWindow + 100}}
	if err := s.HandleOrphan("remote", farBlock); err != ErrOrphanTooFar {
		t.Fatalf("HandleOrphan far block = %v, want ErrOrphanTooFar", err)
	}
}

func TestSyncer_HandleOrphanResolvesSingleParent(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t)
	extendChain(t, remoteChain, 1) // remote has block 1, which will be the orphan's parent

	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteProto := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteProto, "local", "remote")
	waitForHead(t, localProto, "remote", 1)

	parent, _ := remoteChain.GetBlockByNumber(1)

	txRoot, _ := types.ComputeTxRoot(nil)
	signRoot, _ := types.ComputeSignRoot(nil)
	orphan := &types.Block{
		Header: &types.Header{
			Height:     2,
			ParentHash: parent.Hash(),
			Time:       parent.Header.Time + 1,
			StateRoot:  parent.Header.StateRoot,
			TxRoot:     txRoot,
			SignRoot:   signRoot,
		},
	}

	s := NewSyncer(localProto, localChain)
	if err := s.HandleOrphan("remote", orphan); err != nil {
		t.Fatalf("HandleOrphan: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if localChain.CurrentBlock().Header.Height == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := localChain.CurrentBlock().Header.Height; got != 2 {
		t.Fatalf("local head = %d, want 2 after orphan parent resolved", got)
	}
}

func TestSyncer_HandleOrphanDropsUnavailableParent(t *testing.T) {
	localChain := newTestChain(t)
	remoteChain := newTestChain(t) // remote has no block beyond genesis
	localProto := p2p.NewProtocolHandler(&chainBackend{c: localChain})
	remoteProto := p2p.NewProtocolHandler(&chainBackend{c: remoteChain})
	wirePeers(t, localProto, remoteProto, "local", "remote")

	s := NewSyncer(localProto, localChain)
	unknownParent := types.Hash{0xAB}
	orphan := &types.Block{
		Header: &types.Header{
			Height:     2,
			ParentHash: unknownParent, // unknown to remote too
		},
	}
	if err := s.HandleOrphan("remote", orphan); err != nil {
		t.Fatalf("HandleOrphan: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.orphans.mu.Lock()
		_, pending := s.orphans.byParent[unknownParent]
		s.orphans.mu.Unlock()
		if !pending {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.orphans.mu.Lock()
	defer s.orphans.mu.Unlock()
	if _, pending := s.orphans.byParent[unknownParent]; pending {
		t.Error("orphan queue entry should be dropped once the parent fetch comes back empty")
	}
}
