package p2p

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mapprotocol/ori/core/types"
)

func TestNewPeer(t *testing.T) {
	caps := []Cap{{Name: "map", Version: 1}}
	p := NewPeer("peer1", "192.168.1.1:40313", caps)

	if p.ID() != "peer1" {
		t.Errorf("ID() = %q, want %q", p.ID(), "peer1")
	}
	if p.RemoteAddr() != "192.168.1.1:40313" {
		t.Errorf("RemoteAddr() = %q, want %q", p.RemoteAddr(), "192.168.1.1:40313")
	}
	gotCaps := p.Caps()
	if len(gotCaps) != 1 {
		t.Fatalf("len(Caps()) = %d, want 1", len(gotCaps))
	}
	if gotCaps[0].Name != "map" || gotCaps[0].Version != 1 {
		t.Errorf("Caps()[0] = %+v, want {map 1}", gotCaps[0])
	}
	if !p.Head().IsZero() {
		t.Errorf("initial Head is not zero")
	}
	if p.HeadSlot() != 0 {
		t.Errorf("initial HeadSlot = %d, want 0", p.HeadSlot())
	}
	if p.HeadNumber() != 0 {
		t.Errorf("initial HeadNumber = %d, want 0", p.HeadNumber())
	}
}

func TestPeerCapsIsolation(t *testing.T) {
	caps := []Cap{{Name: "map", Version: 1}}
	p := NewPeer("peer1", "127.0.0.1:40313", caps)

	// Mutating the original caps slice should not affect the peer.
	caps[0].Name = "modified"
	gotCaps := p.Caps()
	if gotCaps[0].Name != "map" {
		t.Error("peer caps were mutated by external modification")
	}

	// Mutating the returned caps should not affect the peer.
	gotCaps[0].Name = "hacked"
	if p.Caps()[0].Name != "map" {
		t.Error("peer caps were mutated via returned slice")
	}
}

func TestPeerSetHead(t *testing.T) {
	p := NewPeer("peer1", "127.0.0.1:40313", nil)
	head := types.HexToHash("abcdef")

	p.SetHead(head)

	if p.Head() != head {
		t.Errorf("Head() = %v, want %v", p.Head(), head)
	}
}

func TestPeerSetHeadSlotAndNumber(t *testing.T) {
	p := NewPeer("peer1", "127.0.0.1:40313", nil)

	p.SetHeadSlot(123)
	p.SetHeadNumber(100)

	if p.HeadSlot() != 123 {
		t.Errorf("HeadSlot() = %d, want 123", p.HeadSlot())
	}
	if p.HeadNumber() != 100 {
		t.Errorf("HeadNumber() = %d, want 100", p.HeadNumber())
	}
}

func TestPeerGoodbyeReason(t *testing.T) {
	p := NewPeer("peer1", "127.0.0.1:40313", nil)
	if p.GoodbyeReason() != 0 {
		t.Errorf("initial GoodbyeReason = %d, want 0", p.GoodbyeReason())
	}
	p.SetGoodbyeReason(GoodbyeIrrelevantPeer)
	if p.GoodbyeReason() != GoodbyeIrrelevantPeer {
		t.Errorf("GoodbyeReason() = %d, want %d", p.GoodbyeReason(), GoodbyeIrrelevantPeer)
	}
}

func TestPeerSetVersion(t *testing.T) {
	p := NewPeer("peer1", "127.0.0.1:40313", nil)
	p.SetVersion(ProtocolVersion)
	if p.Version() != ProtocolVersion {
		t.Errorf("Version() = %d, want %d", p.Version(), ProtocolVersion)
	}
}

func TestPeerLastResponse(t *testing.T) {
	p := NewPeer("peer1", "127.0.0.1:40313", nil)
	if v := p.LastResponse(MethodStatus); v != nil {
		t.Errorf("LastResponse before any set = %v, want nil", v)
	}
	p.SetLastResponse(MethodStatus, StatusData{HeadSlot: 7})
	v, ok := p.LastResponse(MethodStatus).(StatusData)
	if !ok {
		t.Fatalf("LastResponse did not round-trip as StatusData, got %T", p.LastResponse(MethodStatus))
	}
	if v.HeadSlot != 7 {
		t.Errorf("LastResponse.HeadSlot = %d, want 7", v.HeadSlot)
	}
}

func TestPeerDeliverResponse(t *testing.T) {
	p := NewPeer("peer1", "127.0.0.1:40313", nil)
	if _, ok := p.GetDeliveredResponse(1); ok {
		t.Error("GetDeliveredResponse before delivery should return ok=false")
	}
	p.DeliverResponse(1, "payload")
	v, ok := p.GetDeliveredResponse(1)
	if !ok || v != "payload" {
		t.Errorf("GetDeliveredResponse = (%v, %v), want (payload, true)", v, ok)
	}
	// Delivered responses are consumed once retrieved.
	if _, ok := p.GetDeliveredResponse(1); ok {
		t.Error("GetDeliveredResponse should not return the same value twice")
	}
}

func TestPeerSetRegisterUnregister(t *testing.T) {
	ps := NewPeerSet()
	p1 := NewPeer("peer1", "1.2.3.4:40313", nil)
	p2 := NewPeer("peer2", "5.6.7.8:40313", nil)

	if ps.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ps.Len())
	}

	// Register.
	if err := ps.Register(p1); err != nil {
		t.Fatalf("Register(p1) error: %v", err)
	}
	if err := ps.Register(p2); err != nil {
		t.Fatalf("Register(p2) error: %v", err)
	}
	if ps.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ps.Len())
	}

	// Duplicate registration.
	if err := ps.Register(p1); err != ErrPeerAlreadyRegistered {
		t.Errorf("duplicate Register error = %v, want ErrPeerAlreadyRegistered", err)
	}

	// Lookup.
	if got := ps.Peer("peer1"); got != p1 {
		t.Error("Peer(peer1) did not return p1")
	}
	if got := ps.Peer("unknown"); got != nil {
		t.Error("Peer(unknown) should return nil")
	}

	// Unregister.
	if err := ps.Unregister("peer1"); err != nil {
		t.Fatalf("Unregister(peer1) error: %v", err)
	}
	if ps.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ps.Len())
	}
	if got := ps.Peer("peer1"); got != nil {
		t.Error("Peer(peer1) should return nil after unregister")
	}

	// Unregister unknown.
	if err := ps.Unregister("nonexistent"); err != ErrPeerNotRegistered {
		t.Errorf("Unregister(nonexistent) error = %v, want ErrPeerNotRegistered", err)
	}
}

func TestPeerSetBestPeer(t *testing.T) {
	ps := NewPeerSet()

	// Empty set returns nil.
	if best := ps.BestPeer(); best != nil {
		t.Error("BestPeer() on empty set should return nil")
	}

	p1 := NewPeer("peer1", "1.2.3.4:40313", nil)
	p1.SetHeadSlot(100)

	p2 := NewPeer("peer2", "5.6.7.8:40313", nil)
	p2.SetHeadSlot(200)

	p3 := NewPeer("peer3", "9.10.11.12:40313", nil)
	p3.SetHeadSlot(150)

	ps.Register(p1)
	ps.Register(p2)
	ps.Register(p3)

	best := ps.BestPeer()
	if best == nil {
		t.Fatal("BestPeer() returned nil")
	}
	if best.ID() != "peer2" {
		t.Errorf("BestPeer().ID() = %q, want %q", best.ID(), "peer2")
	}
}

func TestPeerSetPeers(t *testing.T) {
	ps := NewPeerSet()
	p1 := NewPeer("peer1", "1.2.3.4:40313", nil)
	p2 := NewPeer("peer2", "5.6.7.8:40313", nil)

	ps.Register(p1)
	ps.Register(p2)

	peers := ps.Peers()
	if len(peers) != 2 {
		t.Errorf("len(Peers()) = %d, want 2", len(peers))
	}

	// Verify both peers are present.
	ids := make(map[string]bool)
	for _, p := range peers {
		ids[p.ID()] = true
	}
	if !ids["peer1"] || !ids["peer2"] {
		t.Errorf("Peers() missing expected peers, got IDs: %v", ids)
	}
}

func TestPeerSetConcurrency(t *testing.T) {
	ps := NewPeerSet()
	const n = 100

	var wg sync.WaitGroup

	// Concurrent registrations.
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			p := NewPeer(
				fmt.Sprintf("peer%d", i),
				fmt.Sprintf("10.0.0.%d:40313", i%256),
				nil,
			)
			p.SetHeadSlot(uint64(i))
			ps.Register(p)
		}(i)
	}
	wg.Wait()

	if ps.Len() != n {
		t.Errorf("Len() = %d, want %d after concurrent registrations", ps.Len(), n)
	}

	// Concurrent reads.
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ps.BestPeer()
			ps.Len()
			ps.Peers()
		}()
	}
	wg.Wait()

	// Concurrent unregistrations.
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ps.Unregister(fmt.Sprintf("peer%d", i))
		}(i)
	}
	wg.Wait()

	if ps.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after concurrent unregistrations", ps.Len())
	}
}
