package p2p

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mapprotocol/ori/core/types"
)

func TestRequestTopic(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{MethodStatus, "/map/req/status/1/bin"},
		{MethodGoodbye, "/map/req/goodbye/1/bin"},
		{MethodBlocksByRange, "/map/req/map_blocks_by_range/1/bin"},
		{MethodBlocksByRoot, "/map/req/map_blocks_by_root/1/bin"},
	}
	for _, tt := range tests {
		if got := RequestTopic(tt.method); got != tt.want {
			t.Errorf("RequestTopic(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestResponseCodes(t *testing.T) {
	if RespSuccess != 0 {
		t.Errorf("RespSuccess = %d, want 0", RespSuccess)
	}
	if RespInvalidRequest != 1 {
		t.Errorf("RespInvalidRequest = %d, want 1", RespInvalidRequest)
	}
	if RespServerError != 2 {
		t.Errorf("RespServerError = %d, want 2", RespServerError)
	}
	if RespUnknown != 255 {
		t.Errorf("RespUnknown = %d, want 255", RespUnknown)
	}
}

func TestStatusDataRoundTrip(t *testing.T) {
	sd := StatusData{
		GenesisHash:     types.HexToHash("aa"),
		FinalizedRoot:   types.HexToHash("bb"),
		FinalizedNumber: 10,
		HeadRoot:        types.HexToHash("cc"),
		HeadSlot:        640,
		NetworkID:       1,
	}

	msg, err := EncodeMessage(GossipBlockMsg, sd)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	var decoded StatusData
	if err := DecodeMessage(msg, &decoded); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.GenesisHash != sd.GenesisHash {
		t.Errorf("GenesisHash mismatch")
	}
	if decoded.HeadSlot != sd.HeadSlot {
		t.Errorf("HeadSlot = %d, want %d", decoded.HeadSlot, sd.HeadSlot)
	}
	if decoded.NetworkID != sd.NetworkID {
		t.Errorf("NetworkID = %d, want %d", decoded.NetworkID, sd.NetworkID)
	}
}

func TestGoodbyeData(t *testing.T) {
	gd := GoodbyeData{Reason: GoodbyeIrrelevantPeer}
	msg, err := EncodeMessage(GossipBlockMsg, gd)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var decoded GoodbyeData
	if err := DecodeMessage(msg, &decoded); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Reason != GoodbyeIrrelevantPeer {
		t.Errorf("Reason = %d, want %d", decoded.Reason, GoodbyeIrrelevantPeer)
	}
}

func TestBlocksByRangeRequest(t *testing.T) {
	req := BlocksByRangeRequest{HeadRoot: types.HexToHash("abcd"), StartNumber: 100, Count: 5, Step: 1}
	if req.StartNumber != 100 || req.Count != 5 || req.Step != 1 {
		t.Errorf("unexpected request fields: %+v", req)
	}
}

func TestBlocksByRootRequest(t *testing.T) {
	h1 := types.HexToHash("1111")
	h2 := types.HexToHash("2222")
	req := BlocksByRootRequest{Roots: []types.Hash{h1, h2}}
	if len(req.Roots) != 2 {
		t.Errorf("len(Roots) = %d, want 2", len(req.Roots))
	}
}

// lockedBackend is a fakeBackend safe to read while a protocol read loop
// appends to it from another goroutine.
type lockedBackend struct {
	mu sync.Mutex
	fakeBackend
}

func (b *lockedBackend) HandleNewBlock(peer *Peer, block *types.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fakeBackend.HandleNewBlock(peer, block)
}

func (b *lockedBackend) blockCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.newBlocks)
}

func TestBroadcastBlockDeliversThroughTopics(t *testing.T) {
	localBackend := &lockedBackend{fakeBackend: *newFakeBackend()}
	remoteBackend := &lockedBackend{fakeBackend: *newFakeBackend()}
	local := NewProtocolHandler(localBackend)
	remote := NewProtocolHandler(remoteBackend)

	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	go local.Protocol().Run(NewPeer("remote", "", nil), NewFrameConnTransport(c1))
	go remote.Protocol().Run(NewPeer("local", "", nil), NewFrameConnTransport(c2))

	// Wait for both sessions to register before broadcasting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(local.PeerIDs()) == 1 && len(remote.PeerIDs()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	block := &types.Block{Header: &types.Header{Height: 7}}
	local.BroadcastBlock(block)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if remoteBackend.blockCount() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := remoteBackend.blockCount(); got != 1 {
		t.Fatalf("remote backend received %d blocks, want 1", got)
	}

	// Broadcasting the same block again is deduplicated at the topic layer.
	local.BroadcastBlock(block)
	time.Sleep(50 * time.Millisecond)
	if got := remoteBackend.blockCount(); got != 1 {
		t.Errorf("duplicate broadcast delivered %d blocks, want 1", got)
	}

	// The topic layer credited the delivering peer.
	if s := remote.Topics().PeerTopicScore(BlockTopic, "local"); s <= 0 {
		t.Errorf("delivering peer topic score = %v, want > 0", s)
	}
}
