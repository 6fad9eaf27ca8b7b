// Package p2p implements the wire protocol types for peer-to-peer networking:
// the request/response methods peers use to exchange status, disconnect
// politely, and backfill blocks by range or by root.
package p2p

import (
	"github.com/mapprotocol/ori/core/types"
)

// ProtocolVersion is the version segment of every request/response topic
// string, e.g. "/map/req/status/1/bin".
const ProtocolVersion = 1

// Request/response method names. RequestTopic builds the full topic string
// peers dial for each: "/map/req/<name>/1/bin".
const (
	MethodStatus         = "status"
	MethodGoodbye        = "goodbye"
	MethodBlocksByRange  = "map_blocks_by_range"
	MethodBlocksByRoot   = "map_blocks_by_root"
)

// RequestTopic returns the protocol topic string for a request/response method.
func RequestTopic(method string) string {
	return "/map/req/" + method + "/1/bin"
}

// Response status codes, sent as the single byte preceding a response payload.
const (
	RespSuccess        byte = 0
	RespInvalidRequest byte = 1
	RespServerError    byte = 2
	RespUnknown        byte = 255
)

// StatusData is exchanged once per new connection so peers can judge
// whether they are even worth talking to: same genesis, compatible
// finality, and a network ID match.
type StatusData struct {
	GenesisHash     types.Hash
	FinalizedRoot   types.Hash
	FinalizedNumber uint64
	HeadRoot        types.Hash
	HeadSlot        uint64
	NetworkID       uint64
}

// GoodbyeReason codes sent with a Goodbye request before disconnecting.
const (
	GoodbyeClientShutdown uint64 = 1
	GoodbyeIrrelevantPeer uint64 = 2
	GoodbyeFaultOrError   uint64 = 3
)

// GoodbyeData carries the reason a peer is about to disconnect.
type GoodbyeData struct {
	Reason uint64
}

// BlocksByRangeRequest asks for up to Count blocks starting at StartNumber,
// every Step heights. HeadRoot names the chain tip the requester is syncing
// toward; requesters send Step 1, and responders reject a Step above 1 and
// serve a Step of 0 as 1.
type BlocksByRangeRequest struct {
	HeadRoot    types.Hash
	StartNumber uint64
	Count       uint64
	Step        uint64
}

// BlocksByRangeResponse carries the blocks satisfying a BlocksByRangeRequest,
// in ascending height order; the responder may return fewer than Count.
type BlocksByRangeResponse struct {
	Blocks []*types.Block
}

// BlocksByRootRequest asks for specific blocks by header hash, typically to
// resolve an orphan's missing ancestors.
type BlocksByRootRequest struct {
	Roots []types.Hash
}

// BlocksByRootResponse carries whichever requested roots the responder has;
// missing roots are simply omitted rather than causing an error.
type BlocksByRootResponse struct {
	Blocks []*types.Block
}
