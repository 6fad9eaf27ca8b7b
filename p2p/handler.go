package p2p

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mapprotocol/ori/core/types"
)

// Handler errors.
var (
	ErrRequestTimeout   = errors.New("p2p: request timed out")
	ErrDuplicateRequest = errors.New("p2p: duplicate request ID")
	ErrUnknownRequest   = errors.New("p2p: unknown request ID")
	ErrHandlerNotFound  = errors.New("p2p: no handler for method")
	ErrNilPeer          = errors.New("p2p: nil peer")
	ErrNilBackend       = errors.New("p2p: nil backend")
)

// Protocol limits, matching the wire protocol's bounds.
const (
	// MaxBlocksPerRange caps how many blocks map_blocks_by_range serves
	// in a single response, regardless of the request's Count.
	MaxBlocksPerRange = 64

	// MaxRootsPerRequest caps how many roots map_blocks_by_root accepts
	// in a single request.
	MaxRootsPerRequest = 128

	// TTFBTimeout is the time a requester waits for the first byte of a
	// response before giving up.
	TTFBTimeout = 5 * time.Second

	// RequestCompletionTimeout is the total time a requester waits for a
	// response to finish arriving.
	RequestCompletionTimeout = 15 * time.Second

	// DefaultRequestTimeout is the default duration before a pending request expires.
	DefaultRequestTimeout = RequestCompletionTimeout
)

// HandlerFunc is a function that handles a single request from a peer,
// returning the response payload and status code to send back.
type HandlerFunc func(backend Backend, peer *Peer, payload []byte) (resp interface{}, code byte, err error)

// Backend is the interface the protocol handler uses to access chain and
// pool data for serving requests, and to hand received broadcasts to the
// node. node.Node implements it over its chain and transaction pool.
type Backend interface {
	// Status returns this node's current status for replying to/initiating
	// a status exchange.
	Status() StatusData

	// GetBlockByHash returns a block by its header hash, or false if unknown.
	GetBlockByHash(hash types.Hash) (*types.Block, bool)

	// GetBlockByNumber returns the canonical block at the given height, or
	// false if the chain has not reached that height.
	GetBlockByNumber(number uint64) (*types.Block, bool)

	// HandleNewBlock is called when a block is received via gossip.
	HandleNewBlock(peer *Peer, block *types.Block)

	// HandleTransactions is called when pooled transactions are received via gossip.
	HandleTransactions(peer *Peer, txs []*types.Transaction)
}

// HandlerRegistry maps request-response method names to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry creates a registry pre-populated with the protocol's
// request/response handlers.
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces the handler for a method name.
func (r *HandlerRegistry) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Handle dispatches a request to the registered handler for its method,
// returning the response payload and status code to send back.
func (r *HandlerRegistry) Handle(backend Backend, peer *Peer, method string, payload []byte) (interface{}, byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, RespUnknown, fmt.Errorf("%w: %s", ErrHandlerNotFound, method)
	}
	return h(backend, peer, payload)
}

// Lookup returns the handler for a method name, or nil if not registered.
func (r *HandlerRegistry) Lookup(method string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[method]
}

func (r *HandlerRegistry) registerDefaults() {
	r.handlers[MethodStatus] = handleStatus
	r.handlers[MethodGoodbye] = handleGoodbye
	r.handlers[MethodBlocksByRange] = handleBlocksByRange
	r.handlers[MethodBlocksByRoot] = handleBlocksByRoot
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func handleStatus(backend Backend, peer *Peer, payload []byte) (interface{}, byte, error) {
	if backend == nil {
		return nil, RespServerError, ErrNilBackend
	}
	var remote StatusData
	if err := DecodeMessage(Message{Payload: payload}, &remote); err != nil {
		return nil, RespInvalidRequest, err
	}

	local := backend.Status()
	if remote.GenesisHash != local.GenesisHash || remote.NetworkID != local.NetworkID {
		return nil, RespInvalidRequest, fmt.Errorf("p2p: status mismatch: genesis/network_id differ")
	}

	peer.SetHead(remote.HeadRoot)
	peer.SetHeadSlot(remote.HeadSlot)
	peer.SetHeadNumber(remote.FinalizedNumber)

	return local, RespSuccess, nil
}

// ---------------------------------------------------------------------------
// goodbye
// ---------------------------------------------------------------------------

func handleGoodbye(_ Backend, peer *Peer, payload []byte) (interface{}, byte, error) {
	var gd GoodbyeData
	if err := DecodeMessage(Message{Payload: payload}, &gd); err != nil {
		return nil, RespInvalidRequest, err
	}
	peer.SetGoodbyeReason(gd.Reason)
	return GoodbyeData{Reason: GoodbyeClientShutdown}, RespSuccess, nil
}

// ---------------------------------------------------------------------------
// map_blocks_by_range
// ---------------------------------------------------------------------------

func handleBlocksByRange(backend Backend, _ *Peer, payload []byte) (interface{}, byte, error) {
	if backend == nil {
		return nil, RespServerError, ErrNilBackend
	}
	var req BlocksByRangeRequest
	if err := DecodeMessage(Message{Payload: payload}, &req); err != nil {
		return nil, RespInvalidRequest, err
	}
	if req.Count == 0 {
		return nil, RespInvalidRequest, fmt.Errorf("p2p: map_blocks_by_range: zero count")
	}
	if req.Step > 1 {
		return nil, RespInvalidRequest, fmt.Errorf("p2p: map_blocks_by_range: unsupported step %d", req.Step)
	}

	count := req.Count
	if count > MaxBlocksPerRange {
		count = MaxBlocksPerRange
	}

	blocks := make([]*types.Block, 0, count)
	for i := uint64(0); i < count; i++ {
		b, ok := backend.GetBlockByNumber(req.StartNumber + i)
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}

	return BlocksByRangeResponse{Blocks: blocks}, RespSuccess, nil
}

// ---------------------------------------------------------------------------
// map_blocks_by_root
// ---------------------------------------------------------------------------

func handleBlocksByRoot(backend Backend, _ *Peer, payload []byte) (interface{}, byte, error) {
	if backend == nil {
		return nil, RespServerError, ErrNilBackend
	}
	var req BlocksByRootRequest
	if err := DecodeMessage(Message{Payload: payload}, &req); err != nil {
		return nil, RespInvalidRequest, err
	}

	roots := req.Roots
	if len(roots) > MaxRootsPerRequest {
		roots = roots[:MaxRootsPerRequest]
	}

	blocks := make([]*types.Block, 0, len(roots))
	for _, root := range roots {
		if b, ok := backend.GetBlockByHash(root); ok {
			blocks = append(blocks, b)
		}
	}

	return BlocksByRootResponse{Blocks: blocks}, RespSuccess, nil
}

// ---------------------------------------------------------------------------
// Broadcast: gossiped block
// ---------------------------------------------------------------------------

// HandleGossipBlock decodes and dispatches a block received on the block
// gossip topic.
func HandleGossipBlock(backend Backend, peer *Peer, msg Message) error {
	var block types.Block
	if err := DecodeMessage(msg, &block); err != nil {
		return fmt.Errorf("%w: code 0x%02x: %v", ErrDecode, msg.Code, err)
	}
	peer.SetHead(block.Hash())
	peer.SetHeadNumber(block.Header.Height)
	if backend != nil {
		backend.HandleNewBlock(peer, &block)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Broadcast: gossiped transactions
// ---------------------------------------------------------------------------

// HandleGossipTransactions decodes and dispatches transactions received on
// the transaction gossip topic.
func HandleGossipTransactions(backend Backend, peer *Peer, msg Message) error {
	var txs []*types.Transaction
	if err := DecodeMessage(msg, &txs); err != nil {
		return err
	}
	if backend != nil {
		backend.HandleTransactions(peer, txs)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request tracker
// ---------------------------------------------------------------------------

// pendingRequest represents an in-flight request awaiting a response.
type pendingRequest struct {
	id       uint64
	deadline time.Time
	done     chan interface{} // closed or receives the response value
}

// RequestTracker manages outgoing request IDs and correlates them with
// incoming responses. It provides timeout-based expiry for stale requests.
type RequestTracker struct {
	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	nextID   atomic.Uint64
	timeout  time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRequestTracker creates a tracker with the given request timeout.
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	rt := &RequestTracker{
		pending: make(map[uint64]*pendingRequest),
		timeout: timeout,
		stop:    make(chan struct{}),
	}
	go rt.expireLoop()
	return rt
}

// NextRequestID returns a monotonically increasing request ID.
func (rt *RequestTracker) NextRequestID() uint64 {
	return rt.nextID.Add(1)
}

// Track registers a new outgoing request. Returns a channel that will receive
// the response (or be closed on timeout). Returns ErrDuplicateRequest if the
// ID is already tracked.
func (rt *RequestTracker) Track(id uint64) (<-chan interface{}, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.pending[id]; exists {
		return nil, ErrDuplicateRequest
	}
	pr := &pendingRequest{
		id:       id,
		deadline: time.Now().Add(rt.timeout),
		done:     make(chan interface{}, 1),
	}
	rt.pending[id] = pr
	return pr.done, nil
}

// Deliver provides a response for a tracked request ID. The value is sent to
// the waiting channel. Returns ErrUnknownRequest if the ID is not pending.
func (rt *RequestTracker) Deliver(id uint64, value interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	pr, ok := rt.pending[id]
	if !ok {
		return ErrUnknownRequest
	}
	delete(rt.pending, id)
	pr.done <- value
	close(pr.done)
	return nil
}

// Cancel removes a tracked request without delivering a response.
func (rt *RequestTracker) Cancel(id uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if pr, ok := rt.pending[id]; ok {
		delete(rt.pending, id)
		close(pr.done)
	}
}

// Pending returns the number of in-flight requests.
func (rt *RequestTracker) Pending() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending)
}

// Close stops the expiry goroutine and cancels all pending requests.
func (rt *RequestTracker) Close() {
	rt.stopOnce.Do(func() {
		close(rt.stop)
		rt.mu.Lock()
		for id, pr := range rt.pending {
			delete(rt.pending, id)
			close(pr.done)
		}
		rt.mu.Unlock()
	})
}

// expireLoop periodically removes requests that have exceeded their deadline.
func (rt *RequestTracker) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stop:
			return
		case now := <-ticker.C:
			rt.mu.Lock()
			for id, pr := range rt.pending {
				if now.After(pr.deadline) {
					delete(rt.pending, id)
					close(pr.done)
				}
			}
			rt.mu.Unlock()
		}
	}
}

// ---------------------------------------------------------------------------
// Peer protocol state extensions
// ---------------------------------------------------------------------------

// SetHeadNumber sets the peer's best known block number.
func (p *Peer) SetHeadNumber(num uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headNumber = num
}

// HeadNumber returns the peer's best known block number.
func (p *Peer) HeadNumber() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.headNumber
}

// SetHeadSlot sets the peer's best known slot.
func (p *Peer) SetHeadSlot(slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headSlot = slot
}

// HeadSlot returns the peer's best known slot.
func (p *Peer) HeadSlot() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.headSlot
}

// SetGoodbyeReason records the reason code a peer sent with its Goodbye.
func (p *Peer) SetGoodbyeReason(reason uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.goodbyeReason = reason
}

// GoodbyeReason returns the last Goodbye reason code received from the peer.
func (p *Peer) GoodbyeReason() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.goodbyeReason
}

// SetLastResponse stores the most recent response value for a given method.
// This is used by request-serving handlers so that the upper layer or test
// can inspect what was produced without needing a live transport.
func (p *Peer) SetLastResponse(method string, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastResponses == nil {
		p.lastResponses = make(map[string]interface{})
	}
	p.lastResponses[method] = value
}

// LastResponse returns the most recently stored response for a method.
func (p *Peer) LastResponse(method string) interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastResponses == nil {
		return nil
	}
	return p.lastResponses[method]
}

// DeliverResponse stores a response value indexed by request ID on the peer.
func (p *Peer) DeliverResponse(requestID uint64, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deliveredResponses == nil {
		p.deliveredResponses = make(map[uint64]interface{})
	}
	p.deliveredResponses[requestID] = value
}

// GetDeliveredResponse returns and removes a delivered response by request ID.
func (p *Peer) GetDeliveredResponse(requestID uint64) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deliveredResponses == nil {
		return nil, false
	}
	v, ok := p.deliveredResponses[requestID]
	if ok {
		delete(p.deliveredResponses, requestID)
	}
	return v, ok
}
