package p2p

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/rlp"
)

// Msg codes layered over the method-addressed handlers in handler.go. Gossip
// broadcasts keep the reserved codes in message.go; everything else (status,
// goodbye, map_blocks_by_range, map_blocks_by_root, and their responses)
// travels as a ReqRespCodec envelope tagged with one of these two codes.
const (
	reqMsgCode  = 0x02
	respMsgCode = 0x03
)

// peerSession pairs a connected Peer with its live Transport so the handler
// can push broadcasts and outgoing requests outside of the read loop.
type peerSession struct {
	peer *Peer
	t    Transport
	wmu  sync.Mutex
}

func (s *peerSession) send(code uint64, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return Send(s.t, code, payload)
}

// ProtocolHandler runs the node's application protocol on every connected
// peer: it dispatches method-addressed requests to a HandlerRegistry,
// correlates responses to outstanding requests, and runs gossiped blocks
// and transactions through a TopicManager (compression, dedup, per-peer
// topic scoring) before fanning them out to a Backend. One ProtocolHandler
// is shared by all of a Server's connections; Protocol() turns it into the
// p2p.Protocol to register.
type ProtocolHandler struct {
	Backend  Backend
	Registry *HandlerRegistry
	Codec    *ReqRespCodec
	tracker  *RequestTracker
	topics   *TopicManager

	mu       sync.RWMutex
	sessions map[string]*peerSession
}

// NewProtocolHandler creates a handler dispatching requests against backend.
func NewProtocolHandler(backend Backend) *ProtocolHandler {
	h := &ProtocolHandler{
		Backend:  backend,
		Registry: NewHandlerRegistry(),
		Codec:    NewReqRespCodec(DefaultReqRespConfig()),
		tracker:  NewRequestTracker(RequestCompletionTimeout),
		topics:   NewTopicManager(DefaultTopicParams()),
		sessions: make(map[string]*peerSession),
	}
	h.topics.Subscribe(BlockTopic, func(_ GossipTopic, from string, _ MessageID, data []byte) {
		peer, ok := h.Peer(from)
		if !ok {
			return
		}
		HandleGossipBlock(h.Backend, peer, Message{Code: GossipBlockMsg, Payload: data})
	})
	h.topics.Subscribe(TransactionTopic, func(_ GossipTopic, from string, _ MessageID, data []byte) {
		peer, ok := h.Peer(from)
		if !ok {
			return
		}
		HandleGossipTransactions(h.Backend, peer, Message{Code: GossipTransactionMsg, Payload: data})
	})
	return h
}

// Topics exposes the gossip substrate for introspection (topic scores,
// seen-cache pruning).
func (h *ProtocolHandler) Topics() *TopicManager { return h.topics }

// Protocol returns the p2p.Protocol value a Server runs per connected peer.
func (h *ProtocolHandler) Protocol() Protocol {
	return Protocol{
		Name:    "map",
		Version: ProtocolVersion,
		Length:  4,
		Run:     h.run,
	}
}

// Close releases the handler's request tracker and gossip substrate.
func (h *ProtocolHandler) Close() {
	h.tracker.Close()
	h.topics.Close()
}

// PeerIDs returns the IDs of all peers currently running this protocol.
func (h *ProtocolHandler) PeerIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Peer returns the live Peer for id, so callers (the sync engine judging
// SLOT_IMPORT_TOLERANCE against a peer's advertised head) can read its
// status-handshake state without holding a session themselves.
func (h *ProtocolHandler) Peer(id string) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.peer, true
}

func (h *ProtocolHandler) run(peer *Peer, t Transport) error {
	sess := &peerSession{peer: peer, t: t}

	h.mu.Lock()
	h.sessions[peer.ID()] = sess
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, peer.ID())
		h.mu.Unlock()
	}()

	// Exchange status asynchronously; the peer's own status request drives
	// our handleStatus call, which records its head on our copy of peer.
	go func() {
		var remote StatusData
		h.SendRequest(peer.ID(), MethodStatus, h.Backend.Status(), &remote)
	}()

	for {
		msg, err := t.ReadMsg()
		if err != nil {
			return err
		}
		if err := h.dispatch(sess, msg); err != nil {
			return err
		}
	}
}

func (h *ProtocolHandler) dispatch(sess *peerSession, msg Msg) error {
	switch msg.Code {
	case GossipBlockMsg:
		return h.deliverGossip(BlockTopic, sess.peer, msg.Payload)
	case GossipTransactionMsg:
		return h.deliverGossip(TransactionTopic, sess.peer, msg.Payload)
	case reqMsgCode:
		return h.handleRequest(sess, msg.Payload)
	case respMsgCode:
		return h.handleResponse(msg.Payload)
	default:
		return fmt.Errorf("p2p: unknown message code 0x%x", msg.Code)
	}
}

// deliverGossip hands a compressed gossip frame to the TopicManager, which
// decompresses, deduplicates, scores the peer, and invokes the topic's
// subscription handler. Duplicates are routine (the mesh echoes our own
// broadcasts back), not a protocol violation worth killing the connection.
func (h *ProtocolHandler) deliverGossip(topic GossipTopic, peer *Peer, compressed []byte) error {
	err := h.topics.Deliver(topic, peer.ID(), compressed)
	if errors.Is(err, ErrTopicDuplicateMessage) {
		return nil
	}
	return err
}

func (h *ProtocolHandler) handleRequest(sess *peerSession, payload []byte) error {
	req, err := h.Codec.DecodeRequest(payload)
	if err != nil {
		return err
	}

	resp, code, herr := h.Registry.Handle(h.Backend, sess.peer, req.Method, req.Payload)

	errMsg := ""
	if herr != nil {
		errMsg = herr.Error()
	}
	var respPayload []byte
	if resp != nil {
		respPayload, err = rlp.EncodeToBytes(resp)
		if err != nil {
			return err
		}
	}

	wire, err := h.Codec.EncodeResponse(req.ID, req.Method, code, respPayload, errMsg)
	if err != nil {
		return err
	}
	return sess.send(respMsgCode, wire)
}

func (h *ProtocolHandler) handleResponse(payload []byte) error {
	resp, err := h.Codec.DecodeResponse(payload)
	if err != nil {
		return err
	}
	// No one may be waiting (fire-and-forget status exchange, or a request
	// that already timed out); that's not a protocol violation.
	h.tracker.Deliver(resp.ID, resp)
	return nil
}

// SendRequest issues method to peerID carrying reqVal as its RLP-encoded
// payload, blocks for a response, and decodes a successful response's
// payload into respVal (which may be nil). It returns an error if the peer
// is unknown, the send fails, the request times out, or the response status
// code is not RespSuccess.
func (h *ProtocolHandler) SendRequest(peerID, method string, reqVal interface{}, respVal interface{}) error {
	h.mu.RLock()
	sess, ok := h.sessions[peerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: unknown peer %s", peerID)
	}

	payload, err := rlp.EncodeToBytes(reqVal)
	if err != nil {
		return err
	}
	req, wire, err := h.Codec.EncodeRequest(method, payload)
	if err != nil {
		return err
	}

	done, err := h.tracker.Track(req.ID)
	if err != nil {
		return err
	}
	defer h.tracker.Cancel(req.ID)

	if err := sess.send(reqMsgCode, wire); err != nil {
		return err
	}

	v, ok := <-done
	if !ok {
		return ErrRequestTimeout
	}
	resp := v.(*Response)
	if resp.Code != RespSuccess {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("p2p: %s: response code %d", method, resp.Code)
	}
	if respVal != nil && len(resp.Payload) > 0 {
		return rlp.DecodeBytes(resp.Payload, respVal)
	}
	return nil
}

// FetchBlockRange requests up to count sequential blocks starting at start
// from peerID. Used by the sync engine during range sync. The request names
// the peer's own advertised head as the target root.
func (h *ProtocolHandler) FetchBlockRange(peerID string, start, count uint64) ([]*types.Block, error) {
	req := BlocksByRangeRequest{StartNumber: start, Count: count, Step: 1}
	if peer, ok := h.Peer(peerID); ok {
		req.HeadRoot = peer.Head()
	}
	var resp BlocksByRangeResponse
	if err := h.SendRequest(peerID, MethodBlocksByRange, req, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// FetchBlocksByRoot requests specific blocks by header hash from peerID.
// Used to resolve an orphan's missing ancestors.
func (h *ProtocolHandler) FetchBlocksByRoot(peerID string, roots []types.Hash) ([]*types.Block, error) {
	var resp BlocksByRootResponse
	if err := h.SendRequest(peerID, MethodBlocksByRoot, BlocksByRootRequest{Roots: roots}, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// BroadcastBlock gossips a block to every connected peer, compressed and
// deduplicated through the TopicManager: a block the node has already
// published or received is dropped rather than re-flooded. Send errors to
// individual peers are not fatal to the broadcast as a whole.
func (h *ProtocolHandler) BroadcastBlock(b *types.Block) {
	payload, err := rlp.EncodeToBytes(b)
	if err != nil {
		return
	}
	h.broadcastGossip(BlockTopic, GossipBlockMsg, payload)
}

// BroadcastTransactions gossips pooled transactions to every connected peer,
// through the same TopicManager path as BroadcastBlock.
func (h *ProtocolHandler) BroadcastTransactions(txs []*types.Transaction) {
	payload, err := rlp.EncodeToBytes(txs)
	if err != nil {
		return
	}
	h.broadcastGossip(TransactionTopic, GossipTransactionMsg, payload)
}

func (h *ProtocolHandler) broadcastGossip(topic GossipTopic, code uint64, payload []byte) {
	compressed, err := h.topics.Publish(topic, payload)
	if err != nil {
		// Duplicate, oversized, or closed: nothing to send.
		return
	}
	h.sendGossip(code, compressed, "")
}

// ForwardBlock relays a block received from peer from to every other
// connected peer, used after a gossiped block successfully extends the
// head. It bypasses the duplicate check Publish applies: the message is
// already marked seen from its own delivery.
func (h *ProtocolHandler) ForwardBlock(from *Peer, b *types.Block) {
	payload, err := rlp.EncodeToBytes(b)
	if err != nil {
		return
	}
	h.forwardGossip(BlockTopic, GossipBlockMsg, payload, from)
}

// ForwardTransactions relays pool-accepted transactions received from peer
// from to every other connected peer.
func (h *ProtocolHandler) ForwardTransactions(from *Peer, txs []*types.Transaction) {
	payload, err := rlp.EncodeToBytes(txs)
	if err != nil {
		return
	}
	h.forwardGossip(TransactionTopic, GossipTransactionMsg, payload, from)
}

func (h *ProtocolHandler) forwardGossip(topic GossipTopic, code uint64, payload []byte, from *Peer) {
	compressed, err := h.topics.Forward(topic, payload)
	if err != nil {
		return
	}
	exclude := ""
	if from != nil {
		exclude = from.ID()
	}
	h.sendGossip(code, compressed, exclude)
}

// sendGossip pushes a compressed gossip frame to every session except the
// excluded origin peer. Send errors to individual peers are not fatal to
// the fan-out as a whole.
func (h *ProtocolHandler) sendGossip(code uint64, compressed []byte, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sess := range h.sessions {
		if id == exclude {
			continue
		}
		sess.send(code, compressed)
	}
}
