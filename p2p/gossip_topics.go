// Package p2p implements gossip topic management for block and transaction
// propagation. TopicManager is the pub/sub substrate ProtocolHandler's
// broadcast and dispatch paths run on: it snappy-compresses outgoing
// payloads, deduplicates by message ID, and scores peers per topic.
package p2p

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/mapprotocol/ori/crypto"
)

// GossipTopic enumerates the gossip sub-topics this node propagates.
type GossipTopic int

const (
	// BlockTopic is the global topic for propagating new blocks.
	BlockTopic GossipTopic = iota
	// TransactionTopic is the global topic for propagating pooled transactions.
	TransactionTopic
)

// gossipTopicNames maps each GossipTopic to its canonical name, matching the
// request/response method naming under RequestTopic.
var gossipTopicNames = map[GossipTopic]string{
	BlockTopic:       "block",
	TransactionTopic: "transaction",
}

// String returns the canonical name of the gossip topic.
func (t GossipTopic) String() string {
	if name, ok := gossipTopicNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown_topic(%d)", int(t))
}

// TopicString builds the full wire topic string, e.g. "/map/block/bin".
func (t GossipTopic) TopicString() string {
	return fmt.Sprintf("/map/%s/bin", t.String())
}

// ParseGossipTopic converts a topic name string to a GossipTopic.
// Returns an error if the name is not recognized.
func ParseGossipTopic(name string) (GossipTopic, error) {
	for topic, n := range gossipTopicNames {
		if n == name {
			return topic, nil
		}
	}
	return 0, fmt.Errorf("gossip: unknown topic name %q", name)
}

// Message domains separate message IDs computed over successfully
// snappy-decompressed payloads from those computed over raw data that
// failed to decompress.
var (
	MessageDomainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
	MessageDomainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
)

// MessageIDSize is the size of a gossip message ID.
const MessageIDSize = 20

// MessageID is a gossip message identifier.
type MessageID [MessageIDSize]byte

// ComputeMessageID derives the gossip message ID from a decompressed
// payload: Blake2b256(MESSAGE_DOMAIN_VALID_SNAPPY || data)[:20].
func ComputeMessageID(decompressedData []byte) MessageID {
	sum := crypto.Blake2b256(MessageDomainValidSnappy[:], decompressedData)
	var id MessageID
	copy(id[:], sum[:MessageIDSize])
	return id
}

// ComputeInvalidMessageID computes the message ID for data that failed
// snappy decompression: Blake2b256(MESSAGE_DOMAIN_INVALID_SNAPPY || raw_data)[:20].
func ComputeInvalidMessageID(rawData []byte) MessageID {
	sum := crypto.Blake2b256(MessageDomainInvalidSnappy[:], rawData)
	var id MessageID
	copy(id[:], sum[:MessageIDSize])
	return id
}

// TopicParams holds the gossipsub mesh parameters used by the node's pubsub layer.
type TopicParams struct {
	MeshD             int           // target number of peers in the mesh
	MeshDlo           int           // low watermark for mesh peers
	MeshDhi           int           // high watermark for mesh peers
	HeartbeatInterval time.Duration // gossipsub heartbeat frequency
	HistoryLength     int           // number of heartbeat windows to retain message IDs
	HistoryGossip     int           // number of windows to gossip about
	FanoutTTL         time.Duration // TTL for fanout maps
	SeenTTL           time.Duration // expiry time for the seen message cache
}

// DefaultTopicParams returns the gossipsub parameters used by the node.
func DefaultTopicParams() TopicParams {
	return TopicParams{
		MeshD:             8,
		MeshDlo:           6,
		MeshDhi:           12,
		HeartbeatInterval: 700 * time.Millisecond,
		HistoryLength:     6,
		HistoryGossip:     3,
		FanoutTTL:         60 * time.Second,
		// Two epochs' worth of slots at 6s/slot, 64 slots/epoch.
		SeenTTL: 768 * time.Second,
	}
}

// TopicHandler is a callback invoked when a validated message is received
// on a subscribed topic. from is the delivering peer's ID; data is the
// snappy-decompressed payload.
type TopicHandler func(topic GossipTopic, from string, msgID MessageID, data []byte)

// TopicScoreSnapshot holds per-topic scoring metrics.
type TopicScoreSnapshot struct {
	MessagesReceived uint64
	InvalidMessages  uint64
	MeshDeliveries   uint64
	FirstDeliveries  uint64
}

// Errors for the TopicManager.
var (
	ErrTopicNotSubscribed     = errors.New("gossip_topics: topic not subscribed")
	ErrTopicAlreadySubscribed = errors.New("gossip_topics: topic already subscribed")
	ErrTopicManagerClosed     = errors.New("gossip_topics: manager is closed")
	ErrTopicNilHandler        = errors.New("gossip_topics: nil handler")
	ErrTopicEmptyData         = errors.New("gossip_topics: empty data")
	ErrTopicDuplicateMessage  = errors.New("gossip_topics: duplicate message")
	ErrTopicDataTooLarge      = errors.New("gossip_topics: data exceeds max payload size")
)

// MaxPayloadSize is the maximum uncompressed payload size.
const MaxPayloadSize = 4 * 1024 * 1024

// topicState tracks per-topic subscription state and scoring.
type topicState struct {
	handler TopicHandler
	score   TopicScoreSnapshot
	peers   map[string]float64 // peer ID -> per-topic score
}

// TopicManager manages gossip sub topics on top of the raw transport. It
// snappy-compresses outgoing payloads and decompresses incoming ones,
// tracks subscribed topics, message handlers, message deduplication, and
// per-topic scoring. All methods are safe for concurrent use.
type TopicManager struct {
	mu     sync.RWMutex
	params TopicParams
	closed bool

	topics map[GossipTopic]*topicState

	seen   map[MessageID]time.Time
	seenMu sync.Mutex
}

// NewTopicManager creates a new TopicManager with the given parameters.
func NewTopicManager(params TopicParams) *TopicManager {
	return &TopicManager{
		params: params,
		topics: make(map[GossipTopic]*topicState),
		seen:   make(map[MessageID]time.Time),
	}
}

// Subscribe registers a handler for the given gossip topic.
// Returns an error if the topic is already subscribed or the handler is nil.
func (tm *TopicManager) Subscribe(topic GossipTopic, handler TopicHandler) error {
	if handler == nil {
		return ErrTopicNilHandler
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return ErrTopicManagerClosed
	}

	if _, exists := tm.topics[topic]; exists {
		return ErrTopicAlreadySubscribed
	}

	tm.topics[topic] = &topicState{
		handler: handler,
		peers:   make(map[string]float64),
	}
	return nil
}

// Unsubscribe removes the handler for the given gossip topic.
func (tm *TopicManager) Unsubscribe(topic GossipTopic) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return ErrTopicManagerClosed
	}

	if _, exists := tm.topics[topic]; !exists {
		return ErrTopicNotSubscribed
	}

	delete(tm.topics, topic)
	return nil
}

// IsSubscribed returns whether the given topic is currently subscribed.
func (tm *TopicManager) IsSubscribed(topic GossipTopic) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, exists := tm.topics[topic]
	return exists
}

// SubscribedTopics returns a list of all currently subscribed topics.
func (tm *TopicManager) SubscribedTopics() []GossipTopic {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	topics := make([]GossipTopic, 0, len(tm.topics))
	for t := range tm.topics {
		topics = append(topics, t)
	}
	return topics
}

// Publish snappy-compresses data for the given topic and returns the
// wire-ready compressed bytes for the transport to send. The message is
// marked seen, so the node's own gossip echoed back by a peer is dropped
// by Deliver rather than redelivered to the handler. Returns an error if
// the topic is not subscribed, the data is empty/too large, or it is a
// duplicate (already published or already received).
func (tm *TopicManager) Publish(topic GossipTopic, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrTopicEmptyData
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrTopicDataTooLarge
	}

	msgID := ComputeMessageID(data)

	tm.seenMu.Lock()
	if _, dup := tm.seen[msgID]; dup {
		tm.seenMu.Unlock()
		return nil, ErrTopicDuplicateMessage
	}
	tm.seen[msgID] = time.Now()
	tm.seenMu.Unlock()

	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if tm.closed {
		return nil, ErrTopicManagerClosed
	}

	if _, exists := tm.topics[topic]; !exists {
		return nil, ErrTopicNotSubscribed
	}

	return snappy.Encode(nil, data), nil
}

// Forward compresses data for relaying a message this node has already
// seen. Unlike Publish it performs no duplicate bookkeeping: the message
// was marked seen by its own delivery, and forwarding it onward is the
// mesh relay step.
func (tm *TopicManager) Forward(topic GossipTopic, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrTopicEmptyData
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrTopicDataTooLarge
	}

	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if tm.closed {
		return nil, ErrTopicManagerClosed
	}
	if _, exists := tm.topics[topic]; !exists {
		return nil, ErrTopicNotSubscribed
	}
	return snappy.Encode(nil, data), nil
}

// Deliver processes an incoming, snappy-compressed message received from
// peer from. It decompresses the payload, validates it, checks
// deduplication, scores the delivering peer, and dispatches to the
// handler. Malformed snappy data is recorded as an invalid message and
// counted against the peer's topic score rather than treated as an error,
// matching how a gossip peer should be scored down without tearing down
// the topic.
func (tm *TopicManager) Deliver(topic GossipTopic, from string, compressed []byte) error {
	if len(compressed) == 0 {
		return ErrTopicEmptyData
	}
	if len(compressed) > MaxPayloadSize {
		return ErrTopicDataTooLarge
	}

	data, err := snappy.Decode(nil, compressed)
	valid := err == nil

	var msgID MessageID
	if valid {
		if len(data) > MaxPayloadSize {
			return ErrTopicDataTooLarge
		}
		msgID = ComputeMessageID(data)
	} else {
		msgID = ComputeInvalidMessageID(compressed)
	}

	tm.seenMu.Lock()
	if _, dup := tm.seen[msgID]; dup {
		tm.seenMu.Unlock()
		return ErrTopicDuplicateMessage
	}
	tm.seen[msgID] = time.Now()
	tm.seenMu.Unlock()

	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return ErrTopicManagerClosed
	}
	state, exists := tm.topics[topic]
	if !exists {
		tm.mu.Unlock()
		return ErrTopicNotSubscribed
	}

	state.score.MessagesReceived++
	if !valid {
		state.score.InvalidMessages++
		state.peers[from]--
		tm.mu.Unlock()
		return nil
	}
	state.score.FirstDeliveries++
	state.score.MeshDeliveries++
	state.peers[from]++
	handler := state.handler
	tm.mu.Unlock()

	// Outside the lock: the handler may re-enter Publish to forward the
	// message on.
	handler(topic, from, msgID, data)
	return nil
}

// RecordInvalidMessage increments the invalid message counter for a topic.
func (tm *TopicManager) RecordInvalidMessage(topic GossipTopic) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if state, exists := tm.topics[topic]; exists {
		state.score.InvalidMessages++
	}
}

// TopicScore returns the scoring snapshot for a subscribed topic.
func (tm *TopicManager) TopicScore(topic GossipTopic) (TopicScoreSnapshot, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	state, exists := tm.topics[topic]
	if !exists {
		return TopicScoreSnapshot{}, false
	}
	return state.score, true
}

// UpdatePeerTopicScore adjusts the per-topic score for a peer.
func (tm *TopicManager) UpdatePeerTopicScore(topic GossipTopic, peerID string, delta float64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	state, exists := tm.topics[topic]
	if !exists {
		return
	}
	state.peers[peerID] += delta
}

// PeerTopicScore returns the per-topic score for a peer on a given topic.
func (tm *TopicManager) PeerTopicScore(topic GossipTopic, peerID string) float64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	state, exists := tm.topics[topic]
	if !exists {
		return 0
	}
	return state.peers[peerID]
}

// PruneSeenMessages removes seen message entries older than the SeenTTL.
// This should be called periodically to prevent unbounded memory growth.
func (tm *TopicManager) PruneSeenMessages() int {
	cutoff := time.Now().Add(-tm.params.SeenTTL)
	pruned := 0

	tm.seenMu.Lock()
	defer tm.seenMu.Unlock()

	for id, t := range tm.seen {
		if t.Before(cutoff) {
			delete(tm.seen, id)
			pruned++
		}
	}
	return pruned
}

// SeenCount returns the number of message IDs in the seen cache.
func (tm *TopicManager) SeenCount() int {
	tm.seenMu.Lock()
	defer tm.seenMu.Unlock()
	return len(tm.seen)
}

// Params returns the current topic parameters.
func (tm *TopicManager) Params() TopicParams {
	return tm.params
}

// Close shuts down the topic manager. After closing, all methods
// that modify state return ErrTopicManagerClosed.
func (tm *TopicManager) Close() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.closed = true
	tm.topics = make(map[GossipTopic]*topicState)
}
