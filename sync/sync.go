// Package sync implements the node's range-sync engine: polling connected
// peers for a head far enough ahead to be worth backfilling, pulling blocks
// in bounded batches, and resolving gossiped blocks whose parent hasn't
// arrived yet.
package sync

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mapprotocol/ori/core/chain"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/metrics"
	"github.com/mapprotocol/ori/p2p"
)

// Range-sync parameters.
const (
	// BlocksPerBatch is the height span one batch download covers.
	BlocksPerBatch = 5

	// BatchBufferSize caps how many batches may be in flight at once.
	BatchBufferSize = 5

	// InvalidBatchLookupAttempts is how many attempts a batch gets, each on
	// the next idle pool peer, before the whole chain sync is abandoned.
	InvalidBatchLookupAttempts = 3

	// SlotImportTolerance is how far ahead a peer's head may be before it's
	// worth a range sync rather than just keeping up via gossip.
	SlotImportTolerance = 20

	// OrphanLookaheadWindow bounds how far ahead of the local head a
	// gossiped orphan may be before it's dropped instead of queued.
	OrphanLookaheadWindow = 512

	// MaxOrphanBlocks caps the total number of queued orphans. On overflow
	// the just-received block is dropped, unless it sits below every queued
	// height, in which case the highest queued block makes room for it.
	MaxOrphanBlocks = 512

	// pollInterval is how often the background loop checks peer heads.
	pollInterval = 2 * time.Second
)

// Sync states, reported by State/IsSyncing.
const (
	StateIdle    uint32 = 0
	StateSyncing uint32 = 1
)

var (
	ErrOrphanTooFar = errors.New("sync: orphan height exceeds look-ahead window")
	errBatchRetries = errors.New("sync: batch exceeded retry limit")
)

// Progress reports a range sync's advance.
type Progress struct {
	StartingBlock uint64
	CurrentBlock  uint64
	HighestBlock  uint64
}

// Percentage returns completion as a value in [0, 100].
func (p Progress) Percentage() float64 {
	total := p.HighestBlock - p.StartingBlock
	if total == 0 {
		return 100.0
	}
	done := p.CurrentBlock - p.StartingBlock
	return float64(done) / float64(total) * 100.0
}

// Syncer owns the node's background sync loop. One Syncer is created per
// node and driven entirely by its own poll ticker; callers only need
// Start, Stop, and read-only status accessors.
type Syncer struct {
	proto  *p2p.ProtocolHandler
	chain  *chain.Chain
	logger *log.Logger

	state    atomic.Uint32
	mu       sync.Mutex
	progress Progress

	orphans *orphanQueue

	cancel chan struct{}
	done   chan struct{}

	batchesFetched *metrics.Counter
	blocksImported *metrics.Counter
	orphansQueued  *metrics.Counter
}

// NewSyncer builds a Syncer that fetches from proto's connected peers and
// imports into c. Call Start to begin the background loop.
func NewSyncer(proto *p2p.ProtocolHandler, c *chain.Chain) *Syncer {
	return &Syncer{
		proto:          proto,
		chain:          c,
		logger:         log.Default().Module("sync"),
		orphans:        newOrphanQueue(),
		batchesFetched: metrics.DefaultRegistry.Counter("sync.batches_fetched"),
		blocksImported: metrics.DefaultRegistry.Counter("sync.blocks_imported"),
		orphansQueued:  metrics.DefaultRegistry.Counter("sync.orphans_queued"),
	}
}

// Start launches the background poll loop and returns immediately.
func (s *Syncer) Start() error {
	s.cancel = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
	return nil
}

// Stop signals the poll loop to exit and waits for it to finish. Any range
// sync in progress runs its current batch to completion before observing
// the cancellation.
func (s *Syncer) Stop() error {
	if s.cancel == nil {
		return nil
	}
	close(s.cancel)
	<-s.done
	return nil
}

// State reports whether a range sync is currently underway.
func (s *Syncer) State() uint32 { return s.state.Load() }

// IsSyncing reports whether a range sync is currently underway.
func (s *Syncer) IsSyncing() bool { return s.state.Load() == StateSyncing }

// GetProgress returns a snapshot of the most recent (or in-progress) range
// sync's progress.
func (s *Syncer) GetProgress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Syncer) loop() {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancel:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one peer-head check, starting a range sync if connected peers
// are far enough ahead and no sync is already underway.
func (s *Syncer) tick() {
	if s.IsSyncing() {
		return
	}
	local := s.chain.CurrentBlock().Header.Height
	peers, target := s.gatherPool(local)
	if len(peers) == 0 {
		return
	}
	s.runRangeSync(peers, local, target)
}

// gatherPool collects every connected peer far enough past the local head
// to justify a range sync, skipping any whose reputation has fallen below
// the disconnect threshold. target is the highest head advertised across
// the pool.
func (s *Syncer) gatherPool(local uint64) (peers []string, target uint64) {
	for _, id := range s.proto.PeerIDs() {
		peer, found := s.proto.Peer(id)
		if !found || peer.Score().ShouldDisconnect() {
			continue
		}
		head := peer.HeadNumber()
		if head <= local+SlotImportTolerance {
			continue
		}
		peers = append(peers, id)
		if head > target {
			target = head
		}
	}
	return peers, target
}

// peerPool is the set of peers a syncing chain draws batch assignments
// from. Members cycle through an idle queue: a peer is handed out for at
// most one in-flight request at a time and rejoins the back of the queue
// when its request completes, spreading batches round-robin across the
// pool.
type peerPool struct {
	members []string
	idle    chan string
}

func newPeerPool(peers []string) *peerPool {
	idle := make(chan string, len(peers))
	for _, id := range peers {
		idle <- id
	}
	return &peerPool{members: peers, idle: idle}
}

// acquire hands out an idle pool member, blocking until one frees up or
// cancel fires.
func (p *peerPool) acquire(cancel <-chan struct{}) (string, bool) {
	select {
	case id := <-p.idle:
		return id, true
	case <-cancel:
		return "", false
	}
}

func (p *peerPool) release(id string) { p.idle <- id }

// batch is one BLOCKS_PER_BATCH-height span of a range sync's download
// pipeline, identified by a monotonically increasing id.
type batch struct {
	id     uint64
	start  uint64
	count  uint64
	blocks []*types.Block
	err    error
}

// runRangeSync pulls [start+1, target] from the pool's peers in
// BLOCKS_PER_BATCH batches, up to BATCH_BUFFER_SIZE in flight at once,
// each assigned to an idle pool member, and imports them into the chain
// strictly in ascending batch order. A batch that exhausts its retries
// abandons the whole chain and downvotes every peer in the pool.
func (s *Syncer) runRangeSync(peers []string, start, target uint64) {
	if !s.state.CompareAndSwap(StateIdle, StateSyncing) {
		return
	}
	defer s.state.Store(StateIdle)

	s.mu.Lock()
	s.progress = Progress{StartingBlock: start, CurrentBlock: start, HighestBlock: target}
	s.mu.Unlock()

	pool := newPeerPool(peers)
	totalBatches := (target - start + BlocksPerBatch - 1) / BlocksPerBatch

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		completed = make(map[uint64]*batch)
		sem       = make(chan struct{}, BatchBufferSize)
	)

	fetch := func(id, batchStart, count uint64) {
		defer wg.Done()
		defer func() { <-sem }()
		b := s.fetchBatch(pool, id, batchStart, count)
		mu.Lock()
		completed[id] = b
		mu.Unlock()
	}

	toBeProcessed := uint64(1)
	drain := func() bool {
		for {
			mu.Lock()
			b, ok := completed[toBeProcessed]
			if ok {
				delete(completed, toBeProcessed)
			}
			mu.Unlock()
			if !ok {
				return true
			}
			if b.err != nil {
				s.logger.Warn("range sync: batch exhausted retries, abandoning chain and downvoting pool",
					"batch", b.id, "peers", len(pool.members), "err", b.err)
				for _, id := range pool.members {
					if peer, ok := s.proto.Peer(id); ok {
						peer.Score().BadResponse()
					}
				}
				return false
			}
			for _, blk := range b.blocks {
				if err := s.importBlock(blk); err != nil && !errors.Is(err, chain.ErrKnownBlock) {
					s.logger.Debug("range sync: import rejected", "height", blk.Header.Height, "err", err)
				}
			}
			s.mu.Lock()
			if b.start+b.count-1 > s.progress.CurrentBlock {
				s.progress.CurrentBlock = b.start + b.count - 1
			}
			s.mu.Unlock()
			toBeProcessed++
		}
	}

	for id := uint64(1); id <= totalBatches; id++ {
		batchStart := start + (id-1)*BlocksPerBatch + 1
		count := uint64(BlocksPerBatch)
		if batchStart+count-1 > target {
			count = target - batchStart + 1
		}

		select {
		case <-s.cancel:
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go fetch(id, batchStart, count)

		if !drain() {
			wg.Wait()
			return
		}
	}
	wg.Wait()
	drain()

	for _, id := range pool.members {
		if peer, ok := s.proto.Peer(id); ok {
			peer.Score().GoodResponse()
		}
	}
}

// fetchBatch requests one batch, making up to InvalidBatchLookupAttempts
// attempts in all against request/contiguity/ordering failures. Each attempt draws a
// fresh idle peer from the pool, so a retry lands on a different peer
// whenever one is available.
func (s *Syncer) fetchBatch(pool *peerPool, id, start, count uint64) *batch {
	b := &batch{id: id, start: start, count: count}
	for attempt := 0; attempt < InvalidBatchLookupAttempts; attempt++ {
		peerID, ok := pool.acquire(s.cancel)
		if !ok {
			b.err = fmt.Errorf("sync: canceled while awaiting an idle peer")
			return b
		}
		blocks, err := s.proto.FetchBlockRange(peerID, start, count)
		if err == nil {
			err = validateBatch(blocks, start, count)
		}
		pool.release(peerID)
		if err == nil {
			b.blocks = blocks
			s.batchesFetched.Inc()
			return b
		}
		b.err = err
	}
	b.err = fmt.Errorf("%w: %v", errBatchRetries, b.err)
	return b
}

// validateBatch checks that blocks are a contiguous, ascending-height span
// starting at start; the responder may legitimately return fewer than count
// near the peer's own head.
func validateBatch(blocks []*types.Block, start, count uint64) error {
	if len(blocks) == 0 {
		return fmt.Errorf("sync: empty batch response")
	}
	if uint64(len(blocks)) > count {
		return fmt.Errorf("sync: batch returned %d blocks, requested %d", len(blocks), count)
	}
	for i, b := range blocks {
		want := start + uint64(i)
		if b.Header.Height != want {
			return fmt.Errorf("sync: batch block[%d] height %d, want %d", i, b.Header.Height, want)
		}
	}
	return nil
}

// importBlock inserts b into the chain and, on success, bumps the imported
// block counter.
func (s *Syncer) importBlock(b *types.Block) error {
	if err := s.chain.ImportBlock(b); err != nil {
		return err
	}
	s.blocksImported.Inc()
	return nil
}

// ---------------------------------------------------------------------------
// Orphan resolution
// ---------------------------------------------------------------------------

// HandleOrphan queues a gossiped block whose parent the chain doesn't have,
// requesting the missing parent by hash from peerID. When the parent (and
// any of its own missing ancestors) resolves, every queued descendant is
// imported in ascending height order. Blocks further than
// OrphanLookaheadWindow past the local head are rejected outright, since a
// range sync rather than orphan-chasing is the appropriate catch-up path.
func (s *Syncer) HandleOrphan(peerID string, block *types.Block) error {
	local := s.chain.CurrentBlock().Header.Height
	if block.Header.Height > local+OrphanLookaheadWindow {
		return ErrOrphanTooFar
	}
	parent := block.Header.ParentHash
	first, queued := s.orphans.add(parent, block)
	if queued {
		s.orphansQueued.Inc()
	}
	if first {
		go s.resolveOrphan(peerID, parent)
	}
	return nil
}

// resolveOrphan fetches a missing parent by root and flushes every queued
// descendant once it lands. If the parent is itself an orphan, it's
// re-queued and chased the same way.
func (s *Syncer) resolveOrphan(peerID string, parentHash types.Hash) {
	blocks, err := s.proto.FetchBlocksByRoot(peerID, []types.Hash{parentHash})
	if err != nil || len(blocks) == 0 {
		s.logger.Debug("orphan parent unavailable", "parent", parentHash.Hex(), "peer", peerID, "err", err)
		s.orphans.take(parentHash)
		return
	}
	parent := blocks[0]

	if err := s.importBlock(parent); err != nil && !errors.Is(err, chain.ErrKnownBlock) {
		if errors.Is(err, chain.ErrUnknownAncestor) {
			children := s.orphans.take(parentHash)
			s.orphans.requeue(parent.Header.ParentHash, append(children, parent)...)
			go s.resolveOrphan(peerID, parent.Header.ParentHash)
			return
		}
		s.logger.Debug("orphan parent rejected", "parent", parentHash.Hex(), "err", err)
		s.orphans.take(parentHash)
		return
	}

	for _, child := range s.orphans.take(parentHash) {
		if err := s.importBlock(child); err != nil && !errors.Is(err, chain.ErrKnownBlock) {
			s.logger.Debug("orphan child rejected", "height", child.Header.Height, "err", err)
		}
	}
}

// orphanQueue holds gossiped blocks keyed by their missing parent hash,
// each bucket kept in ascending height order per the priority-queue
// ordering an orphan backlog is expected to process in.
type orphanQueue struct {
	mu        sync.Mutex
	byParent  map[types.Hash][]*types.Block
	requested map[types.Hash]bool
	size      int
}

func newOrphanQueue() *orphanQueue {
	return &orphanQueue{
		byParent:  make(map[types.Hash][]*types.Block),
		requested: make(map[types.Hash]bool),
	}
}

// add inserts block under parent. first reports whether this is the first
// pending child for that parent (the caller should kick off a fetch);
// queued reports whether the block was admitted at all. A full queue drops
// the incoming block, unless it is lower than everything queued: lower
// heights unblock more of the backlog, so the highest queued block is
// evicted to make room instead.
func (q *orphanQueue) add(parent types.Hash, block *types.Block) (first, queued bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size >= MaxOrphanBlocks {
		if block.Header.Height >= q.minHeightLocked() {
			return false, false
		}
		q.evictHighestLocked()
	}
	children := append(q.byParent[parent], block)
	sort.Slice(children, func(i, j int) bool { return children[i].Header.Height < children[j].Header.Height })
	q.byParent[parent] = children
	q.size++
	first = !q.requested[parent]
	q.requested[parent] = true
	return first, true
}

// minHeightLocked returns the lowest queued height. Caller must hold mu.
func (q *orphanQueue) minHeightLocked() uint64 {
	min := uint64(^uint64(0))
	for _, children := range q.byParent {
		if h := children[0].Header.Height; h < min {
			min = h
		}
	}
	return min
}

// evictHighestLocked drops the single highest-height queued block. Caller
// must hold mu.
func (q *orphanQueue) evictHighestLocked() {
	var (
		bestParent types.Hash
		bestHeight uint64
		found      bool
	)
	for parent, children := range q.byParent {
		if h := children[len(children)-1].Header.Height; !found || h > bestHeight {
			bestParent, bestHeight, found = parent, h, true
		}
	}
	if !found {
		return
	}
	children := q.byParent[bestParent]
	children = children[:len(children)-1]
	if len(children) == 0 {
		delete(q.byParent, bestParent)
		delete(q.requested, bestParent)
	} else {
		q.byParent[bestParent] = children
	}
	q.size--
}

// requeue adds blocks under a new parent key and marks that parent as
// already requested, used when a fetched parent turns out to itself be an
// orphan whose own parent is already being chased.
func (q *orphanQueue) requeue(parent types.Hash, blocks ...*types.Block) {
	q.mu.Lock()
	defer q.mu.Unlock()
	children := append(q.byParent[parent], blocks...)
	sort.Slice(children, func(i, j int) bool { return children[i].Header.Height < children[j].Header.Height })
	q.byParent[parent] = children
	q.size += len(blocks)
	q.requested[parent] = true
}

// take removes and returns every block queued under parent.
func (q *orphanQueue) take(parent types.Hash) []*types.Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	children := q.byParent[parent]
	delete(q.byParent, parent)
	delete(q.requested, parent)
	q.size -= len(children)
	return children
}
