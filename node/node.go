package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mapprotocol/ori/consensus"
	"github.com/mapprotocol/ori/core/chain"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/kvdb"
	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/p2p"
	"github.com/mapprotocol/ori/sync"
	"github.com/mapprotocol/ori/txpool"
)

// Node owns one running instance of the state engine, chain manager,
// consensus, sync engine, transaction pool, and wire protocol, wired
// together and started/stopped as a unit via its LifecycleManager.
type Node struct {
	config Config
	logger *log.Logger

	lock *flock.Flock
	db   kvdb.Database

	chain *chain.Chain
	pool  *txpool.Pool

	proto     *p2p.ProtocolHandler
	p2pServer *p2p.Server
	syncer    *sync.Syncer
	rpc       *rpcServer

	proposer       *consensus.Proposer
	proposerCancel context.CancelFunc
	proposerMu     sync.Mutex

	gossipPruneStop chan struct{}

	genesisHash types.Hash

	lifecycle *LifecycleManager
}

// New constructs a Node from cfg. It opens (or creates) the on-disk chain,
// acquires the datadir lock, and wires every subsystem together, but does
// not start any of them; call Start for that.
func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.InitDataDir(); err != nil {
		return nil, err
	}

	lock := flock.New(cfg.ResolvePath("LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("node: lock datadir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("node: datadir %s is already in use", cfg.DataDir)
	}

	n, err := build(cfg, lock)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return n, nil
}

func build(cfg Config, lock *flock.Flock) (*Node, error) {
	db, err := kvdb.Open(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("node: open chain database: %w", err)
	}

	var gv *chain.GenesisValidator
	if cfg.Single {
		addr, pubkey, err := deriveValidatorIdentity(cfg.Key)
		if err != nil {
			db.Close()
			return nil, err
		}
		gv = &chain.GenesisValidator{Address: addr, Pubkey: pubkey}
	}

	c, err := chain.OpenWithValidator(db, gv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: open chain: %w", err)
	}

	genesis, ok := c.GetBlockByNumber(0)
	if !ok {
		db.Close()
		return nil, fmt.Errorf("node: chain has no genesis block")
	}
	genesisHash := genesis.Hash()
	c.Verifier = consensus.NewVerifier(genesisHash)

	pool := txpool.NewPool(c)
	c.OnImport = func(b *types.Block) {
		pool.DropMined(minedNonces(b))
	}

	nodeKey, err := crypto.LoadOrCreateNodeKey(cfg.NodeKeyPath())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: load node key: %w", err)
	}

	n := &Node{
		config:      cfg,
		logger:      log.Default().Module("node"),
		lock:        lock,
		db:          db,
		chain:       c,
		pool:        pool,
		genesisHash: genesisHash,
	}

	n.proto = p2p.NewProtocolHandler(n)
	n.p2pServer = p2p.NewServer(p2p.Config{
		ListenAddr: cfg.P2PListenAddr(),
		ListenPort: uint64(cfg.P2PPort),
		MaxPeers:   50,
		Name:       "ori",
		NodeID:     hex.EncodeToString(crypto.CompressPubkey(nodeKey.PubKey())),
		Protocols:  []p2p.Protocol{n.proto.Protocol()},
	})

	n.syncer = sync.NewSyncer(n.proto, c)
	n.rpc, err = newRPCServer(cfg.RPCListenAddr(), c, pool, cfg.Key)
	if err != nil {
		db.Close()
		return nil, err
	}
	n.rpc.syncer = n.syncer
	n.rpc.metrics = newMetricsExporter(n)

	if cfg.Seal {
		if err := n.setupProposer(); err != nil {
			db.Close()
			return nil, err
		}
	}

	n.lifecycle = NewLifecycleManager(DefaultLifecycleConfig())
	n.lifecycle.Register(serviceFunc{"p2p", n.startP2P, n.stopP2P}, 0)
	n.lifecycle.Register(serviceFunc{"sync", n.startSync, n.stopSync}, 1)
	n.lifecycle.Register(serviceFunc{"rpc", n.rpc.Start, n.rpc.Stop}, 2)
	if n.proposer != nil {
		n.lifecycle.Register(serviceFunc{"proposer", n.startProposer, n.stopProposer}, 3)
	}

	return n, nil
}

// deriveValidatorIdentity derives a validator's address and VRF public key
// from the --key hex seed, the same derivation setupProposer uses to build
// the live Proposer.
func deriveValidatorIdentity(hexSeed string) (types.Address, [types.PubkeySize]byte, error) {
	if hexSeed == "" {
		return types.Address{}, [types.PubkeySize]byte{}, fmt.Errorf("node: --single requires --key")
	}
	seedBytes, err := crypto.DecodeHexKey(hexSeed)
	if err != nil {
		return types.Address{}, [types.PubkeySize]byte{}, fmt.Errorf("node: decode --key: %w", err)
	}
	var seed [32]byte
	copy(seed[:], seedBytes)
	_, pubkey := crypto.ValidatorKeyFromSeed(seed)
	addr := types.BytesToAddress(crypto.Blake2b256(pubkey[:]))
	return addr, pubkey, nil
}

func (n *Node) setupProposer() error {
	seedBytes, err := crypto.DecodeHexKey(n.config.Key)
	if err != nil {
		return fmt.Errorf("node: decode --key: %w", err)
	}
	var seed [32]byte
	copy(seed[:], seedBytes)
	scalar, pubkey := crypto.ValidatorKeyFromSeed(seed)
	address := types.BytesToAddress(crypto.Blake2b256(pubkey[:]))

	validators, err := n.chain.ValidatorSet()
	if err != nil {
		return fmt.Errorf("node: load validator set: %w", err)
	}
	committee := consensus.NewCommittee(validators)
	clock := consensus.NewSlotClock(consensus.DefaultConfig(chain.GenesisTime))
	verifier := consensus.NewVerifier(n.genesisHash)

	n.proposer = consensus.NewProposer(clock, committee, verifier, n.chain, n.pool, n.proto, scalar, pubkey, address)
	return nil
}

// Start brings up every registered subsystem in priority order.
func (n *Node) Start() error {
	if errs := n.lifecycle.StartAll(); len(errs) > 0 {
		return fmt.Errorf("node: start failed: %v", errs)
	}
	return nil
}

// Stop tears down every registered subsystem in reverse priority order,
// closes the chain database, and releases the datadir lock.
func (n *Node) Stop() error {
	errs := n.lifecycle.StopAll()
	if err := n.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("node: stop errors: %v", errs)
	}
	return nil
}

func (n *Node) startP2P() error {
	if err := n.p2pServer.Start(); err != nil {
		return err
	}
	for _, addr := range n.config.DialAddrs {
		if err := n.p2pServer.AddPeer(addr); err != nil {
			n.logger.Warn("dial failed", "addr", addr, "err", err)
		}
	}
	n.gossipPruneStop = make(chan struct{})
	go n.gossipPruneLoop(n.gossipPruneStop)
	return nil
}

func (n *Node) stopP2P() error {
	if n.gossipPruneStop != nil {
		close(n.gossipPruneStop)
		n.gossipPruneStop = nil
	}
	n.p2pServer.Stop()
	n.proto.Close()
	return nil
}

// gossipPruneLoop periodically expires the gossip layer's seen-message
// cache so it doesn't grow without bound.
func (n *Node) gossipPruneLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(n.proto.Topics().Params().SeenTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.proto.Topics().PruneSeenMessages()
		}
	}
}

func (n *Node) startSync() error {
	n.syncer.Start()
	return nil
}

func (n *Node) stopSync() error {
	n.syncer.Stop()
	return nil
}

func (n *Node) startProposer() error {
	n.proposerMu.Lock()
	defer n.proposerMu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	n.proposerCancel = cancel
	go n.proposer.Run(ctx)
	return nil
}

func (n *Node) stopProposer() error {
	n.proposerMu.Lock()
	defer n.proposerMu.Unlock()
	if n.proposerCancel != nil {
		n.proposerCancel()
	}
	return nil
}

// ---------------------------------------------------------------------------
// p2p.Backend
// ---------------------------------------------------------------------------

// Status returns this node's current status for the status handshake.
func (n *Node) Status() p2p.StatusData {
	head := n.chain.CurrentBlock()
	return p2p.StatusData{
		GenesisHash:     n.genesisHash,
		FinalizedRoot:   head.Hash(),
		FinalizedNumber: head.Header.Height,
		HeadRoot:        head.Hash(),
		HeadSlot:        head.Header.Slot,
		NetworkID:       1,
	}
}

// GetBlockByHash returns a block by its header hash.
func (n *Node) GetBlockByHash(hash types.Hash) (*types.Block, bool) {
	return n.chain.GetBlock(hash)
}

// GetBlockByNumber returns the canonical block at the given height.
func (n *Node) GetBlockByNumber(number uint64) (*types.Block, bool) {
	return n.chain.GetBlockByNumber(number)
}

// HandleNewBlock imports a block received via gossip, forwarding it on to
// the rest of the peer set when it extends the head. A block whose parent
// is unknown but within the orphan look-ahead window is handed to the
// syncer to chase down by root rather than dropped; any other failure
// (duplicate, stale) is routine and only logged.
func (n *Node) HandleNewBlock(peer *p2p.Peer, block *types.Block) {
	err := n.chain.ImportBlock(block)
	if err == nil {
		n.proto.ForwardBlock(peer, block)
		return
	}
	if errors.Is(err, chain.ErrUnknownAncestor) {
		if oerr := n.syncer.HandleOrphan(peer.ID(), block); oerr != nil {
			n.logger.Debug("orphan block dropped", "height", block.Header.Height, "err", oerr)
		}
		return
	}
	n.logger.Debug("gossiped block rejected", "height", block.Header.Height, "err", err)
}

// HandleTransactions admits pooled transactions received via gossip and
// forwards the accepted ones on to the rest of the peer set.
func (n *Node) HandleTransactions(peer *p2p.Peer, txs []*types.Transaction) {
	accepted := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		if err := n.pool.Add(tx); err != nil {
			n.logger.Debug("gossiped transaction rejected", "err", err)
			continue
		}
		accepted = append(accepted, tx)
	}
	if len(accepted) > 0 {
		n.proto.ForwardTransactions(peer, accepted)
	}
}

func minedNonces(b *types.Block) map[types.Address]uint64 {
	out := make(map[types.Address]uint64, len(b.Transactions))
	for _, tx := range b.Transactions {
		if n := tx.Nonce; n > out[tx.Sender] {
			out[tx.Sender] = n
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Lifecycle service adapter
// ---------------------------------------------------------------------------

// serviceFunc adapts a pair of start/stop funcs to the Service interface.
type serviceFunc struct {
	name  string
	start func() error
	stop  func() error
}

func (s serviceFunc) Name() string { return s.name }
func (s serviceFunc) Start() error { return s.start() }
func (s serviceFunc) Stop() error  { return s.stop() }
