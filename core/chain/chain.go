// Package chain implements the persistent block index and single-chain
// import pipeline: the authoritative record of which blocks exist and
// which one is canonical.
package chain

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"

	"github.com/mapprotocol/ori/core/executor"
	"github.com/mapprotocol/ori/core/state"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/kvdb"
	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/rlp"
	"github.com/mapprotocol/ori/trie"
)

// GenesisTime is the hard-coded Unix-seconds timestamp of block 0.
const GenesisTime = 1597916633

// GenesisFundedAmount and GenesisValidatorStake seed the one funded
// account and one bootstrap validator genesis requires.
var (
	GenesisFundedAmount   = mustBigFromString("1000000000000000000000")
	GenesisValidatorStake = mustBigFromString("32000000000000000000")
)

// Errors mirror the node's BlockChain error kinds.
var (
	ErrKnownBlock         = errors.New("chain: block already known")
	ErrUnknownAncestor    = errors.New("chain: parent unknown or not head")
	ErrMismatchHash       = errors.New("chain: tx_root or sign_root mismatch")
	ErrInvalidBlockHeight = errors.New("chain: invalid block height")
	ErrInvalidBlockTime   = errors.New("chain: non-increasing block time")
	ErrInvalidState       = errors.New("chain: state_root mismatch after execution")
	ErrInvalidBlockProof  = errors.New("chain: invalid proposer proof")
	ErrInvalidAuthority   = errors.New("chain: signer is not a known validator")
)

// Key prefixes for the persistent block index.
var (
	headerPrefix = []byte("h") // headerPrefix + hash -> Header
	blockPrefix  = []byte("b") // blockPrefix + hash -> Block
	numberPrefix = []byte("n") // numberPrefix + BE64(height) -> hash
	headKey      = []byte("HHEAD")
)

func headerKey(hash types.Hash) []byte { return append(append([]byte{}, headerPrefix...), hash[:]...) }
func blockKey(hash types.Hash) []byte  { return append(append([]byte{}, blockPrefix...), hash[:]...) }
func numberKey(height uint64) []byte {
	key := make([]byte, len(numberPrefix)+8)
	copy(key, numberPrefix)
	binary.BigEndian.PutUint64(key[len(numberPrefix):], height)
	return key
}

// ProposerVerifier authenticates a block's proposer proof and signature
// against the committee as Consensus understands it. Chain defers to it
// rather than deciding committee membership itself; a nil verifier skips
// the check entirely, which is only acceptable for single-node/dev use.
type ProposerVerifier interface {
	VerifyProposer(header *types.Header, proofs []types.Proof, sigs []types.BlockSignature, committee []types.Validator) error
}

// Chain is the persistent block index and the only path through which
// blocks enter the canonical ledger. Import serializes on mu: at most one
// import_block runs at a time, matching the "chain lock" the sync engine
// and gossip handler both contend for.
type Chain struct {
	mu sync.Mutex

	db     kvdb.Database
	nodeDB *trie.NodeDatabase

	head    *types.Block
	headHdr *types.Header

	Verifier ProposerVerifier

	// OnImport, if set, runs after a block has been persisted and the head
	// advanced, once the chain lock has been released. The node hooks the
	// mempool's mined-transaction purge here so every import path (gossip,
	// range sync, local proposal) observes the new head.
	OnImport func(*types.Block)
}

// GenesisValidator overrides the placeholder bootstrap validator seeded at
// genesis. Single-node development chains pass the operator's own key here
// so the one validator committee members elect is the key the node
// actually holds, instead of an unstaked placeholder no proof can match.
type GenesisValidator struct {
	Address types.Address
	Pubkey  [types.PubkeySize]byte
}

// Open loads the existing chain from db, constructing genesis if absent.
func Open(db kvdb.Database) (*Chain, error) {
	return OpenWithValidator(db, nil)
}

// OpenWithValidator is Open, but seeds gv (if non-nil and db has no
// existing chain) as the genesis bootstrap validator instead of the
// default placeholder.
func OpenWithValidator(db kvdb.Database, gv *GenesisValidator) (*Chain, error) {
	reader := trie.NewRawDBNodeReader(db.Get)
	c := &Chain{
		db:     db,
		nodeDB: trie.NewNodeDatabase(reader),
	}
	if err := c.load(gv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) load(gv *GenesisValidator) error {
	hashBytes, err := c.db.Get(headKey)
	if err != nil {
		return c.initGenesis(gv)
	}
	hash := types.BytesToHash(hashBytes)
	header, err := c.readHeader(hash)
	if err != nil {
		return err
	}
	block, err := c.readBlock(hash)
	if err != nil {
		return err
	}
	c.head = block
	c.headHdr = header
	return nil
}

func (c *Chain) initGenesis(gv *GenesisValidator) error {
	st, err := state.New(types.Hash{}, c.nodeDB)
	if err != nil {
		return err
	}
	bal := state.NewBalance(st)
	staking := state.NewStaking(st, bal)

	fundedAddr := types.BytesToAddress([]byte("genesis-funded-account"))
	if err := bal.AddBalance(fundedAddr, GenesisFundedAmount); err != nil {
		return err
	}

	validatorAddr := types.BytesToAddress([]byte("genesis-bootstrap-validator"))
	var pubkey [types.PubkeySize]byte
	copy(pubkey[:], []byte("genesis-bootstrap-validator-pk"))
	if gv != nil {
		validatorAddr = gv.Address
		pubkey = gv.Pubkey
	}
	if err := bal.AddBalance(validatorAddr, GenesisValidatorStake); err != nil {
		return err
	}
	if err := staking.Validate(validatorAddr, pubkey, GenesisValidatorStake, 0); err != nil {
		return err
	}
	if err := staking.ActivateDeposits(validatorAddr, 0); err != nil {
		return err
	}

	stateRoot, err := st.Commit()
	if err != nil {
		return err
	}

	txRoot, err := types.ComputeTxRoot(nil)
	if err != nil {
		return err
	}
	signRoot, err := types.ComputeSignRoot(nil)
	if err != nil {
		return err
	}

	header := &types.Header{
		Height:     0,
		ParentHash: types.Hash{},
		Slot:       0,
		TxRoot:     txRoot,
		SignRoot:   signRoot,
		StateRoot:  stateRoot,
		Time:       GenesisTime,
	}
	genesis := &types.Block{Header: header}

	if err := c.persistBlock(genesis); err != nil {
		return err
	}
	if err := c.setHead(genesis); err != nil {
		return err
	}
	return nil
}

func (c *Chain) readHeader(hash types.Hash) (*types.Header, error) {
	data, err := c.db.Get(headerKey(hash))
	if err != nil {
		return nil, err
	}
	var h types.Header
	if err := rlp.DecodeBytes(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Chain) readBlock(hash types.Hash) (*types.Block, error) {
	data, err := c.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var b types.Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Chain) persistBlock(b *types.Block) error {
	hash := b.Hash()
	hdrData, err := b.Header.EncodeRLP()
	if err != nil {
		return err
	}
	blockData, err := rlp.EncodeToBytes(b)
	if err != nil {
		return err
	}
	if err := c.db.Put(headerKey(hash), hdrData); err != nil {
		return err
	}
	if err := c.db.Put(blockKey(hash), blockData); err != nil {
		return err
	}
	if err := c.db.Put(numberKey(b.Header.Height), hash[:]); err != nil {
		return err
	}
	writer := trie.NewRawDBNodeWriter(c.db.Put)
	return c.nodeDB.Commit(writer)
}

func (c *Chain) setHead(b *types.Block) error {
	hash := b.Hash()
	if err := c.db.Put(headKey, hash[:]); err != nil {
		return err
	}
	c.head = b
	c.headHdr = b.Header
	return nil
}

// CurrentBlock returns the canonical head block.
func (c *Chain) CurrentBlock() *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// GetBlock retrieves a block by hash.
func (c *Chain) GetBlock(hash types.Hash) (*types.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head != nil && c.head.Hash() == hash {
		return c.head, true
	}
	b, err := c.readBlock(hash)
	if err != nil {
		return nil, false
	}
	return b, true
}

// GetBlockByNumber retrieves the canonical block at the given height.
func (c *Chain) GetBlockByNumber(height uint64) (*types.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hashBytes, err := c.db.Get(numberKey(height))
	if err != nil {
		return nil, false
	}
	b, err := c.readBlock(types.BytesToHash(hashBytes))
	if err != nil {
		return nil, false
	}
	return b, true
}

// GetHeaderByNumber retrieves the canonical header at the given height.
func (c *Chain) GetHeaderByNumber(height uint64) (*types.Header, bool) {
	b, ok := c.GetBlockByNumber(height)
	if !ok {
		return nil, false
	}
	return b.Header, true
}

// ImportBlock validates, executes, and persists b, advancing the head.
// Any failure leaves the head and the block index exactly as they were:
// they are written only after every check below has passed. Trie nodes
// produced while executing a rejected block can stay in the node
// database, unreachable from any canonical state root.
func (c *Chain) ImportBlock(b *types.Block) error {
	if err := c.importBlock(b); err != nil {
		return err
	}
	if c.OnImport != nil {
		c.OnImport(b)
	}
	return nil
}

func (c *Chain) importBlock(b *types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := b.Hash()
	if _, err := c.readHeader(hash); err == nil {
		return ErrKnownBlock
	}

	parent := c.headHdr
	if parent == nil {
		return ErrUnknownAncestor
	}
	if b.Header.ParentHash != c.head.Hash() {
		return ErrUnknownAncestor
	}

	if b.Header.Height != parent.Height+1 {
		return ErrInvalidBlockHeight
	}
	if b.Header.Time <= parent.Time {
		return ErrInvalidBlockTime
	}

	wantTxRoot, err := types.ComputeTxRoot(b.Transactions)
	if err != nil {
		return err
	}
	wantSignRoot, err := types.ComputeSignRoot(b.Signatures)
	if err != nil {
		return err
	}
	if wantTxRoot != b.Header.TxRoot || wantSignRoot != b.Header.SignRoot {
		return ErrMismatchHash
	}

	st, err := state.New(parent.StateRoot, c.nodeDB)
	if err != nil {
		return err
	}

	miner, err := c.resolveMiner(st, b.Proofs)
	if err != nil {
		return err
	}

	if c.Verifier != nil {
		staking := state.NewStaking(st, state.NewBalance(st))
		if err := c.Verifier.VerifyProposer(b.Header, b.Proofs, b.Signatures, staking.ValidatorSet()); err != nil {
			return ErrInvalidBlockProof
		}
	}

	newRoot, err := executor.Execute(st, b.Transactions, miner)
	if err != nil {
		log.Warn("chain: block execution failed", "height", b.Header.Height, "err", err)
		return err
	}
	if newRoot != b.Header.StateRoot {
		return ErrInvalidState
	}

	if err := c.persistBlock(b); err != nil {
		return err
	}
	return c.setHead(b)
}

// AccountAt returns addr's account record in the canonical head's state.
// Unknown addresses return a zeroed account, not an error, matching
// StateDB's own overlay-miss behavior.
func (c *Chain) AccountAt(addr types.Address) (types.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := state.New(c.headHdr.StateRoot, c.nodeDB)
	if err != nil {
		return types.Account{}, err
	}
	return state.NewBalance(st).Get(addr)
}

// ValidatorSet returns the committee as of the canonical head's state: the
// validator set Consensus freezes into a Committee at startup.
func (c *Chain) ValidatorSet() ([]types.Validator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := state.New(c.headHdr.StateRoot, c.nodeDB)
	if err != nil {
		return nil, err
	}
	staking := state.NewStaking(st, state.NewBalance(st))
	return staking.ValidatorSet(), nil
}

// PreviewStateRoot executes txs against parentStateRoot's state and returns
// the resulting state_root plus the transactions actually applied, without
// advancing the head. Transactions that fail are skipped, not fatal: a
// proposer must not let one stale pooled transaction kill its slot. The
// subsequent ImportBlock re-executes the returned subset against the same
// parent state and so recomputes an identical root.
func (c *Chain) PreviewStateRoot(parentStateRoot types.Hash, txs []*types.Transaction, miner types.Address) (types.Hash, []*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := state.New(parentStateRoot, c.nodeDB)
	if err != nil {
		return types.Hash{}, nil, err
	}
	return executor.ExecuteFiltered(st, txs, miner)
}

// resolveMiner maps the block's proposer proof to a validator address by
// matching its public key against the committee. Genesis's single
// bootstrap block has no proposer proof and credits no one.
func (c *Chain) resolveMiner(st *state.StateDB, proofs []types.Proof) (types.Address, error) {
	if len(proofs) == 0 {
		return types.Address{}, nil
	}
	staking := state.NewStaking(st, state.NewBalance(st))
	for _, v := range staking.ValidatorSet() {
		if v.Pubkey == toPubkeyArray(proofs[0].Pubkey) {
			return v.Address, nil
		}
	}
	return types.Address{}, ErrInvalidAuthority
}

func toPubkeyArray(b []byte) [types.PubkeySize]byte {
	var out [types.PubkeySize]byte
	copy(out[:], b)
	return out
}

func mustBigFromString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("chain: invalid constant " + s)
	}
	return v
}
