// Package txpool holds not-yet-included transactions: pending candidates
// for the next block and a bounded overflow queue, indexed by hash and
// ranked by gas price for eviction under pressure.
package txpool

import (
	"bytes"
	"container/heap"
	"errors"
	"math/big"
	"sync"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/rlp"
)

// MaxBlockTx+MaxQueueTx is the pool's combined cap: Add evicts once the
// two maps together hold more. Pending returns at most MaxBlockTx
// transactions. Neither map has a cap of its own.
const (
	MaxBlockTx = 500
	MaxQueueTx = 2048
)

// ChainID scopes signature verification the same way the executor does.
const ChainID = 1

// Status reports which of the pool's two maps, if either, holds a
// transaction hash.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusQueued
)

// Errors returned by Add.
var (
	ErrAlreadyKnown      = errors.New("txpool: transaction already known")
	ErrInvalidSignature  = errors.New("txpool: invalid signature")
	ErrInvalidNonce      = errors.New("txpool: nonce is not account.nonce+1")
	ErrInsufficientFunds = errors.New("txpool: sender balance below transaction value")
)

// AccountReader resolves a sender's current on-chain account, the same
// view the executor applies transactions against. core/chain.Chain
// satisfies this via AccountAt.
type AccountReader interface {
	AccountAt(addr types.Address) (types.Account, error)
}

type transferArgs struct {
	Receiver types.Address
	Value    *big.Int
}

// valueOf extracts a balance.transfer call's value, the only call kind
// that debits more than its flat fee; every other call carries no value
// component for the purposes of pool admission.
func valueOf(tx *types.Transaction) *big.Int {
	if !bytes.Equal(tx.Call, []byte("balance.transfer")) {
		return new(big.Int)
	}
	var args transferArgs
	if err := rlp.DecodeBytes(tx.Data, &args); err != nil {
		return new(big.Int)
	}
	return args.Value
}

func verifySignature(tx *types.Transaction) error {
	if len(tx.Sign.Pubkey) == 0 || tx.Sign.R == nil || tx.Sign.S == nil {
		return ErrInvalidSignature
	}
	hash := tx.SigningHash(ChainID)
	sig := make([]byte, 64)
	rBytes, sBytes := tx.Sign.R.Bytes(), tx.Sign.S.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	if !crypto.VerifySignature(tx.Sign.Pubkey, hash.Bytes(), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// entry is one pooled transaction, shared between the hash index and the
// eviction heap.
type entry struct {
	tx     *types.Transaction
	sender types.Address
	queued bool // false: in pending, true: in queued
	index  int  // position in the eviction min-heap
}

// Pool is the node's transaction pool: pending (next-block candidates)
// and queued (overflow) transactions, indexed by hash, with a combined
// min-heap over gas_price for eviction when the pool is full.
type Pool struct {
	mu      sync.Mutex
	pending map[types.Hash]*entry
	queued  map[types.Hash]*entry
	evict   evictHeap

	chain AccountReader
}

// NewPool creates an empty pool validating new transactions against
// chain's current account state.
func NewPool(chain AccountReader) *Pool {
	p := &Pool{
		pending: make(map[types.Hash]*entry),
		queued:  make(map[types.Hash]*entry),
		chain:   chain,
	}
	heap.Init(&p.evict)
	return p
}

// Add validates and inserts tx. A transaction whose nonce matches the
// sender's account.nonce+1 goes to pending; a higher (future) nonce
// goes to queued, awaiting a DropMined call that catches it up; a nonce
// at or below account.nonce is rejected with ErrInvalidNonce. If the
// combined pool is at capacity after insertion, the single lowest-priced
// live entry (which may be the transaction just inserted) is evicted.
func (p *Pool) Add(tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash(ChainID)
	if _, ok := p.pending[hash]; ok {
		return ErrAlreadyKnown
	}
	if _, ok := p.queued[hash]; ok {
		return ErrAlreadyKnown
	}

	if err := verifySignature(tx); err != nil {
		return err
	}

	account, err := p.chain.AccountAt(tx.Sender)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(valueOf(tx)) < 0 {
		return ErrInsufficientFunds
	}
	if tx.Nonce <= account.Nonce {
		return ErrInvalidNonce
	}

	e := &entry{tx: tx, sender: tx.Sender}
	if tx.Nonce == account.Nonce+1 {
		p.pending[hash] = e
	} else {
		e.queued = true
		p.queued[hash] = e
	}
	heap.Push(&p.evict, e)

	// "if total >= block+queue limits, evict the lowest-priced entry":
	// one combined cap across both maps, checked after every insert.
	if p.evict.Len() > MaxBlockTx+MaxQueueTx {
		p.evictCheapestLocked()
	}
	return nil
}

// evictCheapestLocked removes the single lowest-priced live entry from
// whichever map holds it. Caller must hold mu.
func (p *Pool) evictCheapestLocked() {
	if p.evict.Len() == 0 {
		return
	}
	victim := heap.Pop(&p.evict).(*entry)
	hash := victim.tx.Hash(ChainID)
	if victim.queued {
		delete(p.queued, hash)
	} else {
		delete(p.pending, hash)
	}
	log.Debug("txpool: evicted lowest-priced transaction", "hash", hash.Hex(), "gas_price", victim.tx.GasPrice)
}

// Pending returns the pending set's transactions, highest gas_price
// first, for block building.
func (p *Pool) Pending() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*types.Transaction, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, e.tx)
	}
	sortByGasPriceDesc(out)
	if len(out) > MaxBlockTx {
		out = out[:MaxBlockTx]
	}
	return out
}

// Queued returns every queued (future-nonce) transaction, in no
// particular order.
func (p *Pool) Queued() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*types.Transaction, 0, len(p.queued))
	for _, e := range p.queued {
		out = append(out, e.tx)
	}
	return out
}

// Len reports the combined number of pending and queued transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) + len(p.queued)
}

// Get returns the pooled transaction with the given hash, if any.
func (p *Pool) Get(hash types.Hash) (*types.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.pending[hash]; ok {
		return e.tx, true
	}
	if e, ok := p.queued[hash]; ok {
		return e.tx, true
	}
	return nil, false
}

// Status reports whether hash is currently pending, queued, or unknown to
// the pool.
func (p *Pool) Status(hash types.Hash) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[hash]; ok {
		return StatusPending
	}
	if _, ok := p.queued[hash]; ok {
		return StatusQueued
	}
	return StatusUnknown
}

// executedNonces reports, per sender, the highest nonce the chain has
// already applied: account.Nonce itself, since the executor increments
// nonce on successful application.
type executedNonces = map[types.Address]uint64

// DropMined drops every pooled transaction whose sender/nonce the chain
// has already executed and promotes queued transactions that are now
// next-in-line into pending. For each sender in executed, a pooled
// transaction is dropped iff tx.nonce <= executed[sender], not "<": a
// transaction queued for exactly the account's current nonce has already
// been subsumed by the block just applied.
func (p *Pool) DropMined(executed executedNonces) {
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := func(m map[types.Hash]*entry) {
		for hash, e := range m {
			if nonce, ok := executed[e.sender]; ok && e.tx.Nonce <= nonce {
				delete(m, hash)
				p.evict.remove(e)
			}
		}
	}
	drop(p.pending)
	drop(p.queued)

	p.promoteLocked()
}

// promoteLocked moves queued transactions whose nonce is now exactly the
// pool's best guess at the sender's next nonce into pending. It walks
// queued once; entries promoted this pass are not re-examined for
// further chaining within the same call. Longer nonce runs catch up one
// step per head update.
func (p *Pool) promoteLocked() {
	nextNonce := make(map[types.Address]uint64)
	for _, e := range p.pending {
		if n := e.tx.Nonce; n > nextNonce[e.sender] {
			nextNonce[e.sender] = n
		}
	}
	for hash, e := range p.queued {
		want, ok := nextNonce[e.sender]
		if !ok {
			account, err := p.chain.AccountAt(e.sender)
			if err != nil {
				continue
			}
			want = account.Nonce
		}
		if e.tx.Nonce == want+1 {
			delete(p.queued, hash)
			e.queued = false
			p.pending[hash] = e
			nextNonce[e.sender] = e.tx.Nonce
		}
	}
}

func sortByGasPriceDesc(txs []*types.Transaction) {
	// insertion sort: the pool holds at most MaxBlockTx+MaxQueueTx, small enough
	// that an O(n^2) sort never shows up against block-building's other
	// costs.
	for i := 1; i < len(txs); i++ {
		for j := i; j > 0 && txs[j].GasPrice.Cmp(txs[j-1].GasPrice) > 0; j-- {
			txs[j], txs[j-1] = txs[j-1], txs[j]
		}
	}
}
