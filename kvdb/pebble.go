// Package kvdb wraps cockroachdb/pebble as the node's ordered byte
// key/value backend: the block index, trie node store, and (in tests)
// an in-memory substitute all speak the same Database contract.
package kvdb

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get when the key is absent, mirroring the
// backend contract's get(key) -> Option<bytes>.
var ErrNotFound = errors.New("kvdb: key not found")

// Database is the ordered byte key/value contract every storage layer
// above it (ArchiveDB, ChainDB) is built on: get/put/remove with no
// ordering or transaction semantics beyond per-call and per-batch
// atomicity.
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	Close() error
}

// Batch buffers a sequence of puts/deletes for atomic application via
// Write.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
	Len() int
}

// PebbleDB is a Database backed by an on-disk pebble store, the
// embedded LSM engine used for both the block index and the trie node
// store under <datadir>/mapdata/.
type PebbleDB struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble store at path.
func Open(path string) (*PebbleDB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleDB{db: db}, nil
}

// Get retrieves the value stored at key.
func (p *PebbleDB) Get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, closer.Close()
}

// Put stores value at key.
func (p *PebbleDB) Put(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

// Delete removes key. It is a no-op if the key does not exist.
func (p *PebbleDB) Delete(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

// NewBatch returns a write batch that commits atomically to this store.
func (p *PebbleDB) NewBatch() Batch {
	return &pebbleBatch{db: p.db, batch: p.db.NewBatch()}
}

// Close closes the underlying pebble store.
func (p *PebbleDB) Close() error {
	return p.db.Close()
}

type pebbleBatch struct {
	db    *pebble.DB
	batch *pebble.Batch
	size  int
}

func (b *pebbleBatch) Put(key, value []byte) {
	b.batch.Set(key, value, nil)
	b.size += len(key) + len(value)
}

func (b *pebbleBatch) Delete(key []byte) {
	b.batch.Delete(key, nil)
	b.size += len(key)
}

func (b *pebbleBatch) Write() error {
	return b.db.Apply(b.batch, pebble.Sync)
}

func (b *pebbleBatch) Reset() {
	b.batch.Reset()
	b.size = 0
}

func (b *pebbleBatch) Len() int {
	return b.size
}
