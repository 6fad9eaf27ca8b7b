// Package state implements the trie-anchored key/value view (StateDB) and
// the Balance/Staking domain facades built on top of it.
package state

import (
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/trie"
)

// overlayEntry distinguishes a buffered write from a buffered tombstone;
// a nil Value with Deleted=true removes the key on commit.
type overlayEntry struct {
	Value   []byte
	Deleted bool
}

// StateDB is a key/value view of the trie anchored at a fixed root. Writes
// are buffered in an in-memory overlay and only reach the trie (and its
// backing ArchiveDB) on Commit, which is atomic: either the new root is
// reachable with every buffered write applied, or nothing changes.
type StateDB struct {
	db   *trie.NodeDatabase
	trie *trie.ResolvableTrie
	root types.Hash

	overlay map[string]overlayEntry
}

// New opens a StateDB view of root against the given ArchiveDB-equivalent
// node database.
func New(root types.Hash, db *trie.NodeDatabase) (*StateDB, error) {
	rt, err := trie.NewResolvableTrie(root, db)
	if err != nil {
		return nil, err
	}
	return &StateDB{
		db:      db,
		trie:    rt,
		root:    root,
		overlay: make(map[string]overlayEntry),
	}, nil
}

// SetStorage buffers a pending write in the local overlay.
func (s *StateDB) SetStorage(key, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.overlay[string(key)] = overlayEntry{Value: cp}
}

// RemoveStorage buffers a tombstone in the local overlay.
func (s *StateDB) RemoveStorage(key []byte) {
	s.overlay[string(key)] = overlayEntry{Deleted: true}
}

// GetStorage returns the value for key, checking the overlay before
// falling back to the trie anchored at root.
func (s *StateDB) GetStorage(key []byte) ([]byte, bool) {
	if entry, ok := s.overlay[string(key)]; ok {
		if entry.Deleted {
			return nil, false
		}
		return entry.Value, true
	}
	val, err := s.trie.Get(key)
	if err != nil {
		return nil, false
	}
	return val, true
}

// Snapshot is an opaque capture of a StateDB's uncommitted overlay,
// restorable with RevertTo.
type Snapshot struct {
	overlay map[string]overlayEntry
}

// Snapshot captures the current overlay so a failed multi-write operation
// can be unwound without touching the trie.
func (s *StateDB) Snapshot() Snapshot {
	cp := make(map[string]overlayEntry, len(s.overlay))
	for k, v := range s.overlay {
		cp[k] = v
	}
	return Snapshot{overlay: cp}
}

// RevertTo discards every overlay write buffered since snap was taken.
func (s *StateDB) RevertTo(snap Snapshot) {
	s.overlay = snap.overlay
}

// Commit applies the overlay to the trie, commits the resulting dirty
// nodes to the ArchiveDB, clears the overlay, and returns the new root.
// On success every buffered write is present in the returned root. On
// error the overlay is kept, the trie may already hold part of the
// writes, and the caller must discard the StateDB.
func (s *StateDB) Commit() (types.Hash, error) {
	for key, entry := range s.overlay {
		if entry.Deleted {
			if err := s.trie.Trie.Delete([]byte(key)); err != nil {
				return types.Hash{}, err
			}
			continue
		}
		if err := s.trie.Put([]byte(key), entry.Value); err != nil {
			return types.Hash{}, err
		}
	}
	root, err := s.trie.Commit()
	if err != nil {
		return types.Hash{}, err
	}
	s.overlay = make(map[string]overlayEntry)
	s.root = root
	return root, nil
}

// Root returns the root this view is currently anchored at (the last
// committed root, or the root it was opened with if Commit has not been
// called).
func (s *StateDB) Root() types.Hash { return s.root }
