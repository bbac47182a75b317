package storage

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/wire"
)

// MerkleStore bundles the per-capsule merkle-mode tables: content
// addressed record data, record -> parent pointers, interior tree nodes,
// and the orphan set of current branch heads.
type MerkleStore struct {
	db *DB
	dc capsule.Hash
}

// NewMerkleStore opens the merkle views for one capsule.
func NewMerkleStore(db *DB, dc capsule.Hash) MerkleStore {
	return MerkleStore{db: db, dc: dc}
}

// PutData stores ciphertext under its content address. Duplicate writes
// are idempotent.
func (s MerkleStore) PutData(name capsule.Hash, data []byte) error {
	return s.db.put(tableKey(prefixData, s.dc, name[:]), data)
}

// Data fetches ciphertext by content address.
func (s MerkleStore) Data(name capsule.Hash) ([]byte, error) {
	return s.db.get(tableKey(prefixData, s.dc, name[:]))
}

// PutRecordParent records the tree parent of a committed record.
func (s MerkleStore) PutRecordParent(name, parent capsule.Hash) error {
	return s.db.put(tableKey(prefixParent, s.dc, name[:]), parent[:])
}

// RecordParent fetches a committed record's tree parent.
func (s MerkleStore) RecordParent(name capsule.Hash) (capsule.Hash, error) {
	data, err := s.db.get(tableKey(prefixParent, s.dc, name[:]))
	if err != nil {
		return capsule.NullHash, err
	}
	var h capsule.Hash
	copy(h[:], data)
	return h, nil
}

// PutNode stores one interior tree node.
func (s MerkleStore) PutNode(name capsule.Hash, node *merkle.StoredNode) error {
	data, err := wire.Marshal(node)
	if err != nil {
		return err
	}
	return s.db.put(tableKey(prefixNode, s.dc, name[:]), data)
}

// Node fetches one interior tree node.
func (s MerkleStore) Node(name capsule.Hash) (*merkle.StoredNode, error) {
	data, err := s.db.get(tableKey(prefixNode, s.dc, name[:]))
	if err != nil {
		return nil, err
	}
	var node merkle.StoredNode
	if err := wire.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// SetNodeParentIfUnset stitches a parent onto an existing node, first
// writer wins. Nodes that do not exist are left alone: the additional
// hash of a first commit is the capsule name, not a tree node.
func (s MerkleStore) SetNodeParentIfUnset(name, parent capsule.Hash) error {
	key := tableKey(prefixNode, s.dc, name[:])
	_, err := s.db.fetchAndUpdate(key, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, errSkipUpdate
		}
		var node merkle.StoredNode
		if err := wire.Unmarshal(old, &node); err != nil {
			return nil, err
		}
		if node.Parent != nil {
			return nil, errSkipUpdate
		}
		p := parent
		node.Parent = &p
		return wire.Marshal(&node)
	})
	if err == errSkipUpdate {
		return nil
	}
	return err
}

// ReplaceOrphan atomically removes the superseded commit root and inserts
// the new one with its writer signature. Removing a root that was never an
// orphan (a branch point) is a no-op, so two commits over the same parent
// both remain orphans.
func (s MerkleStore) ReplaceOrphan(old, next capsule.Hash, sig capsule.Signature) error {
	return s.db.update(func(txn *badger.Txn) error {
		if err := txn.Set(tableKey(prefixOrphan, s.dc, next[:]), sig); err != nil {
			return err
		}
		return txn.Delete(tableKey(prefixOrphan, s.dc, old[:]))
	})
}

// Orphans lists every current branch head with its signature.
func (s MerkleStore) Orphans() ([]wire.SignedCommit, error) {
	var out []wire.SignedCommit
	prefix := tableKey(prefixOrphan, s.dc, nil)
	err := s.db.iteratePrefix(prefix, func(key, val []byte) error {
		var c wire.SignedCommit
		copy(c.Name[:], key)
		c.Signature = append(capsule.Signature(nil), val...)
		out = append(out, c)
		return nil
	})
	return out, err
}
