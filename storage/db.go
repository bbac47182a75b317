// Package storage provides the typed views over the key-value store that
// back a capsule server: metadata, record bodies and headers, merkle tree
// nodes and parents, orphan roots, witnesses, and the DAG head/root marks.
//
// Every view is a thin prefix over one shared badger instance. Sub-trees
// are keyed by a one byte table prefix, seven zero bytes, and the 32 byte
// capsule name; view handles are cheap and opened per session. Single-key
// read-modify-write goes through fetchAndUpdate, which retries the
// transaction on conflict, giving the linearizable per-key join the
// witness and reverse-pointer tables rely on.
package storage

import (
	"bytes"
	"errors"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/wire"
)

// Table prefixes. The letters match the persistence layout contract.
const (
	prefixMetadata  = 'M' // dc name -> metadata (global table)
	prefixHeader    = 'H' // record name -> header (dag)
	prefixBody      = 'B' // body ptr -> ciphertext (dag)
	prefixReverse   = 'R' // record name -> descendants pointing at it (dag)
	prefixMarked    = 'A' // HEADS / ROOTS singletons (dag)
	prefixWitness   = 'W' // record name -> witness (dag)
	prefixNode      = 'N' // node name -> stored tree node (merkle)
	prefixParent    = 'P' // record name -> parent node name (merkle)
	prefixOrphan    = 'O' // commit root -> writer signature (merkle)
	prefixData      = 'D' // content hash -> ciphertext (merkle)
)

var (
	// ErrNotFound reports a missing required row.
	ErrNotFound = errors.New("storage: key not found")

	// errSkipUpdate aborts a fetchAndUpdate without writing.
	errSkipUpdate = errors.New("storage: skip update")
)

// DB wraps the shared badger instance.
type DB struct {
	b *badger.DB
}

// Open opens (or creates) the store rooted at dir.
func Open(dir string, log zerolog.Logger) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log})
	b, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{b: b}, nil
}

// Close releases the store.
func (db *DB) Close() error {
	return db.b.Close()
}

// tableKey assembles [prefix, 0×7, dcName, key...]. The metadata table
// passes the capsule name as key with a zero dcName, matching its global
// scope.
func tableKey(prefix byte, dcName capsule.Hash, key []byte) []byte {
	out := make([]byte, 0, 8+capsule.HashSize+len(key))
	out = append(out, prefix)
	out = append(out, 0, 0, 0, 0, 0, 0, 0)
	out = append(out, dcName[:]...)
	out = append(out, key...)
	return out
}

func (db *DB) get(key []byte) ([]byte, error) {
	var val []byte
	err := db.b.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (db *DB) put(key, val []byte) error {
	return db.b.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (db *DB) has(key []byte) (bool, error) {
	err := db.b.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// fetchAndUpdate applies f atomically to the value at key. f receives nil
// when the key is absent and returns the replacement value. The previous
// value is returned. Conflicting concurrent updates are retried, so the
// effect is a linearizable single-key read-modify-write.
func (db *DB) fetchAndUpdate(key []byte, f func(old []byte) ([]byte, error)) ([]byte, error) {
	for {
		var prev []byte
		err := db.b.Update(func(txn *badger.Txn) error {
			prev = nil
			item, err := txn.Get(key)
			switch {
			case err == nil:
				if prev, err = item.ValueCopy(nil); err != nil {
					return err
				}
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return err
			}
			next, err := f(prev)
			if err != nil {
				return err
			}
			return txn.Set(key, next)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return prev, err
	}
}

// update runs fn inside one write transaction, retrying on conflict.
func (db *DB) update(fn func(txn *badger.Txn) error) error {
	for {
		err := db.b.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// iteratePrefix visits every key/value in one sub-tree.
func (db *DB) iteratePrefix(prefix []byte, fn func(key, val []byte) error) error {
	return db.b.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(bytes.TrimPrefix(item.Key(), prefix), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// hash set encoding: a sorted CBOR array, so equal sets encode equally.

func marshalHashSet(set map[capsule.Hash]struct{}) ([]byte, error) {
	hashes := make([]capsule.Hash, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return wire.Marshal(hashes)
}

func unmarshalHashSet(data []byte) (map[capsule.Hash]struct{}, error) {
	set := make(map[capsule.Hash]struct{})
	if len(data) == 0 {
		return set, nil
	}
	var hashes []capsule.Hash
	if err := wire.Unmarshal(data, &hashes); err != nil {
		return nil, err
	}
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}

// badgerLogger adapts badger's logger interface onto zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(format, args...)
}
