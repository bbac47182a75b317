package storage

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/wire"
)

var (
	headsKey = []byte("HEADS")
	rootsKey = []byte("ROOTS")
)

// DagStore bundles the per-capsule DAG-mode tables: bodies, headers,
// reverse pointers, and the physical head/root marks.
//
// Heads and roots describe the record set this server actually holds,
// which may lag the logical DAG; holes are tolerated and a later write can
// fill one, turning a former head into an interior record.
type DagStore struct {
	db *DB
	dc capsule.Hash
}

// NewDagStore opens the DAG views for one capsule.
func NewDagStore(db *DB, dc capsule.Hash) DagStore {
	return DagStore{db: db, dc: dc}
}

// InitMarked seeds the head and root marks with the capsule name itself,
// the designated genesis every chain of back-pointers eventually reaches.
func (s DagStore) InitMarked() error {
	seed, err := marshalHashSet(map[capsule.Hash]struct{}{s.dc: {}})
	if err != nil {
		return err
	}
	return s.db.update(func(txn *badger.Txn) error {
		if err := txn.Set(tableKey(prefixMarked, s.dc, headsKey), seed); err != nil {
			return err
		}
		return txn.Set(tableKey(prefixMarked, s.dc, rootsKey), seed)
	})
}

// PutBody stores ciphertext under its content address.
func (s DagStore) PutBody(ptr capsule.Hash, body []byte) error {
	return s.db.put(tableKey(prefixBody, s.dc, ptr[:]), body)
}

// Body fetches ciphertext by content address.
func (s DagStore) Body(ptr capsule.Hash) ([]byte, error) {
	return s.db.get(tableKey(prefixBody, s.dc, ptr[:]))
}

// Header fetches a record header by record name.
func (s DagStore) Header(name capsule.Hash) (*capsule.RecordHeader, error) {
	data, err := s.db.get(tableKey(prefixHeader, s.dc, name[:]))
	if err != nil {
		return nil, err
	}
	var h capsule.RecordHeader
	if err := wire.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// HasHeader reports whether the record is physically present.
func (s DagStore) HasHeader(name capsule.Hash) (bool, error) {
	return s.db.has(tableKey(prefixHeader, s.dc, name[:]))
}

// IncomingPtrs lists the known records carrying a back-pointer to name.
func (s DagStore) IncomingPtrs(name capsule.Hash) ([]capsule.Hash, error) {
	data, err := s.db.get(tableKey(prefixReverse, s.dc, name[:]))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	set, err := unmarshalHashSet(data)
	if err != nil {
		return nil, err
	}
	out := make([]capsule.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out, nil
}

// Heads returns the current physical source set.
func (s DagStore) Heads() ([]capsule.Hash, error) {
	return s.markedSet(headsKey)
}

// Roots returns the current physical sink set.
func (s DagStore) Roots() ([]capsule.Hash, error) {
	return s.markedSet(rootsKey)
}

func (s DagStore) markedSet(which []byte) ([]capsule.Hash, error) {
	data, err := s.db.get(tableKey(prefixMarked, s.dc, which))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	set, err := unmarshalHashSet(data)
	if err != nil {
		return nil, err
	}
	out := make([]capsule.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out, nil
}

// PutHeader stores a record header and maintains every derived index:
// the reverse pointers of its back-pointer targets, and the physical
// head and root marks.
func (s DagStore) PutHeader(name capsule.Hash, header *capsule.RecordHeader) error {
	data, err := wire.Marshal(header)
	if err != nil {
		return err
	}
	if err := s.db.put(tableKey(prefixHeader, s.dc, name[:]), data); err != nil {
		return err
	}

	// each reverse-pointer set update is an atomic single-key join
	for _, bp := range header.BackPtrs {
		key := tableKey(prefixReverse, s.dc, bp.Ptr[:])
		if _, err := s.db.fetchAndUpdate(key, func(old []byte) ([]byte, error) {
			set, err := unmarshalHashSet(old)
			if err != nil {
				return nil, err
			}
			set[name] = struct{}{}
			return marshalHashSet(set)
		}); err != nil {
			return err
		}
	}

	if err := s.recomputeHeads(name, header); err != nil {
		return err
	}
	return s.recomputeRoots(name, header)
}

// recomputeHeads removes the new record's targets from the head set, then
// adds every sink of the reverse sub-DAG rooted at the new record: records
// physically present with no present incoming edge. A new record is not
// necessarily a new head; it may be filling a hole.
func (s DagStore) recomputeHeads(name capsule.Hash, header *capsule.RecordHeader) error {
	key := tableKey(prefixMarked, s.dc, headsKey)
	_, err := s.db.fetchAndUpdate(key, func(old []byte) ([]byte, error) {
		heads, err := unmarshalHashSet(old)
		if err != nil {
			return nil, err
		}
		for _, bp := range header.BackPtrs {
			delete(heads, bp.Ptr)
		}

		visited := map[capsule.Hash]struct{}{}
		stack := []capsule.Hash{name}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}

			incoming, err := s.IncomingPtrs(cur)
			if err != nil {
				return nil, err
			}
			sink := true
			for _, in := range incoming {
				present, err := s.HasHeader(in)
				if err != nil {
					return nil, err
				}
				if present {
					sink = false
					stack = append(stack, in)
				}
			}
			if sink {
				heads[cur] = struct{}{}
			}
		}
		return marshalHashSet(heads)
	})
	return err
}

// recomputeRoots removes every present record that points at the new one
// from the root set, then adds every sink of the forward sub-DAG rooted at
// the new record: records whose outgoing pointers all target records not
// present locally.
func (s DagStore) recomputeRoots(name capsule.Hash, header *capsule.RecordHeader) error {
	key := tableKey(prefixMarked, s.dc, rootsKey)
	_, err := s.db.fetchAndUpdate(key, func(old []byte) ([]byte, error) {
		roots, err := unmarshalHashSet(old)
		if err != nil {
			return nil, err
		}
		incoming, err := s.IncomingPtrs(name)
		if err != nil {
			return nil, err
		}
		for _, in := range incoming {
			present, err := s.HasHeader(in)
			if err != nil {
				return nil, err
			}
			if present {
				delete(roots, in)
			}
		}

		visited := map[capsule.Hash]struct{}{}
		stack := []capsule.Hash{name}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}

			sink := true
			curHeader, err := s.Header(cur)
			if err == nil {
				for _, bp := range curHeader.BackPtrs {
					present, perr := s.HasHeader(bp.Ptr)
					if perr != nil {
						return nil, perr
					}
					if present {
						sink = false
						stack = append(stack, bp.Ptr)
					}
				}
			} else if err != ErrNotFound {
				return nil, err
			}
			if sink {
				roots[cur] = struct{}{}
			}
		}
		return marshalHashSet(roots)
	})
	return err
}
