package storage

import (
	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/wire"
)

// WitnessStore is the per-capsule record name -> closest witness table.
// Updates are a monotone join: a stored witness only ever moves closer to
// a signature, and the single-key update is atomic, so the propagation
// worker and the request path can race freely.
type WitnessStore struct {
	db *DB
	dc capsule.Hash
}

// NewWitnessStore opens the witness view for one capsule.
func NewWitnessStore(db *DB, dc capsule.Hash) WitnessStore {
	return WitnessStore{db: db, dc: dc}
}

// Get returns the stored witness, or NoWitness when the record is unknown.
func (s WitnessStore) Get(name capsule.Hash) (capsule.Witness, error) {
	data, err := s.db.get(tableKey(prefixWitness, s.dc, name[:]))
	if err == ErrNotFound {
		return capsule.NoWitness, nil
	}
	if err != nil {
		return capsule.NoWitness, err
	}
	var w capsule.Witness
	if err := wire.Unmarshal(data, &w); err != nil {
		return capsule.NoWitness, err
	}
	return w, nil
}

// Update joins proposed into the stored witness and returns the previous
// value. The caller learns whether it got closer by comparing.
func (s WitnessStore) Update(name capsule.Hash, proposed capsule.Witness) (capsule.Witness, error) {
	key := tableKey(prefixWitness, s.dc, name[:])
	prevData, err := s.db.fetchAndUpdate(key, func(old []byte) ([]byte, error) {
		existing := capsule.NoWitness
		if old != nil {
			if err := wire.Unmarshal(old, &existing); err != nil {
				return nil, err
			}
		}
		return wire.Marshal(capsule.Closer(existing, proposed))
	})
	if err != nil {
		return capsule.NoWitness, err
	}
	prev := capsule.NoWitness
	if prevData != nil {
		if err := wire.Unmarshal(prevData, &prev); err != nil {
			return capsule.NoWitness, err
		}
	}
	return prev, nil
}
