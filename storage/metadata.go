package storage

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/wire"
)

// MetadataStore is the global capsule-name -> metadata table.
type MetadataStore struct {
	db *DB
}

// NewMetadataStore opens the metadata view.
func NewMetadataStore(db *DB) MetadataStore {
	return MetadataStore{db: db}
}

func metadataKey(dcName capsule.Hash) []byte {
	return tableKey(prefixMetadata, capsule.NullHash, dcName[:])
}

// Put stores capsule metadata under its name. Metadata is immutable;
// re-storing the same capsule is a no-op by content addressing.
func (s MetadataStore) Put(dcName capsule.Hash, md *capsule.Metadata) error {
	data, err := wire.Marshal(md)
	if err != nil {
		return err
	}
	return s.db.put(metadataKey(dcName), data)
}

// Get fetches capsule metadata, or ErrNotFound.
func (s MetadataStore) Get(dcName capsule.Hash) (*capsule.Metadata, error) {
	data, err := s.db.get(metadataKey(dcName))
	if err != nil {
		return nil, err
	}
	var md capsule.Metadata
	if err := wire.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// WriterKey fetches and parses the writer public key of a capsule.
func (s MetadataStore) WriterKey(dcName capsule.Hash) (*ecdsa.PublicKey, error) {
	md, err := s.Get(dcName)
	if err != nil {
		return nil, err
	}
	pub, err := capsule.ParsePublicKey(md.WriterPubKey)
	if err != nil {
		return nil, fmt.Errorf("capsule %s: %w", dcName, err)
	}
	return pub, nil
}
