package capsule

import (
	"crypto/ecdsa"
	"crypto/sha256"
)

// Metadata is the root object of a DataCapsule. It is created once and
// never mutated; its hash is the capsule's name, so the creator key, the
// writer key and the description are bound immutably.
type Metadata struct {
	CreatorPubKey []byte    `cbor:"1,keyasint"`
	WriterPubKey  []byte    `cbor:"2,keyasint"`
	Description   string    `cbor:"3,keyasint"`
	Signature     Signature `cbor:"4,keyasint"`
}

// Name returns the capsule name, the hash over the three bound fields.
func (m *Metadata) Name() Hash {
	return HashMetadata(m.CreatorPubKey, m.WriterPubKey, m.Description)
}

// Verify checks the creator's signature over the capsule name.
func (m *Metadata) Verify() bool {
	creator, err := ParsePublicKey(m.CreatorPubKey)
	if err != nil {
		return false
	}
	return Verify(m.Signature, m.Name(), creator)
}

// NewMetadata builds and signs capsule metadata with the creator's key.
func NewMetadata(creator *ecdsa.PrivateKey, writerPub *ecdsa.PublicKey, description string) (*Metadata, error) {
	m := &Metadata{
		CreatorPubKey: MarshalPublicKey(&creator.PublicKey),
		WriterPubKey:  MarshalPublicKey(writerPub),
		Description:   description,
	}
	sig, err := Sign(m.Name(), creator)
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	return m, nil
}

// BackPtr is a hash pointer from a record header to a predecessor record.
// Offset is an advisory hop-count hint. It is excluded from the record
// name, so servers cannot be trusted about it; verifiers must treat it as
// a hint only.
type BackPtr struct {
	Ptr    Hash    `cbor:"1,keyasint"`
	Offset *uint64 `cbor:"2,keyasint,omitempty"`
}

// RecordHeader names a body and links the record into the capsule DAG.
// Every non-genesis header carries at least one back-pointer; chains of
// back-pointers eventually reach the capsule name.
type RecordHeader struct {
	BodyPtr  Hash      `cbor:"1,keyasint"`
	BackPtrs []BackPtr `cbor:"2,keyasint"`
}

// Name computes the record name: the hash over the body pointer and each
// back-pointer target, in order. Offsets are not hashed.
func (rh *RecordHeader) Name() Hash {
	hasher := sha256.New()
	hasher.Write(rh.BodyPtr[:])
	for _, bp := range rh.BackPtrs {
		hasher.Write(bp.Ptr[:])
	}
	var h Hash
	hasher.Sum(h[:0])
	return h
}

// PointsTo reports whether the header carries a back-pointer to target.
func (rh *RecordHeader) PointsTo(target Hash) bool {
	for _, bp := range rh.BackPtrs {
		if bp.Ptr == target {
			return true
		}
	}
	return false
}

// Record pairs a ciphertext body with its header.
type Record struct {
	Body   []byte       `cbor:"1,keyasint"`
	Header RecordHeader `cbor:"2,keyasint"`
}

// BestEffortProof chains record headers from a target record towards a
// writer-signed record. The chain runs earlier to later. A proof without a
// signature is partial: not a verification failure, just incomplete, and
// the client may re-request later.
type BestEffortProof struct {
	Chain     []RecordHeader `cbor:"1,keyasint"`
	Signature *SignedRecord  `cbor:"2,keyasint,omitempty"`
}

// SignedRecord names a record together with the writer's signature over
// that name.
type SignedRecord struct {
	Name      Hash      `cbor:"1,keyasint"`
	Signature Signature `cbor:"2,keyasint"`
}
