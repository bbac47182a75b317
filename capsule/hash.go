// Package capsule defines the DataCapsule data model: the hash and
// signature primitives, capsule metadata, records with hash back-pointers,
// and the witness algebra that ties records to writer signatures.
//
// Naming follows content addressing throughout. A capsule is named by the
// hash of its metadata, a record by the hash of its header, a body by the
// hash of its ciphertext. Anything that changes a field changes the name.
package capsule

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSize is the size of every name and pointer in the system.
const HashSize = sha256.Size

// Hash is a 32 byte content address. The zero value is NullHash.
type Hash [HashSize]byte

// NullHash pads merkle nodes and marks absent pointers.
var NullHash Hash

// String renders a short hex prefix, enough for logs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:8])
}

// IsNull reports whether h is the all-zero hash.
func (h Hash) IsNull() bool {
	return h == NullHash
}

// HashBytes is the content address of a raw byte string, used for record
// bodies and for merkle-mode record data.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashMetadata computes a capsule's name: the hash over the creator key,
// writer key and description, in that byte order.
func HashMetadata(creatorPub, writerPub []byte, description string) Hash {
	hasher := sha256.New()
	hasher.Write(creatorPub)
	hasher.Write(writerPub)
	hasher.Write([]byte(description))
	var h Hash
	hasher.Sum(h[:0])
	return h
}

// HashChildren computes an interior merkle node's name from the
// concatenation of its child hashes.
func HashChildren(children []Hash) Hash {
	hasher := sha256.New()
	for _, c := range children {
		hasher.Write(c[:])
	}
	var h Hash
	hasher.Sum(h[:0])
	return h
}
