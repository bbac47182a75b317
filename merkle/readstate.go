package merkle

import (
	"encoding/binary"

	"github.com/datacapsule/go-capsulelog/capsule"
)

// CacheSize is the slot count of the direct-mapped proof cache.
const CacheSize = 4096

// ReadState is the proof cache a server and its client keep in lockstep.
// Both sides apply the same insertions in the same order, so the server
// can omit everything the client is already able to chain to: the larger
// the cache, the shorter the proofs.
//
// Contains is satisfied by any of three places: the slot a hash maps to,
// the last signed root, and the last proven node's child tuple. The two
// "last" slots are demoted into the table when displaced, which keeps the
// most recently walked path hot.
type ReadState struct {
	slots      [CacheSize]capsule.Hash
	lastSigned capsule.Hash
	lastProven Node
}

// NewReadState returns an empty cache. Both sides reset to this state on
// Init.
func NewReadState() *ReadState {
	return &ReadState{}
}

func slotIndex(h capsule.Hash) int {
	return int(binary.LittleEndian.Uint32(h[:4]) % CacheSize)
}

// Contains reports whether h is provable from cached state alone.
func (rs *ReadState) Contains(h capsule.Hash) bool {
	for _, c := range rs.lastProven {
		if c == h {
			return true
		}
	}
	if rs.slots[slotIndex(h)] == h {
		return true
	}
	return rs.lastSigned == h
}

// AddSignedHash installs h as the last signed root, demoting the previous
// one into its slot.
func (rs *ReadState) AddSignedHash(h capsule.Hash) {
	old := rs.lastSigned
	rs.slots[slotIndex(old)] = old
	rs.lastSigned = h
}

// AddProvenNode installs the child tuple of a freshly proven node,
// demoting the previous tuple's entries into their slots.
func (rs *ReadState) AddProvenNode(n Node) {
	for _, h := range rs.lastProven {
		rs.slots[slotIndex(h)] = h
	}
	rs.lastProven = n
}
