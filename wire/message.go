// Package wire defines the request and response alphabets exchanged
// between clients and servers, and the length-prefixed CBOR framing that
// carries them.
//
// A round trip is one envelope each way: the client sends a batch of
// requests, the server answers with a batch of responses of the same
// length, positionally matched. Failure of a single request occupies its
// response slot as OpFailed; it never disturbs its neighbours.
package wire

import (
	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
)

// Op discriminates requests and responses. Request and matching response
// share the op value.
type Op uint8

const (
	// OpFailed is response-only: the slot's request could not complete.
	OpFailed Op = iota
	// OpInit binds the session to a capsule context.
	OpInit
	// OpManageCreate registers new capsule metadata.
	OpManageCreate
	// OpManageRead fetches capsule metadata by name.
	OpManageRead
	// OpWrite stores a record (DAG) or buffers a body (merkle).
	OpWrite
	// OpCommit seals the buffered bodies under a signed merkle root.
	OpCommit
	// OpSign installs a writer signature as a record's witness.
	OpSign
	// OpRead fetches a record or body by name.
	OpRead
	// OpProof requests an inclusion proof for a name.
	OpProof
	// OpFreshest lists the current branch heads with their signatures.
	OpFreshest
	// OpCommitRecords enumerates the records under a signed commit root.
	OpCommitRecords
)

// Request is one slot of a client envelope. Exactly the fields the op
// calls for are set; the rest stay empty and are omitted on the wire.
type Request struct {
	Op        Op                `cbor:"1,keyasint"`
	Name      *capsule.Hash     `cbor:"2,keyasint,omitempty"`
	Metadata  *capsule.Metadata `cbor:"3,keyasint,omitempty"`
	Record    *capsule.Record   `cbor:"4,keyasint,omitempty"`
	Body      []byte            `cbor:"5,keyasint,omitempty"`
	Signature capsule.Signature `cbor:"6,keyasint,omitempty"`
}

// SignedCommit pairs a commit root with the writer signature stored for it.
type SignedCommit struct {
	Name      capsule.Hash      `cbor:"1,keyasint"`
	Signature capsule.Signature `cbor:"2,keyasint"`
}

// Response is one slot of a server envelope.
type Response struct {
	Op          Op                       `cbor:"1,keyasint"`
	Name        *capsule.Hash            `cbor:"2,keyasint,omitempty"`
	Signature   capsule.Signature        `cbor:"3,keyasint,omitempty"`
	Metadata    *capsule.Metadata        `cbor:"4,keyasint,omitempty"`
	Record      *capsule.Record          `cbor:"5,keyasint,omitempty"`
	Body        []byte                   `cbor:"6,keyasint,omitempty"`
	ChainProof  *capsule.BestEffortProof `cbor:"7,keyasint,omitempty"`
	MerkleProof *merkle.Proof            `cbor:"8,keyasint,omitempty"`
	Commits     []SignedCommit           `cbor:"9,keyasint,omitempty"`
	Records     []capsule.Hash           `cbor:"10,keyasint,omitempty"`
	Additional  *capsule.Hash            `cbor:"11,keyasint,omitempty"`
}

// Failed is the response for a request that could not complete.
func Failed() Response {
	return Response{Op: OpFailed}
}
