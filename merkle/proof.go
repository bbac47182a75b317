package merkle

import (
	"crypto/ecdsa"
	"errors"

	"github.com/datacapsule/go-capsulelog/capsule"
)

var (
	ErrBadRootSignature = errors.New("root signature did not verify against the writer key")
	ErrNodeNotProven    = errors.New("proof node does not chain to any cached hash")
	ErrTargetNotProven  = errors.New("target hash is not covered by the proof")
)

// SignedRoot carries a commit root name and the writer's signature over it.
type SignedRoot struct {
	Name      capsule.Hash      `cbor:"1,keyasint"`
	Signature capsule.Signature `cbor:"2,keyasint"`
}

// Proof is an inclusion proof for one committed hash. Nodes run root-most
// first, so each node's hash is provable from what came before it; the
// final node contains the target. Root is omitted when the server knows
// the client can already chain to a cached root.
type Proof struct {
	Root  *SignedRoot `cbor:"1,keyasint,omitempty"`
	Nodes []Node      `cbor:"2,keyasint"`
}

// VerifyProof checks an inclusion proof for target against the shared
// cache and the writer's public key, updating rs exactly as the server
// did while building it. On any failure rs may be partially updated; the
// caller owns discarding a connection whose cache has diverged.
func VerifyProof(target capsule.Hash, proof *Proof, writer *ecdsa.PublicKey, rs *ReadState) error {
	if proof.Root != nil {
		if !capsule.Verify(proof.Root.Signature, proof.Root.Name, writer) {
			return ErrBadRootSignature
		}
		rs.AddSignedHash(proof.Root.Name)
	}
	for _, n := range proof.Nodes {
		if !rs.Contains(n.Hash()) {
			return ErrNodeNotProven
		}
		rs.AddProvenNode(n)
	}
	if !rs.Contains(target) {
		return ErrTargetNotProven
	}
	return nil
}
