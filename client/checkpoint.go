package client

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"time"

	"github.com/veraison/go-cose"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/wire"
)

// Checkpoint is a portable, writer-signed statement of a verified log
// head. A writer exports one after its commit countersignature checked
// out; anyone holding the writer's public key can verify it offline and
// seed a new connection's commit chain from it.
type Checkpoint struct {
	DCName     capsule.Hash `cbor:"1,keyasint"`
	CommitHash capsule.Hash `cbor:"2,keyasint"`
	Timestamp  int64        `cbor:"3,keyasint"`
}

var ErrBadCheckpoint = errors.New("checkpoint envelope did not verify")

// EncodeCheckpoint wraps the checkpoint in a COSE_Sign1 envelope under
// the writer's key.
func EncodeCheckpoint(dcName, commitHash capsule.Hash, writerKey *ecdsa.PrivateKey) ([]byte, error) {
	payload, err := wire.Marshal(&Checkpoint{
		DCName:     dcName,
		CommitHash: commitHash,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, writerKey)
	if err != nil {
		return nil, err
	}
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
		},
	}
	return cose.Sign1(rand.Reader, signer, headers, payload, nil)
}

// DecodeCheckpoint verifies a COSE_Sign1 checkpoint envelope against the
// writer's public key and returns the enclosed checkpoint.
func DecodeCheckpoint(envelope []byte, writerPub *ecdsa.PublicKey) (*Checkpoint, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return nil, err
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, writerPub)
	if err != nil {
		return nil, err
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, ErrBadCheckpoint
	}
	var cp Checkpoint
	if err := wire.Unmarshal(msg.Payload, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
