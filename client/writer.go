package client

import (
	"bufio"
	"crypto/ecdsa"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/p2p"
	"github.com/datacapsule/go-capsulelog/wire"
)

// WriterConnection is a merkle-mode stream connection over a raw TCP
// socket. Unlike the batched Connection it pipelines: a send half feeds
// one request frame per operation while a receive half pairs responses
// with sync tags from a shared FIFO, so a large batch never waits on
// round trips and the transport's flow control carries the backpressure.
//
// On failure the transient uncommitted state is discarded, but the last
// *verified* commit hash survives, so the caller can reconnect and retry
// from the checkpoint.
type WriterConnection struct {
	peerName   string
	serverName string
	dcName     capsule.Hash

	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader

	encKey    capsule.SymmetricKey
	writerKey *ecdsa.PrivateKey
	serverPub *ecdsa.PublicKey

	readState *merkle.ReadState

	// send-side chaining state; rolled back to lastCommit on failure
	uncommitted []capsule.Hash
	sendCommit  capsule.Hash

	// lastCommit only ever holds roots whose server countersignature
	// verified
	lastCommit capsule.Hash
}

// WriterOpKind discriminates writer operations.
type WriterOpKind uint8

const (
	// OpWrite encrypts and stores one body.
	OpWrite WriterOpKind = iota + 1
	// OpCommit seals everything written since the previous commit.
	OpCommit
	// OpRead fetches a body by content address.
	OpRead
	// OpProve requests and verifies an inclusion proof.
	OpProve
)

// WriterOp is one pipelined operation.
type WriterOp struct {
	Kind      WriterOpKind
	Plaintext []byte       // OpWrite
	Hash      capsule.Hash // OpRead, OpProve
}

// WriteOp stores plaintext as an encrypted body.
func WriteOp(plaintext []byte) WriterOp {
	return WriterOp{Kind: OpWrite, Plaintext: plaintext}
}

// CommitOp seals the writes since the last commit under a signed root.
func CommitOp() WriterOp {
	return WriterOp{Kind: OpCommit}
}

// ReadOp fetches the body stored at hash.
func ReadOp(hash capsule.Hash) WriterOp {
	return WriterOp{Kind: OpRead, Hash: hash}
}

// ProveOp requests an inclusion proof for hash.
func ProveOp(hash capsule.Hash) WriterOp {
	return WriterOp{Kind: OpProve, Hash: hash}
}

// WriterResult is the outcome of one operation. Name is the content
// address of a write or the root of a commit; Plaintext the decrypted
// body of a read; Proven whether a proof verified. Reads of absent hashes
// and unprovable hashes are reported here, not as batch failures.
type WriterResult struct {
	Kind      WriterOpKind
	Name      capsule.Hash
	Plaintext []byte
	Found     bool
	Proven    bool
}

// DialWriter connects to a merkle-mode server's transport address, runs
// the hello exchange, and binds the session to the capsule. lastCommit
// seeds the commit chain: the capsule name for a fresh log, or the
// checkpoint of an earlier connection.
func DialWriter(addr, serverName string, dcName, lastCommit capsule.Hash, serverPub *ecdsa.PublicKey, writerKey *ecdsa.PrivateKey, encKey capsule.SymmetricKey) (*WriterConnection, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	w := &WriterConnection{
		peerName:   "writer-" + uuid.NewString(),
		serverName: serverName,
		dcName:     dcName,
		conn:       conn,
		bw:         bufio.NewWriter(conn),
		br:         bufio.NewReader(conn),
		encKey:     encKey,
		writerKey:  writerKey,
		serverPub:  serverPub,
		readState:  merkle.NewReadState(),
		sendCommit: lastCommit,
		lastCommit: lastCommit,
	}

	// hello exchange, then one Init envelope
	if err := wire.WriteMessage(w.bw, &p2p.Message{Sender: w.peerName}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.bw.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	var hello p2p.Message
	if err := wire.ReadMessage(w.br, &hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("no hello from server: %w", err)
	}

	name := dcName
	if err := w.sendEnvelope([]wire.Request{{Op: wire.OpInit, Name: &name}}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.bw.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	resps, err := w.readEnvelope()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if len(resps) != 1 || resps[0].Op != wire.OpInit {
		conn.Close()
		return nil, ErrServer
	}
	return w, nil
}

// LastCommitHash is the verified checkpoint: the newest commit root whose
// server countersignature checked out.
func (w *WriterConnection) LastCommitHash() capsule.Hash {
	return w.lastCommit
}

// Close drops the connection.
func (w *WriterConnection) Close() error {
	return w.conn.Close()
}

func (w *WriterConnection) sendEnvelope(reqs []wire.Request) error {
	content, err := wire.Marshal(reqs)
	if err != nil {
		return err
	}
	return wire.WriteMessage(w.bw, &p2p.Message{
		Dest:    w.serverName,
		Sender:  w.peerName,
		Content: content,
	})
}

func (w *WriterConnection) readEnvelope() ([]wire.Response, error) {
	var m p2p.Message
	if err := wire.ReadMessage(w.br, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamEnded, err)
	}
	var resps []wire.Response
	if err := wire.Unmarshal(m.Content, &resps); err != nil {
		return nil, err
	}
	return resps, nil
}

// writerSync is one entry of the FIFO shared by the two halves.
type writerSync struct {
	kind WriterOpKind
	hash capsule.Hash // expected name / root / read target
}

// DoOperations runs the operations in order, sending and receiving
// concurrently so the batch never stalls on a round trip. Responses are
// verified as they arrive. Any transport or cryptographic failure aborts
// the batch: the commit chain rolls back to the last verified commit and
// the error is returned.
func (w *WriterConnection) DoOperations(ops []WriterOp) ([]WriterResult, error) {
	syncs := make(chan writerSync, len(ops))
	sendErr := make(chan error, 1)

	go func() {
		sendErr <- w.sendOperations(ops, syncs)
	}()
	results, recvErr := w.receiveOperations(len(ops), syncs)
	if err := <-sendErr; err != nil {
		w.rollback()
		return nil, err
	}
	if recvErr != nil {
		w.rollback()
		return nil, recvErr
	}
	return results, nil
}

func (w *WriterConnection) rollback() {
	w.uncommitted = w.uncommitted[:0]
	w.sendCommit = w.lastCommit
}

// sendOperations feeds one envelope per operation without flushing in
// between, so many requests share a TCP segment, then flushes the tail of
// the batch.
func (w *WriterConnection) sendOperations(ops []WriterOp, syncs chan<- writerSync) error {
	defer close(syncs)
	for _, op := range ops {
		var req wire.Request
		var sync writerSync
		switch op.Kind {
		case OpWrite:
			sealed, err := capsule.Seal(op.Plaintext, w.encKey)
			if err != nil {
				return err
			}
			name := capsule.HashBytes(sealed)
			req = wire.Request{Op: wire.OpWrite, Body: sealed}
			sync = writerSync{kind: OpWrite, hash: name}
			w.uncommitted = append(w.uncommitted, name)
		case OpCommit:
			root := merkle.Root(w.uncommitted, w.sendCommit)
			sig, err := capsule.Sign(root, w.writerKey)
			if err != nil {
				return err
			}
			additional := w.sendCommit
			req = wire.Request{Op: wire.OpCommit, Name: &additional, Signature: sig}
			sync = writerSync{kind: OpCommit, hash: root}
			w.uncommitted = w.uncommitted[:0]
			w.sendCommit = root
		case OpRead:
			hash := op.Hash
			req = wire.Request{Op: wire.OpRead, Name: &hash}
			sync = writerSync{kind: OpRead, hash: hash}
		case OpProve:
			hash := op.Hash
			req = wire.Request{Op: wire.OpProof, Name: &hash}
			sync = writerSync{kind: OpProve, hash: hash}
		default:
			return fmt.Errorf("unknown writer operation %d", op.Kind)
		}
		if err := w.sendEnvelope([]wire.Request{req}); err != nil {
			return err
		}
		syncs <- sync
	}
	return w.bw.Flush()
}

// receiveOperations pairs each inbound envelope with the next sync tag and
// verifies it. Write and commit failures are fatal, and so is any hash or
// proof check that fails; a read or prove the server answers with Failed
// lands in its result slot.
func (w *WriterConnection) receiveOperations(count int, syncs <-chan writerSync) ([]WriterResult, error) {
	results := make([]WriterResult, 0, count)
	for i := 0; i < count; i++ {
		resps, err := w.readEnvelope()
		if err != nil {
			return nil, err
		}
		if len(resps) != 1 {
			return nil, ErrEnvelopeLength
		}
		resp := resps[0]
		sync, ok := <-syncs
		if !ok {
			return nil, ErrStreamEnded
		}

		switch sync.kind {
		case OpWrite:
			if resp.Op == wire.OpFailed {
				return nil, ErrServer
			}
			if resp.Name == nil || *resp.Name != sync.hash {
				return nil, ErrMismatchedHash
			}
			results = append(results, WriterResult{Kind: OpWrite, Name: sync.hash})

		case OpCommit:
			if resp.Op == wire.OpFailed {
				return nil, ErrServer
			}
			if !capsule.Verify(resp.Signature, sync.hash, w.serverPub) {
				return nil, ErrBadSignature
			}
			w.lastCommit = sync.hash
			results = append(results, WriterResult{Kind: OpCommit, Name: sync.hash})

		case OpRead:
			res := WriterResult{Kind: OpRead, Name: sync.hash}
			if resp.Op != wire.OpFailed {
				if resp.Body == nil || capsule.HashBytes(resp.Body) != sync.hash {
					return nil, ErrMismatchedHash
				}
				plaintext, err := capsule.Open(resp.Body, w.encKey)
				if err != nil {
					return nil, ErrMismatchedHash
				}
				res.Found = true
				res.Plaintext = plaintext
			}
			results = append(results, res)

		case OpProve:
			res := WriterResult{Kind: OpProve, Name: sync.hash}
			if resp.Op != wire.OpFailed {
				if resp.MerkleProof == nil {
					return nil, ErrServer
				}
				if err := merkle.VerifyProof(sync.hash, resp.MerkleProof, &w.writerKey.PublicKey, w.readState); err != nil {
					return nil, ErrBadProof
				}
				res.Proven = true
			}
			results = append(results, res)
		}
	}
	return results, nil
}
