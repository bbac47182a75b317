package client

import (
	"crypto/ecdsa"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/p2p"
	"github.com/datacapsule/go-capsulelog/wire"
)

// SyncKind says what must be checked when a response slot arrives.
type SyncKind uint8

const (
	SyncCreate SyncKind = iota + 1
	SyncReadMetadata
	SyncInit
	SyncWrite
	SyncCommit
	SyncSign
	SyncRead
	SyncProof
	SyncFreshest
	SyncCommitRecords
)

// Sync is the client's memory of one outstanding request: the kind of
// verification to run and the hash the response must be held against.
type Sync struct {
	Kind SyncKind
	Hash capsule.Hash
}

// Result is one verified response slot. Err carries the client error
// taxonomy; when Err is set no cache state was updated from this slot.
type Result struct {
	Kind       SyncKind
	Err        error
	Name       capsule.Hash
	Metadata   *capsule.Metadata
	Plaintext  []byte
	BackPtrs   []capsule.BackPtr
	Commits    []wire.SignedCommit
	Records    []capsule.Hash
	Additional capsule.Hash
}

// Connection is a batched protocol connection over the peer transport.
// It builds (Request, Sync) pairs, ships a batch as one envelope, and
// verifies the positionally matched response envelope.
type Connection struct {
	name    string
	signKey *ecdsa.PrivateKey
	signPub *ecdsa.PublicKey
	encKey  capsule.SymmetricKey
	sender  *p2p.Sender
	inbox   <-chan p2p.Message

	// merkle-mode mirror of the server's proof cache
	readState *merkle.ReadState
	// dag-mode proven record names
	proven *lru.Cache[capsule.Hash, struct{}]
}

// NewConnection assembles a client connection. signKey is this client's
// own key: the creator key when creating capsules, the writer key when
// writing and signing.
func NewConnection(name string, signKey *ecdsa.PrivateKey, encKey capsule.SymmetricKey, sender *p2p.Sender, inbox <-chan p2p.Message) (*Connection, error) {
	proven, err := lru.New[capsule.Hash, struct{}](merkle.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Connection{
		name:      name,
		signKey:   signKey,
		signPub:   &signKey.PublicKey,
		encKey:    encKey,
		sender:    sender,
		inbox:     inbox,
		readState: merkle.NewReadState(),
		proven:    proven,
	}, nil
}

// StartInbox adapts a transport endpoint into a flat message channel: all
// inbound messages from every accepted connection, in per-connection
// order. The channel closes when the comm does.
func StartInbox(comm *p2p.Comm) <-chan p2p.Message {
	inbox := make(chan p2p.Message, 64)
	go func() {
		defer close(inbox)
		for {
			rcv, err := comm.Accept()
			if err != nil {
				return
			}
			go func() {
				for {
					m, err := rcv.Receive()
					if err != nil || m == nil {
						return
					}
					inbox <- *m
				}
			}()
		}
	}()
	return inbox
}

// CreateRequest builds capsule metadata signed by this client as creator.
// Returns the capsule name.
func (c *Connection) CreateRequest(writerPub *ecdsa.PublicKey, description string) (wire.Request, Sync, capsule.Hash, error) {
	md, err := capsule.NewMetadata(c.signKey, writerPub, description)
	if err != nil {
		return wire.Request{}, Sync{}, capsule.NullHash, err
	}
	name := md.Name()
	return wire.Request{Op: wire.OpManageCreate, Metadata: md},
		Sync{Kind: SyncCreate, Hash: name}, name, nil
}

// ReadMetadataRequest fetches capsule metadata for later verification
// against the requested name.
func (c *Connection) ReadMetadataRequest(dc capsule.Hash) (wire.Request, Sync) {
	name := dc
	return wire.Request{Op: wire.OpManageRead, Name: &name},
		Sync{Kind: SyncReadMetadata, Hash: dc}
}

// InitRequest builds the request that binds the server session to a
// capsule. When its response verifies, the local proof caches are reset,
// keeping both mirrors aligned from a clean slate.
func (c *Connection) InitRequest(dc capsule.Hash) (wire.Request, Sync) {
	name := dc
	return wire.Request{Op: wire.OpInit, Name: &name}, Sync{Kind: SyncInit}
}

// WriteBodyRequest encrypts plaintext and builds a merkle-mode write.
// Returns the content address the server must echo.
func (c *Connection) WriteBodyRequest(plaintext []byte) (wire.Request, Sync, capsule.Hash, error) {
	sealed, err := capsule.Seal(plaintext, c.encKey)
	if err != nil {
		return wire.Request{}, Sync{}, capsule.NullHash, err
	}
	name := capsule.HashBytes(sealed)
	return wire.Request{Op: wire.OpWrite, Body: sealed},
		Sync{Kind: SyncWrite, Hash: name}, name, nil
}

// CommitRequest signs the merkle root over records carried after
// prevCommit and builds the commit. Returns the root hash, the client's
// new candidate head.
func (c *Connection) CommitRequest(records []capsule.Hash, prevCommit capsule.Hash) (wire.Request, Sync, capsule.Hash, error) {
	root := merkle.Root(records, prevCommit)
	sig, err := capsule.Sign(root, c.signKey)
	if err != nil {
		return wire.Request{}, Sync{}, capsule.NullHash, err
	}
	additional := prevCommit
	return wire.Request{Op: wire.OpCommit, Name: &additional, Signature: sig},
		Sync{Kind: SyncCommit, Hash: root}, root, nil
}

// WriteRecordRequest encrypts plaintext into a DAG record with the given
// back-pointers. Returns the record name.
func (c *Connection) WriteRecordRequest(plaintext []byte, backPtrs []capsule.BackPtr) (wire.Request, Sync, capsule.Hash, error) {
	sealed, err := capsule.Seal(plaintext, c.encKey)
	if err != nil {
		return wire.Request{}, Sync{}, capsule.NullHash, err
	}
	header := capsule.RecordHeader{BodyPtr: capsule.HashBytes(sealed), BackPtrs: backPtrs}
	name := header.Name()
	return wire.Request{Op: wire.OpWrite, Record: &capsule.Record{Body: sealed, Header: header}},
		Sync{Kind: SyncWrite, Hash: name}, name, nil
}

// SignRequest signs a record name with the writer key, making the record
// a witness for all its ancestors.
func (c *Connection) SignRequest(name capsule.Hash) (wire.Request, Sync, error) {
	sig, err := capsule.Sign(name, c.signKey)
	if err != nil {
		return wire.Request{}, Sync{}, err
	}
	target := name
	return wire.Request{Op: wire.OpSign, Name: &target, Signature: sig},
		Sync{Kind: SyncSign, Hash: name}, nil
}

// ReadRequest fetches a record (DAG) or body (merkle) by name.
func (c *Connection) ReadRequest(name capsule.Hash) (wire.Request, Sync) {
	target := name
	return wire.Request{Op: wire.OpRead, Name: &target}, Sync{Kind: SyncRead, Hash: name}
}

// ProofRequest asks for an inclusion proof for name.
func (c *Connection) ProofRequest(name capsule.Hash) (wire.Request, Sync) {
	target := name
	return wire.Request{Op: wire.OpProof, Name: &target}, Sync{Kind: SyncProof, Hash: name}
}

// FreshestRequest lists the current branch heads.
func (c *Connection) FreshestRequest() (wire.Request, Sync) {
	return wire.Request{Op: wire.OpFreshest}, Sync{Kind: SyncFreshest}
}

// CommitRecordsRequest enumerates the records under a signed commit root.
func (c *Connection) CommitRecordsRequest(root capsule.Hash) (wire.Request, Sync) {
	target := root
	return wire.Request{Op: wire.OpCommitRecords, Name: &target},
		Sync{Kind: SyncCommitRecords, Hash: root}
}

// Send ships a whole batch as one envelope. multi fans it out to a
// configured multicast group instead of a single peer.
func (c *Connection) Send(requests []wire.Request, dest string, multi bool) error {
	content, err := wire.Marshal(requests)
	if err != nil {
		return err
	}
	m := p2p.Message{Dest: dest, Sender: c.name, Content: content}
	if multi {
		return c.sender.SendMulti(m)
	}
	return c.sender.SendOne(m)
}

// Await receives the matching response envelope and verifies each slot
// against its sync tag. serverPub is the key whose countersignatures are
// accepted as durability acks.
func (c *Connection) Await(syncs []Sync, serverPub *ecdsa.PublicKey) ([]Result, error) {
	m, ok := <-c.inbox
	if !ok {
		return nil, ErrStreamEnded
	}
	var responses []wire.Response
	if err := wire.Unmarshal(m.Content, &responses); err != nil {
		return nil, err
	}
	if len(responses) != len(syncs) {
		return nil, ErrEnvelopeLength
	}
	results := make([]Result, 0, len(syncs))
	for i, resp := range responses {
		results = append(results, c.verify(resp, syncs[i], serverPub))
	}
	return results, nil
}
