package server

import (
	"crypto/ecdsa"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/storage"
	"github.com/datacapsule/go-capsulelog/wire"
)

// session is one client's state machine. Before Init there is no capsule
// context and every RW request fails in place.
type session struct {
	srv  *Server
	log  zerolog.Logger
	meta storage.MetadataStore
	ctx  *capsuleContext
}

// capsuleContext binds a session to one capsule: its storage views, the
// writer's public key, and the per-session proof caches. uncommitted
// carries merkle-mode write buffering between Write and Commit; it is
// transient and dies with the session.
type capsuleContext struct {
	name      capsule.Hash
	writerPub *ecdsa.PublicKey

	// merkle mode
	mstore      storage.MerkleStore
	uncommitted []capsule.Hash
	readState   *merkle.ReadState

	// dag mode
	dstore storage.DagStore
	wstore storage.WitnessStore
	proven *lru.Cache[capsule.Hash, struct{}]
}

func newSession(srv *Server, log zerolog.Logger) *session {
	return &session{
		srv:  srv,
		log:  log,
		meta: storage.NewMetadataStore(srv.db),
	}
}

// dispatch routes one request against the session state. Every path
// returns a response for the request's slot; nothing escapes.
func (s *session) dispatch(req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpManageCreate:
		return s.handleCreate(req)
	case wire.OpManageRead:
		return s.handleReadMetadata(req)
	case wire.OpInit:
		return s.handleInit(req)
	}

	if s.ctx == nil {
		// an RW request before Init
		return wire.Failed()
	}

	if s.srv.mode == ModeMerkle {
		switch req.Op {
		case wire.OpWrite:
			return s.handleMerkleWrite(req)
		case wire.OpCommit:
			return s.handleCommit(req)
		case wire.OpRead:
			return s.handleMerkleRead(req)
		case wire.OpProof:
			return s.handleMerkleProof(req)
		case wire.OpFreshest:
			return s.handleFreshest(req)
		case wire.OpCommitRecords:
			return s.handleCommitRecords(req)
		}
		return wire.Failed()
	}

	switch req.Op {
	case wire.OpWrite:
		return s.handleDagWrite(req)
	case wire.OpSign:
		return s.handleDagSign(req)
	case wire.OpRead:
		return s.handleDagRead(req)
	case wire.OpProof:
		return s.handleDagProof(req)
	case wire.OpFreshest:
		return s.handleDagFreshest(req)
	}
	return wire.Failed()
}

// handleCreate verifies the creator's signature over the capsule name and
// persists the metadata, countersigning the name on success.
func (s *session) handleCreate(req wire.Request) wire.Response {
	md := req.Metadata
	if md == nil || !md.Verify() {
		return wire.Failed()
	}
	name := md.Name()
	if err := s.meta.Put(name, md); err != nil {
		s.log.Error().Err(err).Msg("store metadata")
		return wire.Failed()
	}
	if s.srv.mode == ModeDag {
		if err := storage.NewDagStore(s.srv.db, name).InitMarked(); err != nil {
			s.log.Error().Err(err).Msg("seed head marks")
			return wire.Failed()
		}
	}
	sig, ok := s.srv.countersign(name)
	if !ok {
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpManageCreate, Name: &name, Signature: sig}
}

func (s *session) handleReadMetadata(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	md, err := s.meta.Get(*req.Name)
	if err != nil {
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpManageRead, Metadata: md}
}

// handleInit binds the session to a capsule. Re-initialising replaces the
// context and resets every per-session cache, mirroring the client.
func (s *session) handleInit(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	name := *req.Name
	writerPub, err := s.meta.WriterKey(name)
	if err != nil {
		return wire.Failed()
	}

	ctx := &capsuleContext{
		name:      name,
		writerPub: writerPub,
	}
	switch s.srv.mode {
	case ModeMerkle:
		ctx.mstore = storage.NewMerkleStore(s.srv.db, name)
		ctx.readState = merkle.NewReadState()
	case ModeDag:
		ctx.dstore = storage.NewDagStore(s.srv.db, name)
		ctx.wstore = storage.NewWitnessStore(s.srv.db, name)
		proven, err := lru.New[capsule.Hash, struct{}](merkle.CacheSize)
		if err != nil {
			return wire.Failed()
		}
		ctx.proven = proven
	}
	s.ctx = ctx
	return wire.Response{Op: wire.OpInit}
}
