package server

import (
	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/wire"
)

// handleDagWrite validates and stores one record. The body pointer must
// be the hash of the body: a mismatch is rejected before anything is
// persisted, so the store never holds a record whose name lies about its
// content.
func (s *session) handleDagWrite(req wire.Request) wire.Response {
	rec := req.Record
	if rec == nil {
		return wire.Failed()
	}
	if capsule.HashBytes(rec.Body) != rec.Header.BodyPtr {
		s.log.Warn().Msg("write rejected: body pointer does not hash the body")
		return wire.Failed()
	}
	if len(rec.Header.BackPtrs) == 0 {
		return wire.Failed()
	}

	if err := s.ctx.dstore.PutBody(rec.Header.BodyPtr, rec.Body); err != nil {
		s.log.Error().Err(err).Msg("store body")
		return wire.Failed()
	}
	name := rec.Header.Name()
	if err := s.ctx.dstore.PutHeader(name, &rec.Header); err != nil {
		s.log.Error().Err(err).Msg("store header")
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpWrite, Name: &name}
}

// handleDagSign verifies the writer's signature over the record name,
// joins it into the witness table, and schedules ancestor propagation on
// the background worker.
func (s *session) handleDagSign(req wire.Request) wire.Response {
	if req.Name == nil || req.Signature == nil {
		return wire.Failed()
	}
	name := *req.Name
	if !capsule.Verify(req.Signature, name, s.ctx.writerPub) {
		s.log.Warn().Str("record", name.String()).Msg("sign rejected: bad writer signature")
		return wire.Failed()
	}

	if _, err := s.ctx.wstore.Update(name, capsule.SignatureWitness(req.Signature)); err != nil {
		s.log.Error().Err(err).Msg("store witness")
		return wire.Failed()
	}
	s.srv.schedulePropagation(s.ctx.name, name)

	sig, ok := s.srv.countersign(name)
	if !ok {
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpSign, Name: &name, Signature: sig}
}

// handleDagRead resolves a record name to its header and body. The client
// re-checks both hashes; the server only promises to return what it has.
func (s *session) handleDagRead(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	header, err := s.ctx.dstore.Header(*req.Name)
	if err != nil {
		return wire.Failed()
	}
	body, err := s.ctx.dstore.Body(header.BodyPtr)
	if err != nil {
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpRead, Record: &capsule.Record{Body: body, Header: *header}}
}

// handleDagProof chains headers from the target towards the nearest
// witness. A hole or an unknown witness ends the chain early: the proof is
// partial, not failed, and the client may re-request after propagation
// catches up. Completed proofs are folded into the mirrored proven-hash
// cache exactly as the client will fold them.
func (s *session) handleDagProof(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	proof := &capsule.BestEffortProof{}
	cur := *req.Name

	for {
		header, err := s.ctx.dstore.Header(cur)
		if err != nil {
			return s.dagProofResponse(proof, false)
		}
		proof.Chain = append(proof.Chain, *header)

		if s.ctx.proven.Contains(cur) {
			return s.dagProofResponse(proof, true)
		}

		w, err := s.ctx.wstore.Get(cur)
		if err != nil {
			return s.dagProofResponse(proof, false)
		}
		switch w.Kind {
		case capsule.WitnessSignature:
			proof.Signature = &capsule.SignedRecord{Name: cur, Signature: w.Signature}
			return s.dagProofResponse(proof, true)
		case capsule.WitnessNextRecord:
			cur = w.Next
		default:
			return s.dagProofResponse(proof, false)
		}
	}
}

// dagProofResponse mirrors the client cache for completed proofs and wraps
// the proof into a response.
func (s *session) dagProofResponse(proof *capsule.BestEffortProof, complete bool) wire.Response {
	if complete {
		for i := range proof.Chain {
			s.ctx.proven.Add(proof.Chain[i].Name(), struct{}{})
		}
	}
	return wire.Response{Op: wire.OpProof, ChainProof: proof}
}

// handleDagFreshest reports the physically freshest signed records: the
// members of the current head set whose stored witness is a signature.
// Heads without a signature witness are left out.
func (s *session) handleDagFreshest(wire.Request) wire.Response {
	heads, err := s.ctx.dstore.Heads()
	if err != nil {
		return wire.Failed()
	}
	var out []wire.SignedCommit
	for _, head := range heads {
		w, err := s.ctx.wstore.Get(head)
		if err != nil {
			return wire.Failed()
		}
		if w.Kind == capsule.WitnessSignature {
			out = append(out, wire.SignedCommit{Name: head, Signature: w.Signature})
		}
	}
	return wire.Response{Op: wire.OpFreshest, Commits: out}
}
