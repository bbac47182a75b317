package server

import (
	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/wire"
)

// handleMerkleWrite stores a body at its content address and buffers its
// hash for the next commit. Rewriting identical bytes is idempotent, so
// replays after a reconnect are harmless.
func (s *session) handleMerkleWrite(req wire.Request) wire.Response {
	if req.Body == nil {
		return wire.Failed()
	}
	name := capsule.HashBytes(req.Body)
	if err := s.ctx.mstore.PutData(name, req.Body); err != nil {
		s.log.Error().Err(err).Msg("store data")
		return wire.Failed()
	}
	s.ctx.uncommitted = append(s.ctx.uncommitted, name)
	return wire.Response{Op: wire.OpWrite, Name: &name}
}

// handleCommit seals the buffered hashes under the writer-signed root.
// The signature is checked before anything is persisted; once persistence
// starts, a storage failure reports Failed but partial state is safe:
// everything is content addressed and a replay is idempotent.
func (s *session) handleCommit(req wire.Request) wire.Response {
	if req.Name == nil || req.Signature == nil {
		return wire.Failed()
	}
	additional := *req.Name

	plan := merkle.Build(s.ctx.uncommitted, additional)
	s.ctx.uncommitted = s.ctx.uncommitted[:0]

	if !capsule.Verify(req.Signature, plan.Root, s.ctx.writerPub) {
		s.log.Warn().Str("root", plan.Root.String()).Msg("commit signature rejected")
		return wire.Failed()
	}

	for _, rp := range plan.Records {
		if err := s.ctx.mstore.PutRecordParent(rp.Name, rp.Parent); err != nil {
			s.log.Error().Err(err).Msg("store record parent")
			return wire.Failed()
		}
	}
	for _, tn := range plan.Nodes[:len(plan.Nodes)-1] {
		node := &merkle.StoredNode{Parent: tn.Parent, Children: tn.Children}
		if err := s.ctx.mstore.PutNode(tn.Name, node); err != nil {
			s.log.Error().Err(err).Msg("store tree node")
			return wire.Failed()
		}
	}
	root := plan.Nodes[len(plan.Nodes)-1]
	if err := s.ctx.mstore.PutNode(root.Name, &merkle.StoredNode{
		Root:     &merkle.RootInfo{Depth: plan.Depth, Signature: req.Signature},
		Children: root.Children,
	}); err != nil {
		s.log.Error().Err(err).Msg("store root node")
		return wire.Failed()
	}

	// the new root supersedes the additional hash as a branch head; when
	// two commits race over the same parent, both roots stay orphans
	if err := s.ctx.mstore.ReplaceOrphan(additional, plan.Root, req.Signature); err != nil {
		s.log.Error().Err(err).Msg("replace orphan")
		return wire.Failed()
	}

	// stitch the previous root under this tree, first writer wins
	if err := s.ctx.mstore.SetNodeParentIfUnset(additional, plan.AdditionalParent); err != nil {
		s.log.Error().Err(err).Msg("stitch additional hash")
		return wire.Failed()
	}

	sig, ok := s.srv.countersign(plan.Root)
	if !ok {
		return wire.Failed()
	}
	name := plan.Root
	return wire.Response{Op: wire.OpCommit, Name: &name, Signature: sig}
}

func (s *session) handleMerkleRead(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	data, err := s.ctx.mstore.Data(*req.Name)
	if err != nil {
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpRead, Body: data}
}

// handleMerkleProof walks from the target up to the nearest hash the
// client can already chain to, collecting sibling tuples. The shared
// cache is updated exactly as the client will update its own, keeping the
// two mirrors in lockstep.
func (s *session) handleMerkleProof(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	target := *req.Name

	parent, err := s.ctx.mstore.RecordParent(target)
	if err != nil {
		return wire.Failed()
	}

	var nodes []merkle.Node
	var root *merkle.SignedRoot
	var rootParent *capsule.Hash

	cur := target
	for !s.ctx.readState.Contains(cur) {
		pn, err := s.ctx.mstore.Node(parent)
		if err != nil {
			return wire.Failed()
		}
		nodes = append(nodes, pn.Children)
		if pn.Root != nil {
			if !s.ctx.readState.Contains(parent) {
				root = &merkle.SignedRoot{Name: parent, Signature: pn.Root.Signature}
				rootParent = pn.Parent
			}
			break
		}
		cur = parent
		if pn.Parent == nil {
			return wire.Failed()
		}
		parent = *pn.Parent
	}

	// signature avoidance: spend up to SigAvoid extra nodes to reach an
	// ancestor the client has already chained to, sparing it an ECDSA
	// verification
	if root != nil && s.srv.opts.SigAvoid > 0 {
		var extras []merkle.Node
		for len(extras) < s.srv.opts.SigAvoid && rootParent != nil {
			pn, err := s.ctx.mstore.Node(*rootParent)
			if err != nil {
				break
			}
			extras = append(extras, pn.Children)
			if s.ctx.readState.Contains(*rootParent) {
				root = nil
				nodes = append(nodes, extras...)
				break
			}
			rootParent = pn.Parent
		}
	}

	// closest-to-target node last, then mirror the client's cache updates
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	if root != nil {
		s.ctx.readState.AddSignedHash(root.Name)
	}
	for _, n := range nodes {
		s.ctx.readState.AddProvenNode(n)
	}

	return wire.Response{Op: wire.OpProof, MerkleProof: &merkle.Proof{Root: root, Nodes: nodes}}
}

func (s *session) handleFreshest(wire.Request) wire.Response {
	orphans, err := s.ctx.mstore.Orphans()
	if err != nil {
		return wire.Failed()
	}
	return wire.Response{Op: wire.OpFreshest, Commits: orphans}
}

// handleCommitRecords walks a signed commit root down to its leaf layer
// and returns the record hashes plus the carry-in additional hash.
func (s *session) handleCommitRecords(req wire.Request) wire.Response {
	if req.Name == nil {
		return wire.Failed()
	}
	node, err := s.ctx.mstore.Node(*req.Name)
	if err != nil || node.Root == nil {
		return wire.Failed()
	}

	level := []capsule.Hash{*req.Name}
	for depth := node.Root.Depth; depth > 0; depth-- {
		next := make([]capsule.Hash, 0, len(level)*merkle.Fanout)
		for _, h := range level {
			n, err := s.ctx.mstore.Node(h)
			if err != nil {
				return wire.Failed()
			}
			for _, child := range n.Children {
				if !child.IsNull() {
					next = append(next, child)
				}
			}
		}
		level = next
	}
	if len(level) == 0 {
		return wire.Failed()
	}

	additional := level[0]
	return wire.Response{
		Op:         wire.OpCommitRecords,
		Records:    level[1:],
		Additional: &additional,
	}
}
