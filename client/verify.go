package client

import (
	"crypto/ecdsa"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/wire"
)

// verify converts one raw response slot into a typed result, running the
// check its sync tag calls for. Nothing from a rejected slot reaches any
// cache: a server that fails a cryptographic check is treated as
// potentially malicious.
func (c *Connection) verify(resp wire.Response, sync Sync, serverPub *ecdsa.PublicKey) Result {
	out := Result{Kind: sync.Kind}

	if resp.Op == wire.OpFailed {
		out.Err = ErrServer
		return out
	}

	switch sync.Kind {
	case SyncCreate:
		// the server countersigned the capsule name
		if !capsule.Verify(resp.Signature, sync.Hash, serverPub) {
			out.Err = ErrBadSignature
			return out
		}
		out.Name = sync.Hash

	case SyncReadMetadata:
		if resp.Metadata == nil {
			out.Err = ErrServer
			return out
		}
		if resp.Metadata.Name() != sync.Hash {
			out.Err = ErrMismatchedHash
			return out
		}
		out.Metadata = resp.Metadata

	case SyncInit:
		if resp.Op != wire.OpInit {
			out.Err = ErrServer
			return out
		}
		// both sides restart their mirrors together
		c.readState = merkle.NewReadState()
		if proven, err := lru.New[capsule.Hash, struct{}](merkle.CacheSize); err == nil {
			c.proven = proven
		}

	case SyncWrite:
		if resp.Name == nil || *resp.Name != sync.Hash {
			out.Err = ErrMismatchedHash
			return out
		}
		out.Name = sync.Hash

	case SyncCommit:
		// the server countersigned the commit root we computed locally
		if !capsule.Verify(resp.Signature, sync.Hash, serverPub) {
			out.Err = ErrBadSignature
			return out
		}
		out.Name = sync.Hash

	case SyncSign:
		if !capsule.Verify(resp.Signature, sync.Hash, serverPub) {
			out.Err = ErrBadSignature
			return out
		}
		out.Name = sync.Hash

	case SyncRead:
		return c.verifyRead(resp, sync)

	case SyncProof:
		return c.verifyProof(resp, sync)

	case SyncFreshest:
		// each head signature must verify under the writer key; the writer
		// key is the client's own signing key on writer connections
		for _, commit := range resp.Commits {
			if !capsule.Verify(commit.Signature, commit.Name, c.signPub) {
				out.Err = ErrBadSignature
				return out
			}
		}
		out.Commits = resp.Commits

	case SyncCommitRecords:
		if resp.Additional == nil {
			out.Err = ErrServer
			return out
		}
		// the returned leaves must rebuild the requested root
		if merkle.Root(resp.Records, *resp.Additional) != sync.Hash {
			out.Err = ErrMismatchedHash
			return out
		}
		out.Records = resp.Records
		out.Additional = *resp.Additional

	default:
		out.Err = ErrServer
	}
	return out
}

// verifyRead handles both read shapes. A merkle read returns bare body
// bytes checked against the content address; a DAG read returns a record
// whose header must hash to the requested name and whose body must hash
// to the header's body pointer.
func (c *Connection) verifyRead(resp wire.Response, sync Sync) Result {
	out := Result{Kind: sync.Kind, Name: sync.Hash}

	var sealed []byte
	switch {
	case resp.Record != nil:
		if resp.Record.Header.Name() != sync.Hash {
			out.Err = ErrMismatchedHash
			return out
		}
		if capsule.HashBytes(resp.Record.Body) != resp.Record.Header.BodyPtr {
			out.Err = ErrMismatchedHash
			return out
		}
		sealed = resp.Record.Body
		out.BackPtrs = resp.Record.Header.BackPtrs
	case resp.Body != nil:
		if capsule.HashBytes(resp.Body) != sync.Hash {
			out.Err = ErrMismatchedHash
			return out
		}
		sealed = resp.Body
	default:
		out.Err = ErrServer
		return out
	}

	plaintext, err := capsule.Open(sealed, c.encKey)
	if err != nil {
		out.Err = ErrMismatchedHash
		return out
	}
	out.Plaintext = plaintext
	return out
}

// verifyProof dispatches on the proof shape the server returned.
func (c *Connection) verifyProof(resp wire.Response, sync Sync) Result {
	out := Result{Kind: sync.Kind, Name: sync.Hash}
	switch {
	case resp.MerkleProof != nil:
		// verify against a scratch copy and adopt it only on success, so a
		// rejected proof leaves the mirror as it was
		scratch := *c.readState
		if err := merkle.VerifyProof(sync.Hash, resp.MerkleProof, c.signPub, &scratch); err != nil {
			out.Err = ErrBadProof
		} else {
			*c.readState = scratch
		}
	case resp.ChainProof != nil:
		if err := verifyChainProof(sync.Hash, resp.ChainProof, c.signPub, c.proven); err != nil {
			out.Err = err
		}
	default:
		out.Err = ErrServer
	}
	return out
}

// verifyChainProof checks a best-effort DAG proof: the signature (if any)
// must verify under the writer key, the chain must start at the target and
// link by back-pointers, and it must end at the signed record or at a
// record already proven. On success every traversed name enters the proven
// cache, mirroring the server's copy.
func verifyChainProof(target capsule.Hash, proof *capsule.BestEffortProof, writerPub *ecdsa.PublicKey, proven *lru.Cache[capsule.Hash, struct{}]) error {
	if proof.Signature != nil {
		// a bad signature ends it: assume the rest is no more honest
		if !capsule.Verify(proof.Signature.Signature, proof.Signature.Name, writerPub) {
			return ErrBadProof
		}
		if proof.Signature.Name == target {
			proven.Add(proof.Signature.Name, struct{}{})
			return nil
		}
	}

	if len(proof.Chain) == 0 {
		return ErrPartialProof
	}
	if proof.Chain[0].Name() != target {
		return ErrBadProof
	}

	// cacheChainThrough marks the chain proven up to and including upto.
	cacheChainThrough := func(upto capsule.Hash) {
		for i := range proof.Chain {
			name := proof.Chain[i].Name()
			proven.Add(name, struct{}{})
			if name == upto {
				return
			}
		}
	}

	prev := proof.Chain[0].Name()
	for i := 1; i < len(proof.Chain); i++ {
		cur := &proof.Chain[i]
		curName := cur.Name()
		if !cur.PointsTo(prev) {
			return ErrBadProof
		}
		if proven.Contains(curName) {
			// the tail is already trusted; everything before it is now proven
			cacheChainThrough(curName)
			return nil
		}
		prev = curName
	}

	// a complete chain ends at the signed record
	if proof.Signature != nil && prev == proof.Signature.Name {
		cacheChainThrough(prev)
		return nil
	}
	if proven.Contains(prev) {
		cacheChainThrough(prev)
		return nil
	}
	if proof.Signature != nil {
		// signed, but the chain does not actually reach the signature
		return ErrBadProof
	}
	return ErrPartialProof
}
