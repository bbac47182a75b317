package server

import (
	"crypto/ecdsa"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/merkle"
	"github.com/datacapsule/go-capsulelog/storage"
	"github.com/datacapsule/go-capsulelog/wire"
)

type testRig struct {
	srv     *Server
	sess    *session
	creator *ecdsa.PrivateKey
	writer  *ecdsa.PrivateKey
	dcName  capsule.Hash
}

func newTestRig(t *testing.T, mode Mode, opts Options) *testRig {
	t.Helper()
	db, err := storage.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	serverKey, err := capsule.GenerateKey()
	require.NoError(t, err)
	creator, err := capsule.GenerateKey()
	require.NoError(t, err)
	writer, err := capsule.GenerateKey()
	require.NoError(t, err)

	srv := New("s1", mode, db, serverKey, opts, zerolog.Nop(), nil)
	rig := &testRig{
		srv:     srv,
		sess:    newSession(srv, zerolog.Nop()),
		creator: creator,
		writer:  writer,
	}

	md, err := capsule.NewMetadata(creator, &writer.PublicKey, "bench")
	require.NoError(t, err)
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpManageCreate, Metadata: md})
	require.Equal(t, wire.OpManageCreate, resp.Op)
	require.True(t, capsule.Verify(resp.Signature, md.Name(), &serverKey.PublicKey))
	rig.dcName = md.Name()

	resp = rig.sess.dispatch(wire.Request{Op: wire.OpInit, Name: &rig.dcName})
	require.Equal(t, wire.OpInit, resp.Op)
	return rig
}

func (r *testRig) write(t *testing.T, body []byte) capsule.Hash {
	t.Helper()
	resp := r.sess.dispatch(wire.Request{Op: wire.OpWrite, Body: body})
	require.Equal(t, wire.OpWrite, resp.Op)
	require.Equal(t, capsule.HashBytes(body), *resp.Name)
	return *resp.Name
}

func (r *testRig) commit(t *testing.T, additional capsule.Hash, records []capsule.Hash) capsule.Hash {
	t.Helper()
	root := merkle.Root(records, additional)
	sig, err := capsule.Sign(root, r.writer)
	require.NoError(t, err)
	resp := r.sess.dispatch(wire.Request{Op: wire.OpCommit, Name: &additional, Signature: sig})
	require.Equal(t, wire.OpCommit, resp.Op)
	require.Equal(t, root, *resp.Name)
	return root
}

func TestRequestBeforeInitFails(t *testing.T) {
	db, err := storage.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	key, err := capsule.GenerateKey()
	require.NoError(t, err)

	srv := New("s1", ModeMerkle, db, key, Options{}, zerolog.Nop(), nil)
	sess := newSession(srv, zerolog.Nop())

	resp := sess.dispatch(wire.Request{Op: wire.OpWrite, Body: []byte("x")})
	assert.Equal(t, wire.OpFailed, resp.Op)

	name := capsule.HashBytes([]byte("unknown"))
	resp = sess.dispatch(wire.Request{Op: wire.OpInit, Name: &name})
	assert.Equal(t, wire.OpFailed, resp.Op)
}

func TestCreateRejectsBadMetadataSignature(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{})

	md, err := capsule.NewMetadata(rig.creator, &rig.writer.PublicKey, "second")
	require.NoError(t, err)
	md.Description = "tampered"
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpManageCreate, Metadata: md})
	assert.Equal(t, wire.OpFailed, resp.Op)
}

func TestMerkleWriteCommitReadProof(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{})

	bodies := [][]byte{[]byte("r1"), []byte("r2"), []byte("r3")}
	var records []capsule.Hash
	for _, b := range bodies {
		records = append(records, rig.write(t, b))
	}
	root := rig.commit(t, rig.dcName, records)

	// read back
	for i, name := range records {
		resp := rig.sess.dispatch(wire.Request{Op: wire.OpRead, Name: &name})
		require.Equal(t, wire.OpRead, resp.Op)
		assert.Equal(t, bodies[i], resp.Body)
	}

	// first proof carries the signed root and verifies client-side
	clientRS := merkle.NewReadState()
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &records[0]})
	require.Equal(t, wire.OpProof, resp.Op)
	require.NotNil(t, resp.MerkleProof.Root)
	assert.Equal(t, root, resp.MerkleProof.Root.Name)
	require.NoError(t, merkle.VerifyProof(records[0], resp.MerkleProof, &rig.writer.PublicKey, clientRS))

	// the second proof rides the mirrored cache: no root resent
	resp = rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &records[1]})
	require.Equal(t, wire.OpProof, resp.Op)
	assert.Nil(t, resp.MerkleProof.Root)
	require.NoError(t, merkle.VerifyProof(records[1], resp.MerkleProof, &rig.writer.PublicKey, clientRS))
}

func TestCommitRejectsBadSignature(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{})
	record := rig.write(t, []byte("r1"))

	root := merkle.Root([]capsule.Hash{record}, rig.dcName)
	sig, err := capsule.Sign(root, rig.creator) // wrong key
	require.NoError(t, err)
	additional := rig.dcName
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpCommit, Name: &additional, Signature: sig})
	assert.Equal(t, wire.OpFailed, resp.Op)

	// nothing persisted: a proof for the record still fails
	resp = rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &record})
	assert.Equal(t, wire.OpFailed, resp.Op)
}

func TestBranchingCommitsBothBecomeOrphans(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{})

	r1 := rig.write(t, []byte("left"))
	rootA := rig.commit(t, rig.dcName, []capsule.Hash{r1})

	r2 := rig.write(t, []byte("right"))
	rootB := rig.commit(t, rig.dcName, []capsule.Hash{r2})

	resp := rig.sess.dispatch(wire.Request{Op: wire.OpFreshest})
	require.Equal(t, wire.OpFreshest, resp.Op)
	names := map[capsule.Hash]bool{}
	for _, c := range resp.Commits {
		names[c.Name] = true
		assert.True(t, capsule.Verify(c.Signature, c.Name, &rig.writer.PublicKey))
	}
	assert.True(t, names[rootA])
	assert.True(t, names[rootB])
	assert.Len(t, names, 2)
}

func TestSequentialCommitReplacesOrphan(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{})

	r1 := rig.write(t, []byte("one"))
	root1 := rig.commit(t, rig.dcName, []capsule.Hash{r1})
	r2 := rig.write(t, []byte("two"))
	root2 := rig.commit(t, root1, []capsule.Hash{r2})

	resp := rig.sess.dispatch(wire.Request{Op: wire.OpFreshest})
	require.Equal(t, wire.OpFreshest, resp.Op)
	require.Len(t, resp.Commits, 1)
	assert.Equal(t, root2, resp.Commits[0].Name)

	// a record of the first commit still proves against its own signed root
	clientRS := merkle.NewReadState()
	resp = rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &r1})
	require.Equal(t, wire.OpProof, resp.Op)
	require.NotNil(t, resp.MerkleProof.Root)
	require.NoError(t, merkle.VerifyProof(r1, resp.MerkleProof, &rig.writer.PublicKey, clientRS))
}

func TestCommitRecordsEnumeratesLeaves(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{})

	var records []capsule.Hash
	for _, b := range [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")} {
		records = append(records, rig.write(t, b))
	}
	root := rig.commit(t, rig.dcName, records)

	resp := rig.sess.dispatch(wire.Request{Op: wire.OpCommitRecords, Name: &root})
	require.Equal(t, wire.OpCommitRecords, resp.Op)
	assert.Equal(t, rig.dcName, *resp.Additional)
	assert.Equal(t, records, resp.Records)
	assert.Equal(t, root, merkle.Root(resp.Records, *resp.Additional))
}

func TestSigAvoidSparesTheSignature(t *testing.T) {
	rig := newTestRig(t, ModeMerkle, Options{SigAvoid: 4})

	// three chained commits so the oldest root is signed but uncached
	r1 := rig.write(t, []byte("one"))
	root1 := rig.commit(t, rig.dcName, []capsule.Hash{r1})
	r2 := rig.write(t, []byte("two"))
	root2 := rig.commit(t, root1, []capsule.Hash{r2})
	r3 := rig.write(t, []byte("three"))
	rig.commit(t, root2, []capsule.Hash{r3})

	clientRS := merkle.NewReadState()

	// prove r3: the newest signed root enters both caches
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &r3})
	require.Equal(t, wire.OpProof, resp.Op)
	require.NotNil(t, resp.MerkleProof.Root)
	require.NoError(t, merkle.VerifyProof(r3, resp.MerkleProof, &rig.writer.PublicKey, clientRS))

	// prove r1: root1 is signed but uncached; its parent chain reaches
	// cached state within SigAvoid hops, so the server splices nodes
	// instead of resending a signature
	resp = rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &r1})
	require.Equal(t, wire.OpProof, resp.Op)
	assert.Nil(t, resp.MerkleProof.Root)
	assert.GreaterOrEqual(t, len(resp.MerkleProof.Nodes), 2)
	require.NoError(t, merkle.VerifyProof(r1, resp.MerkleProof, &rig.writer.PublicKey, clientRS))
}

func dagWrite(t *testing.T, rig *testRig, plaintext []byte, prev capsule.Hash) capsule.Hash {
	t.Helper()
	body := append([]byte("sealed:"), plaintext...)
	rec := &capsule.Record{
		Body: body,
		Header: capsule.RecordHeader{
			BodyPtr:  capsule.HashBytes(body),
			BackPtrs: []capsule.BackPtr{{Ptr: prev}},
		},
	}
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpWrite, Record: rec})
	require.Equal(t, wire.OpWrite, resp.Op)
	require.Equal(t, rec.Header.Name(), *resp.Name)
	return *resp.Name
}

func TestDagWriteRejectsBodyPtrMismatch(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})

	rec := &capsule.Record{
		Body: []byte("actual bytes"),
		Header: capsule.RecordHeader{
			BodyPtr:  capsule.HashBytes([]byte("claimed bytes")),
			BackPtrs: []capsule.BackPtr{{Ptr: rig.dcName}},
		},
	}
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpWrite, Record: rec})
	assert.Equal(t, wire.OpFailed, resp.Op)
}

func TestDagWriteRejectsMissingBackPtrs(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})

	body := []byte("floating")
	rec := &capsule.Record{Body: body, Header: capsule.RecordHeader{BodyPtr: capsule.HashBytes(body)}}
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpWrite, Record: rec})
	assert.Equal(t, wire.OpFailed, resp.Op)
}

func TestDagSignAndPropagationProveChain(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})

	r1 := dagWrite(t, rig, []byte("one"), rig.dcName)
	r2 := dagWrite(t, rig, []byte("two"), r1)
	r3 := dagWrite(t, rig, []byte("three"), r2)

	sig, err := capsule.Sign(r3, rig.writer)
	require.NoError(t, err)
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpSign, Name: &r3, Signature: sig})
	require.Equal(t, wire.OpSign, resp.Op)

	// run the scheduled propagation synchronously
	job := <-rig.srv.propagation
	require.NoError(t, rig.srv.propagateWitness(job.dc, job.base))

	ws := storage.NewWitnessStore(rig.srv.db, rig.dcName)
	w1, err := ws.Get(r1)
	require.NoError(t, err)
	assert.Equal(t, capsule.WitnessNextRecord, w1.Kind)
	assert.Equal(t, r2, w1.Next)
	assert.Equal(t, uint64(2), w1.Distance)

	// the proof for r1 chains r1 -> r2 -> r3 and ends at the signature
	resp = rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &r1})
	require.Equal(t, wire.OpProof, resp.Op)
	proof := resp.ChainProof
	require.NotNil(t, proof)
	require.Len(t, proof.Chain, 3)
	assert.Equal(t, r1, proof.Chain[0].Name())
	assert.Equal(t, r3, proof.Chain[2].Name())
	require.NotNil(t, proof.Signature)
	assert.Equal(t, r3, proof.Signature.Name)
	assert.True(t, capsule.Verify(proof.Signature.Signature, r3, &rig.writer.PublicKey))
}

func TestDagSignRejectsForeignSignature(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})
	r1 := dagWrite(t, rig, []byte("one"), rig.dcName)

	sig, err := capsule.Sign(r1, rig.creator) // not the writer
	require.NoError(t, err)
	resp := rig.sess.dispatch(wire.Request{Op: wire.OpSign, Name: &r1, Signature: sig})
	assert.Equal(t, wire.OpFailed, resp.Op)
}

func TestDagProofIsPartialBeforeAnySignature(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})
	r1 := dagWrite(t, rig, []byte("one"), rig.dcName)

	resp := rig.sess.dispatch(wire.Request{Op: wire.OpProof, Name: &r1})
	require.Equal(t, wire.OpProof, resp.Op)
	require.NotNil(t, resp.ChainProof)
	assert.Nil(t, resp.ChainProof.Signature)
	assert.Len(t, resp.ChainProof.Chain, 1)
}

func TestDagReadReturnsRecord(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})
	r1 := dagWrite(t, rig, []byte("one"), rig.dcName)

	resp := rig.sess.dispatch(wire.Request{Op: wire.OpRead, Name: &r1})
	require.Equal(t, wire.OpRead, resp.Op)
	require.NotNil(t, resp.Record)
	assert.Equal(t, r1, resp.Record.Header.Name())
	assert.Equal(t, resp.Record.Header.BodyPtr, capsule.HashBytes(resp.Record.Body))
}

func TestDagWriteIsIdempotent(t *testing.T) {
	rig := newTestRig(t, ModeDag, Options{})

	r1 := dagWrite(t, rig, []byte("one"), rig.dcName)
	again := dagWrite(t, rig, []byte("one"), rig.dcName)
	assert.Equal(t, r1, again)

	ds := storage.NewDagStore(rig.srv.db, rig.dcName)
	heads, err := ds.Heads()
	require.NoError(t, err)
	assert.Equal(t, []capsule.Hash{r1}, heads)
}
