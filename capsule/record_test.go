package capsule

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataNameBindsAllFields(t *testing.T) {
	creator, err := GenerateKey()
	require.NoError(t, err)
	writer, err := GenerateKey()
	require.NoError(t, err)

	md, err := NewMetadata(creator, &writer.PublicKey, "bench")
	require.NoError(t, err)
	require.True(t, md.Verify())

	name := md.Name()

	// any field change must change the name and break the signature
	tampered := *md
	tampered.Description = "bench2"
	assert.NotEqual(t, name, tampered.Name())
	assert.False(t, tampered.Verify())

	tampered = *md
	tampered.WriterPubKey = md.CreatorPubKey
	assert.NotEqual(t, name, tampered.Name())
	assert.False(t, tampered.Verify())
}

func TestRecordNameExcludesOffsets(t *testing.T) {
	body := []byte("opaque ciphertext")
	hops := uint64(3)
	header := RecordHeader{
		BodyPtr: HashBytes(body),
		BackPtrs: []BackPtr{
			{Ptr: HashBytes([]byte("a"))},
			{Ptr: HashBytes([]byte("b")), Offset: &hops},
		},
	}
	name := header.Name()

	// offsets are advisory hints, not part of the name
	withoutOffset := header
	withoutOffset.BackPtrs = []BackPtr{
		{Ptr: HashBytes([]byte("a"))},
		{Ptr: HashBytes([]byte("b"))},
	}
	assert.Equal(t, name, withoutOffset.Name())

	// but pointer order and targets are
	swapped := header
	swapped.BackPtrs = []BackPtr{header.BackPtrs[1], header.BackPtrs[0]}
	assert.NotEqual(t, name, swapped.Name())

	// and so is the body pointer
	rebodied := header
	rebodied.BodyPtr = HashBytes([]byte("other"))
	assert.NotEqual(t, name, rebodied.Name())
}

func TestRecordNameMatchesByteLayout(t *testing.T) {
	a, b := HashBytes([]byte("a")), HashBytes([]byte("b"))
	header := RecordHeader{BodyPtr: HashBytes([]byte("body")), BackPtrs: []BackPtr{{Ptr: a}, {Ptr: b}}}

	hasher := sha256.New()
	hasher.Write(header.BodyPtr[:])
	hasher.Write(a[:])
	hasher.Write(b[:])
	var want Hash
	hasher.Sum(want[:0])

	assert.Equal(t, want, header.Name())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	h := HashBytes([]byte("digest me"))
	sig, err := Sign(h, key)
	require.NoError(t, err)
	assert.True(t, Verify(sig, h, &key.PublicKey))
	assert.False(t, Verify(sig, HashBytes([]byte("other")), &key.PublicKey))

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, Verify(sig, h, &other.PublicKey))
}

func TestPublicKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	b := MarshalPublicKey(&key.PublicKey)
	pub, err := ParsePublicKey(b)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = ParsePublicKey([]byte{0x02, 0x01})
	assert.ErrorIs(t, err, ErrBadPublicKey)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	pemBytes, err := MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	loaded, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	assert.ErrorIs(t, err, ErrBadPrivateKey)
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key SymmetricKey
	copy(key[:], "0123456789abcdef")

	for _, size := range []int{0, 1, 15, 16, 17, 1000} {
		plain := make([]byte, size)
		for i := range plain {
			plain[i] = byte(i)
		}
		sealed, err := Seal(plain, key)
		require.NoError(t, err)
		// ciphertext is IV plus at least one block, whole blocks only
		require.GreaterOrEqual(t, len(sealed), 32)
		require.Zero(t, len(sealed)%16)

		got, err := Open(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestOpenRejectsMangledCiphertext(t *testing.T) {
	var key SymmetricKey
	copy(key[:], "0123456789abcdef")

	sealed, err := Seal([]byte("hello"), key)
	require.NoError(t, err)

	_, err = Open(sealed[:8], key)
	assert.ErrorIs(t, err, ErrCiphertextShort)

	_, err = Open(sealed[:len(sealed)-3], key)
	assert.ErrorIs(t, err, ErrCiphertextRagged)

	var wrong SymmetricKey
	copy(wrong[:], "fedcba9876543210")
	if _, err := Open(sealed, wrong); err == nil {
		// CBC padding may survive a wrong key by chance, but the overwhelming
		// majority of the time it does not
		t.Log("wrong key decrypted without padding error")
	}
}

func TestWitnessOrder(t *testing.T) {
	sig := SignatureWitness(Signature("sig"))
	near := NextRecordWitness(HashBytes([]byte("n")), 1)
	far := NextRecordWitness(HashBytes([]byte("f")), 9)

	assert.True(t, sig.CloserThan(near))
	assert.True(t, sig.CloserThan(NoWitness))
	assert.True(t, near.CloserThan(far))
	assert.True(t, far.CloserThan(NoWitness))

	assert.False(t, NoWitness.CloserThan(far))
	assert.False(t, far.CloserThan(near))
	assert.False(t, near.CloserThan(sig))
	assert.False(t, sig.CloserThan(sig))
}

func TestCloserIsMonotoneJoin(t *testing.T) {
	sig := SignatureWitness(Signature("sig"))
	near := NextRecordWitness(HashBytes([]byte("n")), 1)
	far := NextRecordWitness(HashBytes([]byte("f")), 9)

	// a stored witness never moves away from a signature
	w := NoWitness
	w = Closer(w, far)
	assert.Equal(t, far, w)
	w = Closer(w, near)
	assert.Equal(t, near, w)
	w = Closer(w, far)
	assert.Equal(t, near, w)
	w = Closer(w, sig)
	assert.Equal(t, sig, w)
	w = Closer(w, near)
	assert.Equal(t, sig, w)

	// ties keep the existing witness
	alt := NextRecordWitness(HashBytes([]byte("alt")), 1)
	assert.Equal(t, near, Closer(near, alt))
}
