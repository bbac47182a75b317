package capsule

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Signature is a DER encoded ECDSA-P256 signature over a 32 byte digest.
// Signatures are always over a Hash, never over raw content.
type Signature []byte

var (
	ErrBadPublicKey  = errors.New("public key bytes are not a valid P-256 point")
	ErrBadPrivateKey = errors.New("private key PEM is not a valid EC key")
)

// GenerateKey creates a fresh P-256 signing key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// MarshalPublicKey serializes a public key as a compressed curve point.
// This is the canonical form used inside capsule metadata, so it feeds
// directly into capsule names.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
}

// ParsePublicKey is the inverse of MarshalPublicKey.
func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), b)
	if x == nil {
		return nil, ErrBadPublicKey
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// MarshalPrivateKeyPEM serializes a signing key in the SEC 1 PEM form the
// server loads at startup.
func MarshalPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM loads a SEC 1 or PKCS#8 PEM encoded P-256 key.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrBadPrivateKey
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPrivateKey, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrBadPrivateKey
	}
	return key, nil
}

// Sign produces a DER signature over the given hash.
func Sign(h Hash, key *ecdsa.PrivateKey) (Signature, error) {
	return ecdsa.SignASN1(rand.Reader, key, h[:])
}

// Verify reports whether sig is a valid signature over h by pub.
func Verify(sig Signature, h Hash, pub *ecdsa.PublicKey) bool {
	return ecdsa.VerifyASN1(pub, h[:], sig)
}
