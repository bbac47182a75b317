// Package client implements the capsule protocol's client side: request
// construction, response pairing through sync tags, and the verification
// that makes the server untrusted for correctness — every response is
// checked against hashes the client computed itself, signatures by keys it
// chose to trust, and proof caches it keeps in lockstep with the server.
package client

import "errors"

var (
	// ErrServer is a Failed slot or a response of the wrong shape.
	ErrServer = errors.New("server failed the request")
	// ErrMismatchedHash means returned content does not hash to its name.
	ErrMismatchedHash = errors.New("returned content does not match its hash")
	// ErrBadSignature means a signature check failed.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrBadProof means a proof does not chain to trusted state.
	ErrBadProof = errors.New("proof verification failed")
	// ErrPartialProof means a well-formed chain ended before reaching a
	// signature. Not a soundness failure; re-request once witness
	// propagation has caught up.
	ErrPartialProof = errors.New("proof is partial, retry later")
	// ErrStreamEnded means the transport closed mid conversation.
	ErrStreamEnded = errors.New("stream ended")
	// ErrEnvelopeLength means request and response batches disagree in size.
	ErrEnvelopeLength = errors.New("response envelope length does not match request batch")
)
