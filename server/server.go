// Package server implements the capsule storage service: the accept loop
// that fans inbound envelopes out to per-client sessions, the request
// router, the merkle and DAG handlers, the proof builders, and the
// background witness propagation worker.
//
// Requests inside one envelope are applied strictly in order against the
// session state; the response envelope has the same length with
// positionally matched slots. A failing request occupies its slot as a
// failure and never disturbs its neighbours. The server is untrusted for
// correctness: everything it returns is client-verifiable.
package server

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/p2p"
	"github.com/datacapsule/go-capsulelog/storage"
	"github.com/datacapsule/go-capsulelog/wire"
)

// Mode selects the storage discipline a server instance runs.
type Mode uint8

const (
	// ModeMerkle groups records into client-signed merkle commits.
	ModeMerkle Mode = iota
	// ModeDag chains records through explicit back-pointers and witnesses.
	ModeDag
)

func (m Mode) String() string {
	if m == ModeDag {
		return "dag"
	}
	return "merkle"
}

// Options tune a server beyond its identity.
type Options struct {
	// SigAvoid is the number of extra tree nodes the merkle proof builder
	// may return instead of a signature the client can already chain to.
	// Zero disables the optimisation; sequential workloads want it off.
	SigAvoid int
}

// Server owns the shared state behind every session: the store, the
// signing key, and the propagation worker.
type Server struct {
	name    string
	mode    Mode
	db      *storage.DB
	key     *ecdsa.PrivateKey
	opts    Options
	log     zerolog.Logger
	metrics *metrics

	propagation chan propagationJob
}

// New assembles a server. Metrics are registered on reg; pass nil to skip
// registration (tests).
func New(name string, mode Mode, db *storage.DB, key *ecdsa.PrivateKey, opts Options, log zerolog.Logger, reg prometheus.Registerer) *Server {
	return &Server{
		name:        name,
		mode:        mode,
		db:          db,
		key:         key,
		opts:        opts,
		log:         log.With().Str("server", name).Str("mode", mode.String()).Logger(),
		metrics:     newMetrics(reg),
		propagation: make(chan propagationJob, 1024),
	}
}

// Run accepts connections until ctx is cancelled or the transport closes.
// Each peer gets one session goroutine fed by an inbound pipe, so the
// envelopes of one sender stay FIFO while senders proceed independently.
func (s *Server) Run(ctx context.Context, comm *p2p.Comm) error {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.propagationWorker(ctx)
	}()

	go func() {
		<-ctx.Done()
		comm.Close()
	}()

	var mu sync.Mutex
	var recvWG, sessWG sync.WaitGroup
	pipes := make(map[string]chan p2p.Message)

	s.log.Info().Msg("accepting connections")
	var acceptErr error
	for {
		rcv, err := comm.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = err
			}
			break
		}
		sender := comm.NewSender()

		recvWG.Add(1)
		go func() {
			defer recvWG.Done()
			for {
				m, err := rcv.Receive()
				if err != nil {
					s.log.Debug().Err(err).Str("peer", rcv.Peer()).Msg("receive failed")
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				pipe, ok := pipes[m.Sender]
				if !ok {
					pipe = make(chan p2p.Message, 64)
					pipes[m.Sender] = pipe
					sessWG.Add(1)
					go func(client string) {
						defer sessWG.Done()
						s.serveClient(client, pipe, sender)
					}(m.Sender)
				}
				mu.Unlock()
				pipe <- *m
			}
		}()
	}

	// connections are gone; drain sessions, then the propagation worker
	recvWG.Wait()
	mu.Lock()
	for _, pipe := range pipes {
		close(pipe)
	}
	mu.Unlock()
	sessWG.Wait()
	close(s.propagation)
	<-workerDone
	return acceptErr
}

// serveClient runs one client's session until its pipe closes.
func (s *Server) serveClient(client string, pipe <-chan p2p.Message, sender *p2p.Sender) {
	s.metrics.sessions.Inc()
	defer s.metrics.sessions.Dec()

	log := s.log.With().Str("client", client).Logger()
	sess := newSession(s, log)

	for m := range pipe {
		var requests []wire.Request
		if err := wire.Unmarshal(m.Content, &requests); err != nil {
			log.Error().Err(err).Msg("undecodable envelope, dropping session")
			return
		}

		responses := make([]wire.Response, 0, len(requests))
		for _, req := range requests {
			resp := sess.dispatch(req)
			s.metrics.observe(req.Op, resp.Op)
			responses = append(responses, resp)
		}

		content, err := wire.Marshal(responses)
		if err != nil {
			log.Error().Err(err).Msg("unencodable response envelope, dropping session")
			return
		}
		if err := sender.SendOne(p2p.Message{
			Dest:    client,
			Sender:  s.name,
			Content: content,
		}); err != nil {
			log.Error().Err(err).Msg("send failed, dropping session")
			return
		}
	}
}

// countersign signs a hash with the server key, acknowledging durability.
func (s *Server) countersign(h capsule.Hash) (capsule.Signature, bool) {
	sig, err := capsule.Sign(h, s.key)
	if err != nil {
		s.log.Error().Err(err).Msg("countersign failed")
		return nil, false
	}
	return sig, true
}
