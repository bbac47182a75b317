package server

import (
	"context"

	"github.com/datacapsule/go-capsulelog/capsule"
	"github.com/datacapsule/go-capsulelog/storage"
)

// propagationJob asks the worker to push the freshly signed base record's
// witness out to its ancestors.
type propagationJob struct {
	dc   capsule.Hash
	base capsule.Hash
}

// schedulePropagation hands a job to the background worker. A full queue
// drops the job: propagation is an optimisation, and the next Sign on the
// same region will converge it anyway.
func (s *Server) schedulePropagation(dc, base capsule.Hash) {
	select {
	case s.propagation <- propagationJob{dc: dc, base: base}:
	default:
		s.log.Warn().Str("record", base.String()).Msg("propagation queue full, dropping job")
	}
}

// propagationWorker is the only goroutine besides request handlers that
// writes the witness table. No coordination is needed: the per-key update
// is an atomic monotone join.
func (s *Server) propagationWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.propagation:
			if !ok {
				return
			}
			if err := s.propagateWitness(job.dc, job.base); err != nil {
				s.log.Error().Err(err).Str("record", job.base.String()).Msg("witness propagation failed")
			}
		}
	}
}

// propagateWitness floods NextRecordPtr witnesses breadth-first along the
// reverse of the base record's back-pointers. The wave dies out wherever
// the proposal is not strictly closer than the stored witness, and the
// distance grows every round, so the walk terminates.
func (s *Server) propagateWitness(dc, base capsule.Hash) error {
	dstore := storage.NewDagStore(s.db, dc)
	wstore := storage.NewWitnessStore(s.db, dc)

	type hop struct {
		name   capsule.Hash
		parent capsule.Hash
	}

	baseHeader, err := dstore.Header(base)
	if err != nil {
		return err
	}
	var wave []hop
	for _, bp := range baseHeader.BackPtrs {
		wave = append(wave, hop{name: bp.Ptr, parent: base})
	}

	distance := uint64(1)
	for len(wave) > 0 {
		var next []hop
		for _, h := range wave {
			header, err := dstore.Header(h.name)
			if err == storage.ErrNotFound {
				// a hole; the wave stops here
				continue
			}
			if err != nil {
				return err
			}
			proposed := capsule.NextRecordWitness(h.parent, distance)
			prev, err := wstore.Update(h.name, proposed)
			if err != nil {
				return err
			}
			// if we did not get closer, neither will our ancestors
			if !proposed.CloserThan(prev) {
				continue
			}
			for _, bp := range header.BackPtrs {
				next = append(next, hop{name: bp.Ptr, parent: h.name})
			}
		}
		wave = next
		distance++
	}

	s.metrics.propagated.Inc()
	s.metrics.propagation.Observe(float64(distance - 1))
	return nil
}
