package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datacapsule/go-capsulelog/wire"
)

type metrics struct {
	requests    *prometheus.CounterVec
	sessions    prometheus.Gauge
	propagated  prometheus.Counter
	propagation prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsule",
			Name:      "requests_total",
			Help:      "Requests handled, by op and outcome.",
		}, []string{"op", "failed"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capsule",
			Name:      "sessions_active",
			Help:      "Client sessions currently attached.",
		}),
		propagated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capsule",
			Name:      "witness_propagations_total",
			Help:      "Completed ancestor witness propagation jobs.",
		}),
		propagation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capsule",
			Name:      "witness_propagation_depth",
			Help:      "Hop distance reached by witness propagation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.sessions, m.propagated, m.propagation)
	}
	return m
}

func opName(op wire.Op) string {
	switch op {
	case wire.OpInit:
		return "init"
	case wire.OpManageCreate:
		return "manage_create"
	case wire.OpManageRead:
		return "manage_read"
	case wire.OpWrite:
		return "write"
	case wire.OpCommit:
		return "commit"
	case wire.OpSign:
		return "sign"
	case wire.OpRead:
		return "read"
	case wire.OpProof:
		return "proof"
	case wire.OpFreshest:
		return "freshest"
	case wire.OpCommitRecords:
		return "commit_records"
	default:
		return "unknown"
	}
}

func (m *metrics) observe(req wire.Op, resp wire.Op) {
	m.requests.WithLabelValues(opName(req), strconv.FormatBool(resp == wire.OpFailed)).Inc()
}
