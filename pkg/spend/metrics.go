// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spend

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	Attested            prometheus.Counter
	Conflicts           prometheus.Counter
	DoubleSpendAttempts prometheus.Counter
	Committed           prometheus.Counter
	InvalidCommits      prometheus.Counter
	TentativeExpired    prometheus.Counter
	RateLimited         prometheus.Counter
	Submitted           prometheus.Counter
	SubmitFailed        prometheus.Counter
	SubmitTime          prometheus.Histogram
	QuorumTimeouts      prometheus.Counter
	Polls               prometheus.Counter
	ConflictingCommits  prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "spend"

	return metrics{
		Attested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "attested_count",
			Help:      "Number of attestations signed.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "conflict_count",
			Help:      "Number of attest requests refused for a conflicting tentative candidate.",
		}),
		DoubleSpendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "double_spend_attempt_count",
			Help:      "Number of requests for inputs committed to another transaction.",
		}),
		Committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "committed_count",
			Help:      "Number of spend records committed.",
		}),
		InvalidCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "invalid_commit_count",
			Help:      "Number of commits rejected for insufficient attestations.",
		}),
		TentativeExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "tentative_expired_count",
			Help:      "Number of tentative candidates that expired without a commit.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "rate_limited_count",
			Help:      "Number of attest requests refused by the per peer rate limit.",
		}),
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "submit_count",
			Help:      "Number of spends submitted by this node.",
		}),
		SubmitFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "submit_failed_count",
			Help:      "Number of submitted spends that were rejected.",
		}),
		SubmitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "submit_time",
			Help:      "Histogram of spend submission durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		QuorumTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "quorum_timeout_count",
			Help:      "Number of submissions that timed out before reaching a quorum.",
		}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "poll_count",
			Help:      "Number of attest requests repeated after a conflict or rate limit.",
		}),
		ConflictingCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "conflicting_commit_count",
			Help:      "Number of submissions committed by some members while another transaction was committed.",
		}),
	}
}

func (s *Service) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
