// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	OffersSent     prometheus.Counter
	OffersReceived prometheus.Counter
	ItemsWanted    prometheus.Counter
	ItemsServed    prometheus.Counter
	ItemsPulled    prometheus.Counter
	PullErrors     prometheus.Counter
	PullTime       prometheus.Histogram
}

func newMetrics() metrics {
	subsystem := "replication"

	return metrics{
		OffersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "offers_sent_count",
			Help:      "Number of offers sent to peers.",
		}),
		OffersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "offers_received_count",
			Help:      "Number of offers received from peers.",
		}),
		ItemsWanted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "items_wanted_count",
			Help:      "Number of offered items requested from peers.",
		}),
		ItemsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "items_served_count",
			Help:      "Number of items delivered to peers.",
		}),
		ItemsPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "items_pulled_count",
			Help:      "Number of items pulled and stored.",
		}),
		PullErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pull_error_count",
			Help:      "Number of failed pulls.",
		}),
		PullTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pull_time",
			Help:      "Histogram of pull durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (s *Service) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
