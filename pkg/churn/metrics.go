// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package churn

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	Events             prometheus.Counter
	OffersSent         prometheus.Counter
	OfferErrors        prometheus.Counter
	ItemsOffered       prometheus.Counter
	PullsScheduled     prometheus.Counter
	PullsCompleted     prometheus.Counter
	PullRetries        prometheus.Counter
	PullsFailed        prometheus.Counter
	EvictionsScheduled prometheus.Counter
	EvictionsDeferred  prometheus.Counter
	EvictionsCanceled  prometheus.Counter
	Evicted            prometheus.Counter
	Reconciliations    prometheus.Counter
	RebalancingRanges  prometheus.Gauge
}

func newMetrics() metrics {
	subsystem := "churn"

	return metrics{
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "events_count",
			Help:      "Number of processed membership changes.",
		}),
		OffersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "offers_sent_count",
			Help:      "Number of successful offers.",
		}),
		OfferErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "offer_error_count",
			Help:      "Number of failed offers.",
		}),
		ItemsOffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "items_offered_count",
			Help:      "Number of items offered to peers.",
		}),
		PullsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pulls_scheduled_count",
			Help:      "Number of scheduled pulls.",
		}),
		PullsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pulls_completed_count",
			Help:      "Number of completed pulls.",
		}),
		PullRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pull_retry_count",
			Help:      "Number of retried pull attempts.",
		}),
		PullsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "pulls_failed_count",
			Help:      "Number of pulls that ran out of attempts.",
		}),
		EvictionsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "evictions_scheduled_count",
			Help:      "Number of scheduled evictions.",
		}),
		EvictionsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "evictions_deferred_count",
			Help:      "Number of evictions deferred for missing replicas.",
		}),
		EvictionsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "evictions_canceled_count",
			Help:      "Number of evictions canceled because the node became responsible again.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "evicted_count",
			Help:      "Number of evicted items.",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "reconciliation_count",
			Help:      "Number of reconciliation passes.",
		}),
		RebalancingRanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "rebalancing_ranges",
			Help:      "Number of address ranges with outstanding work.",
		}),
	}
}

func (c *Coordinator) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(c.metrics)
}
