// Copyright 2022 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safenetwork/safenode/pkg/metrics"
)

type nodeMetrics struct {
	// Requests counts request surface calls by operation.
	Requests *prometheus.CounterVec
	// NotResponsible counts requests for addresses outside of the
	// close groups of the node.
	NotResponsible *prometheus.CounterVec
	RemoteFetches  prometheus.Counter
	RemoteFetchErr prometheus.Counter
}

func newMetrics() nodeMetrics {
	subsystem := "node"

	return nodeMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Number of requests handled by operation.",
			},
			[]string{"operation"},
		),
		NotResponsible: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: subsystem,
				Name:      "not_responsible_total",
				Help:      "Number of requests rejected because the node is not in the close group.",
			},
			[]string{"operation"},
		),
		RemoteFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "remote_fetches_total",
			Help:      "Number of chunks retrieved from close group peers.",
		}),
		RemoteFetchErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "remote_fetch_errors_total",
			Help:      "Number of failed chunk retrievals from close group peers.",
		}),
	}
}

func (n *Node) Metrics() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(n.metrics)
}
