// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package membership

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	Peers  prometheus.Gauge
	Events *prometheus.CounterVec
}

func newMetrics() metrics {
	subsystem := "membership"

	return metrics{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of online peers in the membership view, including the local node.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Number of applied membership events by type.",
		}, []string{"type"}),
	}
}

func (v *View) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(v.metrics)
}
