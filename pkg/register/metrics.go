// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package register

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	Created       prometheus.Counter
	Writes        prometheus.Counter
	Merges        prometheus.Counter
	MergedEntries prometheus.Counter
	Snapshots     prometheus.Counter
	Removed       prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "register"

	return metrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "created_count",
			Help:      "Number of registers created.",
		}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "write_count",
			Help:      "Number of entries written locally.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "merge_count",
			Help:      "Number of merges of remote entries.",
		}),
		MergedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "merged_entry_count",
			Help:      "Number of remote entries applied.",
		}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "snapshot_count",
			Help:      "Number of register snapshots taken.",
		}),
		Removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "removed_count",
			Help:      "Number of registers removed from this node.",
		}),
	}
}

func (s *Store) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
