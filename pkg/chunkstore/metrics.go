// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chunkstore

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	Puts          prometheus.Counter
	PutExisting   prometheus.Counter
	Gets          prometheus.Counter
	Removes       prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	InvalidChunks prometheus.Counter
	WriteErrors   prometheus.Counter
	Chunks        prometheus.Gauge
}

func newMetrics() metrics {
	subsystem := "chunkstore"

	return metrics{
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "put_count",
			Help:      "Number of chunks written.",
		}),
		PutExisting: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "put_existing_count",
			Help:      "Number of puts for chunks that were already stored.",
		}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "get_count",
			Help:      "Number of chunk reads.",
		}),
		Removes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "remove_count",
			Help:      "Number of chunks removed.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "cache_hit_count",
			Help:      "Number of reads served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "cache_miss_count",
			Help:      "Number of reads that missed the cache.",
		}),
		InvalidChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "invalid_chunk_count",
			Help:      "Number of chunks rejected or found corrupted.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "write_error_count",
			Help:      "Number of failed chunk writes.",
		}),
		Chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "chunks",
			Help:      "Number of stored chunks.",
		}),
	}
}

func (s *Store) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
