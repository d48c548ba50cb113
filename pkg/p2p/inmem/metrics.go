// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inmem

import (
	"github.com/prometheus/client_golang/prometheus"
	m "github.com/safenetwork/safenode/pkg/metrics"
)

type metrics struct {
	CreatedStreamCount prometheus.Counter
	HandlerErrorCount  prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "inmem"

	return metrics{
		CreatedStreamCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "created_stream_count",
			Help:      "Number of streams opened to other in-process nodes.",
		}),
		HandlerErrorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "handler_error_count",
			Help:      "Number of protocol handlers that returned an error.",
		}),
	}
}
