// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api serves the request surface of a node over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/register"
	"github.com/safenetwork/safenode/pkg/spend"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
	"github.com/safenetwork/safenode/pkg/topology/membership"
	"github.com/safenetwork/safenode/pkg/tracing"
	"github.com/sirupsen/logrus"
)

// Node is the request surface of a node.
type Node interface {
	Overlay() swarm.Address
	Snapshot() *membership.Snapshot
	CloseGroup(addr swarm.Address) []membership.Peer
	StoreChunk(ctx context.Context, data []byte) (swarm.Address, error)
	GetChunk(ctx context.Context, addr swarm.Address) (swarm.Chunk, error)
	CreateRegister(ctx context.Context, addr swarm.Address) error
	WriteRegister(ctx context.Context, addr swarm.Address, payload []byte, parents []swarm.Address) (swarm.Address, error)
	ReadRegister(ctx context.Context, addr swarm.Address) ([]register.Entry, error)
	SubmitSpend(ctx context.Context, input swarm.Address, tx spend.Transaction) (*spend.Record, error)
	GetSpend(ctx context.Context, input swarm.Address) (*spend.Record, []spend.Attempt, error)
}

type Service interface {
	http.Handler
	Metrics() []prometheus.Collector
}

type server struct {
	node    Node
	logger  logging.Logger
	tracer  *tracing.Tracer
	metrics metrics
	http.Handler

	metricsRegistry *prometheus.Registry
}

type Options struct {
	// MetricsRegistry is served on /metrics. The API metrics are
	// registered into it.
	MetricsRegistry *prometheus.Registry
}

// New returns the HTTP handler of the API.
func New(node Node, logger logging.Logger, tracer *tracing.Tracer, o Options) Service {
	s := &server{
		node:            node,
		logger:          logger,
		tracer:          tracer,
		metrics:         newMetrics(),
		metricsRegistry: o.MetricsRegistry,
	}
	if s.metricsRegistry == nil {
		s.metricsRegistry = prometheus.NewRegistry()
	}
	for _, c := range s.Metrics() {
		if err := s.metricsRegistry.Register(c); err != nil {
			logger.Debugf("api: register metrics: %v", err)
		}
	}

	s.setupRouting()

	return s
}

// newTracingHandler continues the trace of the request or starts a new one.
func (s *server) newTracingHandler(spanName string) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := s.tracer.WithContextFromHTTPHeaders(r.Context(), r.Header)
			if err != nil && !errors.Is(err, tracing.ErrContextNotFound) {
				s.logger.Debugf("span '%s': extract tracing context: %v", spanName, err)
			}

			span, _, ctx := s.tracer.StartSpanFromContext(ctx, spanName, s.logger)
			defer span.Finish()

			if err := s.tracer.AddContextHTTPHeader(ctx, r.Header); err != nil {
				s.logger.Debugf("span '%s': inject tracing context: %v", spanName, err)
			}

			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// respondError maps errors of the request surface to status codes.
func (s *server) respondError(w http.ResponseWriter, logger *logrus.Entry, op string, err error) {
	var dse *spend.DoubleSpendError
	switch {
	case errors.As(err, &dse):
		jsonhttp.Conflict(w, doubleSpendResponse{
			Message:  dse.Error(),
			Code:     http.StatusConflict,
			Existing: newSpendResponse(dse.Existing, nil),
			Partial:  newSpendResponse(dse.Partial, nil),
		})
	case errors.Is(err, spend.ErrRejected):
		jsonhttp.Conflict(w, err)
	case errors.Is(err, topology.ErrNotResponsible):
		jsonhttp.MisdirectedRequest(w, "not in the close group of the address")
	case errors.Is(err, storage.ErrNotFound):
		jsonhttp.NotFound(w, nil)
	case errors.Is(err, register.ErrParentNotFound):
		jsonhttp.NotFound(w, "parent not found")
	case errors.Is(err, register.ErrExists):
		jsonhttp.Conflict(w, "register exists")
	case errors.Is(err, storage.ErrInvalidChunk),
		errors.Is(err, register.ErrMalformedEntry),
		errors.Is(err, spend.ErrInvalidTransaction):
		jsonhttp.BadRequest(w, err)
	case errors.Is(err, spend.ErrQuorumTimeout):
		jsonhttp.GatewayTimeout(w, err)
	case errors.Is(err, spend.ErrQuorumNotReached):
		jsonhttp.ServiceUnavailable(w, err)
	default:
		logger.Debugf("%s: %v", op, err)
		logger.Errorf("%s failed", op)
		jsonhttp.InternalServerError(w, nil)
	}
}
