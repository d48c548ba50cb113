// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/logging/httpaccess"
	"github.com/safenetwork/safenode/pkg/register"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/sirupsen/logrus"
	"resenje.org/web"
)

func (s *server) setupRouting() {
	apiVersion := "v1" // only one api version exists, this should be configurable with more

	handle := func(router *mux.Router, path string, handler http.Handler) {
		router.Handle(path, handler)
		router.Handle("/"+apiVersion+path, handler)
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(jsonhttp.NotFoundHandler)

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Safe Network Node")
	})

	router.Handle("/health", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.healthHandler),
	})
	router.Handle("/metrics", web.ChainHandlers(
		httpaccess.SetAccessLogLevelHandler(0), // suppress access log messages
		web.FinalHandler(promhttp.InstrumentMetricHandler(
			s.metricsRegistry,
			promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}),
		)),
	))

	handle(router, "/peers", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.peersHandler),
	})
	handle(router, "/closegroup/{address}", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.closeGroupHandler),
	})

	handle(router, "/chunks", jsonhttp.MethodHandler{
		"POST": web.ChainHandlers(
			jsonhttp.NewMaxBodyBytesHandler(swarm.MaxChunkSize),
			s.newTracingHandler("chunk-upload"),
			web.FinalHandlerFunc(s.chunkUploadHandler),
		),
	})
	handle(router, "/chunks/{address}", jsonhttp.MethodHandler{
		"GET": web.ChainHandlers(
			s.newTracingHandler("chunk-download"),
			web.FinalHandlerFunc(s.chunkGetHandler),
		),
	})

	handle(router, "/registers/{address}", jsonhttp.MethodHandler{
		"GET": web.ChainHandlers(
			s.newTracingHandler("register-read"),
			web.FinalHandlerFunc(s.registerReadHandler),
		),
		"POST": web.ChainHandlers(
			s.newTracingHandler("register-create"),
			web.FinalHandlerFunc(s.registerCreateHandler),
		),
	})
	handle(router, "/registers/{address}/entries", jsonhttp.MethodHandler{
		"POST": web.ChainHandlers(
			// payload, base64 expanded, and the parents
			jsonhttp.NewMaxBodyBytesHandler(2*register.MaxPayloadSize),
			s.newTracingHandler("register-write"),
			web.FinalHandlerFunc(s.registerWriteHandler),
		),
	})

	handle(router, "/spends/{input}", jsonhttp.MethodHandler{
		"GET": web.ChainHandlers(
			s.newTracingHandler("spend-get"),
			web.FinalHandlerFunc(s.spendGetHandler),
		),
		"POST": web.ChainHandlers(
			jsonhttp.NewMaxBodyBytesHandler(maxTransactionSize),
			s.newTracingHandler("spend-submit"),
			web.FinalHandlerFunc(s.spendSubmitHandler),
		),
	})

	s.Handler = web.ChainHandlers(
		httpaccess.NewHTTPAccessLogHandler(s.logger, logrus.InfoLevel, s.tracer, "api access"),
		handlers.CompressHandler,
		handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger.NewEntry()), handlers.PrintRecoveryStack(false)),
		s.pageviewMetricsHandler,
		s.responseCodeMetricsHandler,
		web.FinalHandler(router),
	)
}
