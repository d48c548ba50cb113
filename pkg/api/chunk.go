// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/tracing"
)

type chunkAddressResponse struct {
	Address swarm.Address `json:"address"`
}

func (s *server) chunkUploadHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		if jsonhttp.HandleBodyReadError(err, w) {
			return
		}
		logger.Debugf("chunk upload: read body: %v", err)
		logger.Error("chunk upload: read body")
		jsonhttp.InternalServerError(w, "cannot read chunk data")
		return
	}

	addr, err := s.node.StoreChunk(r.Context(), data)
	if err != nil {
		s.respondError(w, logger, "chunk upload", err)
		return
	}

	jsonhttp.Created(w, chunkAddressResponse{Address: addr})
}

func (s *server) chunkGetHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	addr, ok := s.parseAddress(w, r, "address")
	if !ok {
		return
	}

	ch, err := s.node.GetChunk(r.Context(), addr)
	if err != nil {
		s.respondError(w, logger, "chunk get", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(ch.Data())))
	if _, err := io.Copy(w, bytes.NewReader(ch.Data())); err != nil {
		logger.Debugf("chunk get: write chunk %s: %v", addr, err)
		logger.Errorf("chunk get: write chunk %s", addr)
	}
}
