// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/register"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/tracing"
)

type registerWriteRequest struct {
	Payload []byte          `json:"payload"`
	Parents []swarm.Address `json:"parents"`
}

type registerWriteResponse struct {
	Hash swarm.Address `json:"hash"`
}

type registerEntryResponse struct {
	Hash    swarm.Address   `json:"hash"`
	Parents []swarm.Address `json:"parents"`
	Payload []byte          `json:"payload"`
}

type registerReadResponse struct {
	Address swarm.Address           `json:"address"`
	Tips    []registerEntryResponse `json:"tips"`
}

func (s *server) registerCreateHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	addr, ok := s.parseAddress(w, r, "address")
	if !ok {
		return
	}

	if err := s.node.CreateRegister(r.Context(), addr); err != nil {
		s.respondError(w, logger, "register create", err)
		return
	}

	jsonhttp.Created(w, chunkAddressResponse{Address: addr})
}

func (s *server) registerWriteHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	addr, ok := s.parseAddress(w, r, "address")
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if jsonhttp.HandleBodyReadError(err, w) {
			return
		}
		logger.Debugf("register write: read body: %v", err)
		logger.Error("register write: read body")
		jsonhttp.InternalServerError(w, "cannot read request")
		return
	}

	var req registerWriteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Debugf("register write: unmarshal request: %v", err)
		jsonhttp.BadRequest(w, "malformed request")
		return
	}
	for _, p := range req.Parents {
		if !p.IsValid() {
			jsonhttp.BadRequest(w, "invalid parent")
			return
		}
	}

	hash, err := s.node.WriteRegister(r.Context(), addr, req.Payload, req.Parents)
	if err != nil {
		s.respondError(w, logger, "register write", err)
		return
	}

	jsonhttp.Created(w, registerWriteResponse{Hash: hash})
}

func (s *server) registerReadHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	addr, ok := s.parseAddress(w, r, "address")
	if !ok {
		return
	}

	tips, err := s.node.ReadRegister(r.Context(), addr)
	if err != nil {
		s.respondError(w, logger, "register read", err)
		return
	}

	resp := registerReadResponse{
		Address: addr,
		Tips:    make([]registerEntryResponse, 0, len(tips)),
	}
	for _, e := range tips {
		resp.Tips = append(resp.Tips, newRegisterEntryResponse(e))
	}
	jsonhttp.OK(w, resp)
}

func newRegisterEntryResponse(e register.Entry) registerEntryResponse {
	parents := e.Parents
	if parents == nil {
		parents = []swarm.Address{}
	}
	return registerEntryResponse{
		Hash:    e.Hash,
		Parents: parents,
		Payload: e.Payload,
	}
}

// parseAddress reads the hex address from the named path variable and
// responds with bad request if it is not a valid address.
func (s *server) parseAddress(w http.ResponseWriter, r *http.Request, name string) (swarm.Address, bool) {
	str := mux.Vars(r)[name]
	addr, err := swarm.ParseHexAddress(str)
	if err == nil && !addr.IsValid() {
		err = errors.New("address length")
	}
	if err != nil {
		s.logger.Debugf("parse %s %q: %v", name, str, err)
		jsonhttp.BadRequest(w, "invalid "+name)
		return swarm.ZeroAddress, false
	}
	return addr, true
}
