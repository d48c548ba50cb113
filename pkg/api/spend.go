// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"io"
	"net/http"
	"time"

	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/spend"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/tracing"
)

const maxTransactionSize = 64 * 1024

type attestationResponse struct {
	Attester  swarm.Address `json:"attester"`
	Expires   time.Time     `json:"expires"`
	Group     int           `json:"group"`
	Signature []byte        `json:"signature"`
}

type attemptResponse struct {
	TxID swarm.Address `json:"txId"`
	Tx   []byte        `json:"tx"`
	Seen time.Time     `json:"seen"`
}

type spendResponse struct {
	Input        swarm.Address         `json:"input"`
	TxID         swarm.Address         `json:"txId"`
	Tx           []byte                `json:"tx"`
	Attestations []attestationResponse `json:"attestations"`
	Committed    time.Time             `json:"committed"`
	Attempts     []attemptResponse     `json:"attempts,omitempty"`
}

type doubleSpendResponse struct {
	Message  string         `json:"message"`
	Code     int            `json:"code"`
	Existing *spendResponse `json:"existing"`
	Partial  *spendResponse `json:"partial,omitempty"`
}

func newSpendResponse(rec *spend.Record, attempts []spend.Attempt) *spendResponse {
	if rec == nil {
		return nil
	}
	resp := &spendResponse{
		Input:        rec.Input,
		TxID:         rec.TxID(),
		Tx:           rec.Tx,
		Attestations: make([]attestationResponse, 0, len(rec.Attestations)),
		Committed:    rec.Committed,
	}
	for _, a := range rec.Attestations {
		resp.Attestations = append(resp.Attestations, attestationResponse{
			Attester:  a.Attester,
			Expires:   a.Expires,
			Group:     a.Group,
			Signature: a.Signature,
		})
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			TxID: a.Tx.ID(),
			Tx:   a.Tx,
			Seen: a.Seen,
		})
	}
	return resp
}

func (s *server) spendSubmitHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	input, ok := s.parseAddress(w, r, "input")
	if !ok {
		return
	}

	tx, err := io.ReadAll(r.Body)
	if err != nil {
		if jsonhttp.HandleBodyReadError(err, w) {
			return
		}
		logger.Debugf("spend submit: read body: %v", err)
		logger.Error("spend submit: read body")
		jsonhttp.InternalServerError(w, "cannot read transaction")
		return
	}
	if len(tx) == 0 {
		jsonhttp.BadRequest(w, "empty transaction")
		return
	}

	rec, err := s.node.SubmitSpend(r.Context(), input, spend.Transaction(tx))
	if err != nil {
		s.respondError(w, logger, "spend submit", err)
		return
	}

	jsonhttp.Created(w, newSpendResponse(rec, nil))
}

func (s *server) spendGetHandler(w http.ResponseWriter, r *http.Request) {
	logger := tracing.NewLoggerWithTraceID(r.Context(), s.logger)

	input, ok := s.parseAddress(w, r, "input")
	if !ok {
		return
	}

	rec, attempts, err := s.node.GetSpend(r.Context(), input)
	if err != nil {
		s.respondError(w, logger, "spend get", err)
		return
	}

	jsonhttp.OK(w, newSpendResponse(rec, attempts))
}
