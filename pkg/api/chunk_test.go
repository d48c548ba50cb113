// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/safenetwork/safenode/pkg/cac"
	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/jsonhttp/jsonhttptest"
	"github.com/safenetwork/safenode/pkg/storage"
	chunktesting "github.com/safenetwork/safenode/pkg/storage/testing"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
)

func TestChunks(t *testing.T) {
	t.Parallel()

	ch := chunktesting.GenerateTestRandomChunk()
	stored := make(map[string][]byte)

	client := newTestServer(t, &mockNode{
		storeChunk: func(_ context.Context, data []byte) (swarm.Address, error) {
			c, err := cac.New(data)
			if err != nil {
				return swarm.ZeroAddress, fmt.Errorf("%v: %w", err, storage.ErrInvalidChunk)
			}
			stored[c.Address().ByteString()] = data
			return c.Address(), nil
		},
		getChunk: func(_ context.Context, addr swarm.Address) (swarm.Chunk, error) {
			data, ok := stored[addr.ByteString()]
			if !ok {
				return nil, storage.ErrNotFound
			}
			return swarm.NewChunk(addr, data), nil
		},
	})

	t.Run("upload", func(t *testing.T) {
		jsonhttptest.Request(t, client, http.MethodPost, "/chunks", http.StatusCreated,
			jsonhttptest.WithRequestBody(bytes.NewReader(ch.Data())),
			jsonhttptest.WithExpectedJSONResponse(struct {
				Address swarm.Address `json:"address"`
			}{Address: ch.Address()}),
		)
	})

	t.Run("download", func(t *testing.T) {
		var body []byte
		header := jsonhttptest.Request(t, client, http.MethodGet, "/v1/chunks/"+ch.Address().String(), http.StatusOK,
			jsonhttptest.WithPutResponseBody(&body),
		)
		if diff := cmp.Diff(ch.Data(), body); diff != "" {
			t.Errorf("chunk data (-want +got):\n%s", diff)
		}
		if v := header.Get("Content-Type"); v != "application/octet-stream" {
			t.Errorf("got content type %q", v)
		}
	})

	t.Run("too large", func(t *testing.T) {
		jsonhttptest.Request(t, client, http.MethodPost, "/chunks", http.StatusRequestEntityTooLarge,
			jsonhttptest.WithRequestBody(bytes.NewReader(make([]byte, swarm.MaxChunkSize+1))),
		)
	})

	t.Run("not found", func(t *testing.T) {
		jsonhttptest.Request(t, client, http.MethodGet, "/chunks/"+swarm.RandAddress(t).String(), http.StatusNotFound,
			jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
				Message: http.StatusText(http.StatusNotFound),
				Code:    http.StatusNotFound,
			}),
		)
	})

	t.Run("invalid address", func(t *testing.T) {
		for _, a := range []string{"zz", "abcd"} {
			jsonhttptest.Request(t, client, http.MethodGet, "/chunks/"+a, http.StatusBadRequest,
				jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
					Message: "invalid address",
					Code:    http.StatusBadRequest,
				}),
			)
		}
	})
}

func TestChunkErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		err  error
		code int
	}{
		{name: "not responsible", err: topology.ErrNotResponsible, code: http.StatusMisdirectedRequest},
		{name: "invalid chunk", err: storage.ErrInvalidChunk, code: http.StatusBadRequest},
		{name: "internal", err: fmt.Errorf("disk on fire"), code: http.StatusInternalServerError},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newTestServer(t, &mockNode{
				storeChunk: func(context.Context, []byte) (swarm.Address, error) {
					return swarm.ZeroAddress, tc.err
				},
				getChunk: func(context.Context, swarm.Address) (swarm.Chunk, error) {
					return nil, tc.err
				},
			})

			jsonhttptest.Request(t, client, http.MethodPost, "/chunks", tc.code,
				jsonhttptest.WithRequestBody(bytes.NewReader([]byte("data"))),
			)
			jsonhttptest.Request(t, client, http.MethodGet, "/chunks/"+swarm.RandAddress(t).String(), tc.code)
		})
	}
}
