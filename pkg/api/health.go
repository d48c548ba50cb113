// Copyright 2022 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"

	"github.com/safenetwork/safenode"
	"github.com/safenetwork/safenode/pkg/jsonhttp"
)

// Version is the version of the API.
const Version = "1.0.0"

type healthStatusResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion"`
	Peers      int    `json:"peers"`
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	jsonhttp.OK(w, healthStatusResponse{
		Status:     "ok",
		Version:    safenode.Version,
		APIVersion: Version,
		Peers:      s.node.Snapshot().Len(),
	})
}
