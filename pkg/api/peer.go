// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"time"

	"github.com/safenetwork/safenode/pkg/jsonhttp"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/membership"
)

type peerResponse struct {
	Address  swarm.Address `json:"address"`
	Underlay string        `json:"underlay,omitempty"`
	LastSeen time.Time     `json:"lastSeen,omitempty"`
}

type peersResponse struct {
	Overlay swarm.Address  `json:"overlay"`
	Version uint64         `json:"version"`
	Peers   []peerResponse `json:"peers"`
}

type closeGroupResponse struct {
	Address swarm.Address  `json:"address"`
	Peers   []peerResponse `json:"peers"`
}

func newPeerResponses(peers []membership.Peer) []peerResponse {
	out := make([]peerResponse, 0, len(peers))
	for _, p := range peers {
		pr := peerResponse{
			Address:  p.Address,
			LastSeen: p.LastSeen,
		}
		if p.Underlay != nil {
			pr.Underlay = p.Underlay.String()
		}
		out = append(out, pr)
	}
	return out
}

func (s *server) peersHandler(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.node.Snapshot()
	jsonhttp.OK(w, peersResponse{
		Overlay: s.node.Overlay(),
		Version: snapshot.Version(),
		Peers:   newPeerResponses(snapshot.Peers()),
	})
}

func (s *server) closeGroupHandler(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.parseAddress(w, r, "address")
	if !ok {
		return
	}
	jsonhttp.OK(w, closeGroupResponse{
		Address: addr,
		Peers:   newPeerResponses(s.node.CloseGroup(addr)),
	})
}
