// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package closegroup computes the peers responsible for an address: the k
// online peers of a membership snapshot closest to it by XOR distance.
// Every node computing a close group from the same snapshot gets the same
// ordered result.
package closegroup

import (
	"sort"

	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
	"github.com/safenetwork/safenode/pkg/topology/membership"
)

// DefaultSize is the default close group size.
const DefaultSize = 5

// CloseGroup returns up to k peers of the snapshot ordered by increasing
// distance to addr, ties broken by address byte order. With fewer than k
// peers known all of them are returned and thresholds must be computed
// relative to the returned size.
func CloseGroup(addr swarm.Address, s *membership.Snapshot, k int) []membership.Peer {
	peers := s.Peers()
	target := addr.Bytes()
	sort.SliceStable(peers, func(i, j int) bool {
		cmp, err := swarm.DistanceCmp(target, peers[i].Address.Bytes(), peers[j].Address.Bytes())
		if err != nil || cmp == 0 {
			return peers[i].Address.Compare(peers[j].Address) < 0
		}
		return cmp == 1
	})
	if k >= 0 && len(peers) > k {
		peers = peers[:k]
	}
	return peers
}

// Addresses returns the addresses of the peers.
func Addresses(peers []membership.Peer) []swarm.Address {
	addrs := make([]swarm.Address, len(peers))
	for i, p := range peers {
		addrs[i] = p.Address
	}
	return addrs
}

// Majority returns the strict majority threshold of a group of size n.
func Majority(n int) int {
	return n/2 + 1
}

// Router answers close group questions for the local node with a fixed
// group size.
type Router struct {
	self swarm.Address
	k    int
}

// New returns a router for the local node. Non positive k selects
// DefaultSize.
func New(self swarm.Address, k int) *Router {
	if k <= 0 {
		k = DefaultSize
	}
	return &Router{self: self, k: k}
}

// Size returns the configured close group size.
func (r *Router) Size() int {
	return r.k
}

// CloseGroup returns the close group of addr in the snapshot.
func (r *Router) CloseGroup(addr swarm.Address, s *membership.Snapshot) []membership.Peer {
	return CloseGroup(addr, s, r.k)
}

// IsMember reports whether the peer is in the close group of addr.
func (r *Router) IsMember(peer, addr swarm.Address, s *membership.Snapshot) bool {
	for _, p := range r.CloseGroup(addr, s) {
		if p.Address.Equal(peer) {
			return true
		}
	}
	return false
}

// IsResponsible reports whether the local node is in the close group of
// addr.
func (r *Router) IsResponsible(addr swarm.Address, s *membership.Snapshot) bool {
	return r.IsMember(r.self, addr, s)
}

// CheckResponsible returns topology.ErrNotResponsible if the local node is
// not in the close group of addr.
func (r *Router) CheckResponsible(addr swarm.Address, s *membership.Snapshot) error {
	if !r.IsResponsible(addr, s) {
		return topology.ErrNotResponsible
	}
	return nil
}

// Others returns the close group of addr without the local node.
func (r *Router) Others(addr swarm.Address, s *membership.Snapshot) []membership.Peer {
	group := r.CloseGroup(addr, s)
	others := group[:0]
	for _, p := range group {
		if !p.Address.Equal(r.self) {
			others = append(others, p)
		}
	}
	return others
}

// Threshold returns the strict majority of the close group of addr.
func (r *Router) Threshold(addr swarm.Address, s *membership.Snapshot) int {
	return Majority(len(r.CloseGroup(addr, s)))
}
