// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package closegroup_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/safenetwork/safenode/pkg/topology/membership"
)

func peersOf(addrs []swarm.Address) []membership.Peer {
	peers := make([]membership.Peer, len(addrs))
	for i, a := range addrs {
		peers[i] = membership.Peer{Address: a}
	}
	return peers
}

func TestCloseGroup(t *testing.T) {
	t.Parallel()

	target := swarm.MustParseHexAddress("9100000000000000000000000000000000000000000000000000000000000000")
	self := swarm.MustParseHexAddress("0100000000000000000000000000000000000000000000000000000000000000")
	addrs := []swarm.Address{
		swarm.MustParseHexAddress("9000000000000000000000000000000000000000000000000000000000000000"), // 0x01
		swarm.MustParseHexAddress("8100000000000000000000000000000000000000000000000000000000000000"), // 0x10
		swarm.MustParseHexAddress("1100000000000000000000000000000000000000000000000000000000000000"), // 0x80
		swarm.MustParseHexAddress("9180000000000000000000000000000000000000000000000000000000000000"), // closest
		swarm.MustParseHexAddress("d100000000000000000000000000000000000000000000000000000000000000"), // 0x40
	}
	s := membership.NewSnapshot(self, peersOf(addrs)...)

	got := closegroup.Addresses(closegroup.CloseGroup(target, s, 4))
	want := []string{
		"9180000000000000000000000000000000000000000000000000000000000000",
		"9000000000000000000000000000000000000000000000000000000000000000",
		"8100000000000000000000000000000000000000000000000000000000000000",
		"d100000000000000000000000000000000000000000000000000000000000000",
	}
	var gotHex []string
	for _, a := range got {
		gotHex = append(gotHex, a.String())
	}
	if diff := cmp.Diff(want, gotHex); diff != "" {
		t.Fatalf("close group mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseGroupDeterministic(t *testing.T) {
	t.Parallel()

	self := swarm.RandAddress(t)
	addrs := swarm.RandAddresses(t, 30)
	target := swarm.RandAddress(t)

	shuffled := append([]swarm.Address(nil), addrs...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	a := closegroup.Addresses(closegroup.CloseGroup(target, membership.NewSnapshot(self, peersOf(addrs)...), closegroup.DefaultSize))
	b := closegroup.Addresses(closegroup.CloseGroup(target, membership.NewSnapshot(self, peersOf(shuffled)...), closegroup.DefaultSize))

	if len(a) != closegroup.DefaultSize {
		t.Fatalf("got %d members, want %d", len(a), closegroup.DefaultSize)
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Fatalf("member %d differs between equal snapshots: %s != %s", i, a[i], b[i])
		}
	}

	// every member must be closer than every non member
	all := append(append([]swarm.Address(nil), addrs...), self)
	swarm.SortByDistance(target, all)
	for i := range a {
		if !a[i].Equal(all[i]) {
			t.Fatalf("member %d is %s, want %s", i, a[i], all[i])
		}
	}
}

func TestCloseGroupDegraded(t *testing.T) {
	t.Parallel()

	self := swarm.RandAddress(t)
	s := membership.NewSnapshot(self, peersOf(swarm.RandAddresses(t, 2))...)

	r := closegroup.New(self, 5)
	group := r.CloseGroup(swarm.RandAddress(t), s)
	if len(group) != 3 {
		t.Fatalf("got %d members, want all 3 known peers", len(group))
	}
	if got := r.Threshold(swarm.RandAddress(t), s); got != 2 {
		t.Fatalf("got threshold %d, want 2", got)
	}
}

func TestMajority(t *testing.T) {
	t.Parallel()

	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 8: 5} {
		if got := closegroup.Majority(n); got != want {
			t.Errorf("majority of %d: got %d, want %d", n, got, want)
		}
	}
}

func TestRouterResponsibility(t *testing.T) {
	t.Parallel()

	self := swarm.MustParseHexAddress("0000000000000000000000000000000000000000000000000000000000000000")
	near := swarm.MustParseHexAddress("0100000000000000000000000000000000000000000000000000000000000000")
	far := swarm.MustParseHexAddress("f000000000000000000000000000000000000000000000000000000000000000")
	farNeighbour := swarm.MustParseHexAddress("f100000000000000000000000000000000000000000000000000000000000000")
	s := membership.NewSnapshot(self, peersOf([]swarm.Address{near, far, farNeighbour})...)

	r := closegroup.New(self, 2)
	if r.Size() != 2 {
		t.Fatalf("got size %d, want 2", r.Size())
	}

	if err := r.CheckResponsible(near, s); err != nil {
		t.Fatal(err)
	}
	if err := r.CheckResponsible(far, s); !errors.Is(err, topology.ErrNotResponsible) {
		t.Fatalf("got error %v, want %v", err, topology.ErrNotResponsible)
	}
	if !r.IsMember(far, far, s) {
		t.Fatal("peer is not member of the group of its own address")
	}

	others := r.Others(near, s)
	if len(others) != 1 || !others[0].Address.Equal(near) {
		t.Fatalf("got others %v, want only the near peer", closegroup.Addresses(others))
	}

	if closegroup.New(self, 0).Size() != closegroup.DefaultSize {
		t.Fatal("non positive size does not select the default")
	}
}
