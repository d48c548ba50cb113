// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inmem_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/p2p/inmem"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/membership"
)

const (
	protocolName    = "echo"
	protocolVersion = "1.0.0"
	streamName      = "echo"
)

func echoProtocol() p2p.ProtocolSpec {
	return p2p.ProtocolSpec{
		Name:    protocolName,
		Version: protocolVersion,
		StreamSpecs: []p2p.StreamSpec{
			{
				Name: streamName,
				Handler: func(_ context.Context, peer p2p.Peer, stream p2p.Stream) error {
					b, err := io.ReadAll(stream)
					if err != nil {
						return err
					}
					_, err = stream.Write(append(peer.Address.Bytes()[:1:1], b...))
					return err
				},
			},
		},
	}
}

func newService(t *testing.T, n *inmem.Network) (*inmem.Service, *membership.View) {
	t.Helper()

	addr := swarm.RandAddress(t)
	s := n.NewService(addr)
	view := membership.New(addr, logging.New(io.Discard, 0))
	s.SetNotifier(view)
	if err := s.AddProtocol(echoProtocol()); err != nil {
		t.Fatal(err)
	}
	if err := n.Join(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s, view
}

func TestStream(t *testing.T) {
	t.Parallel()

	n := inmem.NewNetwork(logging.New(io.Discard, 0))
	a, _ := newService(t, n)
	b, _ := newService(t, n)
	defer a.Close()
	defer b.Close()

	stream, err := a.NewStream(context.Background(), b.Overlay(), nil, protocolName, protocolVersion, streamName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{a.Overlay().Bytes()[0]}, []byte("ping")...)
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	if _, err := a.NewStream(context.Background(), b.Overlay(), nil, protocolName, protocolVersion, "unknown"); !errors.Is(err, p2p.ErrUnsupportedStream) {
		t.Fatalf("got error %v, want %v", err, p2p.ErrUnsupportedStream)
	}
}

func TestMembershipNotifications(t *testing.T) {
	t.Parallel()

	n := inmem.NewNetwork(logging.New(io.Discard, 0))
	a, viewA := newService(t, n)
	b, viewB := newService(t, n)
	c, viewC := newService(t, n)
	defer a.Close()
	defer b.Close()

	for _, v := range []*membership.View{viewA, viewB, viewC} {
		if got := v.Snapshot().Len(); got != 3 {
			t.Fatalf("got %d peers, want 3", got)
		}
	}
	if got := len(a.Peers()); got != 2 {
		t.Fatalf("got %d connected peers, want 2", got)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if viewA.Snapshot().Contains(c.Overlay()) || viewB.Snapshot().Contains(c.Overlay()) {
		t.Fatal("closed service still in membership views")
	}
	if _, err := a.NewStream(context.Background(), c.Overlay(), nil, protocolName, protocolVersion, streamName); !errors.Is(err, p2p.ErrPeerNotFound) {
		t.Fatalf("got error %v, want %v", err, p2p.ErrPeerNotFound)
	}
	if err := n.Join(context.Background(), a); !errors.Is(err, p2p.ErrAlreadyConnected) {
		t.Fatalf("got error %v, want %v", err, p2p.ErrAlreadyConnected)
	}
}
