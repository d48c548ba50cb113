// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/node"
	"github.com/safenetwork/safenode/pkg/spend"
	"github.com/safenetwork/safenode/pkg/spinlock"
	"github.com/safenetwork/safenode/pkg/statestore/mock"
	"github.com/safenetwork/safenode/pkg/storage"
	chunktesting "github.com/safenetwork/safenode/pkg/storage/testing"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
)

const (
	groupSize   = 3
	waitTimeout = 10 * time.Second
)

func newDevNetwork(t *testing.T, count int) *node.DevNetwork {
	t.Helper()

	d, err := node.NewDevNetwork(context.Background(), logging.New(io.Discard, 0), count, &node.Options{
		CloseGroupSize:    groupSize,
		ReplicationFactor: 2,
		SpendTimeout:      5 * time.Second,
		ChurnTickInterval: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := d.Shutdown(context.Background()); err != nil {
			t.Error(err)
		}
	})

	// every node knows every other one once the joins are processed
	err = spinlock.Wait(waitTimeout, func() bool {
		for _, n := range d.Nodes() {
			if n.Snapshot().Len() != count {
				return false
			}
		}
		return true
	})
	if err != nil {
		t.Fatal("membership not converged")
	}
	return d
}

func notInGroup(d *node.DevNetwork, addr swarm.Address) *node.Node {
	group := d.CloseGroup(addr)
	for _, n := range d.Nodes() {
		member := false
		for _, g := range group {
			if g == n {
				member = true
			}
		}
		if !member {
			return n
		}
	}
	return nil
}

func holders(t *testing.T, nodes []*node.Node, addr swarm.Address) int {
	t.Helper()

	c := 0
	for _, n := range nodes {
		has, err := n.Chunks().Has(context.Background(), addr)
		if err != nil {
			t.Fatal(err)
		}
		if has {
			c++
		}
	}
	return c
}

func TestStoreAndGetChunk(t *testing.T) {
	t.Parallel()

	d := newDevNetwork(t, 5)
	ctx := context.Background()
	ch := chunktesting.GenerateTestRandomChunk()
	group := d.CloseGroup(ch.Address())

	addr, err := group[0].StoreChunk(ctx, ch.Data())
	if err != nil {
		t.Fatal(err)
	}
	if !addr.Equal(ch.Address()) {
		t.Fatalf("got address %s, want %s", addr, ch.Address())
	}

	t.Run("idempotent", func(t *testing.T) {
		addr, err := group[0].StoreChunk(ctx, ch.Data())
		if err != nil {
			t.Fatal(err)
		}
		if !addr.Equal(ch.Address()) {
			t.Fatalf("got address %s, want %s", addr, ch.Address())
		}
	})

	t.Run("replicated to the close group", func(t *testing.T) {
		err := spinlock.Wait(waitTimeout, func() bool {
			return holders(t, group, ch.Address()) == len(group)
		})
		if err != nil {
			t.Fatalf("chunk held by %d of %d members", holders(t, group, ch.Address()), len(group))
		}
	})

	t.Run("retrieved through another node", func(t *testing.T) {
		other := notInGroup(d, ch.Address())
		got, err := other.GetChunk(ctx, ch.Address())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Data(), ch.Data()) {
			t.Fatal("chunk data mismatch")
		}
	})

	t.Run("not responsible", func(t *testing.T) {
		other := notInGroup(d, ch.Address())
		_, err := other.StoreChunk(ctx, ch.Data())
		if !errors.Is(err, topology.ErrNotResponsible) {
			t.Fatalf("got error %v, want %v", err, topology.ErrNotResponsible)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := group[0].GetChunk(ctx, swarm.RandAddress(t))
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
		}
	})
}

// TestChunkSurvivesChurn removes close group members one after another and
// checks that the chunk stays retrievable and reaches every new member.
func TestChunkSurvivesChurn(t *testing.T) {
	t.Parallel()

	d := newDevNetwork(t, 6)
	ctx := context.Background()
	ch := chunktesting.GenerateSequentialChunk(7, 1024)

	if _, err := d.CloseGroup(ch.Address())[0].StoreChunk(ctx, ch.Data()); err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 2; round++ {
		group := d.CloseGroup(ch.Address())
		err := spinlock.Wait(waitTimeout, func() bool {
			return holders(t, group, ch.Address()) == len(group)
		})
		if err != nil {
			t.Fatalf("round %d: chunk held by %d of %d members", round, holders(t, group, ch.Address()), len(group))
		}

		if err := d.RemoveNode(ctx, group[0].Overlay()); err != nil {
			t.Fatal(err)
		}
	}

	group := d.CloseGroup(ch.Address())
	err := spinlock.Wait(waitTimeout, func() bool {
		return holders(t, group, ch.Address()) == len(group)
	})
	if err != nil {
		t.Fatalf("chunk held by %d of %d members", holders(t, group, ch.Address()), len(group))
	}

	for _, n := range d.Nodes() {
		got, err := n.GetChunk(ctx, ch.Address())
		if err != nil {
			t.Fatalf("node %s: %v", n.Overlay(), err)
		}
		if !bytes.Equal(got.Data(), ch.Data()) {
			t.Fatalf("node %s: chunk data mismatch", n.Overlay())
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	d := newDevNetwork(t, 5)
	ctx := context.Background()
	addr := swarm.RandAddress(t)
	group := d.CloseGroup(addr)

	if err := group[0].CreateRegister(ctx, addr); err != nil {
		t.Fatal(err)
	}
	first, err := group[0].WriteRegister(ctx, addr, []byte("first"), nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := group[0].WriteRegister(ctx, addr, []byte("second"), []swarm.Address{first})
	if err != nil {
		t.Fatal(err)
	}

	// every member converges to the same single tip
	for _, n := range group {
		n := n
		err := spinlock.Wait(waitTimeout, func() bool {
			tips, err := n.ReadRegister(ctx, addr)
			return err == nil && len(tips) == 1 && tips[0].Hash.Equal(second)
		})
		if err != nil {
			t.Fatalf("node %s did not converge", n.Overlay())
		}
	}

	tips, err := group[1].ReadRegister(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("second"), tips[0].Payload); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}

	other := notInGroup(d, addr)
	if _, err := other.WriteRegister(ctx, addr, []byte("x"), nil); !errors.Is(err, topology.ErrNotResponsible) {
		t.Fatalf("got error %v, want %v", err, topology.ErrNotResponsible)
	}
	if _, err := other.ReadRegister(ctx, addr); !errors.Is(err, topology.ErrNotResponsible) {
		t.Fatalf("got error %v, want %v", err, topology.ErrNotResponsible)
	}
}

func TestSpend(t *testing.T) {
	t.Parallel()

	d := newDevNetwork(t, 5)
	ctx := context.Background()
	input := swarm.RandAddress(t)
	tx := spend.Transaction("pay alice")
	nodes := d.Nodes()

	rec, err := nodes[0].SubmitSpend(ctx, input, tx)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.TxID().Equal(tx.ID()) {
		t.Fatalf("got tx %s, want %s", rec.TxID(), tx.ID())
	}

	got, _, err := nodes[len(nodes)-1].GetSpend(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TxID().Equal(tx.ID()) {
		t.Fatalf("got tx %s, want %s", got.TxID(), tx.ID())
	}

	_, err = nodes[1].SubmitSpend(ctx, input, spend.Transaction("pay bob"))
	var dse *spend.DoubleSpendError
	if !errors.As(err, &dse) {
		t.Fatalf("got error %v, want double spend", err)
	}
	if !dse.Existing.TxID().Equal(tx.ID()) {
		t.Fatalf("got existing tx %s, want %s", dse.Existing.TxID(), tx.ID())
	}
}

func TestCheckOverlay(t *testing.T) {
	t.Parallel()

	store := mock.NewStateStore()
	overlay := swarm.RandAddress(t)

	if err := node.CheckOverlay(store, overlay); err != nil {
		t.Fatal(err)
	}
	if err := node.CheckOverlay(store, overlay); err != nil {
		t.Fatal(err)
	}
	if err := node.CheckOverlay(store, swarm.RandAddress(t)); err == nil {
		t.Fatal("expected an error for a changed overlay")
	}
}

func TestInitStateStore(t *testing.T) {
	t.Parallel()

	logger := logging.New(io.Discard, 0)

	for _, backend := range []string{"", node.BackendLevelDB, node.BackendBadger} {
		backend := backend
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			store, err := node.InitStateStore(logger, t.TempDir(), backend)
			if err != nil {
				t.Fatal(err)
			}
			if err := store.Put("key", "value"); err != nil {
				t.Fatal(err)
			}
			var v string
			if err := store.Get("key", &v); err != nil {
				t.Fatal(err)
			}
			if v != "value" {
				t.Fatalf("got %q, want %q", v, "value")
			}
			if err := store.Close(); err != nil {
				t.Fatal(err)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()

		_, err := node.InitStateStore(logger, t.TempDir(), "bolt")
		if !errors.Is(err, node.ErrUnknownBackend) {
			t.Fatalf("got error %v, want %v", err, node.ErrUnknownBackend)
		}
	})
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	ch := chunktesting.GenerateTestRandomChunk()

	d, err := node.NewDevNetwork(ctx, logging.New(io.Discard, 0), 1, &node.Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	n := d.Nodes()[0]
	if _, err := n.StoreChunk(ctx, ch.Data()); err != nil {
		t.Fatal(err)
	}
	if err := n.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n.Shutdown(ctx); !errors.Is(err, node.ErrShutdownInProgress) {
		t.Fatalf("got error %v, want %v", err, node.ErrShutdownInProgress)
	}
}
