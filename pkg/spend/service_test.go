// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spend_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p/inmem"
	"github.com/safenetwork/safenode/pkg/spend"
	"github.com/safenetwork/safenode/pkg/spinlock"
	"github.com/safenetwork/safenode/pkg/statestore/mock"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/safenetwork/safenode/pkg/topology/membership"
)

type testNode struct {
	addr    swarm.Address
	ledger  *spend.Ledger
	service *spend.Service
}

type staticView struct {
	snapshot *membership.Snapshot
}

func (v staticView) Snapshot() *membership.Snapshot { return v.snapshot }

type nodeKey struct {
	signer crypto.Signer
	addr   swarm.Address
}

func newKey(t *testing.T) nodeKey {
	t.Helper()

	key, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := crypto.NewOverlayAddress(key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return nodeKey{signer: crypto.NewDefaultSigner(key), addr: addr}
}

// newNode joins a spend node to the network. With a nil view the node
// follows the network membership.
func newNode(t *testing.T, network *inmem.Network, key nodeKey, view spend.Membership, o *spend.Options) *testNode {
	t.Helper()

	logger := logging.New(io.Discard, 0)
	p2ps := network.NewService(key.addr)
	if view == nil {
		v := membership.New(key.addr, logger)
		p2ps.SetNotifier(v)
		view = v
	}
	ledger := spend.NewLedger(mock.NewStateStore(), key.signer, key.addr, 0, logger)
	s := spend.New(p2ps, ledger, view, closegroup.New(key.addr, closegroup.DefaultSize), logger, nil, o)
	if err := p2ps.AddProtocol(s.Protocol()); err != nil {
		t.Fatal(err)
	}
	if err := network.Join(context.Background(), p2ps); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
		if err := p2ps.Close(); err != nil {
			t.Error(err)
		}
	})
	return &testNode{addr: key.addr, ledger: ledger, service: s}
}

func newCluster(t *testing.T, n int, o *spend.Options) []*testNode {
	t.Helper()

	network := inmem.NewNetwork(logging.New(io.Discard, 0))
	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newNode(t, network, newKey(t), nil, o)
	}
	return nodes
}

func committedTx(t *testing.T, nodes []*testNode, input swarm.Address) map[string]int {
	t.Helper()

	txs := make(map[string]int)
	for _, n := range nodes {
		rec, err := n.ledger.Get(input)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		txs[rec.TxID().String()]++
	}
	return txs
}

func TestSubmitSpend(t *testing.T) {
	t.Parallel()

	nodes := newCluster(t, 5, nil)
	input := swarm.RandAddress(t)
	tx := spend.Transaction("pay alice")

	rec, err := nodes[0].service.SubmitSpend(context.Background(), input, tx)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.TxID().Equal(tx.ID()) {
		t.Fatalf("got committed %s, want %s", rec.TxID(), tx.ID())
	}
	if len(rec.Attestations) < closegroup.Majority(5) {
		t.Fatalf("got %d attestations, want at least %d", len(rec.Attestations), closegroup.Majority(5))
	}

	// Commits to the remaining members may still be in flight.
	err = spinlock.Wait(5*time.Second, func() bool {
		return committedTx(t, nodes, input)[tx.ID().String()] == len(nodes)
	})
	if err != nil {
		t.Fatalf("got committed transactions %v", committedTx(t, nodes, input))
	}

	t.Run("idempotent", func(t *testing.T) {
		rec, err := nodes[1].service.SubmitSpend(context.Background(), input, tx)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.TxID().Equal(tx.ID()) {
			t.Fatalf("got committed %s, want %s", rec.TxID(), tx.ID())
		}
	})

	t.Run("double spend", func(t *testing.T) {
		other := spend.Transaction("pay bob")
		_, err := nodes[2].service.SubmitSpend(context.Background(), input, other)
		var dse *spend.DoubleSpendError
		if !errors.As(err, &dse) {
			t.Fatalf("got error %v, want double spend", err)
		}
		if !dse.Existing.TxID().Equal(tx.ID()) {
			t.Fatalf("got existing %s, want %s", dse.Existing.TxID(), tx.ID())
		}
		if !errors.Is(err, spend.ErrRejected) {
			t.Fatal("double spend is not a rejection")
		}
	})

	t.Run("get", func(t *testing.T) {
		rec, attempts, err := nodes[4].service.GetSpend(context.Background(), input)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.TxID().Equal(tx.ID()) {
			t.Fatalf("got record %s, want %s", rec.TxID(), tx.ID())
		}
		found := false
		for _, a := range attempts {
			if string(a.Tx) == "pay bob" {
				found = true
			}
		}
		if !found {
			t.Fatal("double spend attempt not reported")
		}
	})
}

func TestGetSpendNotFound(t *testing.T) {
	t.Parallel()

	nodes := newCluster(t, 3, nil)

	_, _, err := nodes[0].service.GetSpend(context.Background(), swarm.RandAddress(t))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		submitters int
		// With two competing transactions one of them always has a
		// majority of a five member group.
		wantSuccess bool
	}{
		{name: "two", submitters: 2, wantSuccess: true},
		{name: "five", submitters: 5},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			nodes := newCluster(t, 5, &spend.Options{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
			input := swarm.RandAddress(t)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded []swarm.Address
				errs      []error
			)
			for i := 0; i < tc.submitters; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					tx := spend.Transaction(fmt.Sprintf("tx %d", i))
					rec, err := nodes[i].service.SubmitSpend(context.Background(), input, tx)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					succeeded = append(succeeded, rec.TxID())
				}(i)
			}
			wg.Wait()

			if len(succeeded) > 1 {
				t.Fatalf("got %d committed submissions", len(succeeded))
			}
			if tc.wantSuccess && len(succeeded) != 1 {
				t.Fatalf("no submission committed: %v", errs)
			}
			for _, err := range errs {
				if !errors.Is(err, spend.ErrRejected) {
					t.Fatalf("got error %v, want a rejection", err)
				}
			}
			if tc.wantSuccess {
				// the loser learns which transaction won
				var dse *spend.DoubleSpendError
				if !errors.As(errs[0], &dse) {
					t.Fatalf("got error %v, want double spend", errs[0])
				}
				if !dse.Existing.TxID().Equal(succeeded[0]) {
					t.Fatalf("got existing %s, want %s", dse.Existing.TxID(), succeeded[0])
				}
				if dse.Partial != nil {
					t.Fatalf("losing transaction %s committed by some members", dse.Partial.TxID())
				}
			}

			txs := committedTx(t, nodes, input)
			if len(txs) > 1 {
				t.Fatalf("got conflicting committed transactions %v", txs)
			}
			if len(succeeded) == 1 {
				if _, ok := txs[succeeded[0].String()]; !ok {
					t.Fatalf("committed %s not stored", succeeded[0])
				}
			}
		})
	}
}

func TestQuorumNotReached(t *testing.T) {
	t.Parallel()

	network := inmem.NewNetwork(logging.New(io.Discard, 0))
	keys := make([]nodeKey, 5)
	peers := make([]membership.Peer, len(keys))
	for i := range keys {
		keys[i] = newKey(t)
		peers[i] = membership.Peer{Address: keys[i].addr}
	}

	// Only two of the five members are reachable.
	var nodes []*testNode
	for _, k := range keys[:2] {
		view := staticView{snapshot: membership.NewSnapshot(k.addr, peers...)}
		nodes = append(nodes, newNode(t, network, k, view, nil))
	}

	_, err := nodes[0].service.SubmitSpend(context.Background(), swarm.RandAddress(t), spend.Transaction("tx"))
	if !errors.Is(err, spend.ErrQuorumNotReached) {
		t.Fatalf("got error %v, want %v", err, spend.ErrQuorumNotReached)
	}
	if !errors.Is(err, spend.ErrRejected) {
		t.Fatal("quorum failure is not a rejection")
	}
}

func TestQuorumTimeout(t *testing.T) {
	t.Parallel()

	nodes := newCluster(t, 5, &spend.Options{Timeout: 300 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	input := swarm.RandAddress(t)

	// A majority holds another tentative candidate that never commits.
	for _, n := range nodes[:3] {
		res, err := n.ledger.Attest(input, spend.Transaction("stalled"), 5)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != spend.StatusAttested {
			t.Fatalf("got status %s, want %s", res.Status, spend.StatusAttested)
		}
	}

	_, err := nodes[4].service.SubmitSpend(context.Background(), input, spend.Transaction("tx"))
	if !errors.Is(err, spend.ErrQuorumTimeout) {
		t.Fatalf("got error %v, want %v", err, spend.ErrQuorumTimeout)
	}
	if txs := committedTx(t, nodes, input); len(txs) != 0 {
		t.Fatalf("got committed transactions %v", txs)
	}
}

func TestSubmitSpendCanceled(t *testing.T) {
	t.Parallel()

	nodes := newCluster(t, 3, nil)
	input := swarm.RandAddress(t)
	if _, err := nodes[0].ledger.Attest(input, spend.Transaction("stalled"), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := nodes[1].ledger.Attest(input, spend.Transaction("stalled"), 3); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := nodes[2].service.SubmitSpend(ctx, input, spend.Transaction("tx"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got error %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestCommitConflictReported(t *testing.T) {
	t.Parallel()

	network := inmem.NewNetwork(logging.New(io.Discard, 0))
	keys := []nodeKey{newKey(t), newKey(t), newKey(t)}

	// The first member sees a larger network in which it is not responsible
	// for the input, so it never attests and only answers the commit.
	peers := []membership.Peer{{Address: keys[0].addr}}
	for i := 0; i < 10; i++ {
		peers = append(peers, membership.Peer{Address: swarm.RandAddress(t)})
	}
	snapshot := membership.NewSnapshot(keys[0].addr, peers...)
	router := closegroup.New(keys[0].addr, closegroup.DefaultSize)
	input := swarm.RandAddress(t)
	for router.IsResponsible(input, snapshot) {
		input = swarm.RandAddress(t)
	}

	holder := newNode(t, network, keys[0], staticView{snapshot: snapshot}, nil)
	submitter := newNode(t, network, keys[1], nil, nil)
	other := newNode(t, network, keys[2], nil, nil)

	txA := spend.Transaction("tx a")
	res, err := holder.ledger.Attest(input, txA, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := holder.ledger.Commit(input, txA, []spend.Attestation{*res.Attestation}, nil, 1); err != nil {
		t.Fatal(err)
	}

	txB := spend.Transaction("tx b")
	_, err = submitter.service.SubmitSpend(context.Background(), input, txB)
	var dse *spend.DoubleSpendError
	if !errors.As(err, &dse) {
		t.Fatalf("got error %v, want double spend", err)
	}
	if !errors.Is(err, spend.ErrRejected) {
		t.Fatal("double spend is not a rejection")
	}
	if !dse.Existing.TxID().Equal(txA.ID()) {
		t.Fatalf("got existing %s, want %s", dse.Existing.TxID(), txA.ID())
	}
	if dse.Partial == nil || !dse.Partial.TxID().Equal(txB.ID()) {
		t.Fatalf("got partial commit %v, want %s", dse.Partial, txB.ID())
	}

	want := map[string]int{txA.ID().String(): 1, txB.ID().String(): 2}
	if diff := cmp.Diff(want, committedTx(t, []*testNode{holder, submitter, other}, input)); diff != "" {
		t.Errorf("committed transactions (-want +got):\n%s", diff)
	}
}
