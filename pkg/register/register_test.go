// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package register_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/register"
	"github.com/safenetwork/safenode/pkg/statestore/mock"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
)

func newStore(t *testing.T) *register.Store {
	t.Helper()
	return register.New(mock.NewStateStore(), logging.New(io.Discard, 0))
}

func newRegister(t *testing.T, s *register.Store) swarm.Address {
	t.Helper()

	addr := swarm.RandAddress(t)
	if err := s.Create(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	return addr
}

func write(t *testing.T, s *register.Store, addr swarm.Address, payload string, parents ...swarm.Address) swarm.Address {
	t.Helper()

	h, err := s.Write(context.Background(), addr, []byte(payload), parents)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func tipPayloads(t *testing.T, s *register.Store, addr swarm.Address) []string {
	t.Helper()

	tips, err := s.Read(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	payloads := make([]string, 0, len(tips))
	for _, e := range tips {
		payloads = append(payloads, string(e.Payload))
	}
	return payloads
}

func TestCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	addr := newRegister(t, s)

	if err := s.Create(ctx, addr); !errors.Is(err, register.ErrExists) {
		t.Fatalf("got error %v, want %v", err, register.ErrExists)
	}

	tips, err := s.Read(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 0 {
		t.Fatalf("got %d tips on a new register, want 0", len(tips))
	}

	if err := s.Create(ctx, swarm.NewAddress([]byte{1, 2})); !errors.Is(err, swarm.ErrAddressLength) {
		t.Fatalf("got error %v, want %v", err, swarm.ErrAddressLength)
	}
}

func TestWriteUnknownRegister(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_, err := s.Write(context.Background(), swarm.RandAddress(t), []byte("x"), nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := s.Read(context.Background(), swarm.RandAddress(t)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
	}
}

func TestWriteParents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	addr := newRegister(t, s)
	root := write(t, s, addr, "root")

	for _, tc := range []struct {
		name    string
		parents []swarm.Address
		wantErr error
	}{
		{
			name:    "absent parent",
			parents: []swarm.Address{swarm.RandAddress(t)},
			wantErr: register.ErrParentNotFound,
		},
		{
			name:    "one absent among present",
			parents: []swarm.Address{root, swarm.RandAddress(t)},
			wantErr: register.ErrParentNotFound,
		},
		{
			name:    "short parent",
			parents: []swarm.Address{swarm.NewAddress([]byte{1, 2, 3})},
			wantErr: register.ErrMalformedEntry,
		},
		{
			name:    "duplicate parent",
			parents: []swarm.Address{root, root},
			wantErr: register.ErrMalformedEntry,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Write(ctx, addr, []byte(tc.name), tc.parents)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
		})
	}

	if diff := cmp.Diff([]string{"root"}, tipPayloads(t, s, addr)); diff != "" {
		t.Fatalf("rejected writes changed the register (-want +got):\n%s", diff)
	}

	if _, err := s.Write(ctx, addr, make([]byte, register.MaxPayloadSize+1), []swarm.Address{root}); !errors.Is(err, register.ErrMalformedEntry) {
		t.Fatalf("got error %v, want %v", err, register.ErrMalformedEntry)
	}
}

func TestWriteIdempotent(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	addr := newRegister(t, s)
	h1 := write(t, s, addr, "a")
	h2 := write(t, s, addr, "a")
	if !h1.Equal(h2) {
		t.Fatalf("got hash %s, want %s", h2, h1)
	}
	if diff := cmp.Diff([]string{"a"}, tipPayloads(t, s, addr)); diff != "" {
		t.Fatalf("tips mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentTipsAndMerge(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	addr := newRegister(t, s)
	root := write(t, s, addr, "root")

	b := write(t, s, addr, "b", root)
	c := write(t, s, addr, "c", root)

	tips, err := s.Read(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 2 {
		t.Fatalf("got %d tips, want 2", len(tips))
	}
	for _, tip := range tips {
		if !tip.Hash.Equal(b) && !tip.Hash.Equal(c) {
			t.Fatalf("unexpected tip %s", tip.Hash)
		}
	}

	d := write(t, s, addr, "d", b, c)
	tips, err = s.Read(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 1 || !tips[0].Hash.Equal(d) {
		t.Fatalf("got tips %v, want only %s", tips, d)
	}
	if diff := cmp.Diff(sorted(b, c), tips[0].Parents, cmp.Comparer(swarm.Address.Equal)); diff != "" {
		t.Fatalf("merge entry parents mismatch (-want +got):\n%s", diff)
	}
}

func sorted(addrs ...swarm.Address) []swarm.Address {
	swarm.SortAddresses(addrs)
	return addrs
}

func TestParallelWrites(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	addr := newRegister(t, s)
	root := write(t, s, addr, "root")

	var wg sync.WaitGroup
	errc := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Write(context.Background(), addr, []byte(fmt.Sprintf("w%d", i)), []swarm.Address{root})
			errc <- err
		}(i)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			t.Fatal(err)
		}
	}

	if got := len(tipPayloads(t, s, addr)); got != 10 {
		t.Fatalf("got %d tips, want 10", got)
	}
}

func TestMergeOutOfOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newStore(t)
	addr := newRegister(t, src)
	a := write(t, src, addr, "a")
	b := write(t, src, addr, "b", a)
	write(t, src, addr, "c", b)

	log, err := src.Log(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	byPayload := make(map[string]register.Entry)
	for _, e := range log.Entries {
		byPayload[string(e.Payload)] = e
	}

	dst := newStore(t)
	if err := dst.Create(ctx, addr); err != nil {
		t.Fatal(err)
	}

	res, err := dst.Merge(ctx, addr, []register.Entry{byPayload["c"]})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(register.MergeResult{Pending: 1}, res); diff != "" {
		t.Fatalf("merge result mismatch (-want +got):\n%s", diff)
	}
	if got := tipPayloads(t, dst, addr); len(got) != 0 {
		t.Fatalf("got tips %v before parents arrived", got)
	}

	res, err = dst.Merge(ctx, addr, []register.Entry{byPayload["b"]})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(register.MergeResult{Pending: 2}, res); diff != "" {
		t.Fatalf("merge result mismatch (-want +got):\n%s", diff)
	}

	res, err = dst.Merge(ctx, addr, []register.Entry{byPayload["a"], byPayload["b"]})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(register.MergeResult{Applied: 3}, res); diff != "" {
		t.Fatalf("merge result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c"}, tipPayloads(t, dst, addr)); diff != "" {
		t.Fatalf("tips mismatch (-want +got):\n%s", diff)
	}

	res, err = dst.Merge(ctx, addr, log.Entries)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(register.MergeResult{Existing: 3}, res); diff != "" {
		t.Fatalf("merge result mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeRejectsMalformed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	addr := newRegister(t, s)

	good, err := register.NewEntry(addr, []byte("good"), nil)
	if err != nil {
		t.Fatal(err)
	}
	bad := good
	bad.Payload = []byte("tampered")

	other, err := register.NewEntry(swarm.RandAddress(t), []byte("other"), nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, entries := range [][]register.Entry{{good, bad}, {good, other}} {
		if _, err := s.Merge(ctx, addr, entries); !errors.Is(err, register.ErrMalformedEntry) {
			t.Fatalf("got error %v, want %v", err, register.ErrMalformedEntry)
		}
	}
	if got := tipPayloads(t, s, addr); len(got) != 0 {
		t.Fatalf("rejected batch partially applied: %v", got)
	}
}

func TestMergeConverges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s1, s2 := newStore(t), newStore(t)
	addr := swarm.RandAddress(t)
	for _, s := range []*register.Store{s1, s2} {
		if err := s.Create(ctx, addr); err != nil {
			t.Fatal(err)
		}
	}

	write(t, s1, addr, "from one")
	write(t, s2, addr, "from two")

	l1, err := s1.Log(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := s2.Log(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Merge(ctx, addr, l2.Entries); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Merge(ctx, addr, l1.Entries); err != nil {
		t.Fatal(err)
	}

	want := []string{"from one", "from two"}
	got1, got2 := tipPayloads(t, s1, addr), tipPayloads(t, s2, addr)
	if diff := cmp.Diff(got1, got2); diff != "" {
		t.Fatalf("replicas diverged (-one +two):\n%s", diff)
	}
	if len(got1) != len(want) {
		t.Fatalf("got %d tips, want %d", len(got1), len(want))
	}
}

func TestCovers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	addr := newRegister(t, s)
	a := write(t, s, addr, "a")
	b := write(t, s, addr, "b", a)

	tips, err := s.TipHashes(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]swarm.Address{b}, tips, cmp.Comparer(swarm.Address.Equal)); diff != "" {
		t.Fatalf("tips mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		name   string
		addr   swarm.Address
		hashes []swarm.Address
		want   bool
	}{
		{name: "own tips", addr: addr, hashes: tips, want: true},
		{name: "ancestor", addr: addr, hashes: []swarm.Address{a}, want: true},
		{name: "unknown entry", addr: addr, hashes: []swarm.Address{b, swarm.RandAddress(t)}, want: false},
		{name: "missing register", addr: swarm.RandAddress(t), hashes: tips, want: false},
	} {
		got, err := s.Covers(ctx, tc.addr, tc.hashes)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got covers %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	addr := newRegister(t, s)
	a := write(t, s, addr, "a")
	b := write(t, s, addr, "b", a)
	c := write(t, s, addr, "c", a)

	snap, err := s.Snapshot(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tips) != 2 {
		t.Fatalf("got %d tips in snapshot, want 2", len(snap.Tips))
	}
	if diff := cmp.Diff([]swarm.Address{a}, snap.Collapsed, cmp.Comparer(swarm.Address.Equal)); diff != "" {
		t.Fatalf("collapsed index mismatch (-want +got):\n%s", diff)
	}

	// collapsed entries still count as known parents
	write(t, s, addr, "d", a)
	write(t, s, addr, "e", b, c)

	log, err := s.Log(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(log.Entries) != 4 {
		t.Fatalf("got %d entries in log, want 4", len(log.Entries))
	}

	dst := newStore(t)
	res, err := dst.Import(ctx, log)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 4 || res.Pending != 0 {
		t.Fatalf("got merge result %+v, want 4 applied", res)
	}
	if diff := cmp.Diff(tipPayloads(t, s, addr), tipPayloads(t, dst, addr)); diff != "" {
		t.Fatalf("imported register differs (-want +got):\n%s", diff)
	}
}

func TestRemoveAndIterate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	a1 := newRegister(t, s)
	a2 := newRegister(t, s)
	write(t, s, a1, "x")

	var got []swarm.Address
	if err := s.Iterate(func(addr swarm.Address) error {
		got = append(got, addr)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sorted(a1, a2), sorted(got...), cmp.Comparer(swarm.Address.Equal)); diff != "" {
		t.Fatalf("iterated registers mismatch (-want +got):\n%s", diff)
	}

	if err := s.Remove(ctx, a1); err != nil {
		t.Fatal(err)
	}
	has, err := s.Has(ctx, a1)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("removed register still present")
	}
	has, err = s.Has(ctx, a2)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("other register removed")
	}
}

func TestOnChange(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	var (
		mu      sync.Mutex
		changed []swarm.Address
	)
	s.OnChange(func(addr swarm.Address) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, addr)
	})

	addr := newRegister(t, s)
	h := write(t, s, addr, "a")
	write(t, s, addr, "a")
	if _, err := s.Write(context.Background(), addr, []byte("b"), []swarm.Address{swarm.RandAddress(t)}); err == nil {
		t.Fatal("expected error")
	}
	write(t, s, addr, "b", h)

	mu.Lock()
	defer mu.Unlock()
	if len(changed) != 3 {
		t.Fatalf("got %d change notifications, want 3", len(changed))
	}
}

// failingStore fails Put for keys with the suffix while fail is set.
type failingStore struct {
	storage.StateStorer

	mu     sync.Mutex
	suffix string
	fail   bool
}

var errPut = errors.New("put failed")

func (s *failingStore) Put(key string, i interface{}) error {
	s.mu.Lock()
	fail := s.fail && strings.HasSuffix(key, s.suffix)
	s.mu.Unlock()
	if fail {
		return errPut
	}
	return s.StateStorer.Put(key, i)
}

func (s *failingStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func TestWriteMetaFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &failingStore{StateStorer: mock.NewStateStore(), suffix: "/meta"}
	s := register.New(store, logging.New(io.Discard, 0))
	addr := newRegister(t, s)
	first := write(t, s, addr, "first")

	store.setFail(true)
	if _, err := s.Write(ctx, addr, []byte("second"), []swarm.Address{first}); !errors.Is(err, errPut) {
		t.Fatalf("got error %v, want %v", err, errPut)
	}
	if diff := cmp.Diff([]string{"first"}, tipPayloads(t, s, addr)); diff != "" {
		t.Errorf("tips after failed write (-want +got):\n%s", diff)
	}

	// retrying the same write applies it
	store.setFail(false)
	write(t, s, addr, "second", first)
	if diff := cmp.Diff([]string{"second"}, tipPayloads(t, s, addr)); diff != "" {
		t.Errorf("tips after retry (-want +got):\n%s", diff)
	}
}
