// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package register stores mutable registers as Merkle-DAG CRDTs.
//
// Every write adds an entry that references the entries it was written on
// top of. Concurrent writes produce several tips which are all retained and
// returned on read; a later write that lists them all as parents merges
// them. Entries received from other nodes are applied once all their parents
// are known and are buffered until then.
package register

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"resenje.org/multex"
)

var (
	// ErrParentNotFound is returned by Write when a declared parent is not
	// part of the register history.
	ErrParentNotFound = errors.New("register: parent not found")
	// ErrMalformedEntry is returned for entries with invalid parent
	// references, hashes or payloads.
	ErrMalformedEntry = errors.New("register: malformed entry")
	// ErrExists is returned by Create for a register that already exists.
	ErrExists = errors.New("register: already exists")
)

const keyPrefix = "register/"

func metaKey(addr swarm.Address) string {
	return keyPrefix + addr.String() + "/meta"
}

func entryKey(addr, hash swarm.Address) string {
	return keyPrefix + addr.String() + "/entry/" + hash.String()
}

func entryPrefix(addr swarm.Address) string {
	return keyPrefix + addr.String() + "/entry/"
}

func pendingKey(addr, hash swarm.Address) string {
	return keyPrefix + addr.String() + "/pending/" + hash.String()
}

func pendingPrefix(addr swarm.Address) string {
	return keyPrefix + addr.String() + "/pending/"
}

// MergeResult reports the outcome of a Merge.
type MergeResult struct {
	Applied  int
	Pending  int
	Existing int
}

// Snapshot is a register collapsed to its tips. Collapsed holds the hashes
// of every entry reachable from the tips that is no longer stored in full.
type Snapshot struct {
	Address   swarm.Address
	Tips      []Entry
	Collapsed []swarm.Address
}

// Log is the replicable state of a register: every stored entry and the
// collapsed index.
type Log struct {
	Address   swarm.Address
	Created   time.Time
	Entries   []Entry
	Collapsed []swarm.Address
}

// Store holds registers in a storage.StateStorer.
type Store struct {
	store   storage.StateStorer
	lock    *multex.Multex
	logger  logging.Logger
	metrics metrics

	now func() time.Time

	mu        sync.Mutex
	observers []func(swarm.Address)
}

func New(store storage.StateStorer, logger logging.Logger) *Store {
	return &Store{
		store:   store,
		lock:    multex.New(),
		logger:  logger,
		metrics: newMetrics(),
		now:     time.Now,
	}
}

// OnChange registers f to be called after a register is created or
// changed. Calls happen outside of the register lock.
func (s *Store) OnChange(f func(swarm.Address)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, f)
}

func (s *Store) notify(addr swarm.Address) {
	s.mu.Lock()
	fs := make([]func(swarm.Address), len(s.observers))
	copy(fs, s.observers)
	s.mu.Unlock()
	for _, f := range fs {
		f(addr)
	}
}

// Create creates an empty register.
func (s *Store) Create(_ context.Context, addr swarm.Address) error {
	if !addr.IsValid() {
		return swarm.ErrAddressLength
	}

	key := addr.ByteString()
	s.lock.Lock(key)
	err := s.create(addr, s.now())
	s.lock.Unlock(key)
	if err != nil {
		return err
	}

	s.metrics.Created.Inc()
	s.notify(addr)
	return nil
}

func (s *Store) create(addr swarm.Address, created time.Time) error {
	if _, err := s.meta(addr); err == nil {
		return ErrExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	m := &meta{Created: created.UnixNano()}
	if err := s.store.Put(metaKey(addr), m); err != nil {
		return fmt.Errorf("register: create %s: %w", addr, err)
	}
	return nil
}

// Has reports whether the register exists locally.
func (s *Store) Has(_ context.Context, addr swarm.Address) (bool, error) {
	_, err := s.meta(addr)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// TipHashes returns the hashes of the tip entries of the register.
func (s *Store) TipHashes(_ context.Context, addr swarm.Address) ([]swarm.Address, error) {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	m, err := s.meta(addr)
	if err != nil {
		return nil, err
	}
	return toAddresses(m.Tips), nil
}

// Covers reports whether the register exists and every hash is part of its
// history. Entries are applied only after their parents, so covering the
// tips of another replica means holding everything that replica holds.
func (s *Store) Covers(_ context.Context, addr swarm.Address, hashes []swarm.Address) (bool, error) {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	m, err := s.meta(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, h := range hashes {
		known, err := s.known(addr, m, h)
		if err != nil {
			return false, err
		}
		if !known {
			return false, nil
		}
	}
	return true, nil
}

// Write appends an entry with the payload on top of parents and returns its
// hash. All parents must be known. Writing an entry that already exists
// returns its hash without changes.
func (s *Store) Write(_ context.Context, addr swarm.Address, payload []byte, parents []swarm.Address) (swarm.Address, error) {
	if err := checkParents(parents); err != nil {
		return swarm.ZeroAddress, err
	}
	e, err := NewEntry(addr, payload, parents)
	if err != nil {
		return swarm.ZeroAddress, err
	}

	key := addr.ByteString()
	s.lock.Lock(key)
	applied, err := s.write(addr, e)
	s.lock.Unlock(key)
	if err != nil {
		return swarm.ZeroAddress, err
	}

	if applied {
		s.metrics.Writes.Inc()
		s.notify(addr)
	}
	return e.Hash, nil
}

func (s *Store) write(addr swarm.Address, e Entry) (applied bool, err error) {
	m, err := s.meta(addr)
	if err != nil {
		return false, err
	}
	known, err := s.known(addr, m, e.Hash)
	if err != nil {
		return false, err
	}
	if known {
		return false, nil
	}
	for _, p := range e.Parents {
		ok, err := s.known(addr, m, p)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("parent %s: %w", p, ErrParentNotFound)
		}
	}
	if err := s.apply(addr, m, e); err != nil {
		return false, err
	}
	// a local write may complete the ancestry of buffered entries
	if _, err := s.drainPending(addr, m); err != nil {
		return true, err
	}
	return true, nil
}

// checkParents rejects parent lists that NewEntry would silently normalize.
func checkParents(parents []swarm.Address) error {
	for i, p := range parents {
		if !p.IsValid() {
			return fmt.Errorf("parent %d length %d: %w", i, len(p.Bytes()), ErrMalformedEntry)
		}
		for _, q := range parents[:i] {
			if q.Equal(p) {
				return fmt.Errorf("duplicate parent %s: %w", p, ErrMalformedEntry)
			}
		}
	}
	return nil
}

// Read returns the tip entries of the register, ordered by hash. More than
// one tip means concurrent writes that are not merged yet.
func (s *Store) Read(_ context.Context, addr swarm.Address) ([]Entry, error) {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	m, err := s.meta(addr)
	if err != nil {
		return nil, err
	}
	return s.tips(addr, m)
}

func (s *Store) tips(addr swarm.Address, m *meta) ([]Entry, error) {
	tips := make([]Entry, 0, len(m.Tips))
	for _, h := range m.Tips {
		var e Entry
		if err := s.store.Get(entryKey(addr, swarm.NewAddress(h)), &e); err != nil {
			return nil, fmt.Errorf("register: tip %x: %w", h, err)
		}
		tips = append(tips, e)
	}
	sort.Slice(tips, func(i, j int) bool {
		return tips[i].Hash.Compare(tips[j].Hash) < 0
	})
	return tips, nil
}

// Merge applies entries from another replica. Entries whose parents are all
// known are applied, the rest are buffered and applied once their parents
// arrive. A structurally invalid entry rejects the whole batch.
func (s *Store) Merge(_ context.Context, addr swarm.Address, entries []Entry) (MergeResult, error) {
	for _, e := range entries {
		if !e.Register.Equal(addr) {
			return MergeResult{}, fmt.Errorf("entry of register %s: %w", e.Register, ErrMalformedEntry)
		}
		if err := e.validate(); err != nil {
			return MergeResult{}, err
		}
	}

	key := addr.ByteString()
	s.lock.Lock(key)
	res, err := s.merge(addr, entries)
	s.lock.Unlock(key)
	if err != nil {
		return res, err
	}

	s.metrics.Merges.Inc()
	s.metrics.MergedEntries.Add(float64(res.Applied))
	if res.Applied > 0 {
		s.notify(addr)
	}
	return res, nil
}

func (s *Store) merge(addr swarm.Address, entries []Entry) (res MergeResult, err error) {
	m, err := s.meta(addr)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		known, err := s.known(addr, m, e.Hash)
		if err != nil {
			return res, err
		}
		if known {
			res.Existing++
			continue
		}
		if err := s.store.Put(pendingKey(addr, e.Hash), e); err != nil {
			return res, fmt.Errorf("register: buffer entry: %w", err)
		}
	}

	applied, err := s.drainPending(addr, m)
	res.Applied = applied
	if err != nil {
		return res, err
	}

	res.Pending, err = s.pendingCount(addr)
	return res, err
}

// drainPending applies buffered entries until none of the remaining ones has
// all its parents known.
func (s *Store) drainPending(addr swarm.Address, m *meta) (applied int, err error) {
	for {
		var pending []Entry
		err := s.store.Iterate(pendingPrefix(addr), func(_, value []byte) (bool, error) {
			var e Entry
			if err := e.UnmarshalBinary(value); err != nil {
				return true, err
			}
			pending = append(pending, e)
			return false, nil
		})
		if err != nil {
			return applied, fmt.Errorf("register: iterate pending: %w", err)
		}

		progress := false
		for _, e := range pending {
			known, err := s.known(addr, m, e.Hash)
			if err != nil {
				return applied, err
			}
			if known {
				if err := s.store.Delete(pendingKey(addr, e.Hash)); err != nil {
					return applied, err
				}
				continue
			}

			ready := true
			for _, p := range e.Parents {
				if ready, err = s.known(addr, m, p); err != nil {
					return applied, err
				}
				if !ready {
					break
				}
			}
			if !ready {
				continue
			}

			if err := s.apply(addr, m, e); err != nil {
				return applied, err
			}
			if err := s.store.Delete(pendingKey(addr, e.Hash)); err != nil {
				return applied, err
			}
			applied++
			progress = true
		}

		if !progress {
			return applied, nil
		}
	}
}

// apply stores the entry and updates the tips. A stored entry counts as
// known, so the entry is removed again if the meta can not be updated.
func (s *Store) apply(addr swarm.Address, m *meta, e Entry) error {
	if err := s.store.Put(entryKey(addr, e.Hash), e); err != nil {
		return fmt.Errorf("register: put entry: %w", err)
	}
	tips := append([][]byte(nil), m.Tips...)
	m.addTip(e)
	m.Entries++
	if err := s.store.Put(metaKey(addr), m); err != nil {
		m.Tips = tips
		m.Entries--
		if derr := s.store.Delete(entryKey(addr, e.Hash)); derr != nil {
			s.logger.Errorf("register: remove unapplied entry %s of %s: %v", e.Hash, addr, derr)
		}
		return fmt.Errorf("register: put meta: %w", err)
	}
	return nil
}

// known reports whether the hash is part of the register history, either as
// a stored entry or in the collapsed index.
func (s *Store) known(addr swarm.Address, m *meta, h swarm.Address) (bool, error) {
	if m.isCollapsed(h) {
		return true, nil
	}
	var e Entry
	err := s.store.Get(entryKey(addr, h), &e)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) pendingCount(addr swarm.Address) (n int, err error) {
	err = s.store.Iterate(pendingPrefix(addr), func(_, _ []byte) (bool, error) {
		n++
		return false, nil
	})
	return n, err
}

func (s *Store) meta(addr swarm.Address) (*meta, error) {
	m := new(meta)
	if err := s.store.Get(metaKey(addr), m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("register: get meta %s: %w", addr, err)
	}
	return m, nil
}

// Snapshot collapses the register to its tips. Non tip entries are removed
// from the store and their hashes kept in the reachability index, so later
// writes and merges referencing them still succeed.
func (s *Store) Snapshot(_ context.Context, addr swarm.Address) (*Snapshot, error) {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	m, err := s.meta(addr)
	if err != nil {
		return nil, err
	}

	entries, err := s.entries(addr)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if m.isTip(e.Hash) {
			continue
		}
		m.Collapsed = append(m.Collapsed, e.Hash.Bytes())
	}
	// the index is written before the entries are removed
	if err := s.store.Put(metaKey(addr), m); err != nil {
		return nil, fmt.Errorf("register: put meta: %w", err)
	}
	for _, e := range entries {
		if m.isTip(e.Hash) {
			continue
		}
		if err := s.store.Delete(entryKey(addr, e.Hash)); err != nil {
			return nil, fmt.Errorf("register: collapse entry: %w", err)
		}
	}
	s.metrics.Snapshots.Inc()

	tips, err := s.tips(addr, m)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Address:   addr,
		Tips:      tips,
		Collapsed: toAddresses(m.Collapsed),
	}, nil
}

// Log returns the replicable state of the register.
func (s *Store) Log(_ context.Context, addr swarm.Address) (*Log, error) {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	m, err := s.meta(addr)
	if err != nil {
		return nil, err
	}
	entries, err := s.entries(addr)
	if err != nil {
		return nil, err
	}
	return &Log{
		Address:   addr,
		Created:   time.Unix(0, m.Created),
		Entries:   entries,
		Collapsed: toAddresses(m.Collapsed),
	}, nil
}

// Import merges a replicated log, creating the register if it is missing.
func (s *Store) Import(ctx context.Context, log *Log) (MergeResult, error) {
	addr := log.Address
	if !addr.IsValid() {
		return MergeResult{}, swarm.ErrAddressLength
	}
	for _, c := range log.Collapsed {
		if !c.IsValid() {
			return MergeResult{}, fmt.Errorf("collapsed hash length %d: %w", len(c.Bytes()), ErrMalformedEntry)
		}
	}

	key := addr.ByteString()
	s.lock.Lock(key)
	err := s.importIndex(addr, log)
	s.lock.Unlock(key)
	if err != nil {
		return MergeResult{}, err
	}

	return s.Merge(ctx, addr, log.Entries)
}

func (s *Store) importIndex(addr swarm.Address, log *Log) error {
	m, err := s.meta(addr)
	if errors.Is(err, storage.ErrNotFound) {
		if err := s.create(addr, log.Created); err != nil {
			return err
		}
		m, err = s.meta(addr)
	}
	if err != nil {
		return err
	}

	changed := false
	for _, c := range log.Collapsed {
		if m.isCollapsed(c) {
			continue
		}
		m.Collapsed = append(m.Collapsed, c.Bytes())
		changed = true
		// a collapsed hash is never a tip, a descendant exists somewhere
		if i := indexOf(m.Tips, c); i != -1 {
			m.Tips = append(m.Tips[:i], m.Tips[i+1:]...)
		}
	}
	if !changed {
		return nil
	}
	if err := s.store.Put(metaKey(addr), m); err != nil {
		return fmt.Errorf("register: put meta: %w", err)
	}
	_, err = s.drainPending(addr, m)
	return err
}

// Remove deletes the register with its entries and buffered entries.
func (s *Store) Remove(_ context.Context, addr swarm.Address) error {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	var keys []string
	err := s.store.Iterate(keyPrefix+addr.String()+"/", func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k))
		return false, nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.store.Delete(k); err != nil {
			return fmt.Errorf("register: remove %s: %w", addr, err)
		}
	}
	if len(keys) > 0 {
		s.metrics.Removed.Inc()
	}
	return nil
}

// Iterate calls fn with the address of every register held locally.
func (s *Store) Iterate(fn swarm.AddressIterFunc) error {
	return s.store.Iterate(keyPrefix, func(k, _ []byte) (bool, error) {
		key := string(k)
		if !strings.HasSuffix(key, "/meta") {
			return false, nil
		}
		addr, err := swarm.ParseHexAddress(strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), "/meta"))
		if err != nil {
			return true, err
		}
		if err := fn(addr); err != nil {
			return true, err
		}
		return false, nil
	})
}

func (s *Store) entries(addr swarm.Address) ([]Entry, error) {
	var entries []Entry
	err := s.store.Iterate(entryPrefix(addr), func(_, value []byte) (bool, error) {
		var e Entry
		if err := e.UnmarshalBinary(value); err != nil {
			return true, err
		}
		entries = append(entries, e)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("register: iterate entries: %w", err)
	}
	return entries, nil
}

func toAddresses(list [][]byte) []swarm.Address {
	addrs := make([]swarm.Address, len(list))
	for i, b := range list {
		addrs[i] = swarm.NewAddress(b)
	}
	return addrs
}
