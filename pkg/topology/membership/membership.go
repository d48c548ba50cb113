// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package membership keeps the locally known set of online peers as a
// sequence of immutable, versioned snapshots. Every accepted join or leave
// produces a new snapshot and an Event that is queued, in order, for each
// subscriber.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
)

var (
	// ErrNoChange is returned by Apply for a join of an online peer or a
	// leave of an unknown one.
	ErrNoChange = errors.New("membership: event does not change the view")
	// ErrSelfEvent is returned by Apply for events about the local node.
	ErrSelfEvent = errors.New("membership: event about the local node")
)

var _ topology.Notifier = (*View)(nil)

// EventType tells whether a peer joined or left.
type EventType int

const (
	PeerJoined EventType = iota + 1
	PeerLeft
)

func (t EventType) String() string {
	switch t {
	case PeerJoined:
		return "joined"
	case PeerLeft:
		return "left"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Peer is an overlay address with reachability metadata. The connection is
// owned by the transport and never referenced here.
type Peer struct {
	Address  swarm.Address
	Underlay ma.Multiaddr
	LastSeen time.Time
	Online   bool
}

// Event is a single membership change.
type Event struct {
	Seq  uint64
	Type EventType
	Peer Peer
	Time time.Time
}

// Change is an applied Event together with the snapshots before and after it.
type Change struct {
	Event Event
	Old   *Snapshot
	New   *Snapshot
}

// Snapshot is an immutable view of the online peers, sorted by address. The
// local node is always part of it.
type Snapshot struct {
	version uint64
	self    swarm.Address
	peers   []Peer
}

// NewSnapshot builds a snapshot from peers. Duplicates are dropped and self
// is added if missing. It is meant for tests and offline computations.
func NewSnapshot(self swarm.Address, peers ...Peer) *Snapshot {
	byKey := make(map[string]Peer, len(peers)+1)
	byKey[self.ByteString()] = Peer{Address: self, Online: true}
	for _, p := range peers {
		p.Online = true
		byKey[p.Address.ByteString()] = p
	}
	s := &Snapshot{self: self, peers: make([]Peer, 0, len(byKey))}
	for _, p := range byKey {
		s.peers = append(s.peers, p)
	}
	sortPeers(s.peers)
	return s
}

// Version increases with every applied event.
func (s *Snapshot) Version() uint64 { return s.version }

// Self returns the local node address.
func (s *Snapshot) Self() swarm.Address { return s.self }

// Len returns the number of online peers including the local node.
func (s *Snapshot) Len() int { return len(s.peers) }

// Peers returns a copy of the online peers.
func (s *Snapshot) Peers() []Peer {
	return append([]Peer(nil), s.peers...)
}

// Addresses returns the addresses of the online peers.
func (s *Snapshot) Addresses() []swarm.Address {
	addrs := make([]swarm.Address, len(s.peers))
	for i, p := range s.peers {
		addrs[i] = p.Address
	}
	return addrs
}

// Get returns the peer with the address.
func (s *Snapshot) Get(addr swarm.Address) (Peer, bool) {
	i := s.index(addr)
	if i < 0 {
		return Peer{}, false
	}
	return s.peers[i], true
}

// Contains reports whether the address is online in the snapshot.
func (s *Snapshot) Contains(addr swarm.Address) bool {
	return s.index(addr) >= 0
}

func (s *Snapshot) index(addr swarm.Address) int {
	i := sort.Search(len(s.peers), func(i int) bool {
		return s.peers[i].Address.Compare(addr) >= 0
	})
	if i < len(s.peers) && s.peers[i].Address.Equal(addr) {
		return i
	}
	return -1
}

func (s *Snapshot) with(p Peer) *Snapshot {
	peers := make([]Peer, 0, len(s.peers)+1)
	peers = append(peers, s.peers...)
	peers = append(peers, p)
	sortPeers(peers)
	return &Snapshot{version: s.version + 1, self: s.self, peers: peers}
}

func (s *Snapshot) without(addr swarm.Address) *Snapshot {
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if !p.Address.Equal(addr) {
			peers = append(peers, p)
		}
	}
	return &Snapshot{version: s.version + 1, self: s.self, peers: peers}
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Address.Compare(peers[j].Address) < 0
	})
}

// View owns the current snapshot and fans applied events out to
// subscribers.
type View struct {
	logger  logging.Logger
	metrics metrics

	mu       sync.Mutex
	snapshot *Snapshot
	seq      uint64
	lastSeen map[string]time.Time
	subs     []*Subscription

	now func() time.Time
}

// New creates a view that contains only the local node.
func New(self swarm.Address, logger logging.Logger) *View {
	return &View{
		logger:   logger,
		metrics:  newMetrics(),
		snapshot: NewSnapshot(self),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Snapshot returns the current snapshot.
func (v *View) Snapshot() *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.snapshot
}

// LastSeen returns the time the peer was last observed online.
func (v *View) LastSeen(addr swarm.Address) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	t, ok := v.lastSeen[addr.ByteString()]
	return t, ok
}

// Apply applies a membership event and returns the resulting change. The
// event sequence number and time are assigned by the view.
func (v *View) Apply(typ EventType, peer Peer) (Change, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if peer.Address.Equal(v.snapshot.self) {
		return Change{}, ErrSelfEvent
	}

	now := v.now()
	old := v.snapshot
	var next *Snapshot

	switch typ {
	case PeerJoined:
		if old.Contains(peer.Address) {
			return Change{}, ErrNoChange
		}
		peer.Online = true
		peer.LastSeen = now
		next = old.with(peer)
	case PeerLeft:
		p, ok := old.Get(peer.Address)
		if !ok {
			return Change{}, ErrNoChange
		}
		peer = p
		peer.Online = false
		peer.LastSeen = now
		next = old.without(peer.Address)
	default:
		return Change{}, fmt.Errorf("membership: unknown event type %v", typ)
	}

	v.seq++
	v.snapshot = next
	v.lastSeen[peer.Address.ByteString()] = now

	change := Change{
		Event: Event{Seq: v.seq, Type: typ, Peer: peer, Time: now},
		Old:   old,
		New:   next,
	}
	for _, s := range v.subs {
		s.push(change)
	}

	v.metrics.Events.WithLabelValues(typ.String()).Inc()
	v.metrics.Peers.Set(float64(next.Len()))
	v.logger.Debugf("membership: peer %s %s, %d online, version %d", peer.Address, typ, next.Len(), next.Version())

	return change, nil
}

// Connected implements topology.Connecter.
func (v *View) Connected(_ context.Context, p p2p.Peer) error {
	_, err := v.Apply(PeerJoined, Peer{Address: p.Address, Underlay: p.Underlay})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

// Disconnected implements topology.Disconnecter.
func (v *View) Disconnected(p p2p.Peer) {
	if _, err := v.Apply(PeerLeft, Peer{Address: p.Address}); err != nil && !errors.Is(err, ErrNoChange) {
		v.logger.Debugf("membership: disconnected %s: %v", p.Address, err)
	}
}

// Subscribe returns a subscription that receives every change applied after
// the call, in order. Returned function is safe to be called multiple times.
func (v *View) Subscribe() (s *Subscription, unsubscribe func()) {
	s = &Subscription{signal: make(chan struct{}, 1)}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.subs = append(v.subs, s)

	var once sync.Once
	unsubscribe = func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()

			for i, c := range v.subs {
				if c == s {
					v.subs = append(v.subs[:i], v.subs[i+1:]...)
					break
				}
			}
			close(s.signal)
		})
	}
	return s, unsubscribe
}

// Subscription queues changes for a single consumer.
type Subscription struct {
	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
}

// Signal returns the channel that signals queued changes. It is closed on
// unsubscribe.
func (s *Subscription) Signal() <-chan struct{} {
	return s.signal
}

// Drain returns and removes all queued changes.
func (s *Subscription) Drain() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue
	s.queue = nil
	return q
}

func (s *Subscription) push(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}
