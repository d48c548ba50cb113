// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package churn keeps the data held by a node placed on its close groups
// while peers join and leave.
//
// For every membership change the coordinator compares the close groups of
// all locally held items before and after the change. Items are offered to
// peers that entered their group. Items whose group the local node left are
// kept until enough other members acknowledge possession and are removed
// only then. Offers received from other nodes for items the local node is
// responsible for are pulled in the background with retries.
package churn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/replication"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/safenetwork/safenode/pkg/topology/membership"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"resenje.org/singleflight"
)

const (
	DefaultReplicationFactor = 2
	DefaultWorkers           = 16
	DefaultTickInterval      = 30 * time.Second
	DefaultRetryInterval     = 500 * time.Millisecond
	DefaultMaxRetryInterval  = 30 * time.Second
	DefaultMaxAttempts       = 8

	requestTimeout = 10 * time.Second
)

// State is the rebalancing state of an address range.
type State int

const (
	StateStable State = iota
	StateRebalancing
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateRebalancing:
		return "rebalancing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Range returns the address range of addr, the ranges are the 256 values of
// the first address byte.
func Range(addr swarm.Address) byte {
	b := addr.Bytes()
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// Replicator moves items between nodes.
type Replicator interface {
	Offer(ctx context.Context, peer swarm.Address, items []replication.Item) ([]replication.Item, error)
	Pull(ctx context.Context, peer swarm.Address, item replication.Item) error
	Has(ctx context.Context, peer swarm.Address, items []replication.Item) ([]bool, error)
}

// Membership provides the membership snapshots and the ordered change feed.
type Membership interface {
	Snapshot() *membership.Snapshot
	Subscribe() (*membership.Subscription, func())
}

var _ replication.Receiver = (*Coordinator)(nil)

type Options struct {
	// ReplicationFactor is the number of other close group members that
	// must hold an item before the local copy is evicted.
	ReplicationFactor int
	// Workers bounds the number of concurrent pulls.
	Workers          int
	TickInterval     time.Duration
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// MaxAttempts is the number of pull attempts before a pull waits for
	// the next reconciliation tick.
	MaxAttempts int
}

type pull struct {
	item    replication.Item
	sources []swarm.Address
	running bool
	again   bool
}

type Coordinator struct {
	self       swarm.Address
	view       Membership
	router     *closegroup.Router
	replicator Replicator
	store      replication.Storer
	logger     logging.Logger
	metrics    metrics

	replicationFactor int
	tick              time.Duration
	retry             time.Duration
	maxRetry          time.Duration
	maxAttempts       int

	sem    *semaphore.Weighted
	flight singleflight.Group

	mu        sync.Mutex
	pulls     map[string]*pull
	evictions map[string]replication.Item
	work      [256]int

	events   atomic.Uint64
	version  atomic.Uint64
	started  atomic.Bool
	reconcil chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(self swarm.Address, view Membership, router *closegroup.Router, replicator Replicator, store replication.Storer, logger logging.Logger, o *Options) *Coordinator {
	if o == nil {
		o = new(Options)
	}
	c := &Coordinator{
		self:              self,
		view:              view,
		router:            router,
		replicator:        replicator,
		store:             store,
		logger:            logger,
		metrics:           newMetrics(),
		replicationFactor: o.ReplicationFactor,
		tick:              o.TickInterval,
		retry:             o.RetryInterval,
		maxRetry:          o.MaxRetryInterval,
		maxAttempts:       o.MaxAttempts,
		pulls:             make(map[string]*pull),
		evictions:         make(map[string]replication.Item),
		reconcil:          make(chan struct{}, 1),
	}
	if c.replicationFactor <= 0 {
		c.replicationFactor = DefaultReplicationFactor
	}
	if c.tick <= 0 {
		c.tick = DefaultTickInterval
	}
	if c.retry <= 0 {
		c.retry = DefaultRetryInterval
	}
	if c.maxRetry <= 0 {
		c.maxRetry = DefaultMaxRetryInterval
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	workers := o.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	c.sem = semaphore.NewWeighted(int64(workers))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start subscribes to membership changes and runs the coordinator until
// Close. Changes applied before Start are not processed.
func (c *Coordinator) Start() {
	if !c.started.CAS(false, true) {
		return
	}
	sub, unsubscribe := c.view.Subscribe()
	c.wg.Add(1)
	go c.run(sub, unsubscribe)
}

func (c *Coordinator) run(sub *membership.Subscription, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case _, ok := <-sub.Signal():
			if !ok {
				return
			}
			for _, change := range sub.Drain() {
				c.handleChange(c.ctx, change)
			}
		case <-ticker.C:
			c.reconcile(c.ctx)
		case <-c.reconcil:
			c.reconcile(c.ctx)
		}
	}
}

// Reconcile asks the running coordinator for a reconciliation pass.
func (c *Coordinator) Reconcile() {
	select {
	case c.reconcil <- struct{}{}:
	default:
	}
}

// Version returns the snapshot version of the last processed change.
func (c *Coordinator) Version() uint64 {
	return c.version.Load()
}

// Events returns the number of processed membership changes.
func (c *Coordinator) Events() uint64 {
	return c.events.Load()
}

// handleChange offers held items to peers that entered their close groups
// and schedules the eviction of items whose close group the local node left.
func (c *Coordinator) handleChange(ctx context.Context, change membership.Change) {
	c.events.Inc()
	c.version.Store(change.New.Version())
	c.metrics.Events.Inc()

	offers := make(map[string][]replication.Item)
	peers := make(map[string]swarm.Address)
	var evict []replication.Item

	err := c.store.Iterate(ctx, func(item replication.Item) (bool, error) {
		oldGroup := c.router.CloseGroup(item.Address, change.Old)
		newGroup := c.router.CloseGroup(item.Address, change.New)

		for _, p := range newGroup {
			if p.Address.Equal(c.self) || contains(oldGroup, p.Address) {
				continue
			}
			k := p.Address.ByteString()
			peers[k] = p.Address
			offers[k] = append(offers[k], item)
		}
		if item.Kind != replication.KindSpend && contains(oldGroup, c.self) && !contains(newGroup, c.self) {
			evict = append(evict, item)
		}
		return false, nil
	})
	if err != nil {
		c.logger.Errorf("churn: iterate local items: %v", err)
		return
	}

	c.logger.Debugf("churn: peer %s %s, offering to %d peers, %d evictions", change.Event.Peer.Address, change.Event.Type, len(offers), len(evict))

	c.sendOffers(ctx, peers, offers)

	if len(evict) > 0 {
		c.scheduleEvictions(evict)
		c.evict(ctx)
	}
}

// Replicate offers items to the other members of their close groups. It is
// used right after data is stored locally.
func (c *Coordinator) Replicate(ctx context.Context, items ...replication.Item) {
	snapshot := c.view.Snapshot()
	offers := make(map[string][]replication.Item)
	peers := make(map[string]swarm.Address)
	for _, item := range items {
		for _, p := range c.router.Others(item.Address, snapshot) {
			k := p.Address.ByteString()
			peers[k] = p.Address
			offers[k] = append(offers[k], item)
		}
	}
	c.sendOffers(ctx, peers, offers)
}

// sendOffers offers the items to every peer concurrently. Failed offers are
// logged, the reconciliation tick recovers from them.
func (c *Coordinator) sendOffers(ctx context.Context, peers map[string]swarm.Address, offers map[string][]replication.Item) {
	if len(offers) == 0 {
		return
	}

	for _, items := range offers {
		c.begin(items...)
	}

	var g errgroup.Group
	for k, items := range offers {
		peer, items := peers[k], items
		g.Go(func() error {
			defer c.end(items...)

			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			wanted, err := c.replicator.Offer(ctx, peer, items)
			if err != nil {
				c.metrics.OfferErrors.Inc()
				c.logger.Debugf("churn: offer %d items to %s: %v", len(items), peer, err)
				return nil
			}
			c.metrics.OffersSent.Inc()
			c.metrics.ItemsOffered.Add(float64(len(items)))
			c.logger.Tracef("churn: %s wants %d of %d offered items", peer, len(wanted), len(items))
			return nil
		})
	}
	_ = g.Wait()
}

// Offered implements replication.Receiver. It wants the items the local node
// is responsible for and does not hold, or can merge, and schedules their
// pulls.
func (c *Coordinator) Offered(ctx context.Context, peer swarm.Address, items []replication.Item) []replication.Item {
	snapshot := c.view.Snapshot()
	var wanted []replication.Item
	for _, item := range items {
		if !c.router.IsResponsible(item.Address, snapshot) {
			continue
		}
		has, err := c.store.Has(ctx, item)
		if err != nil {
			c.logger.Debugf("churn: has %s: %v", item, err)
			continue
		}
		if has && !item.Kind.Mergeable() {
			continue
		}
		wanted = append(wanted, item)
		c.schedulePull(peer, item)
	}
	return wanted
}

// Pending returns the number of scheduled pulls and evictions.
func (c *Coordinator) Pending() (pulls, evictions int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pulls), len(c.evictions)
}

// RangeState returns the state of the address range r.
func (c *Coordinator) RangeState(r byte) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.work[r] > 0 {
		return StateRebalancing
	}
	return StateStable
}

// Rebalancing returns the ranges that are currently rebalancing.
func (c *Coordinator) Rebalancing() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ranges []byte
	for r, n := range c.work {
		if n > 0 {
			ranges = append(ranges, byte(r))
		}
	}
	return ranges
}

// begin and end count outstanding work per range. A range with outstanding
// work is rebalancing.
func (c *Coordinator) begin(items ...replication.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		c.beginLocked(item)
	}
}

func (c *Coordinator) beginLocked(item replication.Item) {
	r := Range(item.Address)
	if c.work[r] == 0 {
		c.metrics.RebalancingRanges.Inc()
	}
	c.work[r]++
}

func (c *Coordinator) end(items ...replication.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		c.endLocked(item)
	}
}

func (c *Coordinator) endLocked(item replication.Item) {
	r := Range(item.Address)
	if c.work[r] == 0 {
		return
	}
	c.work[r]--
	if c.work[r] == 0 {
		c.metrics.RebalancingRanges.Dec()
	}
}

func contains(group []membership.Peer, addr swarm.Address) bool {
	for _, p := range group {
		if p.Address.Equal(addr) {
			return true
		}
	}
	return false
}

// Close stops the coordinator and waits for running pulls to return.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
