// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package churn

import (
	"context"
	"sync"

	"github.com/safenetwork/safenode/pkg/replication"
	"github.com/safenetwork/safenode/pkg/swarm"
	"golang.org/x/sync/errgroup"
)

func (c *Coordinator) scheduleEvictions(items []replication.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		k := item.Key()
		if _, ok := c.evictions[k]; ok {
			continue
		}
		c.evictions[k] = item
		c.beginLocked(item)
		c.metrics.EvictionsScheduled.Inc()
	}
}

func (c *Coordinator) dropEvictions(items []replication.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		k := item.Key()
		if _, ok := c.evictions[k]; !ok {
			continue
		}
		delete(c.evictions, k)
		c.endLocked(item)
	}
}

// evict removes the scheduled items that enough members of their current
// close group hold. Items the local node is responsible for again are kept.
// The remaining items are offered to the members that lack them.
func (c *Coordinator) evict(ctx context.Context) {
	c.mu.Lock()
	items := make([]replication.Item, 0, len(c.evictions))
	for _, item := range c.evictions {
		items = append(items, item)
	}
	c.mu.Unlock()

	if len(items) == 0 {
		return
	}

	snapshot := c.view.Snapshot()
	asks := make(map[string][]replication.Item)
	peers := make(map[string]swarm.Address)
	need := make(map[string]int)
	var (
		kept    []replication.Item
		pending []replication.Item
	)
	for _, item := range items {
		group := c.router.CloseGroup(item.Address, snapshot)
		if contains(group, c.self) {
			kept = append(kept, item)
			continue
		}
		if item.Kind.Mergeable() {
			// a member counts only if it holds every entry held here
			version, err := c.store.Version(ctx, item)
			if err != nil {
				c.logger.Debugf("churn: version of %s: %v", item, err)
				continue
			}
			item.Version = version
		}
		n := c.replicationFactor
		if len(group) < n {
			n = len(group)
		}
		if n < 1 {
			n = 1
		}
		need[item.Key()] = n
		pending = append(pending, item)
		for _, p := range group {
			k := p.Address.ByteString()
			peers[k] = p.Address
			asks[k] = append(asks[k], item)
		}
	}
	if len(kept) > 0 {
		c.dropEvictions(kept)
		c.metrics.EvictionsCanceled.Add(float64(len(kept)))
	}

	var (
		mu      sync.Mutex
		acks    = make(map[string]int)
		lacking = make(map[string][]replication.Item)
		g       errgroup.Group
	)
	for k, list := range asks {
		k, peer, list := k, peers[k], list
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			has, err := c.replicator.Has(ctx, peer, list)
			if err != nil {
				c.logger.Debugf("churn: possession check of %d items at %s: %v", len(list), peer, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for i, item := range list {
				if has[i] {
					acks[item.Key()]++
				} else {
					lacking[k] = append(lacking[k], item)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var removed []replication.Item
	for _, item := range pending {
		if acks[item.Key()] < need[item.Key()] {
			c.metrics.EvictionsDeferred.Inc()
			continue
		}
		if err := c.store.Remove(ctx, item); err != nil {
			c.logger.Debugf("churn: remove %s: %v", item, err)
			continue
		}
		removed = append(removed, item)
		c.metrics.Evicted.Inc()
	}
	c.dropEvictions(removed)

	if len(removed) > 0 {
		c.logger.Debugf("churn: evicted %d items, %d pending", len(removed), len(pending)-len(removed))
	}

	// replicate before evict
	if len(removed) < len(pending) {
		gone := make(map[string]struct{}, len(removed))
		for _, item := range removed {
			gone[item.Key()] = struct{}{}
		}
		offers := make(map[string][]replication.Item)
		for k, list := range lacking {
			for _, item := range list {
				if _, ok := gone[item.Key()]; !ok {
					offers[k] = append(offers[k], item)
				}
			}
		}
		c.sendOffers(ctx, peers, offers)
	}
}

// reconcile schedules the eviction of every held item the local node is no
// longer responsible for, retries evictions and restarts stopped pulls.
func (c *Coordinator) reconcile(ctx context.Context) {
	c.metrics.Reconciliations.Inc()

	snapshot := c.view.Snapshot()
	var evict []replication.Item
	err := c.store.Iterate(ctx, func(item replication.Item) (bool, error) {
		if item.Kind == replication.KindSpend {
			return false, nil
		}
		if !c.router.IsResponsible(item.Address, snapshot) {
			evict = append(evict, item)
		}
		return false, nil
	})
	if err != nil {
		c.logger.Errorf("churn: iterate local items: %v", err)
	}

	c.scheduleEvictions(evict)
	c.evict(ctx)
	c.restartPulls()
}
