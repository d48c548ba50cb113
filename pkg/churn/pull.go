// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package churn

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/safenetwork/safenode/pkg/replication"
	"github.com/safenetwork/safenode/pkg/swarm"
)

// schedulePull records source as a holder of the item and starts pulling it
// unless a pull is already running. A mergeable item offered again during a
// running pull is pulled once more after it.
func (c *Coordinator) schedulePull(source swarm.Address, item replication.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := item.Key()
	p, ok := c.pulls[k]
	if !ok {
		p = &pull{item: item}
		c.pulls[k] = p
		c.beginLocked(item)
		c.metrics.PullsScheduled.Inc()
	} else if p.running && item.Kind.Mergeable() {
		p.again = true
	}
	if swarm.FindAddressIdx(p.sources, source) == -1 {
		p.sources = append(p.sources, source)
	}
	c.startLocked(p)
}

func (c *Coordinator) startLocked(p *pull) {
	if p.running || c.ctx.Err() != nil {
		return
	}
	p.running = true
	c.wg.Add(1)
	go c.runPull(p)
}

// restartPulls restarts the pulls that ran out of attempts and drops the
// ones the local node is no longer responsible for.
func (c *Coordinator) restartPulls() {
	snapshot := c.view.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, p := range c.pulls {
		if p.running {
			continue
		}
		if !c.router.IsResponsible(p.item.Address, snapshot) {
			delete(c.pulls, k)
			c.endLocked(p.item)
			continue
		}
		c.startLocked(p)
	}
}

// runPull retries the pull with exponential backoff. After the last attempt
// the pull stays pending until the next reconciliation.
func (c *Coordinator) runPull(p *pull) {
	defer c.wg.Done()

	delay := c.retry
	for attempt := 1; ; attempt++ {
		err := c.pullOnce(p)
		if err == nil {
			if c.finishPull(p) {
				return
			}
			attempt, delay = 0, c.retry
			continue
		}
		if c.ctx.Err() != nil {
			c.stopPull(p)
			return
		}
		c.logger.Debugf("churn: pull %s attempt %d: %v", p.item, attempt, err)
		if attempt >= c.maxAttempts {
			c.metrics.PullsFailed.Inc()
			c.stopPull(p)
			return
		}
		c.metrics.PullRetries.Inc()

		select {
		case <-c.ctx.Done():
			c.stopPull(p)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxRetry {
			delay = c.maxRetry
		}
	}
}

// pullOnce pulls the item from the peers that offered it and then from the
// other members of its close group. An item that is already held or that
// the local node is no longer responsible for needs no pull.
func (c *Coordinator) pullOnce(p *pull) error {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	item := p.item
	snapshot := c.view.Snapshot()
	if !c.router.IsResponsible(item.Address, snapshot) {
		return nil
	}
	has, err := c.store.Has(c.ctx, item)
	if err != nil {
		return err
	}
	if has && !item.Kind.Mergeable() {
		return nil
	}

	c.mu.Lock()
	sources := append([]swarm.Address(nil), p.sources...)
	c.mu.Unlock()
	for _, peer := range c.router.Others(item.Address, snapshot) {
		if swarm.FindAddressIdx(sources, peer.Address) == -1 {
			sources = append(sources, peer.Address)
		}
	}

	_, _, err = c.flight.Do(c.ctx, item.Key(), func(ctx context.Context) (interface{}, error) {
		var errs *multierror.Error
		for _, source := range sources {
			if source.Equal(c.self) {
				continue
			}
			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			err := c.replicator.Pull(ctx, source, item)
			cancel()
			if err == nil {
				return nil, nil
			}
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", source, err))
		}
		if errs == nil {
			return nil, fmt.Errorf("no source for %s", item)
		}
		return nil, errs
	})
	return err
}

// finishPull removes the completed pull. It returns false if the pull has to
// run again.
func (c *Coordinator) finishPull(p *pull) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.PullsCompleted.Inc()
	if p.again {
		p.again = false
		return false
	}
	k := p.item.Key()
	if c.pulls[k] == p {
		delete(c.pulls, k)
		c.endLocked(p.item)
	}
	return true
}

func (c *Coordinator) stopPull(p *pull) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.running = false
}
