// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p/inmem"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/safenetwork/safenode/pkg/topology/membership"
)

// DevNetwork is a local development network of nodes running in the same
// process and connected by an in-memory transport.
type DevNetwork struct {
	network *inmem.Network
	logger  logging.Logger
	o       Options

	mu    sync.Mutex
	nodes map[string]*Node
	next  int
}

// NewDevNetwork starts count nodes with the options o. When o.APIAddr is
// set, node i listens on its port plus i. When o.DataDir is set, every node
// keeps its state in a subdirectory named after its overlay.
func NewDevNetwork(ctx context.Context, logger logging.Logger, count int, o *Options) (d *DevNetwork, err error) {
	if o == nil {
		o = new(Options)
	}
	d = &DevNetwork{
		network: inmem.NewNetwork(logger),
		logger:  logger,
		o:       *o,
		nodes:   make(map[string]*Node),
	}
	defer func() {
		if err != nil {
			if e := d.Shutdown(context.Background()); e != nil {
				logger.Errorf("dev network shutdown: %v", e)
			}
		}
	}()

	for i := 0; i < count; i++ {
		if _, err := d.AddNode(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddNode starts a node with a new identity and joins it to the network.
func (d *DevNetwork) AddNode(ctx context.Context) (*Node, error) {
	key, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	overlay, err := crypto.NewOverlayAddress(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("overlay address: %w", err)
	}

	d.mu.Lock()
	i := d.next
	d.next++
	d.mu.Unlock()

	o := d.o
	if o.APIAddr != "" {
		if o.APIAddr, err = devAPIAddr(o.APIAddr, i); err != nil {
			return nil, err
		}
	}
	if o.DataDir != "" {
		o.DataDir = filepath.Join(o.DataDir, overlay.String())
	}

	transport := d.network.NewService(overlay)
	n, err := New(transport, crypto.NewDefaultSigner(key), overlay, d.logger, &o)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", i, err)
	}
	if err := d.network.Join(ctx, transport); err != nil {
		_ = n.Shutdown(ctx)
		return nil, fmt.Errorf("join node %d: %w", i, err)
	}

	d.mu.Lock()
	d.nodes[overlay.ByteString()] = n
	d.mu.Unlock()

	d.logger.Infof("dev network: node %d %s joined", i, overlay)
	return n, nil
}

func devAPIAddr(base string, i int) (string, error) {
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("api address %q: %w", base, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("api port %q: %w", port, err)
	}
	if p == 0 {
		return base, nil
	}
	return net.JoinHostPort(host, strconv.Itoa(p+i)), nil
}

// RemoveNode shuts the node down, which makes it leave the network.
func (d *DevNetwork) RemoveNode(ctx context.Context, overlay swarm.Address) error {
	d.mu.Lock()
	n, ok := d.nodes[overlay.ByteString()]
	delete(d.nodes, overlay.ByteString())
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("node %s not in the network", overlay)
	}
	d.logger.Infof("dev network: node %s leaving", overlay)
	return n.Shutdown(ctx)
}

// Node returns the running node with the overlay address.
func (d *DevNetwork) Node(overlay swarm.Address) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[overlay.ByteString()]
	return n, ok
}

// Nodes returns the running nodes ordered by overlay address.
func (d *DevNetwork) Nodes() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Overlay().Compare(nodes[j].Overlay()) < 0
	})
	return nodes
}

// CloseGroup returns the running nodes responsible for addr, closest first.
func (d *DevNetwork) CloseGroup(addr swarm.Address) []*Node {
	nodes := d.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	peers := make([]membership.Peer, 0, len(nodes))
	byKey := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		peers = append(peers, membership.Peer{Address: n.Overlay()})
		byKey[n.Overlay().ByteString()] = n
	}
	first := nodes[0]
	snapshot := membership.NewSnapshot(first.Overlay(), peers...)

	group := closegroup.CloseGroup(addr, snapshot, first.router.Size())
	out := make([]*Node, len(group))
	for i, p := range group {
		out[i] = byKey[p.Address.ByteString()]
	}
	return out
}

// Shutdown shuts all nodes down.
func (d *DevNetwork) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	nodes := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	d.nodes = make(map[string]*Node)
	d.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		mErr *multierror.Error
	)
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Shutdown(ctx); err != nil {
				mu.Lock()
				mErr = multierror.Append(mErr, fmt.Errorf("node %s: %w", n.Overlay(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return mErr.ErrorOrNil()
}
