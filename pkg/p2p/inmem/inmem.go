// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package inmem implements p2p.Service for nodes running in the same
// process. Every service joined to a Network is connected to every other
// one and streams are pairs of in-memory pipes.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safenetwork/safenode/pkg/logging"
	m "github.com/safenetwork/safenode/pkg/metrics"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
)

var (
	_ p2p.Service = (*Service)(nil)

	// ErrClosed is returned by operations on a closed service.
	ErrClosed = errors.New("inmem: service closed")
)

// Network connects in-process services.
type Network struct {
	logger logging.Logger

	mu       sync.RWMutex
	services map[string]*Service
}

// NewNetwork returns an empty network.
func NewNetwork(logger logging.Logger) *Network {
	return &Network{
		logger:   logger,
		services: make(map[string]*Service),
	}
}

// Underlay returns the underlay address assigned to an overlay address.
func Underlay(overlay swarm.Address) ma.Multiaddr {
	return ma.StringCast("/dns4/" + overlay.ShortString() + ".inmem/tcp/1634")
}

// NewService creates a service for overlay. It is connected to the rest of
// the network by Join.
func (n *Network) NewService(overlay swarm.Address) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		network:  n,
		overlay:  overlay,
		underlay: Underlay(overlay),
		handlers: make(map[string]p2p.HandlerFunc),
		headlers: make(map[string]p2p.HeadlerFunc),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  newMetrics(),
	}
}

// Join connects s to every service already in the network and notifies
// both sides.
func (n *Network) Join(ctx context.Context, s *Service) error {
	n.mu.Lock()
	if _, ok := n.services[s.overlay.ByteString()]; ok {
		n.mu.Unlock()
		return p2p.ErrAlreadyConnected
	}
	others := make([]*Service, 0, len(n.services))
	for _, o := range n.services {
		others = append(others, o)
	}
	n.services[s.overlay.ByteString()] = s
	n.mu.Unlock()

	for _, o := range others {
		if err := o.notifyConnected(ctx, s.peer()); err != nil {
			return fmt.Errorf("notify %s: %w", o.overlay, err)
		}
		if err := s.notifyConnected(ctx, o.peer()); err != nil {
			return fmt.Errorf("notify %s: %w", s.overlay, err)
		}
	}
	n.logger.Debugf("inmem: %s joined, %d services", s.overlay, len(others)+1)
	return nil
}

// Leave disconnects s from the network and notifies the remaining services.
func (n *Network) Leave(s *Service) {
	n.mu.Lock()
	if n.services[s.overlay.ByteString()] != s {
		n.mu.Unlock()
		return
	}
	delete(n.services, s.overlay.ByteString())
	others := make([]*Service, 0, len(n.services))
	for _, o := range n.services {
		others = append(others, o)
	}
	n.mu.Unlock()

	for _, o := range others {
		o.notifyDisconnected(s.peer())
		s.notifyDisconnected(o.peer())
	}
	n.logger.Debugf("inmem: %s left, %d services", s.overlay, len(others))
}

func (n *Network) lookup(overlay swarm.Address) (*Service, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s, ok := n.services[overlay.ByteString()]
	return s, ok
}

func (n *Network) peers(except swarm.Address) []p2p.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]p2p.Peer, 0, len(n.services))
	for _, s := range n.services {
		if !s.overlay.Equal(except) {
			peers = append(peers, s.peer())
		}
	}
	return peers
}

// Service is a single node endpoint of the in-process network.
type Service struct {
	network  *Network
	overlay  swarm.Address
	underlay ma.Multiaddr
	metrics  metrics

	mu       sync.RWMutex
	handlers map[string]p2p.HandlerFunc
	headlers map[string]p2p.HeadlerFunc
	notifier topology.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetNotifier sets the receiver of peer connect and disconnect
// notifications. It must be set before the service joins the network.
func (s *Service) SetNotifier(n topology.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifier = n
}

// Overlay returns the overlay address of the service.
func (s *Service) Overlay() swarm.Address {
	return s.overlay
}

func (s *Service) peer() p2p.Peer {
	return p2p.Peer{Address: s.overlay, Underlay: s.underlay}
}

func (s *Service) AddProtocol(p p2p.ProtocolSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ss := range p.StreamSpecs {
		id := p2p.NewSwarmStreamName(p.Name, p.Version, ss.Name)
		if _, ok := s.handlers[id]; ok {
			return fmt.Errorf("inmem: stream %s already registered", id)
		}
		s.handlers[id] = ss.Handler
		if ss.Headler != nil {
			s.headlers[id] = ss.Headler
		}
	}
	return nil
}

func (s *Service) Peers() []p2p.Peer {
	if s.ctx.Err() != nil {
		return nil
	}
	if _, ok := s.network.lookup(s.overlay); !ok {
		return nil
	}
	return s.network.peers(s.overlay)
}

func (s *Service) NewStream(ctx context.Context, overlay swarm.Address, h p2p.Headers, protocol, version, streamName string) (p2p.Stream, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := s.network.lookup(s.overlay); !ok {
		return nil, p2p.ErrPeerNotFound
	}
	remote, ok := s.network.lookup(overlay)
	if !ok || remote.ctx.Err() != nil {
		return nil, p2p.ErrPeerNotFound
	}

	id := p2p.NewSwarmStreamName(protocol, version, streamName)
	handler, headler, ok := remote.handler(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, p2p.ErrUnsupportedStream)
	}

	inR, outW := io.Pipe()
	outR, inW := io.Pipe()

	if h == nil {
		h = make(p2p.Headers)
	}
	var responseHeaders p2p.Headers
	if headler != nil {
		responseHeaders = headler(h, s.overlay)
	}

	local := &stream{r: outR, w: outW, headers: h, responseHeaders: responseHeaders}
	peerSide := &stream{r: inR, w: inW, headers: h, responseHeaders: responseHeaders}

	s.metrics.CreatedStreamCount.Inc()

	done := make(chan struct{})
	remote.wg.Add(1)
	go func() {
		defer remote.wg.Done()
		select {
		case <-remote.ctx.Done():
			_ = peerSide.Reset()
		case <-done:
		}
	}()

	remote.wg.Add(1)
	go func() {
		defer remote.wg.Done()
		defer close(done)
		defer peerSide.FullClose()

		if err := handler(remote.ctx, s.peer(), peerSide); err != nil && !errors.Is(err, io.EOF) {
			remote.metrics.HandlerErrorCount.Inc()
			remote.network.logger.Debugf("inmem: %s handler %s from %s: %v", remote.overlay, id, s.overlay, err)
			_ = peerSide.Reset()
		}
	}()

	return local, nil
}

func (s *Service) handler(id string) (p2p.HandlerFunc, p2p.HeadlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.handlers[id]
	return h, s.headlers[id], ok
}

func (s *Service) notifyConnected(ctx context.Context, p p2p.Peer) error {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()

	if n == nil {
		return nil
	}
	return n.Connected(ctx, p)
}

func (s *Service) notifyDisconnected(p p2p.Peer) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()

	if n != nil {
		n.Disconnected(p)
	}
}

// Close leaves the network and waits for running handlers to return.
func (s *Service) Close() error {
	s.network.Leave(s)
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}

type stream struct {
	r               *io.PipeReader
	w               *io.PipeWriter
	headers         p2p.Headers
	responseHeaders p2p.Headers
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stream) Headers() p2p.Headers        { return s.headers }
func (s *stream) ResponseHeaders() p2p.Headers {
	return s.responseHeaders
}

// Close closes the writing side of the stream.
func (s *stream) Close() error {
	return s.w.Close()
}

func (s *stream) FullClose() error {
	if err := s.w.Close(); err != nil {
		return err
	}
	return s.r.Close()
}

func (s *stream) Reset() error {
	errReset := errors.New("stream reset")
	_ = s.w.CloseWithError(errReset)
	return s.r.CloseWithError(errReset)
}
