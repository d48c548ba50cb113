// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node composes the stores, protocols and the churn coordinator of a
// safenode and exposes its request surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safenetwork/safenode/pkg/api"
	"github.com/safenetwork/safenode/pkg/cac"
	"github.com/safenetwork/safenode/pkg/chunkstore"
	"github.com/safenetwork/safenode/pkg/churn"
	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/metrics"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/register"
	"github.com/safenetwork/safenode/pkg/replication"
	"github.com/safenetwork/safenode/pkg/spend"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/safenetwork/safenode/pkg/topology/membership"
	"github.com/safenetwork/safenode/pkg/tracing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"resenje.org/singleflight"
)

// ErrShutdownInProgress is returned by Shutdown when it is already running.
var ErrShutdownInProgress = errors.New("shutdown in progress")

var _ api.Node = (*Node)(nil)

// Transport is the stream transport of a node. It reports connected and
// disconnected peers to the notifier, which feeds the membership view.
type Transport interface {
	p2p.Service
	SetNotifier(topology.Notifier)
	io.Closer
}

type Options struct {
	// DataDir is the directory of the persisted state. Empty keeps all
	// state in memory.
	DataDir            string
	DBBackend          string
	CacheCapacity      int
	APIAddr            string
	CloseGroupSize     int
	ReplicationFactor  int
	SpendTimeout       time.Duration
	TentativeTTL       time.Duration
	ChurnTickInterval  time.Duration
	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// Node is a running safenode.
type Node struct {
	overlay     swarm.Address
	logger      logging.Logger
	tracer      *tracing.Tracer
	metrics     nodeMetrics
	transport   Transport
	view        *membership.View
	router      *closegroup.Router
	chunks      *chunkstore.Store
	registers   *register.Store
	ledger      *spend.Ledger
	replication *replication.Service
	coordinator *churn.Coordinator
	spend       *spend.Service
	registry    *prometheus.Registry
	flight      singleflight.Group

	errorLogWriter   io.Writer
	tracerCloser     io.Closer
	stateStoreCloser io.Closer
	apiServer        *http.Server
	apiAddr          net.Addr

	shutdownInProgress bool
	shutdownMutex      sync.Mutex
}

// New wires a node on top of the transport. The transport must not be
// connected to other nodes yet, protocols are added to it here.
func New(transport Transport, signer crypto.Signer, overlay swarm.Address, logger logging.Logger, o *Options) (n *Node, err error) {
	if o == nil {
		o = new(Options)
	}

	tracer, tracerCloser, err := tracing.NewTracer(&tracing.Options{
		Enabled:     o.TracingEnabled,
		Endpoint:    o.TracingEndpoint,
		ServiceName: o.TracingServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	n = &Node{
		overlay:        overlay,
		logger:         logger,
		tracer:         tracer,
		metrics:        newMetrics(),
		transport:      transport,
		errorLogWriter: logger.WriterLevel(logrus.ErrorLevel),
		tracerCloser:   tracerCloser,
	}

	defer func() {
		if err != nil {
			if e := n.Shutdown(context.Background()); e != nil {
				logger.Errorf("failed to shut down: %v", e)
			}
		}
	}()

	stateStore, err := InitStateStore(logger, o.DataDir, o.DBBackend)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	n.stateStoreCloser = stateStore
	if err := checkOverlay(stateStore, overlay); err != nil {
		return nil, err
	}

	var fs afero.Fs = afero.NewMemMapFs()
	chunkDir := "chunks"
	if o.DataDir != "" {
		fs = afero.NewOsFs()
		chunkDir = filepath.Join(o.DataDir, chunkDir)
	}
	n.chunks, err = chunkstore.New(fs, chunkDir, logger, &chunkstore.Options{CacheCapacity: o.CacheCapacity})
	if err != nil {
		return nil, fmt.Errorf("chunk store: %w", err)
	}

	n.view = membership.New(overlay, logger)
	n.router = closegroup.New(overlay, o.CloseGroupSize)
	n.registers = register.New(stateStore, logger)
	n.ledger = spend.NewLedger(stateStore, signer, overlay, o.TentativeTTL, logger)

	local := &replication.Local{
		Chunks:    n.chunks,
		Registers: n.registers,
		Spends:    n.ledger,
	}
	n.replication = replication.New(transport, local, logger, tracer)
	n.coordinator = churn.New(overlay, n.view, n.router, n.replication, local, logger, &churn.Options{
		ReplicationFactor: o.ReplicationFactor,
		TickInterval:      o.ChurnTickInterval,
	})
	n.replication.SetReceiver(n.coordinator)
	n.spend = spend.New(transport, n.ledger, n.view, n.router, logger, tracer, &spend.Options{
		Timeout: o.SpendTimeout,
	})

	if err := transport.AddProtocol(n.replication.Protocol()); err != nil {
		return nil, fmt.Errorf("replication service: %w", err)
	}
	if err := transport.AddProtocol(n.spend.Protocol()); err != nil {
		return nil, fmt.Errorf("spend service: %w", err)
	}

	collectors := []metrics.Collector{logger, n, n.view, n.chunks, n.registers, n.spend, n.replication, n.coordinator}
	if c, ok := transport.(metrics.Collector); ok {
		collectors = append(collectors, c)
	}
	n.registry, err = metrics.NewRegistry(collectors...)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	transport.SetNotifier(n.view)
	n.coordinator.Start()

	if o.APIAddr != "" {
		apiListener, err := net.Listen("tcp", o.APIAddr)
		if err != nil {
			return nil, fmt.Errorf("api listener: %w", err)
		}
		apiService := api.New(n, logger, tracer, api.Options{MetricsRegistry: n.registry})
		apiServer := &http.Server{
			IdleTimeout:       30 * time.Second,
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           apiService,
			ErrorLog:          stdlog.New(n.errorLogWriter, "", 0),
		}
		n.apiServer = apiServer
		n.apiAddr = apiListener.Addr()

		go func() {
			logger.Infof("api address: %s", apiListener.Addr())
			if err := apiServer.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Debugf("api server: %v", err)
				logger.Error("unable to serve api")
			}
		}()
	}

	logger.Infof("safenode %s started, close group size %d", overlay, n.router.Size())
	return n, nil
}

// Overlay returns the address of the node.
func (n *Node) Overlay() swarm.Address {
	return n.overlay
}

// APIAddr returns the address the API listens on, nil if it is disabled.
func (n *Node) APIAddr() net.Addr {
	return n.apiAddr
}

// Snapshot returns the current membership snapshot of the node.
func (n *Node) Snapshot() *membership.Snapshot {
	return n.view.Snapshot()
}

// CloseGroup returns the close group of addr as seen by the node.
func (n *Node) CloseGroup(addr swarm.Address) []membership.Peer {
	return n.router.CloseGroup(addr, n.view.Snapshot())
}

// Coordinator returns the churn coordinator of the node.
func (n *Node) Coordinator() *churn.Coordinator {
	return n.coordinator
}

// MetricsRegistry returns the registry holding the metrics of the node.
func (n *Node) MetricsRegistry() *prometheus.Registry {
	return n.registry
}

func (n *Node) checkResponsible(op string, addr swarm.Address) error {
	n.metrics.Requests.WithLabelValues(op).Inc()
	if err := n.router.CheckResponsible(addr, n.view.Snapshot()); err != nil {
		n.metrics.NotResponsible.WithLabelValues(op).Inc()
		return err
	}
	return nil
}

// StoreChunk stores data as a content addressed chunk and offers it to the
// rest of its close group.
func (n *Node) StoreChunk(ctx context.Context, data []byte) (swarm.Address, error) {
	ch, err := cac.New(data)
	if err != nil {
		return swarm.ZeroAddress, fmt.Errorf("%v: %w", err, storage.ErrInvalidChunk)
	}
	if err := n.checkResponsible("store_chunk", ch.Address()); err != nil {
		return swarm.ZeroAddress, err
	}
	if _, err := n.chunks.Put(ctx, ch); err != nil {
		return swarm.ZeroAddress, fmt.Errorf("store chunk: %w", err)
	}
	n.coordinator.Replicate(ctx, replication.Item{Kind: replication.KindChunk, Address: ch.Address()})
	return ch.Address(), nil
}

// GetChunk returns the chunk from the local store or, if it is not held
// locally, from a member of its close group.
func (n *Node) GetChunk(ctx context.Context, addr swarm.Address) (swarm.Chunk, error) {
	n.metrics.Requests.WithLabelValues("get_chunk").Inc()

	ch, err := n.chunks.Get(ctx, addr)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	v, _, err := n.flight.Do(ctx, addr.ByteString(), func(ctx context.Context) (interface{}, error) {
		return n.fetchChunk(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(swarm.Chunk), nil
}

func (n *Node) fetchChunk(ctx context.Context, addr swarm.Address) (swarm.Chunk, error) {
	span, logger, ctx := n.tracer.StartSpanFromContext(ctx, "node-fetch-chunk", n.logger, opentracing.Tag{Key: "address", Value: addr.String()})
	defer span.Finish()

	item := replication.Item{Kind: replication.KindChunk, Address: addr}
	var errs *multierror.Error
	for _, p := range n.router.Others(addr, n.view.Snapshot()) {
		data, err := n.replication.Fetch(ctx, p.Address, item)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Debugf("node: fetch chunk %s from %s: %v", addr, p.Address, err)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", p.Address, err))
			}
			continue
		}
		ch := swarm.NewChunk(addr, data)
		if !cac.Valid(ch) {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p.Address, storage.ErrInvalidChunk))
			continue
		}
		n.metrics.RemoteFetches.Inc()
		return ch, nil
	}
	if err := errs.ErrorOrNil(); err != nil {
		n.metrics.RemoteFetchErr.Inc()
		return nil, fmt.Errorf("fetch chunk %s: %w", addr, err)
	}
	return nil, storage.ErrNotFound
}

// CreateRegister creates an empty register at addr.
func (n *Node) CreateRegister(ctx context.Context, addr swarm.Address) error {
	if err := n.checkResponsible("create_register", addr); err != nil {
		return err
	}
	if err := n.registers.Create(ctx, addr); err != nil {
		return err
	}
	n.coordinator.Replicate(ctx, replication.Item{Kind: replication.KindRegister, Address: addr})
	return nil
}

// WriteRegister appends an entry with the payload on top of parents and
// returns its hash.
func (n *Node) WriteRegister(ctx context.Context, addr swarm.Address, payload []byte, parents []swarm.Address) (swarm.Address, error) {
	if err := n.checkResponsible("write_register", addr); err != nil {
		return swarm.ZeroAddress, err
	}
	hash, err := n.registers.Write(ctx, addr, payload, parents)
	if err != nil {
		return swarm.ZeroAddress, err
	}
	n.coordinator.Replicate(ctx, replication.Item{Kind: replication.KindRegister, Address: addr})
	return hash, nil
}

// ReadRegister returns the current tips of the register.
func (n *Node) ReadRegister(ctx context.Context, addr swarm.Address) ([]register.Entry, error) {
	if err := n.checkResponsible("read_register", addr); err != nil {
		return nil, err
	}
	return n.registers.Read(ctx, addr)
}

// SubmitSpend runs the quorum protocol to commit tx as the spend of input.
func (n *Node) SubmitSpend(ctx context.Context, input swarm.Address, tx spend.Transaction) (*spend.Record, error) {
	n.metrics.Requests.WithLabelValues("submit_spend").Inc()
	return n.spend.SubmitSpend(ctx, input, tx)
}

// GetSpend returns the spend of input a majority of its close group agrees
// on and the rejected attempts they know of.
func (n *Node) GetSpend(ctx context.Context, input swarm.Address) (*spend.Record, []spend.Attempt, error) {
	n.metrics.Requests.WithLabelValues("get_spend").Inc()
	return n.spend.GetSpend(ctx, input)
}

// Shutdown stops the API, the protocols and the coordinator and closes the
// stores.
func (n *Node) Shutdown(ctx context.Context) error {
	var mErr error

	// if a shutdown is already in process, return here
	n.shutdownMutex.Lock()
	if n.shutdownInProgress {
		n.shutdownMutex.Unlock()
		return ErrShutdownInProgress
	}
	n.shutdownInProgress = true
	n.shutdownMutex.Unlock()

	// tryClose is a convenient closure which decrease
	// repetitive io.Closer tryClose procedure.
	tryClose := func(c io.Closer, errMsg string) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", errMsg, err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var eg errgroup.Group
	if n.apiServer != nil {
		eg.Go(func() error {
			if err := n.apiServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	// leave the network before the protocols stop answering
	tryClose(n.transport, "p2p server")

	if n.spend != nil {
		tryClose(n.spend, "spend service")
	}
	if n.coordinator != nil {
		tryClose(n.coordinator, "churn coordinator")
	}
	if n.chunks != nil {
		tryClose(n.chunks, "chunk store")
	}
	tryClose(n.stateStoreCloser, "statestore")
	tryClose(n.tracerCloser, "tracer")

	if c, ok := n.errorLogWriter.(io.Closer); ok {
		tryClose(c, "error log writer")
	}

	return mErr
}
