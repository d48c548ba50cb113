// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package replication moves chunks, register logs and spend records between
// close group members. A node offers items to a peer, the peer answers with
// the items it wants and pulls them one by one. Possession checks let a node
// learn which items a peer holds before it evicts its own copy.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/p2p/protobuf"
	"github.com/safenetwork/safenode/pkg/replication/pb"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/tracing"
)

const (
	protocolName    = "replication"
	protocolVersion = "1.0.0"
	streamOffer     = "offer"
	streamPull      = "pull"
	streamHas       = "has"
)

// MaxBatchSize is the largest number of items in a single offer or
// possession check.
const MaxBatchSize = 1024

const errNotFound = "not found"

// Receiver decides which offered items to take.
type Receiver interface {
	// Offered returns the items of the offer the local node wants. It must
	// not block on pulling them.
	Offered(ctx context.Context, peer swarm.Address, items []Item) []Item
}

type Service struct {
	streamer p2p.Streamer
	storer   Storer
	logger   logging.Logger
	tracer   *tracing.Tracer
	metrics  metrics

	mu       sync.RWMutex
	receiver Receiver
}

func New(streamer p2p.Streamer, storer Storer, logger logging.Logger, tracer *tracing.Tracer) *Service {
	return &Service{
		streamer: streamer,
		storer:   storer,
		logger:   logger,
		tracer:   tracer,
		metrics:  newMetrics(),
	}
}

// SetReceiver sets the receiver of offers. Without one every valid offered
// item that is not held locally is wanted.
func (s *Service) SetReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receiver = r
}

func (s *Service) Protocol() p2p.ProtocolSpec {
	return p2p.ProtocolSpec{
		Name:    protocolName,
		Version: protocolVersion,
		StreamSpecs: []p2p.StreamSpec{
			{
				Name:    streamOffer,
				Handler: s.offerHandler,
			},
			{
				Name:    streamPull,
				Handler: s.pullHandler,
			},
			{
				Name:    streamHas,
				Handler: s.hasHandler,
			},
		},
	}
}

func (s *Service) offerHandler(ctx context.Context, p p2p.Peer, stream p2p.Stream) (err error) {
	w, r := protobuf.NewWriterAndReader(stream)
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.FullClose()
		}
	}()

	var offer pb.Offer
	if err := r.ReadMsgWithContext(ctx, &offer); err != nil {
		return fmt.Errorf("replication: read offer from %s: %w", p.Address, err)
	}
	if len(offer.Items) > MaxBatchSize {
		return fmt.Errorf("replication: offer of %d items from %s", len(offer.Items), p.Address)
	}
	s.metrics.OffersReceived.Inc()

	var items []Item
	for _, it := range itemsFromPB(offer.Items) {
		if it.valid() == nil {
			items = append(items, it)
		}
	}

	s.mu.RLock()
	receiver := s.receiver
	s.mu.RUnlock()

	var wanted []Item
	if receiver != nil {
		wanted = receiver.Offered(ctx, p.Address, items)
	} else {
		for _, it := range items {
			has, err := s.storer.Has(ctx, it)
			if err != nil {
				return fmt.Errorf("replication: has %s: %w", it, err)
			}
			if !has {
				wanted = append(wanted, it)
			}
		}
	}
	s.metrics.ItemsWanted.Add(float64(len(wanted)))

	if err := w.WriteMsgWithContext(ctx, &pb.Wanted{Items: itemsToPB(wanted)}); err != nil {
		return fmt.Errorf("replication: write wanted to %s: %w", p.Address, err)
	}
	return nil
}

func (s *Service) pullHandler(ctx context.Context, p p2p.Peer, stream p2p.Stream) (err error) {
	w, r := protobuf.NewWriterAndReader(stream)
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.FullClose()
		}
	}()

	var req pb.Pull
	if err := r.ReadMsgWithContext(ctx, &req); err != nil {
		return fmt.Errorf("replication: read pull from %s: %w", p.Address, err)
	}
	item := itemFromPB(req.Item)

	resp := new(pb.Delivery)
	if err := item.valid(); err != nil {
		resp.Err = err.Error()
	} else {
		data, err := s.storer.Get(ctx, item)
		switch {
		case IsNotFound(err):
			resp.Err = errNotFound
		case err != nil:
			s.logger.Debugf("replication: get %s for %s: %v", item, p.Address, err)
			resp.Err = err.Error()
		default:
			resp.Data = data
			s.metrics.ItemsServed.Inc()
		}
	}

	if err := w.WriteMsgWithContext(ctx, resp); err != nil {
		return fmt.Errorf("replication: write delivery to %s: %w", p.Address, err)
	}
	return nil
}

func (s *Service) hasHandler(ctx context.Context, p p2p.Peer, stream p2p.Stream) (err error) {
	w, r := protobuf.NewWriterAndReader(stream)
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.FullClose()
		}
	}()

	var req pb.Has
	if err := r.ReadMsgWithContext(ctx, &req); err != nil {
		return fmt.Errorf("replication: read has from %s: %w", p.Address, err)
	}
	if len(req.Items) > MaxBatchSize {
		return fmt.Errorf("replication: possession check of %d items from %s", len(req.Items), p.Address)
	}

	resp := &pb.Possession{Has: make([]bool, len(req.Items))}
	for i, it := range itemsFromPB(req.Items) {
		if it.valid() != nil {
			continue
		}
		has, err := s.storer.Has(ctx, it)
		if err != nil {
			return fmt.Errorf("replication: has %s: %w", it, err)
		}
		resp.Has[i] = has
	}

	if err := w.WriteMsgWithContext(ctx, resp); err != nil {
		return fmt.Errorf("replication: write possession to %s: %w", p.Address, err)
	}
	return nil
}

func (s *Service) newStream(ctx context.Context, peer swarm.Address, name string) (p2p.Stream, error) {
	headers := make(p2p.Headers)
	_ = s.tracer.AddContextHeader(ctx, headers)
	stream, err := s.streamer.NewStream(ctx, peer, headers, protocolName, protocolVersion, name)
	if err != nil {
		return nil, fmt.Errorf("new stream to %s: %w", peer, err)
	}
	return stream, nil
}

// Offer offers items to peer and returns the ones it wants.
func (s *Service) Offer(ctx context.Context, peer swarm.Address, items []Item) ([]Item, error) {
	var wanted []Item
	for len(items) > 0 {
		n := len(items)
		if n > MaxBatchSize {
			n = MaxBatchSize
		}
		w, err := s.offer(ctx, peer, items[:n])
		if err != nil {
			return wanted, err
		}
		wanted = append(wanted, w...)
		items = items[n:]
	}
	return wanted, nil
}

func (s *Service) offer(ctx context.Context, peer swarm.Address, items []Item) (wanted []Item, err error) {
	stream, err := s.newStream(ctx, peer, streamOffer)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			go stream.FullClose()
		}
	}()

	s.metrics.OffersSent.Inc()

	w, r := protobuf.NewWriterAndReader(stream)
	if err := w.WriteMsgWithContext(ctx, &pb.Offer{Items: itemsToPB(items)}); err != nil {
		return nil, fmt.Errorf("write offer to %s: %w", peer, err)
	}
	var resp pb.Wanted
	if err := r.ReadMsgWithContext(ctx, &resp); err != nil {
		return nil, fmt.Errorf("read wanted from %s: %w", peer, err)
	}
	return itemsFromPB(resp.Items), nil
}

// Fetch retrieves the encoded data of the item from peer. It returns
// storage.ErrNotFound if the peer does not hold it.
func (s *Service) Fetch(ctx context.Context, peer swarm.Address, item Item) (data []byte, err error) {
	stream, err := s.newStream(ctx, peer, streamPull)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			go stream.FullClose()
		}
	}()

	w, r := protobuf.NewWriterAndReader(stream)
	if err := w.WriteMsgWithContext(ctx, &pb.Pull{Item: itemToPB(item)}); err != nil {
		return nil, fmt.Errorf("write pull to %s: %w", peer, err)
	}
	var d pb.Delivery
	if err := r.ReadMsgWithContext(ctx, &d); err != nil {
		return nil, fmt.Errorf("read delivery from %s: %w", peer, err)
	}
	switch d.Err {
	case "":
	case errNotFound:
		return nil, storage.ErrNotFound
	default:
		return nil, fmt.Errorf("pull %s from %s: %s", item, peer, d.Err)
	}
	return d.Data, nil
}

// Pull fetches the item from peer and stores it locally. Delivered data is
// validated by the local store.
func (s *Service) Pull(ctx context.Context, peer swarm.Address, item Item) (err error) {
	span, logger, ctx := s.tracer.StartSpanFromContext(ctx, "replication-pull", s.logger, opentracing.Tag{Key: "item", Value: item.String()})
	defer span.Finish()

	start := time.Now()
	defer func() {
		s.metrics.PullTime.Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.PullErrors.Inc()
		}
	}()

	data, err := s.Fetch(ctx, peer, item)
	if err != nil {
		return err
	}
	if err := s.storer.Put(ctx, item, data); err != nil {
		return fmt.Errorf("store %s from %s: %w", item, peer, err)
	}
	s.metrics.ItemsPulled.Inc()
	logger.Tracef("replication: pulled %s from %s", item, peer)
	return nil
}

// Has asks peer which of the items it holds.
func (s *Service) Has(ctx context.Context, peer swarm.Address, items []Item) ([]bool, error) {
	has := make([]bool, 0, len(items))
	for len(items) > 0 {
		n := len(items)
		if n > MaxBatchSize {
			n = MaxBatchSize
		}
		h, err := s.has(ctx, peer, items[:n])
		if err != nil {
			return nil, err
		}
		has = append(has, h...)
		items = items[n:]
	}
	return has, nil
}

func (s *Service) has(ctx context.Context, peer swarm.Address, items []Item) (has []bool, err error) {
	stream, err := s.newStream(ctx, peer, streamHas)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			go stream.FullClose()
		}
	}()

	w, r := protobuf.NewWriterAndReader(stream)
	if err := w.WriteMsgWithContext(ctx, &pb.Has{Items: itemsToPB(items)}); err != nil {
		return nil, fmt.Errorf("write has to %s: %w", peer, err)
	}
	var resp pb.Possession
	if err := r.ReadMsgWithContext(ctx, &resp); err != nil {
		return nil, fmt.Errorf("read possession from %s: %w", peer, err)
	}
	if len(resp.Has) != len(items) {
		return nil, fmt.Errorf("possession of %d items from %s, asked %d", len(resp.Has), peer, len(items))
	}
	return resp.Has, nil
}

// IsNotFound reports whether a Fetch or Pull failed because the peer does
// not hold the item.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
