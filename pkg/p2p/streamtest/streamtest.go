// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package streamtest provides a p2p.Streamer that runs protocol handlers in
// process and records the exchanged bytes.
package streamtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/spinlock"
	"github.com/safenetwork/safenode/pkg/swarm"
)

var (
	ErrRecordsNotFound    = errors.New("records not found")
	ErrStreamNotSupported = errors.New("stream not supported")
	ErrStreamClosed       = errors.New("stream closed")

	noopMiddleware = func(f p2p.HandlerFunc) p2p.HandlerFunc {
		return f
	}
)

type Recorder struct {
	base               swarm.Address
	records            map[string][]*Record
	recordsMu          sync.Mutex
	protocols          []p2p.ProtocolSpec
	middlewares        []p2p.HandlerMiddleware
	streamErr          func(swarm.Address, string, string, string) error
	protocolsWithPeers map[string]p2p.ProtocolSpec
}

func WithProtocols(protocols ...p2p.ProtocolSpec) Option {
	return optionFunc(func(r *Recorder) {
		r.protocols = append(r.protocols, protocols...)
	})
}

// WithPeerProtocols routes streams to the protocol of the addressed peer,
// keyed by the peer address string.
func WithPeerProtocols(protocolsWithPeers map[string]p2p.ProtocolSpec) Option {
	return optionFunc(func(r *Recorder) {
		r.protocolsWithPeers = protocolsWithPeers
	})
}

func WithMiddlewares(middlewares ...p2p.HandlerMiddleware) Option {
	return optionFunc(func(r *Recorder) {
		r.middlewares = append(r.middlewares, middlewares...)
	})
}

// WithBaseAddr sets the address handlers see as the remote peer.
func WithBaseAddr(a swarm.Address) Option {
	return optionFunc(func(r *Recorder) {
		r.base = a
	})
}

func WithStreamError(streamErr func(swarm.Address, string, string, string) error) Option {
	return optionFunc(func(r *Recorder) {
		r.streamErr = streamErr
	})
}

func New(opts ...Option) *Recorder {
	r := &Recorder{
		records: make(map[string][]*Record),
	}

	r.middlewares = append(r.middlewares, noopMiddleware)

	for _, o := range opts {
		o.apply(r)
	}
	return r
}

func (r *Recorder) SetProtocols(protocols ...p2p.ProtocolSpec) {
	r.protocols = append(r.protocols, protocols...)
}

func (r *Recorder) NewStream(ctx context.Context, addr swarm.Address, h p2p.Headers, protocolName, protocolVersion, streamName string) (p2p.Stream, error) {
	if r.streamErr != nil {
		if err := r.streamErr(addr, protocolName, protocolVersion, streamName); err != nil {
			return nil, err
		}
	}

	recordIn := newRecord()
	recordOut := newRecord()
	streamOut := newStream(recordIn, recordOut)
	streamIn := newStream(recordOut, recordIn)
	streamIn.headers = h

	var handler p2p.HandlerFunc
	var headler p2p.HeadlerFunc
	peerHandlers, ok := r.protocolsWithPeers[addr.String()]
	if !ok {
		for _, p := range r.protocols {
			if p.Name == protocolName && p.Version == protocolVersion {
				peerHandlers = p
			}
		}
	}
	for _, s := range peerHandlers.StreamSpecs {
		if s.Name == streamName {
			handler = s.Handler
			headler = s.Headler
		}
	}
	if handler == nil {
		return nil, ErrStreamNotSupported
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}
	if headler != nil {
		streamOut.responseHeaders = headler(h, r.base)
	}

	record := &Record{in: recordIn, out: recordOut, done: make(chan struct{})}
	go func() {
		defer close(record.done)
		// the initiator reads io.EOF once the handler is done
		defer recordOut.close()

		// the handler context is not cancelled with the client stream context
		err := handler(context.Background(), p2p.Peer{Address: r.base}, streamIn)
		if err != nil && !errors.Is(err, io.EOF) {
			record.setErr(err)
		}
	}()

	id := addr.String() + p2p.NewSwarmStreamName(protocolName, protocolVersion, streamName)

	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()

	r.records[id] = append(r.records[id], record)
	return streamOut, nil
}

// Records returns the records of streams opened to addr, waiting for their
// handlers to return.
func (r *Recorder) Records(addr swarm.Address, protocolName, protocolVersion, streamName string) ([]*Record, error) {
	id := addr.String() + p2p.NewSwarmStreamName(protocolName, protocolVersion, streamName)

	r.recordsMu.Lock()
	records, ok := r.records[id]
	r.recordsMu.Unlock()

	if !ok {
		return nil, ErrRecordsNotFound
	}
	for _, r := range records {
		<-r.done
	}
	return records, nil
}

// WaitRecords waits for some time for records to come into the recorder. If msgs is 0, the timeoutSec period is waited to verify
// that _no_ messages arrive during this time period.
func (r *Recorder) WaitRecords(t *testing.T, addr swarm.Address, proto, version, stream string, msgs, timeoutSec int) []*Record {
	t.Helper()

	var recs []*Record
	err := spinlock.Wait(time.Second*time.Duration(timeoutSec), func() bool {
		recs, _ = r.Records(addr, proto, version, stream)
		if l := len(recs); l > msgs {
			t.Fatalf("too many records. want %d got %d", msgs, l)
		} else if msgs > 0 && l == msgs {
			return true
		}
		return false
	})
	if err != nil && msgs > 0 {
		t.Fatal("timed out while waiting for records")
	}

	return recs
}

type Record struct {
	in    *record
	out   *record
	err   error
	errMu sync.Mutex
	done  chan struct{}
}

// In returns the bytes written by the stream initiator.
func (r *Record) In() []byte {
	return r.in.bytes()
}

// Out returns the bytes written by the handler.
func (r *Record) Out() []byte {
	return r.out.bytes()
}

func (r *Record) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	return r.err
}

func (r *Record) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	r.err = err
}

type stream struct {
	in              *record
	out             *record
	headers         p2p.Headers
	responseHeaders p2p.Headers
	closed          bool
	lock            sync.Mutex
}

func newStream(in, out *record) *stream {
	return &stream{in: in, out: out}
}

func (s *stream) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	if s.Closed() {
		return 0, ErrStreamClosed
	}

	return s.in.Write(p)
}

func (s *stream) Headers() p2p.Headers {
	return s.headers
}

func (s *stream) ResponseHeaders() p2p.Headers {
	return s.responseHeaders
}

func (s *stream) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	s.closed = true
	s.in.close()

	return nil
}

func (s *stream) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.closed
}

func (s *stream) FullClose() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	s.closed = true
	s.in.close()
	s.out.close()

	return nil
}

func (s *stream) Reset() (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	s.in.close()
	s.out.close()

	return nil
}

type record struct {
	b      []byte
	c      int
	lock   sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newRecord() *record {
	r := new(record)
	r.cond = sync.NewCond(&r.lock)
	return r
}

func (r *record) Read(p []byte) (n int, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for r.c == len(r.b) {
		if r.closed {
			return 0, io.EOF
		}
		r.cond.Wait()
	}

	n = copy(p, r.b[r.c:])
	r.c += n

	return n, nil
}

func (r *record) Write(p []byte) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return 0, ErrStreamClosed
	}

	r.b = append(r.b, p...)
	r.cond.Broadcast()

	return len(p), nil
}

func (r *record) close() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.closed = true
	r.cond.Broadcast()
}

func (r *record) bytes() []byte {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]byte(nil), r.b...)
}

type Option interface {
	apply(*Recorder)
}
type optionFunc func(*Recorder)

func (f optionFunc) apply(r *Recorder) { f(r) }
