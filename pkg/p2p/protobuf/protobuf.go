// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protobuf frames protocol buffer messages on p2p streams.
package protobuf

import (
	"context"
	"errors"
	"io"

	ggio "github.com/gogo/protobuf/io"
	"github.com/gogo/protobuf/proto"
	"github.com/safenetwork/safenode/pkg/p2p"
)

const delimitedReaderMaxSize = 2 * 1024 * 1024 // max message size, a chunk and its envelope

var ErrTimeout = errors.New("timeout")

type Message = proto.Message

func NewWriterAndReader(s p2p.Stream) (Writer, Reader) {
	return NewWriter(s), NewReader(s)
}

func NewReader(r io.Reader) Reader {
	return Reader{Reader: ggio.NewDelimitedReader(r, delimitedReaderMaxSize)}
}

func NewWriter(w io.Writer) Writer {
	return Writer{Writer: ggio.NewDelimitedWriter(w)}
}

func ReadMessages(r io.Reader, newMessage func() Message) (m []Message, err error) {
	pr := NewReader(r)
	for {
		msg := newMessage()
		if err := pr.ReadMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		m = append(m, msg)
	}
	return m, nil
}

type Reader struct {
	ggio.Reader
}

func (r Reader) ReadMsgWithContext(ctx context.Context, msg proto.Message) error {
	return withContext(ctx, func() error { return r.ReadMsg(msg) })
}

type Writer struct {
	ggio.Writer
}

func (w Writer) WriteMsgWithContext(ctx context.Context, msg proto.Message) error {
	return withContext(ctx, func() error { return w.WriteMsg(msg) })
}

func withContext(ctx context.Context, f func() error) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- f()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
