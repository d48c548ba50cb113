// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streamtest_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/p2p/streamtest"
	"github.com/safenetwork/safenode/pkg/swarm"
)

func TestRecorder(t *testing.T) {
	t.Parallel()

	var answers = map[string]string{
		"What is your name?":           "Sir Lancelot of Camelot",
		"What is your quest?":          "To seek the Holy Grail.",
		"What is your favorite color?": "Blue.",
	}

	recorder := streamtest.New(
		streamtest.WithProtocols(
			newTestProtocol(func(_ context.Context, peer p2p.Peer, stream p2p.Stream) error {
				rw := bufio.NewReadWriter(bufio.NewReader(stream), bufio.NewWriter(stream))
				for {
					q, err := rw.ReadString('\n')
					if err != nil {
						if errors.Is(err, io.EOF) {
							break
						}
						return fmt.Errorf("read: %w", err)
					}
					q = strings.TrimRight(q, "\n")
					if _, err = rw.WriteString(answers[q] + "\n"); err != nil {
						return fmt.Errorf("write: %w", err)
					}
					if err := rw.Flush(); err != nil {
						return fmt.Errorf("flush: %w", err)
					}
				}
				return nil
			}),
		),
	)

	questions := []string{"What is your name?", "What is your quest?", "What is your favorite color?"}

	stream, err := recorder.NewStream(context.Background(), swarm.ZeroAddress, nil, testProtocolName, testProtocolVersion, testStreamName)
	if err != nil {
		t.Fatal(err)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(stream), bufio.NewWriter(stream))
	for _, q := range questions {
		if _, err := rw.WriteString(q + "\n"); err != nil {
			t.Fatal(err)
		}
		if err := rw.Flush(); err != nil {
			t.Fatal(err)
		}
		a, err := rw.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if a = strings.TrimRight(a, "\n"); a != answers[q] {
			t.Errorf("got answer %q for question %q, want %q", a, q, answers[q])
		}
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = recorder.Records(swarm.ZeroAddress, testProtocolName, testProtocolVersion, "invalid stream name")
	if !errors.Is(err, streamtest.ErrRecordsNotFound) {
		t.Errorf("got error %v, want %v", err, streamtest.ErrRecordsNotFound)
	}

	records, err := recorder.Records(swarm.ZeroAddress, testProtocolName, testProtocolVersion, testStreamName)
	if err != nil {
		t.Fatal(err)
	}
	if l := len(records); l != 1 {
		t.Fatalf("got %v records, want 1", l)
	}

	record := records[0]
	if err := record.Err(); err != nil {
		t.Fatalf("got error from record %v, want nil", err)
	}

	wantIn := "What is your name?\nWhat is your quest?\nWhat is your favorite color?\n"
	if gotIn := string(record.In()); gotIn != wantIn {
		t.Errorf("got stream in %q, want %q", gotIn, wantIn)
	}

	wantOut := "Sir Lancelot of Camelot\nTo seek the Holy Grail.\nBlue.\n"
	if gotOut := string(record.Out()); gotOut != wantOut {
		t.Errorf("got stream out %q, want %q", gotOut, wantOut)
	}
}

func TestRecorder_errStreamNotSupported(t *testing.T) {
	t.Parallel()

	r := streamtest.New()

	_, err := r.NewStream(context.Background(), swarm.ZeroAddress, nil, "testing", "1.0.1", "messages")
	if !errors.Is(err, streamtest.ErrStreamNotSupported) {
		t.Fatalf("got error %v, want %v", err, streamtest.ErrStreamNotSupported)
	}
}

func TestRecorder_peerProtocols(t *testing.T) {
	t.Parallel()

	a, b := swarm.RandAddress(t), swarm.RandAddress(t)
	base := swarm.RandAddress(t)

	reply := func(name string) p2p.HandlerFunc {
		return func(_ context.Context, peer p2p.Peer, stream p2p.Stream) error {
			if !peer.Address.Equal(base) {
				return fmt.Errorf("got peer %s, want %s", peer.Address, base)
			}
			_, err := stream.Write([]byte(name))
			return err
		}
	}

	recorder := streamtest.New(
		streamtest.WithBaseAddr(base),
		streamtest.WithPeerProtocols(map[string]p2p.ProtocolSpec{
			a.String(): newTestProtocol(reply("a")),
			b.String(): newTestProtocol(reply("b")),
		}),
	)

	for addr, want := range map[string]swarm.Address{"a": a, "b": b} {
		stream, err := recorder.NewStream(context.Background(), want, nil, testProtocolName, testProtocolVersion, testStreamName)
		if err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(stream)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != addr {
			t.Fatalf("got reply %q, want %q", got, addr)
		}
		records := recorder.WaitRecords(t, want, testProtocolName, testProtocolVersion, testStreamName, 1, 5)
		if err := records[0].Err(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecorder_streamError(t *testing.T) {
	t.Parallel()

	errDial := errors.New("dial failed")
	recorder := streamtest.New(
		streamtest.WithProtocols(newTestProtocol(func(context.Context, p2p.Peer, p2p.Stream) error { return nil })),
		streamtest.WithStreamError(func(swarm.Address, string, string, string) error { return errDial }),
	)

	_, err := recorder.NewStream(context.Background(), swarm.ZeroAddress, nil, testProtocolName, testProtocolVersion, testStreamName)
	if !errors.Is(err, errDial) {
		t.Fatalf("got error %v, want %v", err, errDial)
	}
}

const (
	testProtocolName    = "testing"
	testProtocolVersion = "1.0.1"
	testStreamName      = "messages"
)

func newTestProtocol(h p2p.HandlerFunc) p2p.ProtocolSpec {
	return p2p.ProtocolSpec{
		Name:    testProtocolName,
		Version: testProtocolVersion,
		StreamSpecs: []p2p.StreamSpec{
			{
				Name:    testStreamName,
				Handler: h,
			},
		},
	}
}
