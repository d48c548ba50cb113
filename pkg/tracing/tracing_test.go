// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracing_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/tracing"
	"github.com/uber/jaeger-client-go"
)

func TestSpanWithContextFromHeaders(t *testing.T) {
	tracer := newTracer(t)

	span, _, ctx := tracer.StartSpanFromContext(context.Background(), "spend-attest", nil)
	defer span.Finish()

	headers := make(p2p.Headers)
	if err := tracer.AddContextHeader(ctx, headers); err != nil {
		t.Fatal(err)
	}

	ctx, err := tracer.WithContextFromHeaders(context.Background(), headers)
	if err != nil {
		t.Fatal(err)
	}

	assertSpanContext(t, tracing.FromContext(ctx), span.Context())
}

func TestSpanWithContextFromHTTPHeaders(t *testing.T) {
	tracer := newTracer(t)

	span, _, ctx := tracer.StartSpanFromContext(context.Background(), "api-request", nil)
	defer span.Finish()

	headers := make(http.Header)
	if err := tracer.AddContextHTTPHeader(ctx, headers); err != nil {
		t.Fatal(err)
	}
	if headers.Get(tracing.TraceContextHeaderName) == "" {
		t.Fatalf("header %q not set", tracing.TraceContextHeaderName)
	}

	ctx, err := tracer.WithContextFromHTTPHeaders(context.Background(), headers)
	if err != nil {
		t.Fatal(err)
	}

	assertSpanContext(t, tracing.FromContext(ctx), span.Context())
}

func TestContextNotFound(t *testing.T) {
	tracer := newTracer(t)

	if err := tracer.AddContextHeader(context.Background(), make(p2p.Headers)); !errors.Is(err, tracing.ErrContextNotFound) {
		t.Fatalf("got error %v, want %v", err, tracing.ErrContextNotFound)
	}
	if _, err := tracer.WithContextFromHeaders(context.Background(), make(p2p.Headers)); !errors.Is(err, tracing.ErrContextNotFound) {
		t.Fatalf("got error %v, want %v", err, tracing.ErrContextNotFound)
	}
	if _, err := tracer.WithContextFromHTTPHeaders(context.Background(), make(http.Header)); !errors.Is(err, tracing.ErrContextNotFound) {
		t.Fatalf("got error %v, want %v", err, tracing.ErrContextNotFound)
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *tracing.Tracer

	span, _, ctx := tracer.StartSpanFromContext(context.Background(), "noop", nil)
	defer span.Finish()

	if tracing.FromContext(ctx) == nil {
		t.Fatal("span context not stored in context")
	}
}

func TestStartSpanFromContext_logger(t *testing.T) {
	tracer := newTracer(t)

	span, logger, _ := tracer.StartSpanFromContext(context.Background(), "some-operation", logging.New(io.Discard, 0))
	defer span.Finish()

	wantTraceID := span.Context().(jaeger.SpanContext).TraceID()

	v, ok := logger.Data[tracing.LogField]
	if !ok {
		t.Fatalf("log field %q not found", tracing.LogField)
	}

	gotTraceID, ok := v.(string)
	if !ok {
		t.Fatalf("log field %q is not string", tracing.LogField)
	}

	if gotTraceID != wantTraceID.String() {
		t.Errorf("got trace id %q, want %q", gotTraceID, wantTraceID.String())
	}
}

func assertSpanContext(t *testing.T, got, want interface{}) {
	t.Helper()

	if fmt.Sprint(got) == "" {
		t.Fatal("got empty span context")
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got span context %+v, want %+v", got, want)
	}
}

func newTracer(t *testing.T) *tracing.Tracer {
	t.Helper()

	tracer, closer, err := tracing.NewTracer(&tracing.Options{
		Enabled:     true,
		ServiceName: "safenode-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = closer.Close() })

	return tracer
}
