// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jsonhttptest issues HTTP requests against test servers and checks
// their responses.
package jsonhttptest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/safenetwork/safenode/pkg/jsonhttp"
)

// Request sends the request and fails the test if the response status code
// or any expectation set by the options does not match. It returns the
// response headers.
func Request(t testing.TB, client *http.Client, method, url string, responseCode int, opts ...Option) http.Header {
	t.Helper()

	o := new(options)
	for _, opt := range opts {
		if err := opt(o); err != nil {
			t.Fatal(err)
		}
	}

	req, err := http.NewRequest(method, url, o.requestBody)
	if err != nil {
		t.Fatal(err)
	}
	req.Header = o.requestHeaders
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != responseCode {
		t.Errorf("got response status %s, want %v %s", resp.Status, responseCode, http.StatusText(responseCode))
	}

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	switch {
	case o.expectedJSONResponse != nil:
		if v := resp.Header.Get("Content-Type"); v != jsonhttp.DefaultContentTypeHeader {
			t.Errorf("got content type %q, want %q", v, jsonhttp.DefaultContentTypeHeader)
		}
		want, err := json.Marshal(o.expectedJSONResponse)
		if err != nil {
			t.Fatal(err)
		}
		if got = bytes.TrimSpace(got); !bytes.Equal(got, want) {
			t.Errorf("got json response %s, want %s", got, want)
		}
	case o.unmarshalResponse != nil:
		if err := json.Unmarshal(got, o.unmarshalResponse); err != nil {
			t.Fatalf("decode response %s: %v", got, err)
		}
	case o.responseBody != nil:
		*o.responseBody = got
	}
	return resp.Header
}

// Option configures a request or adds an expectation to it.
type Option func(*options) error

type options struct {
	requestBody          io.Reader
	requestHeaders       http.Header
	expectedJSONResponse interface{}
	unmarshalResponse    interface{}
	responseBody         *[]byte
}

func WithRequestBody(body io.Reader) Option {
	return func(o *options) error {
		o.requestBody = body
		return nil
	}
}

func WithJSONRequestBody(r interface{}) Option {
	return func(o *options) error {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("json encode request body: %w", err)
		}
		o.requestBody = bytes.NewReader(b)
		return nil
	}
}

func WithRequestHeader(key, value string) Option {
	return func(o *options) error {
		if o.requestHeaders == nil {
			o.requestHeaders = make(http.Header)
		}
		o.requestHeaders.Add(key, value)
		return nil
	}
}

// WithExpectedJSONResponse compares the response body with the JSON
// encoding of response.
func WithExpectedJSONResponse(response interface{}) Option {
	return func(o *options) error {
		o.expectedJSONResponse = response
		return nil
	}
}

// WithUnmarshalResponse decodes the JSON response body into response.
func WithUnmarshalResponse(response interface{}) Option {
	return func(o *options) error {
		o.unmarshalResponse = response
		return nil
	}
}

// WithPutResponseBody stores the raw response body into b.
func WithPutResponseBody(b *[]byte) Option {
	return func(o *options) error {
		o.responseBody = b
		return nil
	}
}
