// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jsonhttp

import (
	"net/http"
	"sort"
	"strings"
)

// MethodHandler routes a request to the handler of its method. Other
// methods get a Method Not Allowed response with the Allow header set.
type MethodHandler map[string]http.Handler

func (h MethodHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if handler, ok := h[r.Method]; ok {
		handler.ServeHTTP(w, r)
		return
	}
	if handler, ok := h[http.MethodGet]; ok && r.Method == http.MethodHead {
		handler.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Allow", h.allowed())
	MethodNotAllowed(w, nil)
}

func (h MethodHandler) allowed() string {
	methods := make([]string, 0, len(h)+1)
	for m := range h {
		methods = append(methods, m)
	}
	if _, ok := h[http.MethodGet]; ok {
		if _, ok := h[http.MethodHead]; !ok {
			methods = append(methods, http.MethodHead)
		}
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

func NotFoundHandler(w http.ResponseWriter, _ *http.Request) {
	NotFound(w, nil)
}

// NewMaxBodyBytesHandler limits the number of bytes that handlers can read
// from the request body. Declared lengths over the limit are rejected
// before the handler runs; the rest is caught by HandleBodyReadError.
func NewMaxBodyBytesHandler(limit int64) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				RequestEntityTooLarge(w, nil)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			h.ServeHTTP(w, r)
		})
	}
}

// HandleBodyReadError responds to body read errors caused by the limit of
// NewMaxBodyBytesHandler and reports whether it did.
func HandleBodyReadError(err error, w http.ResponseWriter) (responded bool) {
	if err == nil {
		return false
	}
	// http.MaxBytesReader returns an unexported error
	if err.Error() == "http: request body too large" {
		RequestEntityTooLarge(w, nil)
		return true
	}
	return false
}
