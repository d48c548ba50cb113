// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage provides implementation contracts and notions
// used across storage-aware components of the node.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/safenetwork/safenode/pkg/swarm"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrInvalidChunk = errors.New("storage: invalid chunk")
)

// IterateChunkFn is called on every chunk visited by a ChunkStore iteration.
type IterateChunkFn func(swarm.Chunk) (stop bool, err error)

// Getter retrieves chunks by address.
type Getter interface {
	// Get a chunk by its swarm.Address. Returns the chunk or
	// storage.ErrNotFound if it is not present.
	Get(ctx context.Context, addr swarm.Address) (swarm.Chunk, error)
}

// Putter stores chunks.
type Putter interface {
	// Put stores the chunk and reports whether it was already present.
	// A chunk whose address is not the hash of its data is rejected
	// with ErrInvalidChunk.
	Put(ctx context.Context, ch swarm.Chunk) (exists bool, err error)
}

// Hasser checks chunk existence.
type Hasser interface {
	Has(ctx context.Context, addr swarm.Address) (bool, error)
}

// ChunkStore is the local store of immutable content addressed chunks.
type ChunkStore interface {
	Getter
	Putter
	Hasser
	// Remove deletes the chunk. Removing an absent chunk is not an error.
	Remove(ctx context.Context, addr swarm.Address) error
	// Iterate visits every stored chunk.
	Iterate(ctx context.Context, fn IterateChunkFn) error
	io.Closer
}

// StateStorer defines methods required to get, set, delete values for different keys
// and close the underlying resources.
type StateStorer interface {
	Get(key string, i interface{}) (err error)
	Put(key string, i interface{}) (err error)
	Delete(key string) (err error)
	Iterate(prefix string, iterFunc StateIterFunc) (err error)
	io.Closer
}

// StateIterFunc is used when iterating through StateStorer key/value pairs
type StateIterFunc func(key, value []byte) (stop bool, err error)
