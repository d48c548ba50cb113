// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testing provides chunk fixtures for storage tests.
package testing

import (
	"math/rand"
	"time"

	"github.com/safenetwork/safenode/pkg/cac"
	"github.com/safenetwork/safenode/pkg/swarm"
	"gitlab.com/nolash/go-mockbytes"
)

func init() {
	// needed for GenerateTestRandomChunk
	rand.Seed(time.Now().UnixNano())
}

// DefaultChunkSize is the payload size of generated test chunks.
const DefaultChunkSize = 4096

// GenerateTestRandomChunk generates a valid content addressed chunk with
// random data.
func GenerateTestRandomChunk() swarm.Chunk {
	data := make([]byte, DefaultChunkSize)
	_, _ = rand.Read(data)
	ch, err := cac.New(data)
	if err != nil {
		panic(err)
	}
	return ch
}

// GenerateTestRandomChunks generates a slice of random
// Chunks by using GenerateTestRandomChunk function.
func GenerateTestRandomChunks(count int) []swarm.Chunk {
	chunks := make([]swarm.Chunk, count)
	for i := 0; i < count; i++ {
		chunks[i] = GenerateTestRandomChunk()
	}
	return chunks
}

// GenerateSequentialChunk returns a deterministic chunk of the given size.
// The same seed always produces the same chunk.
func GenerateSequentialChunk(seed, size int) swarm.Chunk {
	g := mockbytes.New(seed, mockbytes.MockTypeStandard).WithModulus(255)
	data, err := g.SequentialBytes(size)
	if err != nil {
		panic(err)
	}
	ch, err := cac.New(data)
	if err != nil {
		panic(err)
	}
	return ch
}
