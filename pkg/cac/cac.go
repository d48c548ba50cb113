// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cac constructs and validates content addressed chunks, whose
// address is the keccak256 hash of their data.
package cac

import (
	"bytes"
	"fmt"

	"github.com/safenetwork/safenode/pkg/swarm"
)

var (
	ErrChunkDataLarge = fmt.Errorf("chunk data exceeds maximum allowed length")
)

// New creates a new content address chunk from the data.
func New(data []byte) (swarm.Chunk, error) {
	if err := validateDataLength(len(data)); err != nil {
		return nil, err
	}

	cacData := make([]byte, len(data))
	copy(cacData, data)

	return swarm.NewChunk(swarm.NewAddress(DoHash(cacData)), cacData), nil
}

// validateDataLength validates if data length is correct.
func validateDataLength(dataLength int) error {
	if dataLength > swarm.MaxChunkSize {
		return fmt.Errorf("invalid CAC data length %d: %w", dataLength, ErrChunkDataLarge)
	}
	return nil
}

// Valid checks whether the given chunk is a valid content-addressed chunk.
func Valid(c swarm.Chunk) bool {
	if c == nil {
		return false
	}
	data := c.Data()

	if validateDataLength(len(data)) != nil {
		return false
	}

	return bytes.Equal(DoHash(data), c.Address().Bytes())
}

func DoHash(data []byte) []byte {
	return swarm.Hash(data)
}
