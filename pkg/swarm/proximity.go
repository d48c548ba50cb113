// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swarm

import (
	"errors"
	"math/big"
)

var errDistanceLength = errors.New("distance: addresses must have equal length")

// Proximity returns the proximity order of the MSB distance between x and y
//
// The distance metric MSB(x, y) of two equal length byte sequences x an y is the
// value of the binary integer cast of the x^y, ie., x and y bitwise xor-ed.
// the binary cast is big endian: most significant bit first (=MSB).
//
// Proximity(x, y) is a discrete logarithmic scaling of the MSB distance.
// It is defined as the reverse rank of the integer part of the base 2
// logarithm of the distance.
// It is calculated by counting the number of common leading zeros in the (MSB)
// binary representation of the x^y.
//
// (0 farthest, 255 closest, 256 self)
func Proximity(x, y []byte) (ret uint8) {
	b := len(x)
	if l := len(y); l < b {
		b = l
	}

	for i := 0; i < b; i++ {
		oxo := x[i] ^ y[i]
		for j := 0; j < 8; j++ {
			if (oxo>>uint8(7-j))&0x01 != 0 {
				return uint8(i*8 + j)
			}
		}
	}

	return MaxPO
}

// Distance returns the distance between address x and address y as a (comparable) big integer using the XOR metric.
// Fails if not all addresses are of equal length.
func Distance(x, y []byte) (*big.Int, error) {
	distanceBytes, err := DistanceRaw(x, y)
	if err != nil {
		return nil, err
	}
	r := big.NewInt(0)
	r.SetBytes(distanceBytes)
	return r, nil
}

// DistanceRaw returns the distance between address x and address y in big-endian binary format using the XOR metric.
// Fails if not all addresses are of equal length.
func DistanceRaw(x, y []byte) ([]byte, error) {
	if len(x) != len(y) {
		return nil, errDistanceLength
	}
	c := make([]byte, len(x))
	for i, addr := range x {
		c[i] = addr ^ y[i]
	}
	return c, nil
}

// DistanceCmp compares x and y to a by XOR distance.
// it returns:
//   - 1 if x is closer to a than y
//   - 0 if x and y are the same distance from a
//   - -1 if x is farther from a than y
//
// Fails if not all addresses are of equal length.
func DistanceCmp(a, x, y []byte) (int, error) {
	if len(a) != len(x) || len(a) != len(y) {
		return 0, errDistanceLength
	}

	for i := range a {
		dx := x[i] ^ a[i]
		dy := y[i] ^ a[i]
		if dx == dy {
			continue
		} else if dx < dy {
			return 1, nil
		}
		return -1, nil
	}
	return 0, nil
}
