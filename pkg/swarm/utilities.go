// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swarm

import (
	"sort"
)

func AddressSliceContains(addrs []Address, a Address) bool {
	return FindAddressIdx(addrs, a) != -1
}

func AddressSliceRemove(addrs []Address, a Address) []Address {
	if i := FindAddressIdx(addrs, a); i != -1 {
		addrs = append(addrs[:i], addrs[i+1:]...)
	}
	return addrs
}

func FindAddressIdx(addrs []Address, a Address) int {
	for i, v := range addrs {
		if v.Equal(a) {
			return i
		}
	}
	return -1
}

func FindChunkIdxWithAddress(chunks []Chunk, a Address) int {
	for i, c := range chunks {
		if c != nil && a.Equal(c.Address()) {
			return i
		}
	}
	return -1
}

// SortByDistance sorts addrs in place by increasing distance to target. Equal
// distances, which only happen for equal addresses, keep byte order.
func SortByDistance(target Address, addrs []Address) {
	t := target.Bytes()
	sort.SliceStable(addrs, func(i, j int) bool {
		cmp, err := DistanceCmp(t, addrs[i].Bytes(), addrs[j].Bytes())
		if err != nil || cmp == 0 {
			return addrs[i].Compare(addrs[j]) < 0
		}
		return cmp == 1
	})
}

// SortAddresses sorts addrs in place by byte order.
func SortAddresses(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Compare(addrs[j]) < 0
	})
}
