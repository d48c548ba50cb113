// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import "github.com/safenetwork/safenode/pkg/chunkstore"

var CheckOverlay = checkOverlay

func (n *Node) Chunks() *chunkstore.Store {
	return n.chunks
}
