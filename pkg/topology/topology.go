// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topology holds the errors and contracts shared by the membership
// view and the close group router.
package topology

import (
	"context"
	"errors"

	"github.com/safenetwork/safenode/pkg/p2p"
)

var ErrNotResponsible = errors.New("node is not in the close group of the address")

// Notifier is notified by the transport about connected and disconnected
// peers.
type Notifier interface {
	Connecter
	Disconnecter
}

type Connecter interface {
	// Connected is called when a peer dials in, or when a dial out
	// completes.
	Connected(context.Context, p2p.Peer) error
}

type Disconnecter interface {
	// Disconnected is called when a peer disconnects.
	// The disconnect event can be initiated on the local
	// node or on the remote node, this handle does not make
	// any distinctions between either of them.
	Disconnected(p2p.Peer)
}
