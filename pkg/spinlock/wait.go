// Copyright 2022 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spinlock polls a condition until it holds or a timeout elapses.
package spinlock

import (
	"errors"
	"time"
)

var ErrTimedOut = errors.New("timed out waiting for condition")

// Wait blocks execution until condition is satisfied or until it times out.
func Wait(timeoutDur time.Duration, cond func() bool) error {
	timeout := time.NewTimer(timeoutDur)
	defer timeout.Stop()

	condCheckTicker := time.NewTicker(time.Millisecond * 50)
	defer condCheckTicker.Stop()

	for {
		if cond() {
			return nil
		}

		select {
		case <-timeout.C:
			return ErrTimedOut
		case <-condCheckTicker.C:
		}
	}
}
