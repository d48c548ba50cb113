// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spend

import "time"

var AttestationData = attestationData

func (l *Ledger) SetTimeFunc(f func() time.Time) {
	l.now = f
}
