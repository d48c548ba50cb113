// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package safenode holds the version of the build.
package safenode

var (
	version    = "0.1.0" // manually set semantic version number
	commitHash string    // automatically set git commit hash

	// Version is the semantic version with the commit hash, or "-dev" for
	// builds without linker flags.
	Version = func() string {
		if commitHash != "" {
			return version + "-" + commitHash
		}
		return version + "-dev"
	}()
)
