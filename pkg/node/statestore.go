// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/statestore/badger"
	"github.com/safenetwork/safenode/pkg/statestore/leveldb"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
)

// State store backends selectable by Options.DBBackend.
const (
	BackendLevelDB = "leveldb"
	BackendBadger  = "badger"
)

// ErrUnknownBackend is returned for an unsupported state store backend.
var ErrUnknownBackend = errors.New("unknown state store backend")

// InitStateStore will initialize the stateStore with the given path to the
// data directory. When given an empty directory path, the function will instead
// initialize an in-memory state store that will not be persisted.
func InitStateStore(logger logging.Logger, dataDir, backend string) (storage.StateStorer, error) {
	if dataDir == "" {
		logger.Warning("using in-mem state store, no node state will be persisted")
		return leveldb.NewInMemoryStateStore(logger)
	}
	path := filepath.Join(dataDir, "statestore")
	switch backend {
	case "", BackendLevelDB:
		return leveldb.NewStateStore(path, logger)
	case BackendBadger:
		return badger.NewStateStore(path, logger)
	default:
		return nil, fmt.Errorf("%q: %w", backend, ErrUnknownBackend)
	}
}

const overlayKey = "overlay"

// checkOverlay checks the overlay is the same as stored in the statestore.
// Data kept under another overlay would be held by the wrong close groups.
func checkOverlay(storer storage.StateStorer, overlay swarm.Address) error {
	var storedOverlay swarm.Address
	err := storer.Get(overlayKey, &storedOverlay)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return storer.Put(overlayKey, overlay)
	}

	if !storedOverlay.Equal(overlay) {
		return fmt.Errorf("overlay address changed. was %s before but now is %s", storedOverlay, overlay)
	}

	return nil
}
