// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package badger provides a storage.StateStorer backed by a badger
// key-value store, an alternative to the default leveldb backend.
package badger

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/storage"
)

var _ storage.StateStorer = (*store)(nil)

type store struct {
	db     *badger.DB
	logger logging.Logger
}

// NewStateStore opens or creates a badger database in path. Writes are
// synced before Put returns.
func NewStateStore(path string, l logging.Logger) (storage.StateStorer, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(badgerLogger{l})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger statestore open: %w", err)
	}

	return &store{
		db:     db,
		logger: l,
	}, nil
}

func (s *store) Get(key string, i interface{}) error {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}

	if unmarshaler, ok := i.(encoding.BinaryUnmarshaler); ok {
		return unmarshaler.UnmarshalBinary(data)
	}

	return json.Unmarshal(data, i)
}

func (s *store) Put(key string, i interface{}) (err error) {
	var bytes []byte
	if marshaler, ok := i.(encoding.BinaryMarshaler); ok {
		if bytes, err = marshaler.MarshalBinary(); err != nil {
			return err
		}
	} else if bytes, err = json.Marshal(i); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	})
}

func (s *store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *store) Iterate(prefix string, iterFunc storage.StateIterFunc) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			stop, err := iterFunc(item.KeyCopy(nil), value)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		return nil
	})
}

func (s *store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logs to debug level, apart
// from errors and warnings.
type badgerLogger struct {
	logging.Logger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Logger.Debugf("badger: "+format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Tracef("badger: "+format, args...)
}
