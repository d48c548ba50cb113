// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mock provides a map backed storage.StateStorer.
package mock

import (
	"encoding"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/safenetwork/safenode/pkg/storage"
)

var _ storage.StateStorer = (*store)(nil)

type store struct {
	store map[string][]byte
	mtx   sync.RWMutex
}

func NewStateStore() storage.StateStorer {
	return &store{
		store: make(map[string][]byte),
	}
}

func (s *store) Get(key string, i interface{}) (err error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	data, ok := s.store[key]
	if !ok {
		return storage.ErrNotFound
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

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.store[key] = bytes
	return nil
}

func (s *store) Delete(key string) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.store, key)
	return nil
}

// Iterate visits the entries with the prefix in key order, like the
// persistent stores do.
func (s *store) Iterate(prefix string, iterFunc storage.StateIterFunc) (err error) {
	s.mtx.RLock()
	keys := make([]string, 0)
	values := make(map[string][]byte)
	for k, v := range s.store {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
		values[k] = append([]byte(nil), v...)
	}
	s.mtx.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		stop, err := iterFunc([]byte(k), values[k])
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (s *store) Close() (err error) {
	return nil
}
