// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunkstore provides the durable, file backed storage.ChunkStore.
//
// Every chunk is kept in its own file named by the hex encoded address and
// placed in a directory named by the first address byte. A chunk file is
// written to a temporary file, synced, renamed into place and the parent
// directory synced before Put returns, so a chunk is either fully present
// or absent after a crash.
package chunkstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/safenetwork/safenode/pkg/cac"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/spf13/afero"
	"resenje.org/multex"
)

const (
	// DefaultCacheCapacity is the number of chunks kept in the read cache.
	DefaultCacheCapacity = 1024

	tempFilePattern = ".tmp-"
)

var _ storage.ChunkStore = (*Store)(nil)

// Store is a storage.ChunkStore on an afero filesystem.
type Store struct {
	fs      afero.Fs
	dir     string
	cache   *lru.Cache
	lock    *multex.Multex
	logger  logging.Logger
	metrics metrics
}

// Options holds optional parameters of the Store.
type Options struct {
	CacheCapacity int
}

// New returns a Store that keeps chunks under dir on fs. The directory is
// created if missing and leftover temporary files are removed.
func New(fs afero.Fs, dir string, logger logging.Logger, o *Options) (*Store, error) {
	if o == nil {
		o = new(Options)
	}
	capacity := o.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}

	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: cache: %w", err)
	}

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("chunkstore: create dir: %w", err)
	}

	s := &Store{
		fs:      fs,
		dir:     dir,
		cache:   cache,
		lock:    multex.New(),
		logger:  logger,
		metrics: newMetrics(),
	}

	if err := s.removeTempFiles(); err != nil {
		return nil, err
	}

	return s, nil
}

// PutData stores data as a content addressed chunk and returns its address.
// Storing the same data again is a no-op.
func (s *Store) PutData(ctx context.Context, data []byte) (swarm.Address, error) {
	ch, err := cac.New(data)
	if err != nil {
		return swarm.ZeroAddress, fmt.Errorf("%v: %w", err, storage.ErrInvalidChunk)
	}
	if _, err := s.Put(ctx, ch); err != nil {
		return swarm.ZeroAddress, err
	}
	return ch.Address(), nil
}

// Put stores a chunk after validating that its address is the hash of
// its data. It reports whether the chunk was already present.
func (s *Store) Put(_ context.Context, ch swarm.Chunk) (exists bool, err error) {
	if !cac.Valid(ch) {
		s.metrics.InvalidChunks.Inc()
		return false, storage.ErrInvalidChunk
	}

	key := ch.Address().ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	path := s.chunkPath(ch.Address())
	if _, err := s.fs.Stat(path); err == nil {
		s.metrics.PutExisting.Inc()
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("chunkstore: stat %s: %w", ch.Address(), err)
	}

	if err := s.writeFile(path, ch.Data()); err != nil {
		s.metrics.WriteErrors.Inc()
		return false, fmt.Errorf("chunkstore: write %s: %w", ch.Address(), err)
	}

	s.cache.Add(key, ch)
	s.metrics.Puts.Inc()
	s.metrics.Chunks.Inc()
	return false, nil
}

// writeFile writes data to path through a synced temporary file in the same
// directory and syncs the directory after the rename.
func (s *Store) writeFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := afero.TempFile(s.fs, dir, filepath.Base(path)+tempFilePattern)
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := s.fs.Rename(tmp, path); err != nil {
		return err
	}

	return s.syncDir(dir)
}

func (s *Store) syncDir(dir string) error {
	d, err := s.fs.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// Get returns the chunk with the address. A chunk file whose content does not
// hash to its name is reported as storage.ErrInvalidChunk.
func (s *Store) Get(_ context.Context, addr swarm.Address) (swarm.Chunk, error) {
	s.metrics.Gets.Inc()

	if v, ok := s.cache.Get(addr.ByteString()); ok {
		s.metrics.CacheHits.Inc()
		return v.(swarm.Chunk), nil
	}
	s.metrics.CacheMisses.Inc()

	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	data, err := afero.ReadFile(s.fs, s.chunkPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("chunkstore: read %s: %w", addr, err)
	}

	ch := swarm.NewChunk(addr, data)
	if !cac.Valid(ch) {
		s.metrics.InvalidChunks.Inc()
		s.logger.Errorf("chunkstore: corrupted chunk file for %s", addr)
		return nil, storage.ErrInvalidChunk
	}

	s.cache.Add(key, ch)
	return ch, nil
}

// Has reports whether the chunk is stored.
func (s *Store) Has(_ context.Context, addr swarm.Address) (bool, error) {
	if s.cache.Contains(addr.ByteString()) {
		return true, nil
	}
	_, err := s.fs.Stat(s.chunkPath(addr))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("chunkstore: stat %s: %w", addr, err)
}

// Remove deletes the chunk. Removing a missing chunk is not an error.
func (s *Store) Remove(_ context.Context, addr swarm.Address) error {
	key := addr.ByteString()
	s.lock.Lock(key)
	defer s.lock.Unlock(key)

	s.cache.Remove(key)

	path := s.chunkPath(addr)
	if err := s.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("chunkstore: remove %s: %w", addr, err)
	}
	s.metrics.Removes.Inc()
	s.metrics.Chunks.Dec()

	return s.syncDir(filepath.Dir(path))
}

// Iterate calls fn for every stored chunk until fn returns stop or an error,
// or the context is done.
func (s *Store) Iterate(ctx context.Context, fn storage.IterateChunkFn) error {
	errStop := errors.New("stop")

	err := afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		addr, ok := parseChunkFileName(info.Name())
		if !ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ch, err := s.Get(ctx, addr)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// removed while iterating
				return nil
			}
			return err
		}
		stop, err := fn(ch)
		if err != nil {
			return err
		}
		if stop {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// Close purges the read cache.
func (s *Store) Close() error {
	s.cache.Purge()
	return nil
}

func (s *Store) chunkPath(addr swarm.Address) string {
	name := addr.String()
	prefix := "00"
	if len(name) >= 2 {
		prefix = name[:2]
	}
	return filepath.Join(s.dir, prefix, name)
}

func (s *Store) removeTempFiles() error {
	var count int
	err := afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.Contains(info.Name(), tempFilePattern) {
			count++
			return s.fs.Remove(path)
		}
		if _, ok := parseChunkFileName(info.Name()); ok {
			s.metrics.Chunks.Inc()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chunkstore: remove temporary files: %w", err)
	}
	if count > 0 {
		s.logger.Debugf("chunkstore: removed %d unfinished chunk files", count)
	}
	return nil
}

func parseChunkFileName(name string) (swarm.Address, bool) {
	if len(name) != 2*swarm.HashSize {
		return swarm.ZeroAddress, false
	}
	b, err := hex.DecodeString(name)
	if err != nil {
		return swarm.ZeroAddress, false
	}
	return swarm.NewAddress(b), true
}
