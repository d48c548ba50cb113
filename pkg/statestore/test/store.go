// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package test holds the behaviour every storage.StateStorer
// implementation must share.
package test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/safenetwork/safenode/pkg/storage"
)

const (
	key1 = "key1" // stores the serialized type
	key2 = "key2" // stores a json array
)

var (
	value1 = &Serializing{value: "value1"}
	value2 = []string{"a", "b", "c"}
)

type Serializing struct {
	value           string
	marshalCalled   bool
	unmarshalCalled bool
}

func (st *Serializing) MarshalBinary() (data []byte, err error) {
	d := []byte(st.value)
	st.marshalCalled = true

	return d, nil
}

func (st *Serializing) UnmarshalBinary(data []byte) (err error) {
	st.value = string(data)
	st.unmarshalCalled = true
	return nil
}

// Run runs the shared tests against stores created by f. Every call to f
// must return a fresh, empty store; f is responsible for closing it.
func Run(t *testing.T, f func(t *testing.T) storage.StateStorer) {
	t.Helper()

	t.Run("put get", func(t *testing.T) {
		store := f(t)

		insertValues(t, store, key1, key2, value1, value2)
		testPersistedValues(t, store, key1, key2, value1, value2)
	})

	t.Run("not found", func(t *testing.T) {
		store := f(t)

		var s string
		if err := store.Get("missing", &s); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := f(t)

		if err := store.Put("gone", "value"); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete("gone"); err != nil {
			t.Fatal(err)
		}
		var s string
		if err := store.Get("gone", &s); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
		}
		// deleting a missing key is not an error
		if err := store.Delete("gone"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("iterator", func(t *testing.T) {
		store := f(t)

		insertValues(t, store, key1, key2, value1, value2)
		testStoreIterator(t, store)
	})

	t.Run("iterator stop", func(t *testing.T) {
		store := f(t)

		for i := 0; i < 10; i++ {
			if err := store.Put(fmt.Sprintf("stop_%02d", i), i); err != nil {
				t.Fatal(err)
			}
		}

		var keys []string
		err := store.Iterate("stop_", func(key, _ []byte) (bool, error) {
			keys = append(keys, string(key))
			return len(keys) == 3, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"stop_00", "stop_01", "stop_02"}, keys); diff != "" {
			t.Fatalf("iterated keys mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("iterator error", func(t *testing.T) {
		store := f(t)

		if err := store.Put("err_key", 1); err != nil {
			t.Fatal(err)
		}
		errTest := errors.New("test error")
		err := store.Iterate("err_", func(_, _ []byte) (bool, error) {
			return false, errTest
		})
		if !errors.Is(err, errTest) {
			t.Fatalf("got error %v, want %v", err, errTest)
		}
	})
}

// RunPersist checks that values survive closing and reopening a store
// in the same directory.
func RunPersist(t *testing.T, f func(t *testing.T, dir string) storage.StateStorer) {
	t.Helper()

	dir := t.TempDir()

	store := f(t, dir)
	insertValues(t, store, key1, key2, &Serializing{value: value1.value}, value2)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store = f(t, dir)
	defer store.Close()

	testPersistedValues(t, store, key1, key2, value1, value2)
}

func insertValues(t *testing.T, store storage.StateStorer, key1, key2 string, value1 *Serializing, value2 []string) {
	t.Helper()

	err := store.Put(key1, value1)
	if err != nil {
		t.Fatal(err)
	}

	if !value1.marshalCalled {
		t.Fatal("binaryMarshaller not called on serialized type")
	}

	err = store.Put(key2, value2)
	if err != nil {
		t.Fatal(err)
	}
}

func testPersistedValues(t *testing.T, store storage.StateStorer, key1, key2 string, value1 *Serializing, value2 []string) {
	t.Helper()

	v := &Serializing{}
	err := store.Get(key1, v)
	if err != nil {
		t.Fatal(err)
	}

	if !v.unmarshalCalled {
		t.Fatal("unmarshaler not called")
	}

	if v.value != value1.value {
		t.Fatalf("expected persisted to be %s but got %s", value1.value, v.value)
	}

	s := []string{}
	err = store.Get(key2, &s)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(value2, s); diff != "" {
		t.Fatalf("deserialized data mismatch (-want +got):\n%s", diff)
	}
}

func testStoreIterator(t *testing.T, store storage.StateStorer) {
	t.Helper()

	storePrefix := "test_"
	err := store.Put(storePrefix+"key1", "value1")
	if err != nil {
		t.Fatal(err)
	}

	// do not include prefix in one of the entries
	err = store.Put("key2", "value2")
	if err != nil {
		t.Fatal(err)
	}

	err = store.Put(storePrefix+"key3", "value3")
	if err != nil {
		t.Fatal(err)
	}

	entries := make(map[string]string)

	entriesIterFunction := func(key []byte, value []byte) (stop bool, err error) {
		var entry string
		err = json.Unmarshal(value, &entry)
		if err != nil {
			t.Fatal(err)
		}
		entries[string(key)] = entry
		return stop, err
	}

	err = store.Iterate(storePrefix, entriesIterFunction)
	if err != nil {
		t.Fatal(err)
	}

	expectedEntries := map[string]string{"test_key1": "value1", "test_key3": "value3"}

	if diff := cmp.Diff(expectedEntries, entries); diff != "" {
		t.Fatalf("store entries mismatch (-want +got):\n%s", diff)
	}
}
