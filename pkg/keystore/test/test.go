// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package test holds the behaviour shared by keystore.Service
// implementations.
package test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/keystore"
)

// Service is a helper function to test keystore.Service implementations.
func Service(t *testing.T, s keystore.Service) {
	t.Helper()

	exists, err := s.Exists("node")
	if err != nil {
		t.Fatal(err)
	}

	if exists {
		t.Fatal("should not exist")
	}

	// create a new node key
	k1, created, err := s.Key("node", "pass123456")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("key is not created")
	}

	exists, err = s.Exists("node")
	if err != nil {
		t.Fatal(err)
	}

	if !exists {
		t.Fatal("should exist")
	}

	// get node key
	k2, created, err := s.Key("node", "pass123456")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("key is created, but should not be")
	}
	if !bytes.Equal(crypto.EncodeSecp256k1PrivateKey(k1), crypto.EncodeSecp256k1PrivateKey(k2)) {
		t.Fatal("two keys are not equal")
	}

	// invalid password
	_, _, err = s.Key("node", "invalid password")
	if !errors.Is(err, keystore.ErrInvalidPassword) {
		t.Fatal(err)
	}

	// create a new key under another name
	k3, created, err := s.Key("other", "p2p pass")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("key is not created")
	}
	if bytes.Equal(k1.D.Bytes(), k3.D.Bytes()) {
		t.Fatal("keys for different names are equal")
	}
}
