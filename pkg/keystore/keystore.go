// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keystore keeps the secp256k1 identity keys of nodes. The overlay
// address of a node is derived from the public key, so losing the key
// changes the identity of the node.
package keystore

import (
	"crypto/ecdsa"
	"errors"
)

// ErrInvalidPassword is returned by Key when the stored key cannot be
// decrypted with the password.
var ErrInvalidPassword = errors.New("keystore: invalid password")

// Service stores private keys by name.
type Service interface {
	// Key decrypts the named key with password. A missing key is generated,
	// stored encrypted with password, and reported with created set.
	Key(name, password string) (k *ecdsa.PrivateKey, created bool, err error)
	// Exists reports whether the named key is stored.
	Exists(name string) (bool, error)
}
