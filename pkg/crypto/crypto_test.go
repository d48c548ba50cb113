// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crypto_test

import (
	"bytes"
	"crypto/ecdsa"
	"testing"

	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/swarm"
)

func TestGenerateSecp256k1Key(t *testing.T) {
	t.Parallel()

	k1, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	if k1 == nil {
		t.Fatal("nil key")
	}
	k2, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	if k2 == nil {
		t.Fatal("nil key")
	}

	if bytes.Equal(k1.D.Bytes(), k2.D.Bytes()) {
		t.Fatal("two generated keys are equal")
	}
}

func TestNewOverlayAddress(t *testing.T) {
	t.Parallel()

	k, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	a, err := crypto.NewOverlayAddress(k.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if l := len(a.Bytes()); l != swarm.HashSize {
		t.Errorf("got address length %v, want %v", l, swarm.HashSize)
	}

	b, err := crypto.NewOverlayAddress(k.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("got %s, want %s", b, a)
	}

	if _, err := crypto.NewOverlayAddress(ecdsa.PublicKey{}); err == nil {
		t.Fatal("expected error for empty public key")
	}
}

func TestEncodeSecp256k1PrivateKey(t *testing.T) {
	t.Parallel()

	k1, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	d := crypto.EncodeSecp256k1PrivateKey(k1)
	k2, err := crypto.DecodeSecp256k1PrivateKey(d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1.D.Bytes(), k2.D.Bytes()) {
		t.Fatal("encoded and decoded keys are not equal")
	}

	if _, err := crypto.DecodeSecp256k1PrivateKey(d[1:]); err == nil {
		t.Fatal("expected error for short key data")
	}
}

func TestEncodeSecp256k1PublicKey(t *testing.T) {
	t.Parallel()

	k, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatal(err)
	}
	d := crypto.EncodeSecp256k1PublicKey(&k.PublicKey)
	if l := len(d); l != 33 {
		t.Fatalf("got encoded length %d, want 33", l)
	}
	pub, err := crypto.DecodeSecp256k1PublicKey(d)
	if err != nil {
		t.Fatal(err)
	}
	if pub.X.Cmp(k.PublicKey.X) != 0 || pub.Y.Cmp(k.PublicKey.Y) != 0 {
		t.Fatal("encoded and decoded public keys are not equal")
	}
}

func TestSecp256k1PrivateKeyFromBytes(t *testing.T) {
	t.Parallel()

	data := []byte("data")

	k1 := crypto.Secp256k1PrivateKeyFromBytes(data)
	if k1 == nil {
		t.Fatal("nil key")
	}

	k2 := crypto.Secp256k1PrivateKeyFromBytes(data)
	if k2 == nil {
		t.Fatal("nil key")
	}

	if !bytes.Equal(k1.D.Bytes(), k2.D.Bytes()) {
		t.Fatal("two generated keys are not equal")
	}
}
