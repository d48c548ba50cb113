// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crypto holds the secp256k1 key handling used for node identity
// and for signing spend attestations.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/safenetwork/safenode/pkg/swarm"
	"golang.org/x/crypto/sha3"
)

// RecoverFunc is a function to recover the public key from a signature
type RecoverFunc func(signature, data []byte) (*ecdsa.PublicKey, error)

var ErrInvalidPublicKey = errors.New("invalid public key")

// NewOverlayAddress constructs a network address from an ECDSA public key.
// The address is the keccak256 hash of the uncompressed public key.
func NewOverlayAddress(p ecdsa.PublicKey) (swarm.Address, error) {
	if p.X == nil || p.Y == nil {
		return swarm.ZeroAddress, ErrInvalidPublicKey
	}
	pubBytes := elliptic.Marshal(btcec.S256(), p.X, p.Y)
	h, err := LegacyKeccak256(pubBytes[1:])
	if err != nil {
		return swarm.ZeroAddress, err
	}
	return swarm.NewAddress(h), nil
}

// GenerateSecp256k1Key generates an ECDSA private key using
// secp256k1 elliptic curve.
func GenerateSecp256k1Key() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(btcec.S256(), rand.Reader)
}

// EncodeSecp256k1PrivateKey encodes raw ECDSA private key.
func EncodeSecp256k1PrivateKey(k *ecdsa.PrivateKey) []byte {
	return (*btcec.PrivateKey)(k).Serialize()
}

// EncodeSecp256k1PublicKey encodes raw ECDSA public key in a 33-byte compressed format.
func EncodeSecp256k1PublicKey(k *ecdsa.PublicKey) []byte {
	return (*btcec.PublicKey)(k).SerializeCompressed()
}

// DecodeSecp256k1PrivateKey decodes raw ECDSA private key.
func DecodeSecp256k1PrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	if l := len(data); l != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("secp256k1 data size %d expected %d", l, btcec.PrivKeyBytesLen)
	}
	privk, _ := btcec.PrivKeyFromBytes(btcec.S256(), data)
	return (*ecdsa.PrivateKey)(privk), nil
}

// DecodeSecp256k1PublicKey decodes a compressed or uncompressed public key.
func DecodeSecp256k1PublicKey(data []byte) (*ecdsa.PublicKey, error) {
	pubk, err := btcec.ParsePubKey(data, btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return (*ecdsa.PublicKey)(pubk), nil
}

// Secp256k1PrivateKeyFromBytes returns an ECDSA private key derived
// deterministically from the hash of data. Used for reproducible identities
// in tests and in the development network.
func Secp256k1PrivateKeyFromBytes(data []byte) *ecdsa.PrivateKey {
	h := sha3.Sum256(data)
	privk, _ := btcec.PrivKeyFromBytes(btcec.S256(), h[:])
	return (*ecdsa.PrivateKey)(privk)
}

func LegacyKeccak256(data []byte) ([]byte, error) {
	var err error
	hasher := sha3.NewLegacyKeccak256()
	_, err = hasher.Write(data)
	if err != nil {
		return nil, err
	}
	return hasher.Sum(nil), err
}
