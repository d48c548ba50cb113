// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crypto

import (
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcec"
	"github.com/safenetwork/safenode/pkg/swarm"
)

type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() (*ecdsa.PublicKey, error)
}

type Recoverer interface {
	Recover(signature, data []byte) (*ecdsa.PublicKey, error)
}

type SignRecoverer interface {
	Signer
	Recoverer
}

// Recover verifies signature with the data base provided.
// It is using `btcec.RecoverCompact` function.
func Recover(signature, data []byte) (*ecdsa.PublicKey, error) {
	return defaultRecoverer{}.Recover(signature, data)
}

// RecoverOverlay returns the overlay address of the key that produced the
// signature over data.
func RecoverOverlay(signature, data []byte) (swarm.Address, error) {
	pub, err := Recover(signature, data)
	if err != nil {
		return swarm.ZeroAddress, err
	}
	return NewOverlayAddress(*pub)
}

type defaultRecoverer struct{}

func (d defaultRecoverer) Recover(signature, data []byte) (*ecdsa.PublicKey, error) {
	hash, err := LegacyKeccak256(data)
	if err != nil {
		return nil, err
	}
	p, _, err := btcec.RecoverCompact(btcec.S256(), signature, hash)
	if err != nil {
		return nil, err
	}
	return (*ecdsa.PublicKey)(p), nil
}

type defaultSigner struct {
	key       *ecdsa.PrivateKey
	recoverer Recoverer
}

func NewDefaultSigner(key *ecdsa.PrivateKey) SignRecoverer {
	return &defaultSigner{
		key:       key,
		recoverer: defaultRecoverer{},
	}
}

func (d *defaultSigner) PublicKey() (*ecdsa.PublicKey, error) {
	return &d.key.PublicKey, nil
}

// Sign signs the keccak256 hash of data with a compact, recoverable signature.
func (d *defaultSigner) Sign(data []byte) (signature []byte, err error) {
	hash, err := LegacyKeccak256(data)
	if err != nil {
		return nil, err
	}
	return btcec.SignCompact(btcec.S256(), (*btcec.PrivateKey)(d.key), hash, true)
}

func (d *defaultSigner) Recover(signature, data []byte) (*ecdsa.PublicKey, error) {
	return d.recoverer.Recover(signature, data)
}
