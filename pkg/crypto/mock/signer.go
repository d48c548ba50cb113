// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mock

import (
	"crypto/ecdsa"

	"github.com/safenetwork/safenode/pkg/crypto"
)

type signerMock struct {
	sign      func([]byte) ([]byte, error)
	publicKey func() (*ecdsa.PublicKey, error)
}

func (m *signerMock) Sign(data []byte) ([]byte, error) {
	if m.sign != nil {
		return m.sign(data)
	}
	return nil, nil
}

func (m *signerMock) PublicKey() (*ecdsa.PublicKey, error) {
	if m.publicKey != nil {
		return m.publicKey()
	}
	return nil, nil
}

func New(opts ...Option) crypto.Signer {
	mock := new(signerMock)
	for _, o := range opts {
		o.apply(mock)
	}
	return mock
}

// Option is the option passed to the mock signer.
type Option interface {
	apply(*signerMock)
}

type optionFunc func(*signerMock)

func (f optionFunc) apply(r *signerMock) { f(r) }

func WithSignFunc(f func([]byte) ([]byte, error)) Option {
	return optionFunc(func(s *signerMock) {
		s.sign = f
	})
}

func WithPublicKeyFunc(f func() (*ecdsa.PublicKey, error)) Option {
	return optionFunc(func(s *signerMock) {
		s.publicKey = f
	})
}
