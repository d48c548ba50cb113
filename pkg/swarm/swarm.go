// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package swarm contains the most basic concepts of the network: the
// identifier space shared by peers and data, its distance metric and the
// immutable chunk.
package swarm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	HashSize           = 32
	MaxPO        uint8 = HashSize*8 - 1
	ExtendedPO   uint8 = MaxPO
	MaxChunkSize       = 1 << 20
)

var (
	NewHasher = sha3.NewLegacyKeccak256
)

var (
	ErrInvalidChunk   = errors.New("invalid chunk")
	ErrAddressLength  = fmt.Errorf("address must be %d bytes long", HashSize)
	ErrAddressesEmpty = errors.New("no addresses given")
)

// Address represents an address in the metric space of node, chunk,
// register and spend addresses.
type Address struct {
	b []byte
}

// NewAddress constructs Address from a byte slice.
func NewAddress(b []byte) Address {
	return Address{b: b}
}

// ParseHexAddress returns an Address from a hex-encoded string representation.
func ParseHexAddress(s string) (a Address, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	return NewAddress(b), nil
}

// MustParseHexAddress returns an Address from a hex-encoded string
// representation, and panics if there is a parse error.
func MustParseHexAddress(s string) Address {
	a, err := ParseHexAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns a hex-encoded representation of the Address.
func (a Address) String() string {
	return hex.EncodeToString(a.b)
}

// ShortString returns the first bytes of the hex representation, for logs.
func (a Address) ShortString() string {
	s := a.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// Equal returns true if two addresses are identical.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a.b, b.b)
}

// Compare orders addresses by their byte representation.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a.b, b.b)
}

// IsZero returns true if the Address is not set to any value.
func (a Address) IsZero() bool {
	return a.Equal(ZeroAddress)
}

// IsValid reports whether the address has the length of the identifier space.
func (a Address) IsValid() bool {
	return len(a.b) == HashSize
}

// Bytes returns bytes representation of the Address.
func (a Address) Bytes() []byte {
	return a.b
}

// ByteString returns raw Address string without encoding.
func (a Address) ByteString() string {
	return string(a.Bytes())
}

// Clone returns a new swarm address which is a copy of this one.
func (a Address) Clone() Address {
	if a.b == nil {
		return Address{}
	}
	return Address{b: append(make([]byte, 0, len(a.b)), a.Bytes()...)}
}

// UnmarshalJSON sets Address to a value from JSON-encoded representation.
func (a *Address) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*a, err = ParseHexAddress(s)
	return err
}

// MarshalJSON returns JSON-encoded representation of Address.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// ZeroAddress is the address that has no value.
var ZeroAddress = NewAddress(nil)

// AddressIterFunc is a callback on every address that is found by the iterator.
type AddressIterFunc func(address Address) error

// Hash returns the keccak256 hash of the concatenation of the given byte slices.
func Hash(data ...[]byte) []byte {
	h := NewHasher()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	return h.Sum(nil)
}

// HashAddress returns the content address of data.
func HashAddress(data []byte) Address {
	return NewAddress(Hash(data))
}

// Chunk is an immutable piece of data addressed by the hash of its content.
type Chunk interface {
	Address() Address
	Data() []byte
	Equal(Chunk) bool
}

type chunk struct {
	addr  Address
	sdata []byte
}

func NewChunk(addr Address, data []byte) Chunk {
	return &chunk{
		addr:  addr,
		sdata: data,
	}
}

func (c *chunk) Address() Address {
	return c.addr
}

func (c *chunk) Data() []byte {
	return c.sdata
}

func (c *chunk) String() string {
	return fmt.Sprintf("Address: %v Chunksize: %v", c.addr.String(), len(c.sdata))
}

func (c *chunk) Equal(cp Chunk) bool {
	return c.Address().Equal(cp.Address()) && bytes.Equal(c.Data(), cp.Data())
}
