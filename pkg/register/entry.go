// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package register

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxPayloadSize is the largest payload a single entry may carry.
const MaxPayloadSize = swarm.MaxChunkSize

// Entry is an immutable node of a register history. Its hash commits to the
// register address, the parent hashes and the payload.
type Entry struct {
	Register swarm.Address
	Hash     swarm.Address
	Parents  []swarm.Address
	Payload  []byte
}

// NewEntry builds an entry of the register at addr. Parents are kept in byte
// order so the same logical entry always has the same hash.
func NewEntry(addr swarm.Address, payload []byte, parents []swarm.Address) (Entry, error) {
	ps := make([]swarm.Address, len(parents))
	for i, p := range parents {
		ps[i] = p.Clone()
	}
	swarm.SortAddresses(ps)

	e := Entry{
		Register: addr.Clone(),
		Parents:  ps,
		Payload:  append([]byte(nil), payload...),
	}
	e.Hash = entryHash(e.Register, e.Parents, e.Payload)

	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func entryHash(addr swarm.Address, parents []swarm.Address, payload []byte) swarm.Address {
	n := make([]byte, 8)
	binary.BigEndian.PutUint64(n, uint64(len(parents)))

	data := [][]byte{addr.Bytes(), n}
	for _, p := range parents {
		data = append(data, p.Bytes())
	}
	data = append(data, payload)

	return swarm.NewAddress(swarm.Hash(data...))
}

// validate checks the structure of the entry, independent of any store.
func (e Entry) validate() error {
	if !e.Register.IsValid() {
		return fmt.Errorf("register address: %w", ErrMalformedEntry)
	}
	if len(e.Payload) > MaxPayloadSize {
		return fmt.Errorf("payload size %d: %w", len(e.Payload), ErrMalformedEntry)
	}
	for i, p := range e.Parents {
		if !p.IsValid() {
			return fmt.Errorf("parent %d length %d: %w", i, len(p.Bytes()), ErrMalformedEntry)
		}
		if i > 0 && e.Parents[i-1].Equal(p) {
			return fmt.Errorf("duplicate parent %s: %w", p, ErrMalformedEntry)
		}
		if i > 0 && e.Parents[i-1].Compare(p) > 0 {
			return fmt.Errorf("unordered parents: %w", ErrMalformedEntry)
		}
	}
	if !e.Hash.Equal(entryHash(e.Register, e.Parents, e.Payload)) {
		return fmt.Errorf("entry hash %s: %w", e.Hash, ErrMalformedEntry)
	}
	for _, p := range e.Parents {
		if p.Equal(e.Hash) {
			return fmt.Errorf("self reference: %w", ErrMalformedEntry)
		}
	}
	return nil
}

type encodedEntry struct {
	Register []byte   `msgpack:"r"`
	Parents  [][]byte `msgpack:"p"`
	Payload  []byte   `msgpack:"d"`
}

// MarshalBinary encodes the entry with msgpack. The hash is not encoded, it
// is recomputed on decoding.
func (e Entry) MarshalBinary() ([]byte, error) {
	enc := encodedEntry{
		Register: e.Register.Bytes(),
		Payload:  e.Payload,
	}
	for _, p := range e.Parents {
		enc.Parents = append(enc.Parents, p.Bytes())
	}
	return msgpack.Marshal(enc)
}

func (e *Entry) UnmarshalBinary(data []byte) error {
	var enc encodedEntry
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}
	e.Register = swarm.NewAddress(enc.Register)
	e.Payload = enc.Payload
	e.Parents = make([]swarm.Address, len(enc.Parents))
	for i, p := range enc.Parents {
		e.Parents[i] = swarm.NewAddress(p)
	}
	e.Hash = entryHash(e.Register, e.Parents, e.Payload)
	return nil
}

// meta is the persisted per register state: the current tips and the
// reachability index of entries collapsed by a snapshot.
type meta struct {
	Created   int64    `msgpack:"c"`
	Tips      [][]byte `msgpack:"t"`
	Collapsed [][]byte `msgpack:"x"`
	Entries   int      `msgpack:"n"`
}

// plainMeta has no methods so that msgpack does not call back into
// MarshalBinary.
type plainMeta meta

func (m *meta) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*plainMeta)(m))
}

func (m *meta) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*plainMeta)(m))
}

func (m *meta) isTip(h swarm.Address) bool {
	return indexOf(m.Tips, h) != -1
}

func (m *meta) isCollapsed(h swarm.Address) bool {
	return indexOf(m.Collapsed, h) != -1
}

// addTip makes e a tip and removes its parents from the tip set.
func (m *meta) addTip(e Entry) {
	for _, p := range e.Parents {
		if i := indexOf(m.Tips, p); i != -1 {
			m.Tips = append(m.Tips[:i], m.Tips[i+1:]...)
		}
	}
	m.Tips = append(m.Tips, e.Hash.Bytes())
}

func indexOf(list [][]byte, h swarm.Address) int {
	for i, b := range list {
		if swarm.NewAddress(b).Equal(h) {
			return i
		}
	}
	return -1
}

type encodedLog struct {
	Address   []byte   `msgpack:"a"`
	Created   int64    `msgpack:"c"`
	Entries   [][]byte `msgpack:"e"`
	Collapsed [][]byte `msgpack:"x"`
}

// MarshalBinary encodes the log for replication.
func (l *Log) MarshalBinary() ([]byte, error) {
	enc := encodedLog{
		Address: l.Address.Bytes(),
		Created: l.Created.UnixNano(),
	}
	for _, e := range l.Entries {
		b, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		enc.Entries = append(enc.Entries, b)
	}
	for _, c := range l.Collapsed {
		enc.Collapsed = append(enc.Collapsed, c.Bytes())
	}
	return msgpack.Marshal(enc)
}

func (l *Log) UnmarshalBinary(data []byte) error {
	var enc encodedLog
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedEntry)
	}
	l.Address = swarm.NewAddress(enc.Address)
	l.Created = time.Unix(0, enc.Created)
	l.Entries = make([]Entry, len(enc.Entries))
	for i, b := range enc.Entries {
		if err := l.Entries[i].UnmarshalBinary(b); err != nil {
			return fmt.Errorf("%v: %w", err, ErrMalformedEntry)
		}
	}
	l.Collapsed = toAddresses(enc.Collapsed)
	return nil
}
