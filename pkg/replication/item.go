// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/safenetwork/safenode/pkg/chunkstore"
	"github.com/safenetwork/safenode/pkg/register"
	"github.com/safenetwork/safenode/pkg/replication/pb"
	"github.com/safenetwork/safenode/pkg/spend"
	"github.com/safenetwork/safenode/pkg/swarm"
)

var (
	// ErrUnknownKind is returned for items of an unknown kind.
	ErrUnknownKind = errors.New("replication: unknown item kind")
	// ErrPermanent is returned when removing data that is never evicted.
	ErrPermanent = errors.New("replication: item is never removed")
	// ErrMismatch is returned when delivered data does not belong to the
	// requested item.
	ErrMismatch = errors.New("replication: delivered data does not match item")
)

// Kind is the type of replicated data.
type Kind int32

const (
	KindChunk Kind = iota + 1
	KindRegister
	KindSpend
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindRegister:
		return "register"
	case KindSpend:
		return "spend"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Mergeable reports whether held data of this kind still gains from a
// transfer. Register logs are merged, so a newer copy is always wanted.
func (k Kind) Mergeable() bool {
	return k == KindRegister
}

// Item identifies a piece of replicated data. Version optionally lists the
// register entry hashes a holder must know to count as holding the item.
type Item struct {
	Kind    Kind
	Address swarm.Address
	Version []swarm.Address
}

func (i Item) String() string {
	return i.Kind.String() + "/" + i.Address.String()
}

// Key returns a string usable as a map key.
func (i Item) Key() string {
	return string([]byte{byte(i.Kind)}) + i.Address.ByteString()
}

func (i Item) valid() error {
	switch i.Kind {
	case KindChunk, KindRegister, KindSpend:
	default:
		return ErrUnknownKind
	}
	if !i.Address.IsValid() {
		return swarm.ErrAddressLength
	}
	return nil
}

func itemToPB(i Item) *pb.Item {
	out := &pb.Item{Kind: int32(i.Kind), Address: i.Address.Bytes()}
	for _, v := range i.Version {
		out.Version = append(out.Version, v.Bytes())
	}
	return out
}

func itemFromPB(i *pb.Item) Item {
	if i == nil {
		return Item{}
	}
	out := Item{Kind: Kind(i.Kind), Address: swarm.NewAddress(i.Address)}
	for _, v := range i.Version {
		out.Version = append(out.Version, swarm.NewAddress(v))
	}
	return out
}

func itemsToPB(items []Item) []*pb.Item {
	out := make([]*pb.Item, len(items))
	for i, it := range items {
		out[i] = itemToPB(it)
	}
	return out
}

func itemsFromPB(items []*pb.Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = itemFromPB(it)
	}
	return out
}

// Storer is the local data of a node as seen by replication.
type Storer interface {
	// Has reports whether the item is held, and for items with a Version
	// whether every listed hash is held too.
	Has(ctx context.Context, item Item) (bool, error)
	// Version returns the Version of a held mergeable item, nil for other
	// kinds.
	Version(ctx context.Context, item Item) ([]swarm.Address, error)
	// Get returns the encoded data of the item.
	Get(ctx context.Context, item Item) ([]byte, error)
	// Put validates and stores encoded data delivered by another node.
	Put(ctx context.Context, item Item, data []byte) error
	Remove(ctx context.Context, item Item) error
	Iterate(ctx context.Context, fn func(Item) (stop bool, err error)) error
}

var _ Storer = (*Local)(nil)

// Local exposes the chunk, register and spend stores of a node as a Storer.
// Chunks travel as their data, registers as their log and spends as their
// record.
type Local struct {
	Chunks    *chunkstore.Store
	Registers *register.Store
	Spends    *spend.Ledger
}

func (l *Local) Has(ctx context.Context, item Item) (bool, error) {
	switch item.Kind {
	case KindChunk:
		return l.Chunks.Has(ctx, item.Address)
	case KindRegister:
		if len(item.Version) > 0 {
			return l.Registers.Covers(ctx, item.Address, item.Version)
		}
		return l.Registers.Has(ctx, item.Address)
	case KindSpend:
		return l.Spends.Has(item.Address)
	default:
		return false, ErrUnknownKind
	}
}

func (l *Local) Version(ctx context.Context, item Item) ([]swarm.Address, error) {
	if item.Kind != KindRegister {
		return nil, nil
	}
	return l.Registers.TipHashes(ctx, item.Address)
}

func (l *Local) Get(ctx context.Context, item Item) ([]byte, error) {
	switch item.Kind {
	case KindChunk:
		ch, err := l.Chunks.Get(ctx, item.Address)
		if err != nil {
			return nil, err
		}
		return ch.Data(), nil
	case KindRegister:
		log, err := l.Registers.Log(ctx, item.Address)
		if err != nil {
			return nil, err
		}
		return log.MarshalBinary()
	case KindSpend:
		rec, err := l.Spends.Get(item.Address)
		if err != nil {
			return nil, err
		}
		return rec.MarshalBinary()
	default:
		return nil, ErrUnknownKind
	}
}

func (l *Local) Put(ctx context.Context, item Item, data []byte) error {
	switch item.Kind {
	case KindChunk:
		_, err := l.Chunks.Put(ctx, swarm.NewChunk(item.Address, data))
		return err
	case KindRegister:
		log := new(register.Log)
		if err := log.UnmarshalBinary(data); err != nil {
			return err
		}
		if !log.Address.Equal(item.Address) {
			return fmt.Errorf("register %s for %s: %w", log.Address, item.Address, ErrMismatch)
		}
		_, err := l.Registers.Import(ctx, log)
		return err
	case KindSpend:
		rec := new(spend.Record)
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		if !rec.Input.Equal(item.Address) {
			return fmt.Errorf("spend of %s for %s: %w", rec.Input, item.Address, ErrMismatch)
		}
		_, err := l.Spends.Import(rec)
		return err
	default:
		return ErrUnknownKind
	}
}

func (l *Local) Remove(ctx context.Context, item Item) error {
	switch item.Kind {
	case KindChunk:
		return l.Chunks.Remove(ctx, item.Address)
	case KindRegister:
		return l.Registers.Remove(ctx, item.Address)
	case KindSpend:
		return ErrPermanent
	default:
		return ErrUnknownKind
	}
}

func (l *Local) Iterate(ctx context.Context, fn func(Item) (bool, error)) error {
	errStop := errors.New("stop")
	stopped := false

	err := l.Chunks.Iterate(ctx, func(ch swarm.Chunk) (bool, error) {
		stop, err := fn(Item{Kind: KindChunk, Address: ch.Address()})
		stopped = stop
		return stop, err
	})
	if err != nil || stopped {
		return err
	}

	err = l.Registers.Iterate(func(addr swarm.Address) error {
		stop, err := fn(Item{Kind: KindRegister, Address: addr})
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
	if err != nil {
		return err
	}

	return l.Spends.Iterate(func(rec *spend.Record) (bool, error) {
		return fn(Item{Kind: KindSpend, Address: rec.Input})
	})
}
