// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pb

import (
	"github.com/gogo/protobuf/proto"
)

type Item struct {
	Kind    int32    `protobuf:"varint,1,opt,name=Kind,proto3" json:"Kind,omitempty"`
	Address []byte   `protobuf:"bytes,2,opt,name=Address,proto3" json:"Address,omitempty"`
	Version [][]byte `protobuf:"bytes,3,rep,name=Version,proto3" json:"Version,omitempty"`
}

func (m *Item) Reset()         { *m = Item{} }
func (m *Item) String() string { return proto.CompactTextString(m) }
func (*Item) ProtoMessage()    {}

type Offer struct {
	Items []*Item `protobuf:"bytes,1,rep,name=Items,proto3" json:"Items,omitempty"`
}

func (m *Offer) Reset()         { *m = Offer{} }
func (m *Offer) String() string { return proto.CompactTextString(m) }
func (*Offer) ProtoMessage()    {}

type Wanted struct {
	Items []*Item `protobuf:"bytes,1,rep,name=Items,proto3" json:"Items,omitempty"`
}

func (m *Wanted) Reset()         { *m = Wanted{} }
func (m *Wanted) String() string { return proto.CompactTextString(m) }
func (*Wanted) ProtoMessage()    {}

type Pull struct {
	Item *Item `protobuf:"bytes,1,opt,name=Item,proto3" json:"Item,omitempty"`
}

func (m *Pull) Reset()         { *m = Pull{} }
func (m *Pull) String() string { return proto.CompactTextString(m) }
func (*Pull) ProtoMessage()    {}

type Delivery struct {
	Data []byte `protobuf:"bytes,1,opt,name=Data,proto3" json:"Data,omitempty"`
	Err  string `protobuf:"bytes,2,opt,name=Err,proto3" json:"Err,omitempty"`
}

func (m *Delivery) Reset()         { *m = Delivery{} }
func (m *Delivery) String() string { return proto.CompactTextString(m) }
func (*Delivery) ProtoMessage()    {}

type Has struct {
	Items []*Item `protobuf:"bytes,1,rep,name=Items,proto3" json:"Items,omitempty"`
}

func (m *Has) Reset()         { *m = Has{} }
func (m *Has) String() string { return proto.CompactTextString(m) }
func (*Has) ProtoMessage()    {}

type Possession struct {
	Has []bool `protobuf:"varint,1,rep,packed,name=Has,proto3" json:"Has,omitempty"`
}

func (m *Possession) Reset()         { *m = Possession{} }
func (m *Possession) String() string { return proto.CompactTextString(m) }
func (*Possession) ProtoMessage()    {}
