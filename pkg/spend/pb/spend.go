// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pb

import (
	"github.com/gogo/protobuf/proto"
)

type Attest struct {
	Input []byte `protobuf:"bytes,1,opt,name=Input,proto3" json:"Input,omitempty"`
	Tx    []byte `protobuf:"bytes,2,opt,name=Tx,proto3" json:"Tx,omitempty"`
}

func (m *Attest) Reset()         { *m = Attest{} }
func (m *Attest) String() string { return proto.CompactTextString(m) }
func (*Attest) ProtoMessage()    {}

type Attestation struct {
	Input     []byte `protobuf:"bytes,1,opt,name=Input,proto3" json:"Input,omitempty"`
	TxID      []byte `protobuf:"bytes,2,opt,name=TxID,proto3" json:"TxID,omitempty"`
	Attester  []byte `protobuf:"bytes,3,opt,name=Attester,proto3" json:"Attester,omitempty"`
	Signature []byte `protobuf:"bytes,4,opt,name=Signature,proto3" json:"Signature,omitempty"`
	Expires   int64  `protobuf:"varint,5,opt,name=Expires,proto3" json:"Expires,omitempty"`
	Group     uint32 `protobuf:"varint,6,opt,name=Group,proto3" json:"Group,omitempty"`
}

func (m *Attestation) Reset()         { *m = Attestation{} }
func (m *Attestation) String() string { return proto.CompactTextString(m) }
func (*Attestation) ProtoMessage()    {}

type AttestResponse struct {
	Status      int32        `protobuf:"varint,1,opt,name=Status,proto3" json:"Status,omitempty"`
	Attestation *Attestation `protobuf:"bytes,2,opt,name=Attestation,proto3" json:"Attestation,omitempty"`
	Existing    *Record      `protobuf:"bytes,3,opt,name=Existing,proto3" json:"Existing,omitempty"`
	Err         string       `protobuf:"bytes,4,opt,name=Err,proto3" json:"Err,omitempty"`
}

func (m *AttestResponse) Reset()         { *m = AttestResponse{} }
func (m *AttestResponse) String() string { return proto.CompactTextString(m) }
func (*AttestResponse) ProtoMessage()    {}

type Record struct {
	Input        []byte         `protobuf:"bytes,1,opt,name=Input,proto3" json:"Input,omitempty"`
	Tx           []byte         `protobuf:"bytes,2,opt,name=Tx,proto3" json:"Tx,omitempty"`
	Attestations []*Attestation `protobuf:"bytes,3,rep,name=Attestations,proto3" json:"Attestations,omitempty"`
	Committed    int64          `protobuf:"varint,4,opt,name=Committed,proto3" json:"Committed,omitempty"`
}

func (m *Record) Reset()         { *m = Record{} }
func (m *Record) String() string { return proto.CompactTextString(m) }
func (*Record) ProtoMessage()    {}

type Commit struct {
	Input        []byte         `protobuf:"bytes,1,opt,name=Input,proto3" json:"Input,omitempty"`
	Tx           []byte         `protobuf:"bytes,2,opt,name=Tx,proto3" json:"Tx,omitempty"`
	Attestations []*Attestation `protobuf:"bytes,3,rep,name=Attestations,proto3" json:"Attestations,omitempty"`
}

func (m *Commit) Reset()         { *m = Commit{} }
func (m *Commit) String() string { return proto.CompactTextString(m) }
func (*Commit) ProtoMessage()    {}

type CommitResponse struct {
	Status int32   `protobuf:"varint,1,opt,name=Status,proto3" json:"Status,omitempty"`
	Record *Record `protobuf:"bytes,2,opt,name=Record,proto3" json:"Record,omitempty"`
	Err    string  `protobuf:"bytes,3,opt,name=Err,proto3" json:"Err,omitempty"`
}

func (m *CommitResponse) Reset()         { *m = CommitResponse{} }
func (m *CommitResponse) String() string { return proto.CompactTextString(m) }
func (*CommitResponse) ProtoMessage()    {}

type Query struct {
	Input []byte `protobuf:"bytes,1,opt,name=Input,proto3" json:"Input,omitempty"`
}

func (m *Query) Reset()         { *m = Query{} }
func (m *Query) String() string { return proto.CompactTextString(m) }
func (*Query) ProtoMessage()    {}

type Attempt struct {
	Tx   []byte `protobuf:"bytes,1,opt,name=Tx,proto3" json:"Tx,omitempty"`
	Seen int64  `protobuf:"varint,2,opt,name=Seen,proto3" json:"Seen,omitempty"`
}

func (m *Attempt) Reset()         { *m = Attempt{} }
func (m *Attempt) String() string { return proto.CompactTextString(m) }
func (*Attempt) ProtoMessage()    {}

type QueryResponse struct {
	Record   *Record    `protobuf:"bytes,1,opt,name=Record,proto3" json:"Record,omitempty"`
	Attempts []*Attempt `protobuf:"bytes,2,rep,name=Attempts,proto3" json:"Attempts,omitempty"`
}

func (m *QueryResponse) Reset()         { *m = QueryResponse{} }
func (m *QueryResponse) String() string { return proto.CompactTextString(m) }
func (*QueryResponse) ProtoMessage()    {}
