// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spend

import (
	"time"

	"github.com/safenetwork/safenode/pkg/spend/pb"
	"github.com/safenetwork/safenode/pkg/swarm"
)

func attestationToPB(a *Attestation) *pb.Attestation {
	if a == nil {
		return nil
	}
	return &pb.Attestation{
		Input:     a.Input.Bytes(),
		TxID:      a.TxID.Bytes(),
		Attester:  a.Attester.Bytes(),
		Signature: a.Signature,
		Expires:   a.Expires.UnixNano(),
		Group:     uint32(a.Group),
	}
}

func attestationFromPB(a *pb.Attestation) *Attestation {
	if a == nil {
		return nil
	}
	return &Attestation{
		Input:     swarm.NewAddress(a.Input),
		TxID:      swarm.NewAddress(a.TxID),
		Attester:  swarm.NewAddress(a.Attester),
		Expires:   time.Unix(0, a.Expires),
		Group:     int(a.Group),
		Signature: a.Signature,
	}
}

func attestationsToPB(atts []Attestation) []*pb.Attestation {
	out := make([]*pb.Attestation, len(atts))
	for i := range atts {
		out[i] = attestationToPB(&atts[i])
	}
	return out
}

func attestationsFromPB(atts []*pb.Attestation) []Attestation {
	out := make([]Attestation, 0, len(atts))
	for _, a := range atts {
		if a != nil {
			out = append(out, *attestationFromPB(a))
		}
	}
	return out
}

func recordToPB(r *Record) *pb.Record {
	if r == nil {
		return nil
	}
	return &pb.Record{
		Input:        r.Input.Bytes(),
		Tx:           r.Tx,
		Attestations: attestationsToPB(r.Attestations),
		Committed:    r.Committed.UnixNano(),
	}
}

func recordFromPB(r *pb.Record) *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Input:        swarm.NewAddress(r.Input),
		Tx:           r.Tx,
		Attestations: attestationsFromPB(r.Attestations),
		Committed:    time.Unix(0, r.Committed),
	}
}

func attestResultToPB(res AttestResult) *pb.AttestResponse {
	return &pb.AttestResponse{
		Status:      int32(res.Status),
		Attestation: attestationToPB(res.Attestation),
		Existing:    recordToPB(res.Existing),
	}
}

func attestResultFromPB(resp *pb.AttestResponse) AttestResult {
	return AttestResult{
		Status:      AttestStatus(resp.Status),
		Attestation: attestationFromPB(resp.Attestation),
		Existing:    recordFromPB(resp.Existing),
	}
}
