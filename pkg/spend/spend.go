// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spend prevents double spending of transaction inputs without a
// central ledger.
//
// The close group of an input address decides which transaction consumes
// it. A submitter collects signed attestations from a strict majority of the
// group and then asks every member to commit the transaction together with
// the attestations. A member attests at most one transaction per input until
// the expiry it signs into the attestation, and accepts a commit only if it
// carries a majority of valid, unexpired attestations from its own view of
// the group. Since any two majorities of a group intersect, at most one
// transaction can be committed per input.
package spend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrRejected is wrapped by every error that rejects a submission.
	ErrRejected = errors.New("spend: rejected")
	// ErrQuorumTimeout is returned when no quorum was reached in time.
	ErrQuorumTimeout = fmt.Errorf("spend: quorum timeout: %w", ErrRejected)
	// ErrQuorumNotReached is returned when too few close group members
	// are reachable to ever form a quorum.
	ErrQuorumNotReached = fmt.Errorf("spend: quorum not reached: %w", ErrRejected)
	// ErrInvalidAttestation is returned for attestations that do not verify.
	ErrInvalidAttestation = errors.New("spend: invalid attestation")
	// ErrInvalidTransaction is returned for empty transactions or invalid
	// input addresses.
	ErrInvalidTransaction = errors.New("spend: invalid transaction")
)

// Transaction is an opaque transfer that consumes an input.
type Transaction []byte

// ID returns the hash identifying the transaction.
func (tx Transaction) ID() swarm.Address {
	return swarm.HashAddress(tx)
}

// Attestation is a close group member's signed statement that it accepts
// the transaction as the one consuming the input. The attester holds no
// other candidate for the input until Expires. Group is the size of the close
// group the attester saw when signing.
type Attestation struct {
	Input     swarm.Address
	TxID      swarm.Address
	Attester  swarm.Address
	Expires   time.Time
	Group     int
	Signature []byte
}

// attestationData returns the bytes signed by an attester.
func attestationData(input, txID swarm.Address, expires time.Time, group int) []byte {
	data := make([]byte, 0, len(attestationPrefix)+2*swarm.HashSize+12)
	data = append(data, attestationPrefix...)
	data = append(data, input.Bytes()...)
	data = append(data, txID.Bytes()...)
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(expires.UnixNano()))
	binary.BigEndian.PutUint32(b[8:], uint32(group))
	return append(data, b[:]...)
}

var attestationPrefix = []byte("safenode-spend-attestation")

// Verify checks that the attestation is signed by its attester for the input
// and transaction.
func (a Attestation) Verify(input, txID swarm.Address) error {
	if !a.Input.Equal(input) || !a.TxID.Equal(txID) {
		return fmt.Errorf("attestation by %s for another spend: %w", a.Attester, ErrInvalidAttestation)
	}
	if a.Group < 1 {
		return fmt.Errorf("attestation by %s without close group size: %w", a.Attester, ErrInvalidAttestation)
	}
	signer, err := crypto.RecoverOverlay(a.Signature, attestationData(input, txID, a.Expires, a.Group))
	if err != nil {
		return fmt.Errorf("recover attester %s: %v: %w", a.Attester, err, ErrInvalidAttestation)
	}
	if !signer.Equal(a.Attester) {
		return fmt.Errorf("attestation of %s signed by %s: %w", a.Attester, signer, ErrInvalidAttestation)
	}
	return nil
}

// verifyAttestations returns the attestations of distinct attesters that
// verify and are accepted by accept. A nil accept accepts every attestation.
func verifyAttestations(input, txID swarm.Address, atts []Attestation, accept func(Attestation) bool) []Attestation {
	valid := make([]Attestation, 0, len(atts))
	seen := make(map[string]struct{}, len(atts))
	for _, a := range atts {
		if _, ok := seen[a.Attester.ByteString()]; ok {
			continue
		}
		if err := a.Verify(input, txID); err != nil {
			continue
		}
		if accept != nil && !accept(a) {
			continue
		}
		seen[a.Attester.ByteString()] = struct{}{}
		valid = append(valid, a)
	}
	return valid
}

// recordThreshold is the number of attestations a committed record needs:
// a majority of the smallest close group its attesters saw. A record
// committed by a degraded group stays valid after the group grows.
func recordThreshold(valid []Attestation) int {
	group := 0
	for _, a := range valid {
		if group == 0 || a.Group < group {
			group = a.Group
		}
	}
	if group == 0 {
		return 1
	}
	return closegroup.Majority(group)
}

// Verify checks that the record carries enough valid attestations of its
// transaction.
func (r *Record) Verify() error {
	valid := verifyAttestations(r.Input, r.TxID(), r.Attestations, nil)
	if need := recordThreshold(valid); len(valid) < need {
		return fmt.Errorf("%d valid attestations of %d required: %w", len(valid), need, ErrInvalidAttestation)
	}
	return nil
}

// Record is the committed spend of an input.
type Record struct {
	Input        swarm.Address
	Tx           Transaction
	Attestations []Attestation
	Committed    time.Time
}

// TxID returns the ID of the committed transaction.
func (r *Record) TxID() swarm.Address {
	return r.Tx.ID()
}

type encodedAttestation struct {
	Attester  []byte `msgpack:"a"`
	Expires   int64  `msgpack:"e"`
	Group     uint32 `msgpack:"g"`
	Signature []byte `msgpack:"s"`
}

type encodedRecord struct {
	Input        []byte               `msgpack:"i"`
	Tx           []byte               `msgpack:"t"`
	Attestations []encodedAttestation `msgpack:"a"`
	Committed    int64                `msgpack:"c"`
}

func (r *Record) MarshalBinary() ([]byte, error) {
	enc := encodedRecord{
		Input:     r.Input.Bytes(),
		Tx:        r.Tx,
		Committed: r.Committed.UnixNano(),
	}
	for _, a := range r.Attestations {
		enc.Attestations = append(enc.Attestations, encodedAttestation{
			Attester:  a.Attester.Bytes(),
			Expires:   a.Expires.UnixNano(),
			Group:     uint32(a.Group),
			Signature: a.Signature,
		})
	}
	return msgpack.Marshal(enc)
}

func (r *Record) UnmarshalBinary(data []byte) error {
	var enc encodedRecord
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}
	r.Input = swarm.NewAddress(enc.Input)
	r.Tx = enc.Tx
	r.Committed = time.Unix(0, enc.Committed)
	txID := r.Tx.ID()
	r.Attestations = make([]Attestation, len(enc.Attestations))
	for i, a := range enc.Attestations {
		r.Attestations[i] = Attestation{
			Input:     r.Input,
			TxID:      txID,
			Attester:  swarm.NewAddress(a.Attester),
			Expires:   time.Unix(0, a.Expires),
			Group:     int(a.Group),
			Signature: a.Signature,
		}
	}
	return nil
}

// Attempt is a conflicting transaction that was seen for an input.
type Attempt struct {
	Tx   Transaction
	Seen time.Time
}

type encodedAttempt struct {
	Tx   []byte `msgpack:"t"`
	Seen int64  `msgpack:"s"`
}

func (a *Attempt) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(encodedAttempt{Tx: a.Tx, Seen: a.Seen.UnixNano()})
}

func (a *Attempt) UnmarshalBinary(data []byte) error {
	var enc encodedAttempt
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}
	a.Tx = enc.Tx
	a.Seen = time.Unix(0, enc.Seen)
	return nil
}

// DoubleSpendError is returned when the input is already consumed by another
// transaction. Existing is the committed record. Partial is the record of
// the attempted transaction if some members committed it before the
// conflict surfaced.
type DoubleSpendError struct {
	Existing  *Record
	Attempted swarm.Address
	Partial   *Record
}

func (e *DoubleSpendError) Error() string {
	if e.Partial != nil {
		return fmt.Sprintf("spend: double spend of input %s: committed transaction %s, attempted %s committed by %d attesters", e.Existing.Input, e.Existing.TxID(), e.Attempted, len(e.Partial.Attestations))
	}
	return fmt.Sprintf("spend: double spend of input %s: committed transaction %s, attempted %s", e.Existing.Input, e.Existing.TxID(), e.Attempted)
}

func (e *DoubleSpendError) Unwrap() error {
	return ErrRejected
}
