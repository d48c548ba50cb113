// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/vmihailenco/msgpack/v5"
	"resenje.org/multex"
)

// DefaultTentativeTTL is how long an attested but uncommitted transaction
// blocks other transactions for the same input.
const DefaultTentativeTTL = 30 * time.Second

const (
	recordPrefix    = "spend/"
	attemptPrefix   = "spend-attempt/"
	tentativePrefix = "spend-tentative/"
)

func recordKey(input swarm.Address) string {
	return recordPrefix + input.String()
}

func tentativeKey(input swarm.Address) string {
	return tentativePrefix + input.String()
}

func attemptKey(input, txID swarm.Address) string {
	return attemptPrefix + input.String() + "/" + txID.String()
}

// AttestStatus is the outcome of an attest request.
type AttestStatus int32

const (
	// StatusAttested means the transaction is now the tentative candidate
	// for the input, or already was.
	StatusAttested AttestStatus = iota + 1
	// StatusCommitted means the same transaction is already committed.
	StatusCommitted
	// StatusDoubleSpend means another transaction is committed.
	StatusDoubleSpend
	// StatusConflict means another transaction is the tentative candidate.
	StatusConflict
	// StatusBusy means the request was rate limited.
	StatusBusy
	// StatusNotResponsible means the member is not in the close group of
	// the input.
	StatusNotResponsible
)

func (s AttestStatus) String() string {
	switch s {
	case StatusAttested:
		return "attested"
	case StatusCommitted:
		return "committed"
	case StatusDoubleSpend:
		return "double spend"
	case StatusConflict:
		return "conflict"
	case StatusBusy:
		return "busy"
	case StatusNotResponsible:
		return "not responsible"
	default:
		return fmt.Sprintf("AttestStatus(%d)", int32(s))
	}
}

// AttestResult is the answer of a close group member to an attest request.
type AttestResult struct {
	Status      AttestStatus
	Attestation *Attestation
	Existing    *Record
}

// tentative is the transaction an input is attested to until it expires.
// Tentatives are persisted so a restarted member keeps honoring the expiry
// it signed.
type tentative struct {
	TxID    swarm.Address
	Expires time.Time
}

type encodedTentative struct {
	TxID    []byte `msgpack:"t"`
	Expires int64  `msgpack:"e"`
}

func (t *tentative) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(encodedTentative{TxID: t.TxID.Bytes(), Expires: t.Expires.UnixNano()})
}

func (t *tentative) UnmarshalBinary(data []byte) error {
	var enc encodedTentative
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}
	t.TxID = swarm.NewAddress(enc.TxID)
	t.Expires = time.Unix(0, enc.Expires)
	return nil
}

// Ledger is the local spend state of a node: committed records, tentative
// candidates and the log of conflicting attempts. Operations on the same
// input are serialized.
type Ledger struct {
	store   storage.StateStorer
	signer  crypto.Signer
	self    swarm.Address
	ttl     time.Duration
	lock    *multex.Multex
	logger  logging.Logger
	metrics metrics

	now func() time.Time
}

// NewLedger returns a ledger that signs attestations as self. Non positive
// ttl selects DefaultTentativeTTL.
func NewLedger(store storage.StateStorer, signer crypto.Signer, self swarm.Address, ttl time.Duration, logger logging.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTentativeTTL
	}
	return &Ledger{
		store:   store,
		signer:  signer,
		self:    self,
		ttl:     ttl,
		lock:    multex.New(),
		logger:  logger,
		metrics: newMetrics(),
		now:     time.Now,
	}
}

// Attest answers an attest request for tx consuming input. Group is the size
// of the close group of input in the view of the local node.
func (l *Ledger) Attest(input swarm.Address, tx Transaction, group int) (AttestResult, error) {
	if err := validate(input, tx); err != nil {
		return AttestResult{}, err
	}
	if group < 1 {
		group = 1
	}
	txID := tx.ID()

	key := input.ByteString()
	l.lock.Lock(key)
	defer l.lock.Unlock(key)

	now := l.now()
	rec, err := l.Get(input)
	switch {
	case err == nil:
		if rec.TxID().Equal(txID) {
			att, err := l.sign(input, txID, now.Add(l.ttl), group)
			if err != nil {
				return AttestResult{}, err
			}
			return AttestResult{Status: StatusCommitted, Attestation: att}, nil
		}
		l.metrics.DoubleSpendAttempts.Inc()
		if err := l.logAttempt(input, tx); err != nil {
			return AttestResult{}, err
		}
		return AttestResult{Status: StatusDoubleSpend, Existing: rec}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return AttestResult{}, err
	}

	t, err := l.tentative(input)
	if err != nil {
		return AttestResult{}, err
	}
	if t != nil && now.Before(t.Expires) && !t.TxID.Equal(txID) {
		l.metrics.Conflicts.Inc()
		if err := l.logAttempt(input, tx); err != nil {
			return AttestResult{}, err
		}
		return AttestResult{Status: StatusConflict}, nil
	}

	// the input lock is held, so no other attestation can slip in before
	// the tentative is recorded
	expires := now.Add(l.ttl)
	att, err := l.sign(input, txID, expires, group)
	if err != nil {
		return AttestResult{}, err
	}
	if err := l.store.Put(tentativeKey(input), &tentative{TxID: txID, Expires: expires}); err != nil {
		return AttestResult{}, fmt.Errorf("spend: put tentative %s: %w", input, err)
	}
	l.metrics.Attested.Inc()
	return AttestResult{Status: StatusAttested, Attestation: att}, nil
}

func (l *Ledger) sign(input, txID swarm.Address, expires time.Time, group int) (*Attestation, error) {
	sig, err := l.signer.Sign(attestationData(input, txID, expires, group))
	if err != nil {
		return nil, fmt.Errorf("spend: sign attestation: %w", err)
	}
	return &Attestation{
		Input:     input,
		TxID:      txID,
		Attester:  l.self,
		Expires:   expires,
		Group:     group,
		Signature: sig,
	}, nil
}

// tentative returns the stored candidate of input, expired or not, or nil.
func (l *Ledger) tentative(input swarm.Address) (*tentative, error) {
	t := new(tentative)
	if err := l.store.Get(tentativeKey(input), t); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("spend: get tentative %s: %w", input, err)
	}
	return t, nil
}

// Commit durably records tx as the spend of input if the attestations hold
// at least threshold valid, unexpired signatures of attesters accepted by
// member. Committing the already committed transaction again adds the new
// attestations. Committing another transaction returns a *DoubleSpendError.
func (l *Ledger) Commit(input swarm.Address, tx Transaction, atts []Attestation, member func(swarm.Address) bool, threshold int) (*Record, error) {
	if threshold < 1 {
		threshold = 1
	}
	now := l.now()
	live := func(a Attestation) bool {
		if !now.Before(a.Expires) {
			return false
		}
		return member == nil || member(a.Attester)
	}
	return l.put(input, tx, atts, live, func([]Attestation) int { return threshold })
}

// Import stores a record replicated from another node. The attestations may
// have expired and the close group may have changed since the commit, so
// the record is checked against the group sizes signed by its attesters.
func (l *Ledger) Import(rec *Record) (*Record, error) {
	return l.put(rec.Input, rec.Tx, rec.Attestations, nil, recordThreshold)
}

func (l *Ledger) put(input swarm.Address, tx Transaction, atts []Attestation, accept func(Attestation) bool, threshold func([]Attestation) int) (*Record, error) {
	if err := validate(input, tx); err != nil {
		return nil, err
	}
	txID := tx.ID()

	key := input.ByteString()
	l.lock.Lock(key)
	defer l.lock.Unlock(key)

	rec, err := l.Get(input)
	switch {
	case err == nil:
		if !rec.TxID().Equal(txID) {
			l.metrics.DoubleSpendAttempts.Inc()
			if err := l.logAttempt(input, tx); err != nil {
				return nil, err
			}
			return nil, &DoubleSpendError{Existing: rec, Attempted: txID}
		}
		if n := appendAttestations(rec, verifyAttestations(input, txID, atts, nil)); n > 0 {
			if err := l.store.Put(recordKey(input), rec); err != nil {
				return nil, fmt.Errorf("spend: put record %s: %w", input, err)
			}
		}
		return rec, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	valid := verifyAttestations(input, txID, atts, accept)
	if need := threshold(valid); len(valid) < need {
		l.metrics.InvalidCommits.Inc()
		return nil, fmt.Errorf("%d valid attestations of %d required: %w", len(valid), need, ErrInvalidAttestation)
	}

	rec = &Record{
		Input:        input,
		Tx:           append(Transaction(nil), tx...),
		Attestations: valid,
		Committed:    l.now(),
	}
	if err := l.store.Put(recordKey(input), rec); err != nil {
		return nil, fmt.Errorf("spend: put record %s: %w", input, err)
	}
	if err := l.store.Delete(tentativeKey(input)); err != nil {
		l.logger.Errorf("spend: delete tentative %s: %v", input, err)
	}

	l.metrics.Committed.Inc()
	l.logger.Debugf("spend: committed %s for input %s with %d attestations", txID, input, len(valid))
	return rec, nil
}

// appendAttestations adds attestations of new attesters to the record.
func appendAttestations(rec *Record, atts []Attestation) (added int) {
	for _, a := range atts {
		found := false
		for _, b := range rec.Attestations {
			if b.Attester.Equal(a.Attester) {
				found = true
				break
			}
		}
		if !found {
			rec.Attestations = append(rec.Attestations, a)
			added++
		}
	}
	return added
}

// Get returns the committed record of input or storage.ErrNotFound.
func (l *Ledger) Get(input swarm.Address) (*Record, error) {
	rec := new(Record)
	if err := l.store.Get(recordKey(input), rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("spend: get record %s: %w", input, err)
	}
	return rec, nil
}

// Has reports whether a record is committed for the input.
func (l *Ledger) Has(input swarm.Address) (bool, error) {
	_, err := l.Get(input)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Attempts returns the conflicting transactions seen for the input.
func (l *Ledger) Attempts(input swarm.Address) ([]Attempt, error) {
	var attempts []Attempt
	err := l.store.Iterate(attemptPrefix+input.String()+"/", func(_, value []byte) (bool, error) {
		var a Attempt
		if err := a.UnmarshalBinary(value); err != nil {
			return true, err
		}
		attempts = append(attempts, a)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("spend: iterate attempts: %w", err)
	}
	return attempts, nil
}

func (l *Ledger) logAttempt(input swarm.Address, tx Transaction) error {
	key := attemptKey(input, tx.ID())
	var a Attempt
	err := l.store.Get(key, &a)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	a = Attempt{Tx: append(Transaction(nil), tx...), Seen: l.now()}
	if err := l.store.Put(key, &a); err != nil {
		return fmt.Errorf("spend: log attempt: %w", err)
	}
	return nil
}

// Iterate calls fn with every committed record.
func (l *Ledger) Iterate(fn func(*Record) (stop bool, err error)) error {
	return l.store.Iterate(recordPrefix, func(_, value []byte) (bool, error) {
		rec := new(Record)
		if err := rec.UnmarshalBinary(value); err != nil {
			return true, err
		}
		return fn(rec)
	})
}

// GC removes expired tentative candidates and returns how many were removed.
func (l *Ledger) GC() int {
	now := l.now()

	var expired []swarm.Address
	err := l.store.Iterate(tentativePrefix, func(key, value []byte) (bool, error) {
		var t tentative
		if err := t.UnmarshalBinary(value); err != nil {
			return true, err
		}
		if now.Before(t.Expires) {
			return false, nil
		}
		input, err := swarm.ParseHexAddress(strings.TrimPrefix(string(key), tentativePrefix))
		if err != nil {
			return true, err
		}
		expired = append(expired, input)
		return false, nil
	})
	if err != nil {
		l.logger.Errorf("spend: iterate tentatives: %v", err)
	}

	var n int
	for _, input := range expired {
		if l.removeExpired(input, now) {
			n++
		}
	}
	l.metrics.TentativeExpired.Add(float64(n))
	return n
}

func (l *Ledger) removeExpired(input swarm.Address, now time.Time) bool {
	key := input.ByteString()
	l.lock.Lock(key)
	defer l.lock.Unlock(key)

	t, err := l.tentative(input)
	if err != nil {
		l.logger.Errorf("spend: gc: %v", err)
		return false
	}
	if t == nil || now.Before(t.Expires) {
		return false
	}
	if err := l.store.Delete(tentativeKey(input)); err != nil {
		l.logger.Errorf("spend: gc: delete tentative %s: %v", input, err)
		return false
	}
	return true
}

// Tentative returns the ID of the current tentative candidate for input.
func (l *Ledger) Tentative(input swarm.Address) (swarm.Address, bool) {
	t, err := l.tentative(input)
	if err != nil || t == nil || !l.now().Before(t.Expires) {
		return swarm.ZeroAddress, false
	}
	return t.TxID, true
}

func validate(input swarm.Address, tx Transaction) error {
	if !input.IsValid() {
		return fmt.Errorf("input address: %w", ErrInvalidTransaction)
	}
	if len(tx) == 0 {
		return fmt.Errorf("empty transaction: %w", ErrInvalidTransaction)
	}
	return nil
}
