// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/p2p"
	"github.com/safenetwork/safenode/pkg/p2p/protobuf"
	"github.com/safenetwork/safenode/pkg/ratelimit"
	"github.com/safenetwork/safenode/pkg/spend/pb"
	"github.com/safenetwork/safenode/pkg/storage"
	"github.com/safenetwork/safenode/pkg/swarm"
	"github.com/safenetwork/safenode/pkg/topology/closegroup"
	"github.com/safenetwork/safenode/pkg/topology/membership"
	"github.com/safenetwork/safenode/pkg/tracing"
)

const (
	protocolName    = "spend"
	protocolVersion = "1.0.0"
	streamAttest    = "attest"
	streamCommit    = "commit"
	streamQuery     = "query"
)

const (
	// DefaultTimeout bounds a whole submission, attest and commit phases.
	DefaultTimeout = 10 * time.Second
	// DefaultPollInterval is the wait before asking a member that holds a
	// conflicting candidate again.
	DefaultPollInterval = 250 * time.Millisecond

	defaultAttestRate  = 10 * time.Millisecond
	defaultAttestBurst = 100
)

// Membership provides the current membership snapshot.
type Membership interface {
	Snapshot() *membership.Snapshot
}

// Options are optional parameters of the Service.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// AttestRate and AttestBurst limit the attest requests accepted from a
	// single peer.
	AttestRate  time.Duration
	AttestBurst int
}

// Service runs the spend protocol: it answers attest, commit and query
// requests of other nodes and submits and queries spends on behalf of the
// local node.
type Service struct {
	streamer p2p.Streamer
	ledger   *Ledger
	view     Membership
	router   *closegroup.Router
	limiter  *ratelimit.Limiter
	logger   logging.Logger
	tracer   *tracing.Tracer
	metrics  metrics

	timeout time.Duration
	poll    time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(streamer p2p.Streamer, ledger *Ledger, view Membership, router *closegroup.Router, logger logging.Logger, tracer *tracing.Tracer, o *Options) *Service {
	if o == nil {
		o = new(Options)
	}
	s := &Service{
		streamer: streamer,
		ledger:   ledger,
		view:     view,
		router:   router,
		logger:   logger,
		tracer:   tracer,
		metrics:  ledger.metrics,
		timeout:  o.Timeout,
		poll:     o.PollInterval,
		quit:     make(chan struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	rate, burst := o.AttestRate, o.AttestBurst
	if rate <= 0 {
		rate = defaultAttestRate
	}
	if burst <= 0 {
		burst = defaultAttestBurst
	}
	s.limiter = ratelimit.New(rate, burst)

	s.wg.Add(1)
	go s.gc()

	return s
}

func (s *Service) Protocol() p2p.ProtocolSpec {
	return p2p.ProtocolSpec{
		Name:    protocolName,
		Version: protocolVersion,
		StreamSpecs: []p2p.StreamSpec{
			{
				Name:    streamAttest,
				Handler: s.attestHandler,
			},
			{
				Name:    streamCommit,
				Handler: s.commitHandler,
			},
			{
				Name:    streamQuery,
				Handler: s.queryHandler,
			},
		},
	}
}

// Ledger returns the local ledger.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// gc periodically drops expired tentative candidates.
func (s *Service) gc() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.ledger.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if n := s.ledger.GC(); n > 0 {
				s.logger.Debugf("spend: expired %d tentative candidates", n)
			}
		}
	}
}

func (s *Service) Close() error {
	close(s.quit)
	s.wg.Wait()
	return nil
}

func (s *Service) attestHandler(ctx context.Context, p p2p.Peer, stream p2p.Stream) (err error) {
	w, r := protobuf.NewWriterAndReader(stream)
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.FullClose()
		}
	}()

	ctx, _ = s.tracer.WithContextFromHeaders(ctx, stream.Headers())

	var req pb.Attest
	if err := r.ReadMsgWithContext(ctx, &req); err != nil {
		return fmt.Errorf("spend: read attest from %s: %w", p.Address, err)
	}
	input := swarm.NewAddress(req.Input)

	span, logger, ctx := s.tracer.StartSpanFromContext(ctx, "spend-attest-handler", s.logger, opentracing.Tag{Key: "input", Value: input.String()})
	defer span.Finish()

	resp := new(pb.AttestResponse)
	res, err := s.handleAttest(p.Address, input, Transaction(req.Tx))
	if err != nil {
		logger.Debugf("spend: attest %s from %s: %v", input, p.Address, err)
		resp.Err = err.Error()
	} else {
		resp = attestResultToPB(res)
	}

	if err := w.WriteMsgWithContext(ctx, resp); err != nil {
		return fmt.Errorf("spend: write attest response to %s: %w", p.Address, err)
	}
	return nil
}

func (s *Service) handleAttest(peer, input swarm.Address, tx Transaction) (AttestResult, error) {
	if err := s.limiter.Allow(peer.ByteString(), 1); err != nil {
		s.metrics.RateLimited.Inc()
		return AttestResult{Status: StatusBusy}, nil
	}
	if !s.router.IsResponsible(input, s.view.Snapshot()) {
		return AttestResult{Status: StatusNotResponsible}, nil
	}
	return s.attestLocal(input, tx)
}

// attestLocal attests with the close group size of the local view.
func (s *Service) attestLocal(input swarm.Address, tx Transaction) (AttestResult, error) {
	group := s.router.CloseGroup(input, s.view.Snapshot())
	return s.ledger.Attest(input, tx, len(group))
}

func (s *Service) commitHandler(ctx context.Context, p p2p.Peer, stream p2p.Stream) (err error) {
	w, r := protobuf.NewWriterAndReader(stream)
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.FullClose()
		}
	}()

	ctx, _ = s.tracer.WithContextFromHeaders(ctx, stream.Headers())

	var req pb.Commit
	if err := r.ReadMsgWithContext(ctx, &req); err != nil {
		return fmt.Errorf("spend: read commit from %s: %w", p.Address, err)
	}
	input := swarm.NewAddress(req.Input)

	span, logger, ctx := s.tracer.StartSpanFromContext(ctx, "spend-commit-handler", s.logger, opentracing.Tag{Key: "input", Value: input.String()})
	defer span.Finish()

	resp := new(pb.CommitResponse)
	rec, err := s.commitLocal(input, Transaction(req.Tx), attestationsFromPB(req.Attestations))
	var dse *DoubleSpendError
	switch {
	case errors.As(err, &dse):
		resp.Status = int32(StatusDoubleSpend)
		resp.Record = recordToPB(dse.Existing)
	case err != nil:
		logger.Debugf("spend: commit %s from %s: %v", input, p.Address, err)
		resp.Err = err.Error()
	default:
		resp.Status = int32(StatusCommitted)
		resp.Record = recordToPB(rec)
	}

	if err := w.WriteMsgWithContext(ctx, resp); err != nil {
		return fmt.Errorf("spend: write commit response to %s: %w", p.Address, err)
	}
	return nil
}

// commitLocal commits with the attesters and threshold of the local view of
// the close group.
func (s *Service) commitLocal(input swarm.Address, tx Transaction, atts []Attestation) (*Record, error) {
	group := s.router.CloseGroup(input, s.view.Snapshot())
	member := func(a swarm.Address) bool {
		for _, p := range group {
			if p.Address.Equal(a) {
				return true
			}
		}
		return false
	}
	return s.ledger.Commit(input, tx, atts, member, closegroup.Majority(len(group)))
}

func (s *Service) queryHandler(ctx context.Context, p p2p.Peer, stream p2p.Stream) (err error) {
	w, r := protobuf.NewWriterAndReader(stream)
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.FullClose()
		}
	}()

	var req pb.Query
	if err := r.ReadMsgWithContext(ctx, &req); err != nil {
		return fmt.Errorf("spend: read query from %s: %w", p.Address, err)
	}
	input := swarm.NewAddress(req.Input)

	resp := new(pb.QueryResponse)
	rec, err := s.ledger.Get(input)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if rec != nil {
		resp.Record = recordToPB(rec)
	}
	attempts, err := s.ledger.Attempts(input)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, &pb.Attempt{Tx: a.Tx, Seen: a.Seen.UnixNano()})
	}

	if err := w.WriteMsgWithContext(ctx, resp); err != nil {
		return fmt.Errorf("spend: write query response to %s: %w", p.Address, err)
	}
	return nil
}

func (s *Service) newStream(ctx context.Context, peer swarm.Address, name string) (p2p.Stream, error) {
	headers := make(p2p.Headers)
	_ = s.tracer.AddContextHeader(ctx, headers)
	stream, err := s.streamer.NewStream(ctx, peer, headers, protocolName, protocolVersion, name)
	if err != nil {
		return nil, fmt.Errorf("new stream to %s: %w", peer, err)
	}
	return stream, nil
}

// attest asks a single member, the local node is answered by the ledger.
func (s *Service) attest(ctx context.Context, peer, input swarm.Address, tx Transaction) (res AttestResult, err error) {
	if peer.Equal(s.ledger.self) {
		return s.attestLocal(input, tx)
	}

	stream, err := s.newStream(ctx, peer, streamAttest)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			go stream.FullClose()
		}
	}()

	w, r := protobuf.NewWriterAndReader(stream)
	if err := w.WriteMsgWithContext(ctx, &pb.Attest{Input: input.Bytes(), Tx: tx}); err != nil {
		return res, fmt.Errorf("write attest to %s: %w", peer, err)
	}
	var resp pb.AttestResponse
	if err := r.ReadMsgWithContext(ctx, &resp); err != nil {
		return res, fmt.Errorf("read attest response from %s: %w", peer, err)
	}
	if resp.Err != "" {
		return res, fmt.Errorf("attest at %s: %s", peer, resp.Err)
	}
	return attestResultFromPB(&resp), nil
}

// commit sends the commit to a single member.
func (s *Service) commit(ctx context.Context, peer, input swarm.Address, tx Transaction, atts []Attestation) (rec *Record, err error) {
	if peer.Equal(s.ledger.self) {
		return s.commitLocal(input, tx, atts)
	}

	stream, err := s.newStream(ctx, peer, streamCommit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			go stream.FullClose()
		}
	}()

	w, r := protobuf.NewWriterAndReader(stream)
	if err := w.WriteMsgWithContext(ctx, &pb.Commit{Input: input.Bytes(), Tx: tx, Attestations: attestationsToPB(atts)}); err != nil {
		return nil, fmt.Errorf("write commit to %s: %w", peer, err)
	}
	var resp pb.CommitResponse
	if err := r.ReadMsgWithContext(ctx, &resp); err != nil {
		return nil, fmt.Errorf("read commit response from %s: %w", peer, err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("commit at %s: %s", peer, resp.Err)
	}
	rec = recordFromPB(resp.Record)
	if rec == nil {
		return nil, fmt.Errorf("commit at %s: no record", peer)
	}
	if AttestStatus(resp.Status) == StatusDoubleSpend {
		return nil, &DoubleSpendError{Existing: rec, Attempted: tx.ID()}
	}
	return rec, nil
}

// query asks a single member for its record and attempt log.
func (s *Service) query(ctx context.Context, peer, input swarm.Address) (rec *Record, attempts []Attempt, err error) {
	if peer.Equal(s.ledger.self) {
		rec, err = s.ledger.Get(input)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}
		attempts, err = s.ledger.Attempts(input)
		return rec, attempts, err
	}

	stream, err := s.newStream(ctx, peer, streamQuery)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = stream.Reset()
		} else {
			go stream.FullClose()
		}
	}()

	w, r := protobuf.NewWriterAndReader(stream)
	if err := w.WriteMsgWithContext(ctx, &pb.Query{Input: input.Bytes()}); err != nil {
		return nil, nil, fmt.Errorf("write query to %s: %w", peer, err)
	}
	var resp pb.QueryResponse
	if err := r.ReadMsgWithContext(ctx, &resp); err != nil {
		return nil, nil, fmt.Errorf("read query response from %s: %w", peer, err)
	}
	for _, a := range resp.Attempts {
		attempts = append(attempts, Attempt{Tx: a.Tx, Seen: time.Unix(0, a.Seen)})
	}
	return recordFromPB(resp.Record), attempts, nil
}

type attestOutcome struct {
	peer        swarm.Address
	attestation *Attestation
	existing    *Record
	err         error
}

// SubmitSpend asks the close group of input to commit tx as its spend and
// returns the committed record. The submission fails with a
// *DoubleSpendError if another transaction is committed, with
// ErrQuorumNotReached if too few members are reachable and with
// ErrQuorumTimeout if no decision is reached in time.
func (s *Service) SubmitSpend(ctx context.Context, input swarm.Address, tx Transaction) (rec *Record, err error) {
	if err := validate(input, tx); err != nil {
		return nil, err
	}
	txID := tx.ID()

	span, logger, ctx := s.tracer.StartSpanFromContext(ctx, "spend-submit", s.logger, opentracing.Tag{Key: "input", Value: input.String()})
	defer span.Finish()

	start := time.Now()
	s.metrics.Submitted.Inc()
	defer func() {
		s.metrics.SubmitTime.Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.SubmitFailed.Inc()
		}
	}()

	group := s.router.CloseGroup(input, s.view.Snapshot())
	threshold := closegroup.Majority(len(group))

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	atts, err := s.collectAttestations(timeoutCtx, ctx, group, threshold, input, tx)
	if err != nil {
		logger.Debugf("spend: submit %s for input %s: %v", txID, input, err)
		return nil, err
	}

	rec, err = s.commitToGroup(timeoutCtx, ctx, group, threshold, input, tx, atts)
	if err != nil {
		logger.Debugf("spend: commit %s for input %s: %v", txID, input, err)
		return nil, err
	}
	logger.Debugf("spend: submitted %s for input %s", txID, input)
	return rec, nil
}

// collectAttestations fans the attest request out to the group and returns
// once a strict majority attested.
func (s *Service) collectAttestations(ctx, parent context.Context, group []membership.Peer, threshold int, input swarm.Address, tx Transaction) ([]Attestation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan attestOutcome, len(group))
	for _, p := range group {
		go func(peer swarm.Address) {
			outcomes <- s.attestUntilDecided(ctx, peer, input, tx)
		}(p.Address)
	}

	var (
		atts   []Attestation
		failed int
		errs   *multierror.Error
	)
	for range group {
		var o attestOutcome
		select {
		case o = <-outcomes:
		case <-ctx.Done():
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			s.metrics.QuorumTimeouts.Inc()
			return nil, ErrQuorumTimeout
		}

		switch {
		case o.existing != nil:
			return nil, &DoubleSpendError{Existing: o.existing, Attempted: tx.ID()}
		case o.err != nil:
			failed++
			errs = multierror.Append(errs, o.err)
		default:
			atts = append(atts, *o.attestation)
		}

		if len(atts) >= threshold {
			return atts, nil
		}
		if len(group)-failed < threshold {
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.metrics.QuorumTimeouts.Inc()
				return nil, ErrQuorumTimeout
			}
			return nil, fmt.Errorf("%d of %d members failed: %v: %w", failed, len(group), errs.ErrorOrNil(), ErrQuorumNotReached)
		}
	}
	return nil, ErrQuorumNotReached
}

// attestUntilDecided asks a member until it attests tx or proves that
// another transaction is committed. A member holding a conflicting candidate
// is asked again since the candidate may expire or commit.
func (s *Service) attestUntilDecided(ctx context.Context, peer, input swarm.Address, tx Transaction) attestOutcome {
	txID := tx.ID()
	for {
		res, err := s.attest(ctx, peer, input, tx)
		if err != nil {
			return attestOutcome{peer: peer, err: err}
		}

		switch res.Status {
		case StatusAttested, StatusCommitted:
			a := res.Attestation
			if a == nil {
				return attestOutcome{peer: peer, err: fmt.Errorf("no attestation from %s: %w", peer, ErrInvalidAttestation)}
			}
			if err := a.Verify(input, txID); err != nil {
				return attestOutcome{peer: peer, err: err}
			}
			if !a.Attester.Equal(peer) {
				return attestOutcome{peer: peer, err: fmt.Errorf("attestation of %s from %s: %w", a.Attester, peer, ErrInvalidAttestation)}
			}
			return attestOutcome{peer: peer, attestation: a}
		case StatusDoubleSpend:
			rec := res.Existing
			if rec == nil || !rec.Input.Equal(input) {
				return attestOutcome{peer: peer, err: fmt.Errorf("double spend without evidence from %s", peer)}
			}
			if err := rec.Verify(); err != nil {
				return attestOutcome{peer: peer, err: fmt.Errorf("double spend evidence from %s: %w", peer, err)}
			}
			return attestOutcome{peer: peer, existing: rec}
		case StatusConflict, StatusBusy:
			s.metrics.Polls.Inc()
			select {
			case <-ctx.Done():
				return attestOutcome{peer: peer, err: ctx.Err()}
			case <-time.After(s.poll):
			}
		default:
			return attestOutcome{peer: peer, err: fmt.Errorf("attest at %s: %s", peer, res.Status)}
		}
	}
}

// commitToGroup sends the commit to every member and returns the record once
// a strict majority committed it. If a member reports another committed
// transaction, the remaining answers are awaited so the returned
// *DoubleSpendError tells whether some members committed tx regardless.
func (s *Service) commitToGroup(ctx, parent context.Context, group []membership.Peer, threshold int, input swarm.Address, tx Transaction, atts []Attestation) (*Record, error) {
	type result struct {
		rec *Record
		err error
	}
	results := make(chan result, len(group))
	for _, p := range group {
		go func(peer swarm.Address) {
			rec, err := s.commit(ctx, peer, input, tx, atts)
			results <- result{rec: rec, err: err}
		}(p.Address)
	}

	var (
		committed *Record
		conflict  *DoubleSpendError
		acks      int
		failed    int
		errs      *multierror.Error
	)
	for i := range group {
		var r result
		select {
		case r = <-results:
		case <-ctx.Done():
			if conflict != nil {
				return nil, s.conflict(input, conflict, committed, acks, len(group)-i)
			}
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			s.metrics.QuorumTimeouts.Inc()
			return nil, ErrQuorumTimeout
		}

		var dse *DoubleSpendError
		switch {
		case errors.As(r.err, &dse):
			if conflict == nil {
				conflict = dse
			}
		case r.err != nil:
			failed++
			errs = multierror.Append(errs, r.err)
		default:
			acks++
			if committed == nil || len(r.rec.Attestations) > len(committed.Attestations) {
				committed = r.rec
			}
		}

		if conflict != nil {
			continue
		}
		if acks >= threshold {
			return committed, nil
		}
		if len(group)-failed < threshold {
			return nil, fmt.Errorf("commit: %d of %d members failed: %v: %w", failed, len(group), errs.ErrorOrNil(), ErrQuorumNotReached)
		}
	}
	if conflict != nil {
		return nil, s.conflict(input, conflict, committed, acks, 0)
	}
	return nil, ErrQuorumNotReached
}

// conflict reports a commit that met another committed transaction.
func (s *Service) conflict(input swarm.Address, dse *DoubleSpendError, committed *Record, acks, pending int) error {
	if acks == 0 {
		return dse
	}
	s.metrics.ConflictingCommits.Inc()
	s.logger.Errorf("spend: input %s committed as %s by %d members and as %s elsewhere, %d answers pending", input, dse.Attempted, acks, dse.Existing.TxID(), pending)
	return &DoubleSpendError{Existing: dse.Existing, Attempted: dse.Attempted, Partial: committed}
}

// GetSpend returns the record that a strict majority of the close group of
// input holds, together with the conflicting attempts any member logged.
// It returns storage.ErrNotFound if a majority holds no record.
func (s *Service) GetSpend(ctx context.Context, input swarm.Address) (*Record, []Attempt, error) {
	if !input.IsValid() {
		return nil, nil, fmt.Errorf("input address: %w", ErrInvalidTransaction)
	}

	group := s.router.CloseGroup(input, s.view.Snapshot())
	threshold := closegroup.Majority(len(group))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		rec      *Record
		attempts []Attempt
		err      error
	}
	results := make(chan result, len(group))
	for _, p := range group {
		go func(peer swarm.Address) {
			rec, attempts, err := s.query(ctx, peer, input)
			results <- result{rec: rec, attempts: attempts, err: err}
		}(p.Address)
	}

	var (
		votes    = make(map[string]int)
		records  = make(map[string]*Record)
		notFound int
		failed   int
		attempts = make(map[string]Attempt)
	)
	for range group {
		var r result
		select {
		case r = <-results:
		case <-ctx.Done():
			return nil, nil, ErrQuorumTimeout
		}
		switch {
		case r.err != nil:
			failed++
			continue
		case r.rec == nil:
			notFound++
		default:
			k := r.rec.TxID().ByteString()
			votes[k]++
			if prev, ok := records[k]; !ok || len(r.rec.Attestations) > len(prev.Attestations) {
				records[k] = r.rec
			}
		}
		for _, a := range r.attempts {
			attempts[a.Tx.ID().ByteString()] = a
		}
	}

	var list []Attempt
	for _, a := range attempts {
		list = append(list, a)
	}
	for k, n := range votes {
		if n < threshold {
			continue
		}
		rec := records[k]
		if err := rec.Verify(); err != nil {
			return nil, nil, err
		}
		return rec, list, nil
	}
	if notFound >= threshold {
		return nil, list, storage.ErrNotFound
	}
	return nil, list, fmt.Errorf("%d records, %d not found, %d failed: %w", len(votes), notFound, failed, ErrQuorumNotReached)
}
