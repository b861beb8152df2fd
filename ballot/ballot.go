// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ballot implements the per-slot ballot subprotocol: the
// PREPARE / CONFIRM / EXTERNALIZE state machine that turns a composite
// candidate from nomination into an irreversibly agreed value. Every
// transition is monotone; the slot driver re-emits the node's statement
// after each advance.
package ballot

import (
	"errors"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/types"
)

// Phase is the ballot state machine phase. Transitions only ever move
// forward.
type Phase uint8

const (
	PhasePrepare Phase = iota
	PhaseConfirm
	PhaseExternalize
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "PREPARE"
	case PhaseConfirm:
		return "CONFIRM"
	case PhaseExternalize:
		return "EXTERNALIZE"
	default:
		return "INVALID"
	}
}

var (
	errPreparedOrder = errors.New("prepared' must be below and incompatible with prepared")
	errCommitRange   = errors.New("commit must be within high and current")
)

// Driver is the surface the slot driver exposes to the ballot protocol.
type Driver interface {
	Local() *quorum.Local
	NodeQuorumSet(nodeID ids.NodeID) (*quorum.Set, bool)

	// TimeoutForCounter returns the ballot timer duration for [counter].
	TimeoutForCounter(counter uint64) time.Duration

	// StartTimer arms (or re-arms) the ballot timer.
	StartTimer(counter uint32, d time.Duration)

	// StopTimer cancels any armed ballot timer.
	StopTimer()

	// Emit tells the slot the ballot state advanced.
	Emit()

	// ValueExternalized reports the decided value; fired exactly once.
	ValueExternalized(value types.Value)

	// StopNomination halts the nomination subprotocol once a commit is
	// confirmed.
	StopNomination()
}

// State is the per-slot ballot record. Field names follow the protocol:
// current (b), prepared (p), preparedPrime (p'), high (h), commit (c).
type State struct {
	Phase         Phase
	Current       *types.Ballot
	Prepared      *types.Ballot
	PreparedPrime *types.Ballot
	High          *types.Ballot
	Commit        *types.Ballot

	// LatestEnvelopes holds the newest ballot envelope per peer, the local
	// node included once it has emitted.
	LatestEnvelopes map[ids.NodeID]*types.Envelope

	// ValueOverride (z) is the value used when the ballot must be bumped
	// and no confirmed-prepared value constrains the choice.
	ValueOverride types.Value

	HeardFromQuorum bool

	timerArmed bool
}

// Protocol drives one slot's balloting.
type Protocol struct {
	log       log.Logger
	slotIndex uint64
	driver    Driver
	state     State
}

func New(logger log.Logger, slotIndex uint64, driver Driver) *Protocol {
	return &Protocol{
		log:       logger,
		slotIndex: slotIndex,
		driver:    driver,
		state: State{
			Phase:           PhasePrepare,
			LatestEnvelopes: make(map[ids.NodeID]*types.Envelope),
		},
	}
}

// State exposes the record for statement building and inspection.
func (p *Protocol) State() *State {
	return &p.state
}

// Externalized reports whether the slot has reached EXTERNALIZE.
func (p *Protocol) Externalized() bool {
	return p.state.Phase == PhaseExternalize
}

// BumpState seeds the ballot protocol with a (new) composite value from
// nomination. The first call starts ballot (1, value); later calls only
// refresh the value used for future counter bumps.
func (p *Protocol) BumpState(value types.Value) bool {
	st := &p.state
	if st.Phase == PhaseExternalize {
		return false
	}
	st.ValueOverride = value
	if st.Current != nil {
		return false
	}

	b := types.Ballot{Counter: 1, Value: value}
	if st.High != nil {
		b = types.Ballot{Counter: st.High.Counter, Value: st.High.Value}
	}
	if !p.updateCurrent(b) {
		return false
	}
	p.emit()
	return true
}

// RecordOwnEnvelope registers the envelope the slot just emitted for the
// local node so it participates in federated voting.
func (p *Protocol) RecordOwnEnvelope(env *types.Envelope) {
	p.state.LatestEnvelopes[env.NodeID] = env
}

// ProcessEnvelope applies a peer's ballot statement and runs the advance
// pipeline. It returns whether the envelope was recorded; stale and
// malformed statements are discarded with no state change.
func (p *Protocol) ProcessEnvelope(env *types.Envelope) bool {
	st := &p.state
	stmt := env.Statement
	if !isBallotStatement(stmt) {
		return false
	}
	if err := statementSane(stmt); err != nil {
		p.log.Debug("discarding malformed ballot statement",
			zap.Uint64("slot", p.slotIndex),
			zap.Stringer("nodeID", env.NodeID),
			zap.Error(err),
		)
		return false
	}
	if old, ok := st.LatestEnvelopes[env.NodeID]; ok {
		if !types.IsNewerStatement(old.Statement, stmt) {
			p.log.Verbo("discarding stale ballot statement",
				zap.Uint64("slot", p.slotIndex),
				zap.Stringer("nodeID", env.NodeID),
			)
			return false
		}
	}
	st.LatestEnvelopes[env.NodeID] = env

	p.advance(stmt)
	return true
}

// advance runs the federated-voting pipeline with [hint] until no more
// progress is made, then re-evaluates the quorum timer.
func (p *Protocol) advance(hint types.Statement) {
	for {
		changed := false
		if p.attemptAcceptPrepared(hint) {
			changed = true
		}
		if p.attemptConfirmPrepared(hint) {
			changed = true
		}
		if p.attemptAcceptCommit(hint) {
			changed = true
		}
		if p.attemptConfirmCommit(hint) {
			changed = true
		}
		if !changed {
			break
		}
	}
	p.attemptBump()
	p.checkHeardFromQuorum()
}

// HandleTimerFire escalates the ballot counter after a full timeout without
// progress.
func (p *Protocol) HandleTimerFire() {
	st := &p.state
	st.timerArmed = false
	if st.Phase != PhasePrepare && st.Phase != PhaseConfirm {
		return
	}
	if st.Current == nil {
		return
	}
	p.abandonBallot(st.Current.Counter + 1)
	p.checkHeardFromQuorum()
}

// abandonBallot bumps the current ballot to counter [n], carrying the best
// known value: the confirmed-prepared value when one exists, else the
// nomination composite.
func (p *Protocol) abandonBallot(n uint32) bool {
	st := &p.state
	value := st.ValueOverride
	if st.High != nil {
		value = st.High.Value
	}
	if value.IsZero() {
		return false
	}
	if !p.updateCurrent(types.Ballot{Counter: n, Value: value}) {
		return false
	}
	p.emit()
	return true
}

// updateCurrent advances the working ballot, never letting the counter
// regress.
func (p *Protocol) updateCurrent(b types.Ballot) bool {
	st := &p.state
	if st.Current != nil {
		if b.Counter < st.Current.Counter {
			return false
		}
		if b.Equal(*st.Current) {
			return false
		}
	}
	counterChanged := st.Current == nil || b.Counter != st.Current.Counter
	st.Current = &b

	if counterChanged {
		// A new counter restarts the quorum wait for the next escalation.
		st.HeardFromQuorum = false
		if st.timerArmed {
			st.timerArmed = false
			p.driver.StopTimer()
		}
	}
	return true
}

// checkHeardFromQuorum arms the ballot timer once a quorum is working at or
// above our counter, per the escalation rule.
func (p *Protocol) checkHeardFromQuorum() {
	st := &p.state
	if st.Current == nil || (st.Phase != PhasePrepare && st.Phase != PhaseConfirm) {
		if st.timerArmed {
			st.timerArmed = false
			p.driver.StopTimer()
		}
		return
	}

	heard := quorum.IsQuorum(
		p.driver.Local(),
		st.LatestEnvelopes,
		p.driver.NodeQuorumSet,
		func(s types.Statement) bool {
			return statementBallotCounter(s) >= st.Current.Counter
		},
	)
	if heard && !st.HeardFromQuorum {
		st.HeardFromQuorum = true
		if !st.timerArmed {
			st.timerArmed = true
			d := p.driver.TimeoutForCounter(uint64(st.Current.Counter))
			p.driver.StartTimer(st.Current.Counter, d)
		}
	}
}

// emit validates the invariants and asks the slot to build and broadcast
// the current statement. An invariant violation is logged and suppresses
// emission rather than spreading a bad statement.
func (p *Protocol) emit() {
	if err := p.invariants(); err != nil {
		p.log.Error("ballot invariant violation; refusing to emit",
			zap.Uint64("slot", p.slotIndex),
			zap.Error(err),
		)
		return
	}
	p.driver.Emit()
}

// invariants checks the standing per-slot ballot invariants.
func (p *Protocol) invariants() error {
	st := &p.state
	if st.Prepared != nil && st.PreparedPrime != nil {
		if !st.PreparedPrime.LessAndIncompatible(*st.Prepared) {
			return errPreparedOrder
		}
	}
	if st.Commit != nil {
		if st.High == nil || st.Current == nil {
			return errCommitRange
		}
		if !st.Commit.LessAndCompatible(*st.High) {
			return errCommitRange
		}
		if st.Phase != PhaseExternalize && st.High.Compare(*st.Current) > 0 {
			return errCommitRange
		}
	}
	return nil
}

// BuildStatement renders the node's current assertion; the slot driver
// attaches the quorum hash, signs and broadcasts it. Returns false until
// the protocol has a working ballot.
func (p *Protocol) BuildStatement(qsetHash ids.ID) (types.Statement, bool) {
	st := &p.state
	if st.Current == nil {
		return nil, false
	}
	switch st.Phase {
	case PhasePrepare:
		stmt := &types.Prepare{
			QSetHash:      qsetHash,
			Ballot:        *st.Current,
			Prepared:      st.Prepared,
			PreparedPrime: st.PreparedPrime,
		}
		if st.Commit != nil {
			stmt.CCounter = st.Commit.Counter
		}
		if st.High != nil {
			stmt.HCounter = st.High.Counter
		}
		return stmt, true
	case PhaseConfirm:
		stmt := &types.Confirm{
			QSetHash: qsetHash,
			Ballot:   *st.Current,
			CCounter: st.Commit.Counter,
			HCounter: st.High.Counter,
		}
		if st.Prepared != nil {
			stmt.PreparedCounter = st.Prepared.Counter
		}
		return stmt, true
	case PhaseExternalize:
		return &types.Externalize{
			CommitQSetHash: qsetHash,
			Commit:         *st.Commit,
			HCounter:       st.High.Counter,
		}, true
	default:
		return nil, false
	}
}

func isBallotStatement(s types.Statement) bool {
	switch s.Type() {
	case types.StatementPrepare, types.StatementConfirm, types.StatementExternalize:
		return true
	default:
		return false
	}
}

// statementSane rejects statements whose fields are internally inconsistent
// before they can poison federated voting.
func statementSane(s types.Statement) error {
	switch st := s.(type) {
	case *types.Prepare:
		if st.Prepared != nil && st.PreparedPrime != nil {
			if !st.PreparedPrime.LessAndIncompatible(*st.Prepared) {
				return errPreparedOrder
			}
		}
		if st.HCounter > st.Ballot.Counter || st.CCounter > st.HCounter {
			return errCommitRange
		}
	case *types.Confirm:
		if st.CCounter > st.HCounter || st.HCounter > st.Ballot.Counter {
			return errCommitRange
		}
		if st.CCounter == 0 {
			return errCommitRange
		}
	case *types.Externalize:
		if st.Commit.Counter == 0 || st.Commit.Counter > st.HCounter {
			return errCommitRange
		}
	}
	return nil
}

// statementBallotCounter is the working counter a statement asserts;
// externalize counts as unbounded.
func statementBallotCounter(s types.Statement) uint32 {
	switch st := s.(type) {
	case *types.Prepare:
		return st.Ballot.Counter
	case *types.Confirm:
		return st.Ballot.Counter
	case *types.Externalize:
		return ^uint32(0)
	default:
		return 0
	}
}
