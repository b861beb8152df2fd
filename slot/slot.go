// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package slot owns one numbered consensus instance: the nomination and
// ballot records live here, inbound envelopes are dispatched to the right
// subprotocol, and every local state advance is rendered into a signed
// envelope handed to the herder for broadcast.
package slot

import (
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/scp/ballot"
	"github.com/luxfi/scp/crypto"
	"github.com/luxfi/scp/nomination"
	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/scheduler"
	"github.com/luxfi/scp/types"
)

const (
	taskNomination = "nomination"
	taskBallot     = "ballot"
)

// Herder is the driver-facing surface the slot consumes; the herder facade
// implements it on top of the application.
type Herder interface {
	CombineCandidates(values []types.Value) (types.Value, bool)
	ValidateValue(v types.Value, isNomination bool) types.ValidationLevel
	ExtractValidValue(v types.Value) (types.Value, bool)
	GetQuorumSet(nodeID ids.NodeID) (*quorum.Set, bool)
	ComputeTimeout(round uint64) time.Duration
	EmitEnvelope(env *types.Envelope)
	ValueExternalized(slot uint64, v types.Value)
}

// Slot is the per-index consensus driver.
type Slot struct {
	log      log.Logger
	index    uint64
	local    *quorum.Local
	qsetHash ids.ID

	herder Herder
	sched  *scheduler.Scheduler
	signer crypto.Signer

	nom *nomination.Protocol
	bal *ballot.Protocol

	lastNomination *types.Envelope
	lastBallot     *types.Envelope

	externalizedValue types.Value
	fullyValidated    bool
}

// New creates the slot for [index].
func New(
	logger log.Logger,
	index uint64,
	local *quorum.Local,
	herder Herder,
	sched *scheduler.Scheduler,
	signer crypto.Signer,
) *Slot {
	s := &Slot{
		log:      logger,
		index:    index,
		local:    local,
		qsetHash: local.QSet.Hash(),
		herder:   herder,
		sched:    sched,
		signer:   signer,
	}
	s.nom = nomination.New(logger, index, s)
	s.bal = ballot.New(logger, index, s)
	return s
}

// Index returns the slot number.
func (s *Slot) Index() uint64 {
	return s.index
}

// Nominate proposes [value]; the previous slot's externalized value seeds the
// priority hash that ranks values adopted from round leaders, while the
// leader set itself does not depend on it. Returns whether the nomination
// state advanced.
func (s *Slot) Nominate(value, previousValue types.Value) bool {
	if s.bal.Externalized() {
		return false
	}
	return s.nom.Nominate(value, previousValue)
}

// RecvEnvelope dispatches a fully resolved inbound envelope. It returns
// whether the envelope advanced or was at least recorded by the targeted
// subprotocol; discarded (stale, malformed) envelopes return false.
func (s *Slot) RecvEnvelope(env *types.Envelope) bool {
	if env.SlotIndex != s.index {
		return false
	}
	switch env.Statement.Type() {
	case types.StatementNominate:
		return s.nom.ProcessEnvelope(env)
	default:
		return s.bal.ProcessEnvelope(env)
	}
}

// Externalized reports whether this slot has decided.
func (s *Slot) Externalized() bool {
	return s.bal.Externalized()
}

// ExternalizedValue returns the decided value once Externalized.
func (s *Slot) ExternalizedValue() (types.Value, bool) {
	if !s.bal.Externalized() {
		return nil, false
	}
	return s.externalizedValue, true
}

// IsFullyValidated reports whether the slot externalized a value the
// application validated fully.
func (s *Slot) IsFullyValidated() bool {
	return s.fullyValidated
}

// LatestEnvelopes returns the node's own latest nomination and ballot
// envelopes, the slot's externally visible snapshot.
func (s *Slot) LatestEnvelopes() []*types.Envelope {
	var out []*types.Envelope
	if s.lastNomination != nil {
		out = append(out, s.lastNomination)
	}
	if s.lastBallot != nil {
		out = append(out, s.lastBallot)
	}
	return out
}

// NominationState and BallotState expose the records for tests and
// introspection endpoints.
func (s *Slot) NominationState() *nomination.State {
	return s.nom.State()
}

func (s *Slot) BallotState() *ballot.State {
	return s.bal.State()
}

// ---- nomination.Driver ---------------------------------------------------

func (s *Slot) Local() *quorum.Local {
	return s.local
}

func (s *Slot) NodeQuorumSet(nodeID ids.NodeID) (*quorum.Set, bool) {
	if nodeID == s.local.NodeID {
		return s.local.QSet, true
	}
	return s.herder.GetQuorumSet(nodeID)
}

func (s *Slot) ValidateValue(v types.Value) types.ValidationLevel {
	return s.herder.ValidateValue(v, true)
}

func (s *Slot) ExtractValidValue(v types.Value) (types.Value, bool) {
	return s.herder.ExtractValidValue(v)
}

func (s *Slot) CombineCandidates(candidates []types.Value) (types.Value, bool) {
	return s.herder.CombineCandidates(candidates)
}

func (s *Slot) TimeoutForRound(round uint64) time.Duration {
	return s.herder.ComputeTimeout(round)
}

func (s *Slot) ScheduleRound(round uint64, d time.Duration) {
	token := scheduler.Token{Slot: s.index, Kind: taskNomination}
	s.sched.Cancel(token)
	s.sched.ScheduleAfter(d, token, func() {
		s.nom.HandleRoundTimeout()
	})
}

// EmitNomination renders, signs and broadcasts the nomination statement,
// then feeds it back through the protocol so the local node's own vote
// participates in federated voting.
func (s *Slot) EmitNomination() {
	st := s.nom.State()
	stmt := &types.Nominate{
		QSetHash: s.qsetHash,
		Votes:    append([]types.Value(nil), st.Votes.List()...),
		Accepted: append([]types.Value(nil), st.Accepted.List()...),
	}
	if s.lastNomination != nil && !types.IsNewerStatement(s.lastNomination.Statement, stmt) {
		return
	}
	env, ok := s.sign(stmt)
	if !ok {
		return
	}
	s.lastNomination = env
	s.herder.EmitEnvelope(env)
	s.nom.ProcessEnvelope(env)
}

func (s *Slot) CompositeUpdated(composite types.Value) {
	s.bal.BumpState(composite)
}

// ---- ballot.Driver -------------------------------------------------------

func (s *Slot) TimeoutForCounter(counter uint64) time.Duration {
	return s.herder.ComputeTimeout(counter)
}

func (s *Slot) StartTimer(counter uint32, d time.Duration) {
	token := scheduler.Token{Slot: s.index, Kind: taskBallot}
	s.sched.Cancel(token)
	s.sched.ScheduleAfter(d, token, func() {
		s.bal.HandleTimerFire()
	})
}

func (s *Slot) StopTimer() {
	s.sched.Cancel(scheduler.Token{Slot: s.index, Kind: taskBallot})
}

// Emit renders, signs and broadcasts the current ballot statement if it
// strictly advanced, then feeds it back through the protocol.
func (s *Slot) Emit() {
	stmt, ok := s.bal.BuildStatement(s.qsetHash)
	if !ok {
		return
	}
	if s.lastBallot != nil && !types.IsNewerStatement(s.lastBallot.Statement, stmt) {
		return
	}
	env, ok := s.sign(stmt)
	if !ok {
		return
	}
	s.lastBallot = env
	s.herder.EmitEnvelope(env)
	s.bal.ProcessEnvelope(env)
}

func (s *Slot) ValueExternalized(value types.Value) {
	s.externalizedValue = value
	s.fullyValidated = s.herder.ValidateValue(value, false) == types.ValidationFully
	s.sched.CancelSlot(s.index)
	s.log.Info("slot externalized",
		zap.Uint64("slot", s.index),
		zap.Stringer("value", value.Hash()),
		zap.Bool("fullyValidated", s.fullyValidated),
	)
	s.herder.ValueExternalized(s.index, value)
}

func (s *Slot) StopNomination() {
	s.nom.StopNomination()
	s.sched.Cancel(scheduler.Token{Slot: s.index, Kind: taskNomination})
}

func (s *Slot) sign(stmt types.Statement) (*types.Envelope, bool) {
	env := &types.Envelope{
		SlotIndex: s.index,
		NodeID:    s.local.NodeID,
		Statement: stmt,
	}
	sig, err := s.signer.Sign(env.SignableBytes())
	if err != nil {
		s.log.Error("envelope signing failed",
			zap.Uint64("slot", s.index),
			zap.Error(err),
		)
		return nil, false
	}
	env.Signature = sig
	return env, true
}
