// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package nomination implements the per-slot nomination subprotocol: nodes
// vote for values, federated-accept them, and once a quorum accepts a value
// it becomes a candidate. Candidates are combined into the composite value
// handed to the ballot subprotocol.
package nomination

import (
	"bytes"
	"sort"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"go.uber.org/zap"

	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/types"
	"github.com/luxfi/scp/voting"
)

// Driver is the surface the slot driver exposes to the nomination protocol.
type Driver interface {
	// Local returns the local node id and quorum set.
	Local() *quorum.Local

	// NodeQuorumSet resolves a peer's quorum set from its statement hash.
	NodeQuorumSet(nodeID ids.NodeID) (*quorum.Set, bool)

	// ValidateValue is the application's verdict on [v].
	ValidateValue(v types.Value) types.ValidationLevel

	// ExtractValidValue strips invalid components from [v].
	ExtractValidValue(v types.Value) (types.Value, bool)

	// CombineCandidates folds the candidate set into one composite value.
	CombineCandidates(candidates []types.Value) (types.Value, bool)

	// TimeoutForRound returns the escalation timer for [round].
	TimeoutForRound(round uint64) time.Duration

	// ScheduleRound arms the round-escalation timer.
	ScheduleRound(round uint64, d time.Duration)

	// EmitNomination tells the slot the nomination state advanced; the slot
	// builds, signs and broadcasts the statement.
	EmitNomination()

	// CompositeUpdated hands the (re)combined composite candidate to the
	// ballot subprotocol.
	CompositeUpdated(composite types.Value)
}

// State is the per-slot nomination record.
type State struct {
	RoundNumber uint64
	Votes       types.ValueSet
	Accepted    types.ValueSet
	Candidates  types.ValueSet

	// LatestNominations holds the newest nomination envelope per peer,
	// the local node included once it has emitted.
	LatestNominations map[ids.NodeID]*types.Envelope

	RoundLeaders set.Set[ids.NodeID]

	Started         bool
	LatestComposite types.Value
	PreviousValue   types.Value

	NumTimeouts uint64
	TimedOut    bool

	// lastValue is the caller-supplied value re-proposed on round timeout.
	lastValue types.Value
}

// Protocol drives one slot's nomination.
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
			LatestNominations: make(map[ids.NodeID]*types.Envelope),
			RoundLeaders:      set.NewSet[ids.NodeID](4),
		},
	}
}

// State exposes the record for statement building and inspection. The slot
// driver is the only caller; it never leaks mutable aliases.
func (p *Protocol) State() *State {
	return &p.state
}

// Nominate starts or escalates nomination with the caller-supplied [value].
// Returns whether the state changed.
func (p *Protocol) Nominate(value, previousValue types.Value) bool {
	st := &p.state
	if st.Candidates.Len() > 0 {
		// A candidate is locked in; rounds stop mattering.
		return false
	}
	if st.TimedOut && !st.Started {
		return false
	}
	if st.TimedOut {
		st.NumTimeouts++
	}

	st.Started = true
	st.PreviousValue = previousValue
	st.lastValue = value
	st.RoundNumber++

	p.updateRoundLeaders()

	updated := false
	local := p.driver.Local()

	// Adopt the strongest value each round leader is nominating.
	for _, leader := range st.RoundLeaders.List() {
		env, ok := st.LatestNominations[leader]
		if !ok {
			continue
		}
		if v, ok := p.newValueFromNomination(env); ok && st.Votes.Add(v) {
			updated = true
		}
	}

	// If we lead the round and nothing has been adopted, propose our own.
	if st.RoundLeaders.Contains(local.NodeID) && st.Votes.Len() == 0 {
		if v, ok := p.validValue(value); ok && st.Votes.Add(v) {
			updated = true
		}
	}

	timeout := p.driver.TimeoutForRound(st.RoundNumber)
	p.driver.ScheduleRound(st.RoundNumber, timeout)

	if updated {
		p.driver.EmitNomination()
	} else {
		p.log.Debug("nomination round skipped",
			zap.Uint64("slot", p.slotIndex),
			zap.Uint64("round", st.RoundNumber),
		)
	}
	return updated
}

// HandleRoundTimeout marks the round timed out and re-enters nomination with
// the previously supplied value.
func (p *Protocol) HandleRoundTimeout() {
	st := &p.state
	if !st.Started {
		// StopNomination already ran; the stale timer is a no-op.
		return
	}
	st.TimedOut = true
	p.Nominate(st.lastValue, st.PreviousValue)
}

// StopNomination halts further rounds; fired timers become no-ops.
func (p *Protocol) StopNomination() {
	p.state.Started = false
}

// RecordOwnEnvelope registers the envelope the slot just emitted for the
// local node so it participates in federated voting.
func (p *Protocol) RecordOwnEnvelope(env *types.Envelope) {
	p.state.LatestNominations[env.NodeID] = env
}

// ProcessEnvelope applies a peer's nomination statement. It returns whether
// the envelope was recorded; stale or shrinking statements return false.
func (p *Protocol) ProcessEnvelope(env *types.Envelope) bool {
	st := &p.state
	stmt, ok := env.Statement.(*types.Nominate)
	if !ok {
		return false
	}

	if old, ok := st.LatestNominations[env.NodeID]; ok {
		oldStmt := old.Statement.(*types.Nominate)
		if !supersedes(stmt, oldStmt) {
			p.log.Debug("discarding stale nomination",
				zap.Uint64("slot", p.slotIndex),
				zap.Stringer("nodeID", env.NodeID),
			)
			return false
		}
	}
	st.LatestNominations[env.NodeID] = env

	changed := false
	for _, v := range append(append([]types.Value{}, stmt.Votes...), stmt.Accepted...) {
		if p.advanceValue(v) {
			changed = true
		}
	}
	if changed {
		p.driver.EmitNomination()
	}
	return true
}

// advanceValue runs the federated-voting ladder for one value.
func (p *Protocol) advanceValue(v types.Value) bool {
	st := &p.state
	local := p.driver.Local()
	changed := false

	if !st.Accepted.Contains(v) {
		accept := voting.Accept(
			local,
			st.LatestNominations,
			p.driver.NodeQuorumSet,
			func(s types.Statement) bool {
				n, ok := s.(*types.Nominate)
				return ok && n.VotesOrAccepted(v)
			},
			func(s types.Statement) bool {
				n, ok := s.(*types.Nominate)
				return ok && n.AcceptsValue(v)
			},
		)
		if accept {
			vv, ok := p.validValue(v)
			if ok {
				if st.Accepted.Add(vv) {
					changed = true
				}
				if st.Votes.Add(vv) {
					changed = true
				}
			}
		}
	}

	if st.Accepted.Contains(v) && !st.Candidates.Contains(v) {
		confirmed := voting.Confirm(
			local,
			st.LatestNominations,
			p.driver.NodeQuorumSet,
			func(s types.Statement) bool {
				n, ok := s.(*types.Nominate)
				return ok && n.AcceptsValue(v)
			},
		)
		if confirmed {
			st.Candidates.Add(v)
			changed = true
			p.log.Debug("candidate confirmed",
				zap.Uint64("slot", p.slotIndex),
				zap.Stringer("value", v.Hash()),
			)
			if composite, ok := p.driver.CombineCandidates(st.Candidates.List()); ok {
				st.LatestComposite = composite
				p.driver.CompositeUpdated(composite)
			}
		}
	}
	return changed
}

func (p *Protocol) validValue(v types.Value) (types.Value, bool) {
	switch p.driver.ValidateValue(v) {
	case types.ValidationFully:
		return v, true
	default:
		return p.driver.ExtractValidValue(v)
	}
}

// newValueFromNomination picks the leader's strongest value under the
// (previous value, round) priority hash.
func (p *Protocol) newValueFromNomination(env *types.Envelope) (types.Value, bool) {
	stmt := env.Statement.(*types.Nominate)
	st := &p.state

	var best types.Value
	var bestPriority uint64
	found := false
	consider := func(v types.Value) {
		vv, ok := p.validValue(v)
		if !ok || st.Votes.Contains(vv) {
			return
		}
		pr := valuePriority(st.PreviousValue, st.RoundNumber, vv)
		if !found || pr > bestPriority || (pr == bestPriority && vv.Compare(best) < 0) {
			best = vv
			bestPriority = pr
			found = true
		}
	}
	for _, v := range stmt.Votes {
		consider(v)
	}
	for _, v := range stmt.Accepted {
		consider(v)
	}
	return best, found
}

// updateRoundLeaders recomputes the deterministic leader set: peers ranked
// by aggregate slice weight, the shortest prefix whose cumulative weight
// reaches the round-scaled threshold. The set widens to everyone as rounds
// escalate.
func (p *Protocol) updateRoundLeaders() {
	st := &p.state
	local := p.driver.Local()
	weights, total := local.QSet.Weights()
	if total == 0 {
		return
	}

	nodes := make([]ids.NodeID, 0, len(weights))
	for nodeID := range weights {
		nodes = append(nodes, nodeID)
	}
	sort.Slice(nodes, func(i, j int) bool {
		wi, wj := weights[nodes[i]], weights[nodes[j]]
		if wi != wj {
			return wi > wj
		}
		return bytes.Compare(nodes[i].Bytes(), nodes[j].Bytes()) < 0
	})

	n := uint64(len(nodes))
	round := st.RoundNumber
	if round > n {
		round = n
	}
	threshold := total * round / n

	leaders := set.NewSet[ids.NodeID](int(round))
	var cum uint64
	for _, nodeID := range nodes {
		leaders.Add(nodeID)
		cum += weights[nodeID]
		if cum >= threshold {
			break
		}
	}
	st.RoundLeaders = leaders

	p.log.Verbo("round leaders updated",
		zap.Uint64("slot", p.slotIndex),
		zap.Uint64("round", st.RoundNumber),
		zap.Int("numLeaders", leaders.Len()),
	)
}

// valuePriority is the deterministic per-round ranking hash for leader value
// adoption.
func valuePriority(previousValue types.Value, round uint64, v types.Value) uint64 {
	pk := &types.Packer{}
	pk.PackBytes(previousValue)
	pk.PackLong(round)
	pk.PackBytes(v)
	h := types.Value(pk.Bytes).Hash()
	var pr uint64
	for i := 0; i < 8; i++ {
		pr = pr<<8 | uint64(h[i])
	}
	return pr
}

// supersedes reports whether [b] strictly grows [a]'s vote or accept sets
// without shrinking either.
func supersedes(b, a *types.Nominate) bool {
	return types.IsNewerStatement(a, b)
}
