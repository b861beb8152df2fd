// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ballot

import (
	"sort"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
	"go.uber.org/zap"

	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/types"
	"github.com/luxfi/scp/voting"
)

// counterInterval is a candidate [lo, hi] commit range.
type counterInterval struct {
	lo uint32
	hi uint32
}

// ---- prepared predicates -------------------------------------------------

// votesPrepared reports whether [s] carries a vote to prepare [b]: the
// statement's working ballot covers b with a compatible value. Confirm and
// externalize statements vote to prepare everything compatible.
func votesPrepared(s types.Statement, b types.Ballot) bool {
	switch st := s.(type) {
	case *types.Prepare:
		return b.Counter <= st.Ballot.Counter && b.Compatible(st.Ballot)
	case *types.Confirm:
		return b.Compatible(st.Ballot)
	case *types.Externalize:
		return b.Compatible(st.Commit)
	default:
		return false
	}
}

// acceptsPrepared reports whether [s] asserts b accepted as prepared.
func acceptsPrepared(s types.Statement, b types.Ballot) bool {
	switch st := s.(type) {
	case *types.Prepare:
		if st.Prepared != nil && b.Counter <= st.Prepared.Counter && b.Compatible(*st.Prepared) {
			return true
		}
		return st.PreparedPrime != nil && b.Counter <= st.PreparedPrime.Counter && b.Compatible(*st.PreparedPrime)
	case *types.Confirm:
		// A confirm statement accepts (preparedCounter, ballot.value) and
		// everything below it that is compatible.
		return b.Counter <= st.PreparedCounter && b.Compatible(st.Ballot)
	case *types.Externalize:
		return b.Compatible(st.Commit)
	default:
		return false
	}
}

// ---- commit predicates ---------------------------------------------------

// votesCommit reports whether [s] votes to commit every counter of
// [interval] for [value].
func votesCommit(s types.Statement, value types.Value, interval counterInterval) bool {
	switch st := s.(type) {
	case *types.Prepare:
		return st.CCounter != 0 &&
			value.Equal(st.Ballot.Value) &&
			st.CCounter <= interval.lo && interval.hi <= st.HCounter
	case *types.Confirm:
		return value.Equal(st.Ballot.Value) && st.CCounter <= interval.lo
	case *types.Externalize:
		return value.Equal(st.Commit.Value) && st.Commit.Counter <= interval.lo
	default:
		return false
	}
}

// acceptsCommit reports whether [s] accepts every counter of [interval] as
// committed for [value].
func acceptsCommit(s types.Statement, value types.Value, interval counterInterval) bool {
	switch st := s.(type) {
	case *types.Confirm:
		return value.Equal(st.Ballot.Value) &&
			st.CCounter <= interval.lo && interval.hi <= st.HCounter
	case *types.Externalize:
		return value.Equal(st.Commit.Value) && st.Commit.Counter <= interval.lo
	default:
		return false
	}
}

// ---- accept prepared -----------------------------------------------------

// attemptAcceptPrepared walks the candidate ballots derived from [hint],
// highest first, and accepts the first one federated voting ratifies.
func (p *Protocol) attemptAcceptPrepared(hint types.Statement) bool {
	st := &p.state
	if st.Phase != PhasePrepare && st.Phase != PhaseConfirm {
		return false
	}

	for _, b := range p.prepareCandidates(hint) {
		// Skip ballots that cannot improve p or p'.
		if st.Prepared != nil {
			c := b.Compare(*st.Prepared)
			if c < 0 && !b.Compatible(*st.Prepared) {
				// Could still improve p'.
				if st.PreparedPrime != nil && b.Compare(*st.PreparedPrime) <= 0 {
					continue
				}
			} else if c <= 0 {
				continue
			}
		}
		if st.PreparedPrime != nil && b.Compare(*st.PreparedPrime) <= 0 && b.Compatible(*st.PreparedPrime) {
			continue
		}

		accepted := voting.Accept(
			p.driver.Local(),
			st.LatestEnvelopes,
			p.driver.NodeQuorumSet,
			func(s types.Statement) bool { return votesPrepared(s, b) },
			func(s types.Statement) bool { return acceptsPrepared(s, b) },
		)
		if accepted {
			return p.setAcceptPrepared(b)
		}
	}
	return false
}

// setAcceptPrepared folds [b] into (prepared, prepared') and clears a
// pending commit vote that acceptance just aborted.
func (p *Protocol) setAcceptPrepared(b types.Ballot) bool {
	st := &p.state
	changed := false

	if st.Prepared == nil || st.Prepared.Compare(b) < 0 {
		if st.Prepared != nil && !st.Prepared.Compatible(b) {
			st.PreparedPrime = st.Prepared
		}
		bb := b
		st.Prepared = &bb
		changed = true
	} else if b.Compare(*st.Prepared) < 0 && !b.Compatible(*st.Prepared) {
		if st.PreparedPrime == nil || st.PreparedPrime.Compare(b) < 0 {
			bb := b
			st.PreparedPrime = &bb
			changed = true
		}
	}

	// Accepting an incompatible higher prepare aborts the commit votes we
	// were casting below it.
	if st.Commit != nil && st.High != nil {
		abortedByP := st.Prepared != nil && st.High.LessAndIncompatible(*st.Prepared)
		abortedByPP := st.PreparedPrime != nil && st.High.LessAndIncompatible(*st.PreparedPrime)
		if st.Phase == PhasePrepare && (abortedByP || abortedByPP) {
			st.Commit = nil
			changed = true
		}
	}

	if changed {
		p.log.Debug("accepted prepared",
			zap.Uint64("slot", p.slotIndex),
			zap.Stringer("ballot", b),
		)
		p.emit()
	}
	return changed
}

// ---- confirm prepared ----------------------------------------------------

// attemptConfirmPrepared looks for the highest prepared-and-compatible
// candidate a quorum accepts as prepared.
func (p *Protocol) attemptConfirmPrepared(hint types.Statement) bool {
	st := &p.state
	if st.Phase != PhasePrepare {
		return false
	}
	if st.Prepared == nil {
		return false
	}

	for _, b := range p.prepareCandidates(hint) {
		if !b.LessAndCompatible(*st.Prepared) {
			continue
		}
		if st.High != nil && b.Compare(*st.High) <= 0 {
			// Cannot improve on the confirmed-prepared ballot we have.
			break
		}
		confirmed := voting.Confirm(
			p.driver.Local(),
			st.LatestEnvelopes,
			p.driver.NodeQuorumSet,
			func(s types.Statement) bool { return acceptsPrepared(s, b) },
		)
		if confirmed {
			return p.setConfirmPrepared(b)
		}
	}
	return false
}

func (p *Protocol) setConfirmPrepared(b types.Ballot) bool {
	st := &p.state
	bb := b
	st.High = &bb

	if st.Current == nil || st.Current.Compare(b) < 0 {
		p.updateCurrent(b)
	}

	// Start voting to commit unless we have already accepted an abort of b.
	abortedByPP := st.PreparedPrime != nil &&
		b.Counter <= st.PreparedPrime.Counter && !b.Compatible(*st.PreparedPrime)
	if st.Commit == nil && !abortedByPP {
		cc := b
		st.Commit = &cc
	}

	p.log.Debug("confirmed prepared",
		zap.Uint64("slot", p.slotIndex),
		zap.Stringer("ballot", b),
	)
	p.emit()
	return true
}

// ---- accept commit -------------------------------------------------------

// attemptAcceptCommit searches for the widest counter interval [c, h] whose
// commit a federated-accept ratifies, and moves to CONFIRM.
func (p *Protocol) attemptAcceptCommit(hint types.Statement) bool {
	st := &p.state
	if st.Phase != PhasePrepare && st.Phase != PhaseConfirm {
		return false
	}

	value, ok := commitHintValue(hint)
	if !ok {
		return false
	}
	// In CONFIRM, only our committed value may extend.
	if st.Phase == PhaseConfirm && st.Commit != nil && !value.Equal(st.Commit.Value) {
		return false
	}

	boundaries := p.commitBoundaries(value)
	interval, ok := findExtendedInterval(boundaries, func(iv counterInterval) bool {
		return voting.Accept(
			p.driver.Local(),
			st.LatestEnvelopes,
			p.driver.NodeQuorumSet,
			func(s types.Statement) bool { return votesCommit(s, value, iv) },
			func(s types.Statement) bool { return acceptsCommit(s, value, iv) },
		)
	})
	if !ok {
		return false
	}

	// Reject intervals that do not move us forward.
	if st.Phase == PhaseConfirm &&
		st.Commit.Counter <= interval.lo && interval.hi <= st.High.Counter {
		return false
	}
	return p.setAcceptCommit(value, interval)
}

func (p *Protocol) setAcceptCommit(value types.Value, interval counterInterval) bool {
	st := &p.state

	st.Commit = &types.Ballot{Counter: interval.lo, Value: value}
	st.High = &types.Ballot{Counter: interval.hi, Value: value}
	st.ValueOverride = value

	if st.Phase == PhasePrepare {
		st.Phase = PhaseConfirm
		p.log.Info("phase transition",
			zap.Uint64("slot", p.slotIndex),
			zap.Stringer("phase", PhaseConfirm),
			zap.Stringer("commit", *st.Commit),
		)
	}

	if st.Current == nil || st.Current.Compare(*st.High) < 0 {
		p.updateCurrent(*st.High)
	}

	p.emit()
	return true
}

// ---- confirm commit ------------------------------------------------------

// attemptConfirmCommit looks for a committed interval a whole quorum
// accepts and externalizes.
func (p *Protocol) attemptConfirmCommit(hint types.Statement) bool {
	st := &p.state
	if st.Phase != PhaseConfirm {
		return false
	}
	if st.Commit == nil || st.High == nil {
		return false
	}

	value, ok := commitHintValue(hint)
	if !ok || !value.Equal(st.Commit.Value) {
		return false
	}

	boundaries := p.commitBoundaries(value)
	interval, ok := findExtendedInterval(boundaries, func(iv counterInterval) bool {
		return voting.Confirm(
			p.driver.Local(),
			st.LatestEnvelopes,
			p.driver.NodeQuorumSet,
			func(s types.Statement) bool { return acceptsCommit(s, value, iv) },
		)
	})
	if !ok {
		return false
	}
	return p.setConfirmCommit(value, interval)
}

func (p *Protocol) setConfirmCommit(value types.Value, interval counterInterval) bool {
	st := &p.state

	st.Commit = &types.Ballot{Counter: interval.lo, Value: value}
	st.High = &types.Ballot{Counter: interval.hi, Value: value}
	st.Phase = PhaseExternalize

	if st.timerArmed {
		st.timerArmed = false
		p.driver.StopTimer()
	}
	p.driver.StopNomination()

	p.log.Info("phase transition",
		zap.Uint64("slot", p.slotIndex),
		zap.Stringer("phase", PhaseExternalize),
		zap.Stringer("commit", *st.Commit),
	)

	p.emit()
	p.driver.ValueExternalized(value)
	return true
}

// ---- bump ----------------------------------------------------------------

// attemptBump jumps the counter when a v-blocking set of peers is already
// past ours: there is no point waiting for a quorum at the current counter.
func (p *Protocol) attemptBump() bool {
	st := &p.state
	if st.Phase != PhasePrepare && st.Phase != PhaseConfirm {
		return false
	}
	if st.Current == nil {
		return false
	}

	target := st.Current.Counter
	counterSet := make(map[uint32]struct{})
	for _, env := range st.LatestEnvelopes {
		if env.NodeID == p.driver.Local().NodeID {
			continue
		}
		if c := statementBallotCounter(env.Statement); c > target {
			counterSet[c] = struct{}{}
		}
	}
	if len(counterSet) == 0 {
		return false
	}
	counters := make([]uint32, 0, len(counterSet))
	for c := range counterSet {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })

	// The smallest counter held by a v-blocking set wins.
	local := p.driver.Local()
	for _, n := range counters {
		nodes := set.NewSet[ids.NodeID](len(st.LatestEnvelopes))
		for nodeID, env := range st.LatestEnvelopes {
			if nodeID == local.NodeID {
				continue
			}
			if statementBallotCounter(env.Statement) >= n {
				nodes.Add(nodeID)
			}
		}
		if quorum.IsVBlocking(local.QSet, nodes) {
			p.log.Debug("v-blocking counter bump",
				zap.Uint64("slot", p.slotIndex),
				zap.Uint32("from", st.Current.Counter),
				zap.Uint32("to", n),
			)
			return p.abandonBallot(n)
		}
	}
	return false
}

// ---- candidate derivation ------------------------------------------------

// prepareCandidates derives the ballots worth testing for prepared
// acceptance from [hint] and the latest envelopes, sorted highest first.
func (p *Protocol) prepareCandidates(hint types.Statement) []types.Ballot {
	st := &p.state

	hintValues := types.NewValueSet()
	switch h := hint.(type) {
	case *types.Prepare:
		hintValues.Add(h.Ballot.Value)
		if h.Prepared != nil {
			hintValues.Add(h.Prepared.Value)
		}
		if h.PreparedPrime != nil {
			hintValues.Add(h.PreparedPrime.Value)
		}
	case *types.Confirm:
		hintValues.Add(h.Ballot.Value)
	case *types.Externalize:
		hintValues.Add(h.Commit.Value)
	}

	seen := make(map[string]struct{})
	var out []types.Ballot
	add := func(b types.Ballot) {
		if b.Counter == 0 || !hintValues.Contains(b.Value) {
			return
		}
		key := b.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}

	for _, env := range st.LatestEnvelopes {
		switch s := env.Statement.(type) {
		case *types.Prepare:
			add(s.Ballot)
			if s.Prepared != nil {
				add(*s.Prepared)
			}
			if s.PreparedPrime != nil {
				add(*s.PreparedPrime)
			}
		case *types.Confirm:
			add(types.Ballot{Counter: s.PreparedCounter, Value: s.Ballot.Value})
			add(s.Ballot)
		case *types.Externalize:
			add(s.Commit)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[j].Compare(out[i]) < 0 })
	return out
}

// commitHintValue extracts the value whose commit [hint] is about.
func commitHintValue(hint types.Statement) (types.Value, bool) {
	switch h := hint.(type) {
	case *types.Prepare:
		if h.CCounter == 0 {
			return nil, false
		}
		return h.Ballot.Value, true
	case *types.Confirm:
		return h.Ballot.Value, true
	case *types.Externalize:
		return h.Commit.Value, true
	default:
		return nil, false
	}
}

// commitBoundaries collects every commit-range boundary peers assert for
// [value], descending.
func (p *Protocol) commitBoundaries(value types.Value) []uint32 {
	st := &p.state
	marks := make(map[uint32]struct{})
	add := func(c, h uint32) {
		if c != 0 {
			marks[c] = struct{}{}
		}
		if h != 0 {
			marks[h] = struct{}{}
		}
	}
	for _, env := range st.LatestEnvelopes {
		switch s := env.Statement.(type) {
		case *types.Prepare:
			if value.Equal(s.Ballot.Value) {
				add(s.CCounter, s.HCounter)
			}
		case *types.Confirm:
			if value.Equal(s.Ballot.Value) {
				add(s.CCounter, s.HCounter)
			}
		case *types.Externalize:
			if value.Equal(s.Commit.Value) {
				add(s.Commit.Counter, s.HCounter)
			}
		}
	}
	out := make([]uint32, 0, len(marks))
	for c := range marks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// findExtendedInterval grows the widest interval over [boundaries]
// (descending) on which [pred] holds.
func findExtendedInterval(boundaries []uint32, pred func(counterInterval) bool) (counterInterval, bool) {
	var candidate counterInterval
	found := false
	for _, b := range boundaries {
		var cur counterInterval
		if !found {
			cur = counterInterval{lo: b, hi: b}
		} else if b > candidate.hi {
			continue
		} else {
			cur = counterInterval{lo: b, hi: candidate.hi}
		}
		if pred(cur) {
			candidate = cur
			found = true
		} else if found {
			break
		}
	}
	return candidate, found
}
