// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package slot

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/scp/crypto"
	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/scheduler"
	"github.com/luxfi/scp/types"
	"github.com/luxfi/scp/utils/timer/mockable"
)

func nodeID(i byte) ids.NodeID {
	return ids.BuildTestNodeID([]byte{i})
}

type fakeHerder struct {
	qsets        map[ids.NodeID]*quorum.Set
	emitted      []*types.Envelope
	externalized map[uint64]types.Value
}

func newFakeHerder() *fakeHerder {
	return &fakeHerder{
		qsets:        make(map[ids.NodeID]*quorum.Set),
		externalized: make(map[uint64]types.Value),
	}
}

func (f *fakeHerder) CombineCandidates(values []types.Value) (types.Value, bool) {
	if len(values) == 0 {
		return nil, false
	}
	sorted := append([]types.Value(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	joined := make([][]byte, len(sorted))
	for i, v := range sorted {
		joined[i] = v
	}
	return types.Value(bytes.Join(joined, []byte(","))), true
}

func (f *fakeHerder) ValidateValue(types.Value, bool) types.ValidationLevel {
	return types.ValidationFully
}

func (f *fakeHerder) ExtractValidValue(v types.Value) (types.Value, bool) {
	return v, true
}

func (f *fakeHerder) GetQuorumSet(nodeID ids.NodeID) (*quorum.Set, bool) {
	qs, ok := f.qsets[nodeID]
	return qs, ok
}

func (f *fakeHerder) ComputeTimeout(round uint64) time.Duration {
	return time.Duration(round) * time.Second
}

func (f *fakeHerder) EmitEnvelope(env *types.Envelope) {
	f.emitted = append(f.emitted, env)
}

func (f *fakeHerder) ValueExternalized(slotIndex uint64, v types.Value) {
	f.externalized[slotIndex] = v
}

func newTestSlot(self ids.NodeID, qset *quorum.Set) (*Slot, *fakeHerder, *scheduler.Scheduler) {
	clock := mockable.NewClock()
	clock.Set(time.Unix(0, 0))
	sched := scheduler.New(clock)
	h := newFakeHerder()
	s := New(log.NewNoOpLogger(), 1, &quorum.Local{NodeID: self, QSet: qset}, h, sched, crypto.NoSign{})
	return s, h, sched
}

func TestSingleNodeSlotExternalizes(t *testing.T) {
	require := require.New(t)

	self := nodeID(1)
	s, h, _ := newTestSlot(self, quorum.SingletonSet(self))

	require.True(s.Nominate(types.Value("v"), nil))

	require.True(s.Externalized())
	v, ok := s.ExternalizedValue()
	require.True(ok)
	require.Equal(types.Value("v"), v)
	require.True(s.IsFullyValidated())
	require.Equal(types.Value("v"), h.externalized[1])

	// The emission sequence walks the whole ladder in order.
	var tags []types.StatementType
	for _, env := range h.emitted {
		tags = append(tags, env.Statement.Type())
	}
	require.Equal(types.StatementNominate, tags[0])
	require.Equal(types.StatementExternalize, tags[len(tags)-1])
	sawPrepare, sawConfirm := false, false
	for _, tag := range tags {
		switch tag {
		case types.StatementPrepare:
			sawPrepare = true
		case types.StatementConfirm:
			require.True(sawPrepare)
			sawConfirm = true
		}
	}
	require.True(sawConfirm)

	// Nothing further is nominated once the slot is decided.
	require.False(s.Nominate(types.Value("w"), nil))
}

func TestOutboundEnvelopesMonotone(t *testing.T) {
	require := require.New(t)

	self := nodeID(1)
	s, h, _ := newTestSlot(self, quorum.SingletonSet(self))
	require.True(s.Nominate(types.Value("v"), nil))

	var lastNom, lastBallot types.Statement
	for _, env := range h.emitted {
		if env.Statement.Type() == types.StatementNominate {
			require.True(types.IsNewerStatement(lastNom, env.Statement))
			lastNom = env.Statement
			continue
		}
		require.True(types.IsNewerStatement(lastBallot, env.Statement))
		lastBallot = env.Statement
	}
}

func TestRoundTimeoutEscalation(t *testing.T) {
	require := require.New(t)

	// Quorum {self, peer} with a silent peer: only the round timer makes
	// progress, one escalation per min(round, cap) seconds.
	self, peer := nodeID(1), nodeID(2)
	s, _, sched := newTestSlot(self, quorum.NewSet(quorum.Slice{self, peer}))

	s.Nominate(types.Value("v"), nil)
	require.Equal(uint64(1), s.NominationState().RoundNumber)

	sched.Clock().Advance(time.Second)
	sched.RunDue()
	require.Equal(uint64(2), s.NominationState().RoundNumber)

	// Round 2's timer runs two seconds.
	sched.Clock().Advance(time.Second)
	require.Zero(sched.RunDue())
	require.Equal(uint64(2), s.NominationState().RoundNumber)

	sched.Clock().Advance(time.Second)
	sched.RunDue()
	require.Equal(uint64(3), s.NominationState().RoundNumber)
}

func TestExternalizeCancelsSlotTimers(t *testing.T) {
	require := require.New(t)

	self := nodeID(1)
	s, _, sched := newTestSlot(self, quorum.SingletonSet(self))

	require.True(s.Nominate(types.Value("v"), nil))
	require.True(s.Externalized())
	require.Zero(sched.Len())
}

func TestRecvEnvelopeWrongSlot(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	s, _, _ := newTestSlot(self, quorum.NewSet(quorum.Slice{self, peer}))

	env := &types.Envelope{
		SlotIndex: 9,
		NodeID:    peer,
		Statement: &types.Nominate{Votes: []types.Value{types.Value("v")}},
	}
	require.False(s.RecvEnvelope(env))
}
