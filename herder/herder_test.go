// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package herder

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/scp/config"
	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/types"
	"github.com/luxfi/scp/utils/timer/mockable"
)

func nodeID(i byte) ids.NodeID {
	return ids.BuildTestNodeID([]byte{i})
}

type testApp struct {
	unknown      set.Set[ids.ID]
	invalid      set.Set[ids.ID]
	externalized map[uint64]types.Value
}

func newTestApp() *testApp {
	return &testApp{
		unknown:      set.NewSet[ids.ID](4),
		invalid:      set.NewSet[ids.ID](4),
		externalized: make(map[uint64]types.Value),
	}
}

func (a *testApp) CombineCandidates(values []types.Value) (types.Value, bool) {
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

func (a *testApp) ValidateValue(v types.Value, _ bool) types.ValidationLevel {
	switch {
	case a.invalid.Contains(v.Hash()):
		return types.ValidationInvalid
	case a.unknown.Contains(v.Hash()):
		return types.ValidationMaybeLater
	default:
		return types.ValidationFully
	}
}

func (a *testApp) ExtractValidValue(v types.Value) (types.Value, bool) {
	if a.invalid.Contains(v.Hash()) {
		return nil, false
	}
	return v, true
}

func (a *testApp) ValueExternalized(slotIndex uint64, v types.Value) {
	a.externalized[slotIndex] = v
}

type testOverlay struct {
	broadcast []*types.Envelope
}

func (o *testOverlay) Broadcast(env *types.Envelope) {
	o.broadcast = append(o.broadcast, env)
}

func newTestHerder(t *testing.T, self ids.NodeID, qset *quorum.Set) (*Herder, *testApp, *testOverlay) {
	app := newTestApp()
	overlay := &testOverlay{}
	clock := mockable.NewClock()
	clock.Set(time.Unix(0, 0))
	h, err := New(Config{
		Params:      config.DefaultParameters,
		Local:       &quorum.Local{NodeID: self, QSet: qset},
		Application: app,
		Overlay:     overlay,
		Clock:       clock,
	})
	require.NoError(t, err)
	return h, app, overlay
}

func nominateEnvelope(node ids.NodeID, qsetHash ids.ID, slotIndex uint64, votes ...types.Value) *types.Envelope {
	return &types.Envelope{
		SlotIndex: slotIndex,
		NodeID:    node,
		Statement: &types.Nominate{QSetHash: qsetHash, Votes: votes},
	}
}

func TestConfigValidation(t *testing.T) {
	require := require.New(t)

	self := nodeID(1)
	local := &quorum.Local{NodeID: self, QSet: quorum.SingletonSet(self)}

	_, err := New(Config{Local: local, Overlay: &testOverlay{}})
	require.ErrorIs(err, errNoApplication)

	_, err = New(Config{Local: local, Application: newTestApp()})
	require.ErrorIs(err, errNoOverlay)

	_, err = New(Config{Application: newTestApp(), Overlay: &testOverlay{}})
	require.ErrorIs(err, errNoLocalNode)

	bad := config.DefaultParameters
	bad.SlotRetention = 0
	_, err = New(Config{
		Params:      bad,
		Local:       local,
		Application: newTestApp(),
		Overlay:     &testOverlay{},
	})
	require.ErrorIs(err, config.ErrRetentionZero)
}

func TestSingleNodeExternalizeViaHerder(t *testing.T) {
	require := require.New(t)

	self := nodeID(1)
	h, app, overlay := newTestHerder(t, self, quorum.SingletonSet(self))

	require.True(h.Nominate(1, types.Value("v"), nil))

	v, ok := h.ExternalizedValue(1)
	require.True(ok)
	require.Equal(types.Value("v"), v)
	require.Equal(types.Value("v"), app.externalized[1])
	require.Equal(uint64(1), h.LatestExternalizedSlot())
	require.True(h.IsSlotFullyValidated(1))

	// The broadcast stream ends with the externalize statement.
	require.NotEmpty(overlay.broadcast)
	last := overlay.broadcast[len(overlay.broadcast)-1]
	require.Equal(types.StatementExternalize, last.Statement.Type())

	// The slot keeps serving its envelopes for laggards.
	require.NotEmpty(h.SlotEnvelopes(1))
}

func TestSubmitUnknownQuorumSetParksEnvelope(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	pair := quorum.NewSet(quorum.Slice{self, peer})
	h, _, _ := newTestHerder(t, self, pair)

	// The peer references a quorum set this node has never seen.
	peerQSet := quorum.NewSet(quorum.Slice{peer, self})
	unknownQSet := quorum.NewSet(quorum.Slice{peer})
	env := nominateEnvelope(peer, unknownQSet.Hash(), 1, types.Value("v"))

	require.Equal(StatusFetching, h.Submit(env))
	require.Equal(StatusFetching, h.Submit(env))
	require.Contains(h.FetchRequests(DependencyQuorumSet), unknownQSet.Hash())

	// A quorum set with the wrong hash does not release it.
	require.NoError(h.ReceiveQuorumSet(peerQSet))
	require.Equal(StatusFetching, h.Submit(env))

	// The matching quorum set releases and processes it.
	require.NoError(h.ReceiveQuorumSet(unknownQSet))
	require.Equal(StatusProcessed, h.Submit(env))
	require.Empty(h.FetchRequests(DependencyQuorumSet))
}

func TestSubmitUnknownValueParksEnvelope(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	pair := quorum.NewSet(quorum.Slice{self, peer})
	h, app, _ := newTestHerder(t, self, pair)

	mystery := types.Value("mystery")
	app.unknown.Add(mystery.Hash())

	env := nominateEnvelope(peer, pair.Hash(), 1, mystery)
	require.Equal(StatusFetching, h.Submit(env))
	require.Contains(h.FetchRequests(DependencyValue), mystery.Hash())

	h.ReceiveValue(mystery)
	require.Equal(StatusProcessed, h.Submit(env))
}

func TestSubmitInvalidValueDiscards(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	pair := quorum.NewSet(quorum.Slice{self, peer})
	h, app, _ := newTestHerder(t, self, pair)

	poison := types.Value("poison")
	app.invalid.Add(poison.Hash())

	env := nominateEnvelope(peer, pair.Hash(), 1, poison)
	require.Equal(StatusDiscarded, h.Submit(env))
	require.Equal(StatusDiscarded, h.Submit(env))
}

func TestStaleBallotEnvelopeDiscarded(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	pair := quorum.NewSet(quorum.Slice{self, peer})
	h, _, _ := newTestHerder(t, self, pair)
	require.NoError(h.ReceiveQuorumSet(pair))

	newer := &types.Envelope{
		SlotIndex: 1,
		NodeID:    peer,
		Statement: &types.Prepare{
			QSetHash: pair.Hash(),
			Ballot:   types.Ballot{Counter: 3, Value: types.Value("v")},
		},
	}
	require.Equal(StatusReady, h.Submit(newer))
	require.Equal(StatusProcessed, h.Submit(newer))

	stale := &types.Envelope{
		SlotIndex: 1,
		NodeID:    peer,
		Statement: &types.Prepare{
			QSetHash: pair.Hash(),
			Ballot:   types.Ballot{Counter: 1, Value: types.Value("v")},
		},
	}
	require.Equal(StatusReady, h.Submit(stale))
	// The dispatch rejected it; resubmission reports the dedup verdict.
	require.Equal(StatusDiscarded, h.Submit(stale))
}

func TestSubmitOutsideSlotWindowDiscarded(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	pair := quorum.NewSet(quorum.Slice{self, peer})
	h, _, _ := newTestHerder(t, self, pair)

	tooFar := nominateEnvelope(peer, pair.Hash(), config.DefaultParameters.MaxSlotsBuffered+2, types.Value("v"))
	require.Equal(StatusDiscarded, h.Submit(tooFar))
}

func TestShutdownStopsIntake(t *testing.T) {
	require := require.New(t)

	self, peer := nodeID(1), nodeID(2)
	pair := quorum.NewSet(quorum.Slice{self, peer})
	h, _, overlay := newTestHerder(t, self, pair)

	h.Shutdown()
	require.False(h.Nominate(1, types.Value("v"), nil))
	require.Equal(StatusDiscarded, h.Submit(nominateEnvelope(peer, pair.Hash(), 1, types.Value("v"))))
	require.Empty(overlay.broadcast)
	require.Zero(h.RunDue())
}
