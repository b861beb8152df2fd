// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package herder

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/scp/types"
)

func pendingEnv(node byte, slotIndex uint64, vote string) *types.Envelope {
	return &types.Envelope{
		SlotIndex: slotIndex,
		NodeID:    nodeID(node),
		Statement: &types.Nominate{Votes: []types.Value{types.Value(vote)}},
	}
}

func TestPendingReadyFIFO(t *testing.T) {
	require := require.New(t)

	p := NewPending()
	a := pendingEnv(1, 1, "a")
	b := pendingEnv(2, 1, "b")

	require.Equal(StatusReady, p.Submit(a, nil))
	require.Equal(StatusReady, p.Submit(b, nil))
	require.Equal([]uint64{1}, p.ReadySlots())

	first, ok := p.Pop(1)
	require.True(ok)
	require.Equal(a.ID(), first.ID())
	second, ok := p.Pop(1)
	require.True(ok)
	require.Equal(b.ID(), second.ID())
	_, ok = p.Pop(1)
	require.False(ok)
}

func TestPendingDedup(t *testing.T) {
	require := require.New(t)

	p := NewPending()
	env := pendingEnv(1, 1, "a")

	require.Equal(StatusReady, p.Submit(env, nil))
	// Same identity while queued.
	require.Equal(StatusReady, p.Submit(pendingEnv(1, 1, "a"), nil))

	popped, ok := p.Pop(1)
	require.True(ok)
	p.MarkProcessed(popped)
	require.Equal(StatusProcessed, p.Submit(env, nil))

	other := pendingEnv(2, 1, "b")
	require.Equal(StatusReady, p.Submit(other, nil))
	popped, ok = p.Pop(1)
	require.True(ok)
	p.MarkDiscarded(popped)
	require.Equal(StatusDiscarded, p.Submit(other, nil))
}

func TestPendingDependencyRelease(t *testing.T) {
	require := require.New(t)

	p := NewPending()
	env := pendingEnv(1, 1, "a")
	depA := ids.ID{0x01}
	depB := ids.ID{0x02}

	missing := map[ids.ID]DependencyKind{
		depA: DependencyQuorumSet,
		depB: DependencyValue,
	}
	require.Equal(StatusFetching, p.Submit(env, missing))
	require.Equal(1, p.NumFetching())
	require.Equal([]ids.ID{depA}, p.FetchRequests(DependencyQuorumSet))
	require.Equal([]ids.ID{depB}, p.FetchRequests(DependencyValue))

	// Resolving one of two dependencies keeps it parked.
	require.Empty(p.Resolve(depA))
	require.Equal(StatusFetching, p.Submit(env, missing))

	released := p.Resolve(depB)
	require.Len(released, 1)
	require.Equal(env.ID(), released[0].ID())
	require.Zero(p.NumFetching())

	popped, ok := p.Pop(1)
	require.True(ok)
	require.Equal(env.ID(), popped.ID())
}

func TestPendingDiscardWhileFetchingClearsTrackers(t *testing.T) {
	require := require.New(t)

	p := NewPending()
	env := pendingEnv(1, 1, "a")
	dep := ids.ID{0x01}

	p.Submit(env, map[ids.ID]DependencyKind{dep: DependencyQuorumSet})
	p.MarkDiscarded(env)

	require.Empty(p.FetchRequests(DependencyQuorumSet))
	require.Zero(p.NumFetching())
	require.Empty(p.Resolve(dep))
	require.Equal(StatusDiscarded, p.Submit(env, nil))
}

func TestPendingEvictSlot(t *testing.T) {
	require := require.New(t)

	p := NewPending()
	ready := pendingEnv(1, 3, "a")
	parked := pendingEnv(2, 3, "b")
	dep := ids.ID{0x09}

	p.Submit(ready, nil)
	p.Submit(parked, map[ids.ID]DependencyKind{dep: DependencyValue})
	p.EvictSlot(3)

	require.Empty(p.ReadySlots())
	require.Zero(p.NumFetching())
	require.Empty(p.Resolve(dep))
}
