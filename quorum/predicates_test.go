// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/scp/types"
)

func nominateEnvelope(node ids.NodeID, qsetHash ids.ID) *types.Envelope {
	return &types.Envelope{
		SlotIndex: 1,
		NodeID:    node,
		Statement: &types.Nominate{QSetHash: qsetHash},
	}
}

func TestIsVBlocking(t *testing.T) {
	require := require.New(t)

	n1, n2, n3 := nodeID(1), nodeID(2), nodeID(3)
	qs := NewSet(Slice{n1, n2}, Slice{n1, n3})

	require.True(IsVBlocking(qs, set.Of(n1)))
	require.True(IsVBlocking(qs, set.Of(n2, n3)))
	require.False(IsVBlocking(qs, set.Of(n2)))
	require.False(IsVBlocking(qs, set.NewSet[ids.NodeID](0)))
	require.False(IsVBlocking(&Set{}, set.Of(n1)))
}

func TestIsQuorumFlat(t *testing.T) {
	require := require.New(t)

	n1, n2, n3 := nodeID(1), nodeID(2), nodeID(3)
	flat := NewSet(Slice{n1, n2, n3})
	local := &Local{NodeID: n1, QSet: flat}
	getQSet := func(ids.NodeID) (*Set, bool) { return flat, true }

	envelopes := map[ids.NodeID]*types.Envelope{
		n1: nominateEnvelope(n1, flat.Hash()),
		n2: nominateEnvelope(n2, flat.Hash()),
		n3: nominateEnvelope(n3, flat.Hash()),
	}
	all := func(types.Statement) bool { return true }
	none := func(types.Statement) bool { return false }

	require.True(IsQuorum(local, envelopes, getQSet, all))
	// An empty candidate set is never a quorum.
	require.False(IsQuorum(local, envelopes, getQSet, none))

	// Without n3 the single flat slice cannot be covered.
	partial := map[ids.NodeID]*types.Envelope{
		n1: nominateEnvelope(n1, flat.Hash()),
		n2: nominateEnvelope(n2, flat.Hash()),
	}
	require.False(IsQuorum(local, partial, getQSet, all))
}

func TestIsQuorumUnknownQSet(t *testing.T) {
	require := require.New(t)

	n1, n2 := nodeID(1), nodeID(2)
	flat := NewSet(Slice{n1, n2})
	local := &Local{NodeID: n1, QSet: flat}

	envelopes := map[ids.NodeID]*types.Envelope{
		n1: nominateEnvelope(n1, flat.Hash()),
		n2: nominateEnvelope(n2, flat.Hash()),
	}
	all := func(types.Statement) bool { return true }

	// n2's quorum set cannot be resolved: it never satisfies closure, so no
	// quorum survives.
	unknown := func(ids.NodeID) (*Set, bool) { return nil, false }
	require.False(IsQuorum(local, envelopes, unknown, all))

	known := func(ids.NodeID) (*Set, bool) { return flat, true }
	require.True(IsQuorum(local, envelopes, known, all))
}

func TestIsQuorumShrinksToClosedSubset(t *testing.T) {
	require := require.New(t)

	n1, n2, n3 := nodeID(1), nodeID(2), nodeID(3)
	// n1 and n2 trust each other; n3 requires an absent fourth node.
	pair := NewSet(Slice{n1, n2})
	n4 := nodeID(4)
	needsMissing := NewSet(Slice{n3, n4})

	local := &Local{NodeID: n1, QSet: pair}
	getQSet := func(id ids.NodeID) (*Set, bool) {
		if id == n3 {
			return needsMissing, true
		}
		return pair, true
	}
	envelopes := map[ids.NodeID]*types.Envelope{
		n1: nominateEnvelope(n1, pair.Hash()),
		n2: nominateEnvelope(n2, pair.Hash()),
		n3: nominateEnvelope(n3, needsMissing.Hash()),
	}
	all := func(types.Statement) bool { return true }

	// n3 is pruned, but {n1, n2} remains a quorum.
	require.True(IsQuorum(local, envelopes, getQSet, all))
}

func TestIsQuorumWithoutLocal(t *testing.T) {
	require := require.New(t)

	n1, n2 := nodeID(1), nodeID(2)
	pair := NewSet(Slice{n1, n2})
	getQSet := func(ids.NodeID) (*Set, bool) { return pair, true }
	envelopes := map[ids.NodeID]*types.Envelope{
		n1: nominateEnvelope(n1, pair.Hash()),
		n2: nominateEnvelope(n2, pair.Hash()),
	}
	all := func(types.Statement) bool { return true }

	require.True(IsQuorum(nil, envelopes, getQSet, all))
	require.False(IsQuorum(nil, map[ids.NodeID]*types.Envelope{}, getQSet, all))
}
