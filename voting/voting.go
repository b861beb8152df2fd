// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package voting implements the federated voting primitives shared by the
// nomination and ballot subprotocols: a proposition is accepted when a
// v-blocking set already accepts it or a quorum votes for or accepts it, and
// confirmed when a quorum accepts it. Acceptance and confirmation are
// sticky; the calling state machines never un-assert a proposition.
package voting

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/types"
)

// Accept reports whether the local node may accept the proposition whose
// per-statement predicates are [voted] and [accepted], judged over the
// latest envelope of each peer.
func Accept(
	local *quorum.Local,
	envelopes map[ids.NodeID]*types.Envelope,
	getQSet quorum.GetSetFunc,
	voted quorum.StatementFilter,
	accepted quorum.StatementFilter,
) bool {
	// A v-blocking set of accepters forces acceptance regardless of what
	// the rest of the network says.
	accepters := set.NewSet[ids.NodeID](len(envelopes))
	for nodeID, env := range envelopes {
		if accepted(env.Statement) {
			accepters.Add(nodeID)
		}
	}
	if quorum.IsVBlocking(local.QSet, accepters) {
		return true
	}

	return quorum.IsQuorum(local, envelopes, getQSet, func(st types.Statement) bool {
		return voted(st) || accepted(st)
	})
}

// Confirm reports whether a quorum accepts the proposition.
func Confirm(
	local *quorum.Local,
	envelopes map[ids.NodeID]*types.Envelope,
	getQSet quorum.GetSetFunc,
	accepted quorum.StatementFilter,
) bool {
	return quorum.IsQuorum(local, envelopes, getQSet, accepted)
}
