// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/scp/types"
)

// Local identifies the local node and its quorum set for predicate checks
// that must include the node itself.
type Local struct {
	NodeID ids.NodeID
	QSet   *Set
}

// GetSetFunc resolves a node's quorum set, returning false when unknown.
type GetSetFunc func(ids.NodeID) (*Set, bool)

// StatementFilter selects which peer statements count for a predicate.
type StatementFilter func(types.Statement) bool

// IsVBlocking reports whether [nodes] intersects every slice of [qset]: no
// quorum containing the owner of [qset] can avoid [nodes].
func IsVBlocking(qset *Set, nodes set.Set[ids.NodeID]) bool {
	if len(qset.Slices) == 0 {
		return false
	}
	for _, sl := range qset.Slices {
		hit := false
		for _, m := range sl {
			if nodes.Contains(m) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// IsQuorum reports whether the nodes whose latest envelope satisfies
// [filter] contain a quorum that satisfies the local node. The local node
// itself participates through its own latest envelope like any peer.
//
// The candidate set is shrunk to its maximal closed subset: a node stays
// only while some slice of its quorum set lies fully inside the set. Nodes
// whose quorum set cannot be resolved never satisfy closure and are
// removed. When [local] is set, the surviving set must additionally contain
// one of the local quorum set's slices.
func IsQuorum(
	local *Local,
	envelopes map[ids.NodeID]*types.Envelope,
	getQSet GetSetFunc,
	filter StatementFilter,
) bool {
	nodes := set.NewSet[ids.NodeID](len(envelopes))
	for nodeID, env := range envelopes {
		if filter(env.Statement) {
			nodes.Add(nodeID)
		}
	}

	for {
		if nodes.Len() == 0 {
			return false
		}
		removed := false
		for _, nodeID := range nodes.List() {
			qset, ok := resolveQSet(local, nodeID, getQSet)
			if !ok || !hasSliceWithin(qset, nodes) {
				nodes.Remove(nodeID)
				removed = true
			}
		}
		if !removed {
			break
		}
	}

	if nodes.Len() == 0 {
		return false
	}
	if local != nil && !hasSliceWithin(local.QSet, nodes) {
		return false
	}
	return true
}

func resolveQSet(local *Local, nodeID ids.NodeID, getQSet GetSetFunc) (*Set, bool) {
	if local != nil && nodeID == local.NodeID {
		return local.QSet, true
	}
	return getQSet(nodeID)
}

func hasSliceWithin(qset *Set, nodes set.Set[ids.NodeID]) bool {
	for _, sl := range qset.Slices {
		if sl.Within(nodes) {
			return true
		}
	}
	return false
}
