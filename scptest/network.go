// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scptest provides an in-memory multi-node harness: a loopback
// overlay, a deterministic application, and a message pump driven by a
// shared mocked clock. Production overlays live outside this module.
package scptest

import (
	"bytes"
	"sort"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/scp/config"
	"github.com/luxfi/scp/herder"
	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/types"
	"github.com/luxfi/scp/utils/timer/mockable"
)

// NodeID returns the deterministic test id for node [i].
func NodeID(i byte) ids.NodeID {
	return ids.BuildTestNodeID([]byte{i})
}

// Application is a deterministic in-memory herder.Application. Candidates
// combine by sorted concatenation; every value validates fully unless
// registered as unknown or invalid.
type Application struct {
	Unknown set.Set[ids.ID]
	Invalid set.Set[ids.ID]

	// Externalized records ValueExternalized calls per slot.
	Externalized map[uint64]types.Value
}

func NewApplication() *Application {
	return &Application{
		Unknown:      set.NewSet[ids.ID](4),
		Invalid:      set.NewSet[ids.ID](4),
		Externalized: make(map[uint64]types.Value),
	}
}

func (a *Application) CombineCandidates(values []types.Value) (types.Value, bool) {
	if len(values) == 0 {
		return nil, false
	}
	sorted := append([]types.Value(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	var buf bytes.Buffer
	for i, v := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(v)
	}
	return types.Value(buf.Bytes()), true
}

func (a *Application) ValidateValue(v types.Value, _ bool) types.ValidationLevel {
	switch {
	case a.Invalid.Contains(v.Hash()):
		return types.ValidationInvalid
	case a.Unknown.Contains(v.Hash()):
		return types.ValidationMaybeLater
	default:
		return types.ValidationFully
	}
}

func (a *Application) ExtractValidValue(v types.Value) (types.Value, bool) {
	if a.Invalid.Contains(v.Hash()) {
		return nil, false
	}
	return v, true
}

func (a *Application) ValueExternalized(slotIndex uint64, v types.Value) {
	a.Externalized[slotIndex] = v
}

// Node bundles one simulated participant.
type Node struct {
	ID     ids.NodeID
	App    *Application
	Herder *herder.Herder
}

// Network is the loopback overlay connecting every node to every other.
type Network struct {
	Clock *mockable.Clock
	Nodes []*Node

	queue []delivery
}

type delivery struct {
	sender ids.NodeID
	env    *types.Envelope
}

type loopback struct {
	network *Network
	nodeID  ids.NodeID
}

func (l *loopback) Broadcast(env *types.Envelope) {
	l.network.queue = append(l.network.queue, delivery{sender: l.nodeID, env: env})
}

// QuorumFunc derives a node's quorum set from the full membership.
type QuorumFunc func(self ids.NodeID, all []ids.NodeID) *quorum.Set

// NewNetwork builds [n] nodes, each trusting the quorum set produced by
// [qsetFor]. The shared clock starts mocked so tests control time.
func NewNetwork(n int, qsetFor QuorumFunc) (*Network, error) {
	clock := mockable.NewClock()
	clock.Set(time.Unix(0, 0))

	all := make([]ids.NodeID, n)
	for i := range all {
		all[i] = NodeID(byte(i + 1))
	}

	network := &Network{Clock: clock}
	for _, nodeID := range all {
		app := NewApplication()
		h, err := herder.New(herder.Config{
			Log:         log.NewNoOpLogger(),
			Params:      config.DefaultParameters,
			Local:       &quorum.Local{NodeID: nodeID, QSet: qsetFor(nodeID, all)},
			Application: app,
			Overlay:     &loopback{network: network, nodeID: nodeID},
			Clock:       clock,
		})
		if err != nil {
			return nil, err
		}
		network.Nodes = append(network.Nodes, &Node{ID: nodeID, App: app, Herder: h})
	}

	// Every node knows every quorum set up front; dependency-fetching tests
	// build their own herders without this priming.
	for _, node := range network.Nodes {
		for _, other := range network.Nodes {
			if err := node.Herder.ReceiveQuorumSet(qsetFor(other.ID, all)); err != nil {
				return nil, err
			}
		}
	}
	return network, nil
}

// FlatQuorum gives every node the single slice containing all nodes.
func FlatQuorum(_ ids.NodeID, all []ids.NodeID) *quorum.Set {
	return quorum.NewSet(quorum.Slice(append([]ids.NodeID(nil), all...)))
}

// MajorityQuorum gives every node one slice per majority subset, so any
// majority of nodes is a quorum and no minority is v-blocking.
func MajorityQuorum(_ ids.NodeID, all []ids.NodeID) *quorum.Set {
	k := len(all)/2 + 1
	var slices []quorum.Slice
	var build func(start int, current []ids.NodeID)
	build = func(start int, current []ids.NodeID) {
		if len(current) == k {
			slices = append(slices, quorum.Slice(append([]ids.NodeID(nil), current...)))
			return
		}
		for i := start; i < len(all); i++ {
			build(i+1, append(current, all[i]))
		}
	}
	build(0, nil)
	return quorum.NewSet(slices...)
}

// DeliverAll drains the message queue, fanning every envelope out to every
// node but its sender, until the network is quiet. Returns the number of
// deliveries.
func (n *Network) DeliverAll() int {
	delivered := 0
	for len(n.queue) > 0 {
		d := n.queue[0]
		n.queue = n.queue[1:]
		for _, node := range n.Nodes {
			if node.ID == d.sender {
				continue
			}
			node.Herder.Submit(d.env)
			delivered++
		}
	}
	return delivered
}

// Tick advances the shared clock and fires due timers on every node, then
// delivers the resulting traffic.
func (n *Network) Tick(d time.Duration) {
	n.Clock.Advance(d)
	for _, node := range n.Nodes {
		node.Herder.RunDue()
	}
	n.DeliverAll()
}

// AllExternalized reports whether every node decided [slot].
func (n *Network) AllExternalized(slot uint64) bool {
	for _, node := range n.Nodes {
		if _, ok := node.Herder.ExternalizedValue(slot); !ok {
			return false
		}
	}
	return true
}

// RunUntilExternalized pumps messages and escalates timers until every
// node decides [slot] or [maxTicks] pass. Each tick is one second.
func (n *Network) RunUntilExternalized(slot uint64, maxTicks int) bool {
	n.DeliverAll()
	for i := 0; i < maxTicks; i++ {
		if n.AllExternalized(slot) {
			return true
		}
		n.Tick(time.Second)
	}
	return n.AllExternalized(slot)
}
