// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// scpsim runs an in-memory federated-agreement network over consecutive
// slots and logs the value each slot externalizes, exiting non-zero if a
// slot misses its tick budget or the nodes diverge.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxfi/scp/scptest"
	"github.com/luxfi/scp/types"
)

var logger = slog.Default().With("module", "scpsim")

func main() {
	numNodes := flag.Int("nodes", 4, "Number of nodes to simulate")
	numSlots := flag.Uint64("slots", 5, "Number of consecutive slots to run")
	maxTicks := flag.Int("max-ticks", 60, "Per-slot tick budget before giving up")
	flag.Parse()

	if *numNodes < 1 {
		logger.Error("need at least one node")
		os.Exit(1)
	}

	network, err := scptest.NewNetwork(*numNodes, scptest.FlatQuorum)
	if err != nil {
		logger.Error("failed to build network", "err", err)
		os.Exit(1)
	}

	previous := types.Value{}
	for slot := uint64(1); slot <= *numSlots; slot++ {
		for i, node := range network.Nodes {
			proposal := types.Value(fmt.Sprintf("slot-%d-from-node-%d", slot, i+1))
			node.Herder.Nominate(slot, proposal, previous)
		}

		if !network.RunUntilExternalized(slot, *maxTicks) {
			logger.Error("slot failed to externalize", "slot", slot)
			os.Exit(1)
		}

		decided, _ := network.Nodes[0].Herder.ExternalizedValue(slot)
		for _, node := range network.Nodes[1:] {
			v, _ := node.Herder.ExternalizedValue(slot)
			if !v.Equal(decided) {
				logger.Error("divergence detected", "slot", slot)
				os.Exit(1)
			}
		}
		logger.Info("slot externalized",
			"slot", slot,
			"value", string(decided),
			"nodes", len(network.Nodes),
		)
		previous = decided
	}
	logger.Info("simulation complete", "slots", *numSlots)
}
