// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package herder

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	envelopesReceived  prometheus.Counter
	envelopesProcessed prometheus.Counter
	envelopesDiscarded prometheus.Counter
	envelopesFetching  prometheus.Gauge
	envelopesEmitted   prometheus.Counter
	slotsExternalized  prometheus.Counter
	latestSlot         prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		envelopesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scp_envelopes_received",
			Help: "Number of envelopes submitted by the overlay",
		}),
		envelopesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scp_envelopes_processed",
			Help: "Number of envelopes dispatched into a slot",
		}),
		envelopesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scp_envelopes_discarded",
			Help: "Number of envelopes rejected (malformed, stale or invalid)",
		}),
		envelopesFetching: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scp_envelopes_fetching",
			Help: "Number of envelopes parked on unresolved dependencies",
		}),
		envelopesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scp_envelopes_emitted",
			Help: "Number of locally produced envelopes broadcast",
		}),
		slotsExternalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scp_slots_externalized",
			Help: "Number of slots that reached EXTERNALIZE",
		}),
		latestSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scp_latest_externalized_slot",
			Help: "Highest externalized slot index",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.envelopesReceived,
		m.envelopesProcessed,
		m.envelopesDiscarded,
		m.envelopesFetching,
		m.envelopesEmitted,
		m.slotsExternalized,
		m.latestSlot,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
