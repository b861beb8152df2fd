// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package herder is the driver-facing facade of the consensus core: it
// receives envelopes from the overlay, resolves their quorum-set and value
// dependencies, feeds slots in arrival order, broadcasts local envelopes,
// and surfaces externalized values to the application.
package herder

import (
	"errors"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/scp/config"
	"github.com/luxfi/scp/crypto"
	"github.com/luxfi/scp/quorum"
	"github.com/luxfi/scp/scheduler"
	"github.com/luxfi/scp/slot"
	"github.com/luxfi/scp/types"
	"github.com/luxfi/scp/utils/timer/mockable"
)

var (
	errNoApplication = errors.New("herder requires an application")
	errNoOverlay     = errors.New("herder requires an overlay")
	errNoLocalNode   = errors.New("herder requires a local node")
)

// Application supplies value semantics and consumes decisions.
type Application interface {
	// CombineCandidates folds confirmed candidates into one composite.
	CombineCandidates(values []types.Value) (types.Value, bool)

	// ValidateValue judges [v]; MaybeLater parks envelopes mentioning it.
	ValidateValue(v types.Value, isNomination bool) types.ValidationLevel

	// ExtractValidValue strips invalid components from [v].
	ExtractValidValue(v types.Value) (types.Value, bool)

	// ValueExternalized delivers a decided slot. The only success signal.
	ValueExternalized(slotIndex uint64, v types.Value)
}

// Overlay broadcasts locally produced envelopes; the transport itself is
// out of scope.
type Overlay interface {
	Broadcast(env *types.Envelope)
}

// Config wires a Herder.
type Config struct {
	Log         log.Logger
	Params      config.Parameters
	Local       *quorum.Local
	Signer      crypto.Signer
	Verifier    crypto.Verifier
	Application Application
	Overlay     Overlay
	Registerer  prometheus.Registerer

	// Clock is optional; tests inject a mocked one.
	Clock *mockable.Clock
}

// Herder owns every live slot of one node.
type Herder struct {
	log      log.Logger
	params   config.Parameters
	local    *quorum.Local
	signer   crypto.Signer
	verifier crypto.Verifier
	app      Application
	overlay  Overlay

	sched   *scheduler.Scheduler
	pending *Pending
	store   *types.EnvelopeStore

	qsets        map[ids.ID]*quorum.Set
	nodeQSetHash map[ids.NodeID]ids.ID
	knownValues  set.Set[ids.ID]

	slots              map[uint64]*slot.Slot
	externalizedValues map[uint64]types.Value
	latestExternalized uint64

	metrics  *metrics
	shutdown bool
}

// New validates [cfg] and builds the herder.
func New(cfg Config) (*Herder, error) {
	switch {
	case cfg.Application == nil:
		return nil, errNoApplication
	case cfg.Overlay == nil:
		return nil, errNoOverlay
	case cfg.Local == nil || cfg.Local.QSet == nil:
		return nil, errNoLocalNode
	}
	if err := cfg.Params.Valid(); err != nil {
		return nil, err
	}
	if err := cfg.Local.QSet.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = mockable.NewClock()
	}
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}

	h := &Herder{
		log:                logger,
		params:             cfg.Params,
		local:              cfg.Local,
		signer:             cfg.Signer,
		verifier:           cfg.Verifier,
		app:                cfg.Application,
		overlay:            cfg.Overlay,
		sched:              scheduler.New(clock),
		pending:            NewPending(),
		store:              types.NewEnvelopeStore(cfg.Params.MaxEnvelopesPerSlot),
		qsets:              make(map[ids.ID]*quorum.Set),
		nodeQSetHash:       make(map[ids.NodeID]ids.ID),
		knownValues:        set.NewSet[ids.ID](64),
		slots:              make(map[uint64]*slot.Slot),
		externalizedValues: make(map[uint64]types.Value),
		metrics:            m,
	}
	if h.signer == nil {
		h.signer = crypto.NoSign{}
	}
	if h.verifier == nil {
		h.verifier = crypto.NoVerify{}
	}

	// The local quorum set is known by construction.
	h.qsets[cfg.Local.QSet.Hash()] = cfg.Local.QSet
	h.nodeQSetHash[cfg.Local.NodeID] = cfg.Local.QSet.Hash()
	return h, nil
}

// Scheduler exposes the cooperative work queue so the owner goroutine can
// drive timers (and tests can warp the clock).
func (h *Herder) Scheduler() *scheduler.Scheduler {
	return h.sched
}

// Nominate proposes [value] for [slotIndex]; [previousValue] (the previous
// slot's decision) seeds the priority hash that ranks values adopted from
// round leaders. The leader set itself depends only on the round number and
// the local quorum set.
func (h *Herder) Nominate(slotIndex uint64, value, previousValue types.Value) bool {
	if h.shutdown {
		return false
	}
	h.knownValues.Add(value.Hash())
	return h.getSlot(slotIndex).Nominate(value, previousValue)
}

// Submit receives one envelope from the overlay. The returned status says
// whether it was queued, parked on a missing dependency, or deduplicated;
// queued envelopes are dispatched before Submit returns.
func (h *Herder) Submit(env *types.Envelope) EnvelopeStatus {
	h.metrics.envelopesReceived.Inc()
	if h.shutdown || env == nil || env.Statement == nil {
		h.metrics.envelopesDiscarded.Inc()
		return StatusDiscarded
	}

	if !h.verifier.Verify(env.NodeID, env.SignableBytes(), env.Signature) {
		h.log.Debug("discarding envelope with bad signature",
			zap.Uint64("slot", env.SlotIndex),
			zap.Stringer("nodeID", env.NodeID),
		)
		h.pending.MarkDiscarded(env)
		h.metrics.envelopesDiscarded.Inc()
		return StatusDiscarded
	}

	// Slots already externalized or too far ahead are not buffered.
	if env.SlotIndex <= h.latestExternalized ||
		env.SlotIndex > h.maxTrackedSlot()+h.params.MaxSlotsBuffered {
		h.pending.MarkDiscarded(env)
		h.metrics.envelopesDiscarded.Inc()
		return StatusDiscarded
	}

	missing, invalid := h.missingDependencies(env)
	if invalid {
		h.pending.MarkDiscarded(env)
		h.metrics.envelopesDiscarded.Inc()
		return StatusDiscarded
	}

	status := h.pending.Submit(env, missing)
	h.metrics.envelopesFetching.Set(float64(h.pending.NumFetching()))
	if status == StatusReady {
		h.processReady()
	}
	return status
}

// ReceiveQuorumSet supplies a fetched quorum set; parked envelopes whose
// last missing dependency it was become processable.
func (h *Herder) ReceiveQuorumSet(qs *quorum.Set) error {
	if err := qs.Validate(); err != nil {
		return err
	}
	hash := qs.Hash()
	if _, ok := h.qsets[hash]; !ok {
		h.qsets[hash] = qs
	}
	h.release(hash)
	return nil
}

// ReceiveValue supplies a fetched value.
func (h *Herder) ReceiveValue(v types.Value) {
	h.knownValues.Add(v.Hash())
	h.release(v.Hash())
}

func (h *Herder) release(hash ids.ID) {
	released := h.pending.Resolve(hash)
	h.metrics.envelopesFetching.Set(float64(h.pending.NumFetching()))
	if len(released) > 0 {
		h.processReady()
	}
}

// FetchRequests lists the outstanding missing items of [kind] so the
// overlay can ask peers for them.
func (h *Herder) FetchRequests(kind DependencyKind) []ids.ID {
	return h.pending.FetchRequests(kind)
}

// RunDue drives expired timers; the owner goroutine calls this from its
// event loop.
func (h *Herder) RunDue() int {
	if h.shutdown {
		return 0
	}
	return h.sched.RunDue()
}

// ExternalizedValue returns the decided value for [slotIndex], if decided.
func (h *Herder) ExternalizedValue(slotIndex uint64) (types.Value, bool) {
	v, ok := h.externalizedValues[slotIndex]
	return v, ok
}

// LatestExternalizedSlot returns the highest decided slot (0 if none).
func (h *Herder) LatestExternalizedSlot() uint64 {
	return h.latestExternalized
}

// SlotEnvelopes returns the node's own latest envelopes for [slotIndex],
// serving lagging peers after externalization.
func (h *Herder) SlotEnvelopes(slotIndex uint64) []*types.Envelope {
	s, ok := h.slots[slotIndex]
	if !ok {
		return nil
	}
	return s.LatestEnvelopes()
}

// IsSlotFullyValidated reports the application-validation status of a
// decided slot.
func (h *Herder) IsSlotFullyValidated(slotIndex uint64) bool {
	s, ok := h.slots[slotIndex]
	return ok && s.IsFullyValidated()
}

// Shutdown drains the scheduler and stops all emission.
func (h *Herder) Shutdown() {
	h.shutdown = true
	h.sched.Shutdown()
}

// ---- slot.Herder ---------------------------------------------------------

func (h *Herder) CombineCandidates(values []types.Value) (types.Value, bool) {
	return h.app.CombineCandidates(values)
}

func (h *Herder) ValidateValue(v types.Value, isNomination bool) types.ValidationLevel {
	if h.knownValues.Contains(v.Hash()) {
		return types.ValidationFully
	}
	return h.app.ValidateValue(v, isNomination)
}

func (h *Herder) ExtractValidValue(v types.Value) (types.Value, bool) {
	return h.app.ExtractValidValue(v)
}

func (h *Herder) GetQuorumSet(nodeID ids.NodeID) (*quorum.Set, bool) {
	hash, ok := h.nodeQSetHash[nodeID]
	if !ok {
		return nil, false
	}
	qs, ok := h.qsets[hash]
	return qs, ok
}

func (h *Herder) ComputeTimeout(round uint64) time.Duration {
	return h.params.Timeout(round)
}

func (h *Herder) EmitEnvelope(env *types.Envelope) {
	if h.shutdown {
		return
	}
	h.store.Add(env)
	h.metrics.envelopesEmitted.Inc()
	h.overlay.Broadcast(env)
}

func (h *Herder) ValueExternalized(slotIndex uint64, v types.Value) {
	h.externalizedValues[slotIndex] = v
	h.knownValues.Add(v.Hash())
	h.metrics.slotsExternalized.Inc()
	if slotIndex > h.latestExternalized {
		h.latestExternalized = slotIndex
		h.metrics.latestSlot.Set(float64(slotIndex))
	}
	h.app.ValueExternalized(slotIndex, v)
	h.gcSlots()
}

// ---- internals -----------------------------------------------------------

// gcSlots destroys slots that are past the retention window behind the
// latest externalized slot.
func (h *Herder) gcSlots() {
	if h.latestExternalized <= h.params.SlotRetention {
		return
	}
	cutoff := h.latestExternalized - h.params.SlotRetention
	for index := range h.slots {
		if index >= cutoff {
			continue
		}
		delete(h.slots, index)
		delete(h.externalizedValues, index)
		h.store.EvictSlot(index)
		h.pending.EvictSlot(index)
		h.sched.CancelSlot(index)
	}
}

func (h *Herder) getSlot(index uint64) *slot.Slot {
	s, ok := h.slots[index]
	if !ok {
		s = slot.New(h.log, index, h.local, h, h.sched, h.signer)
		h.slots[index] = s
	}
	return s
}

func (h *Herder) maxTrackedSlot() uint64 {
	max := h.latestExternalized
	for index := range h.slots {
		if index > max {
			max = index
		}
	}
	return max
}

// processReady drains every slot's ready queue in arrival order.
func (h *Herder) processReady() {
	for {
		dispatched := false
		for _, slotIndex := range h.pending.ReadySlots() {
			for {
				env, ok := h.pending.Pop(slotIndex)
				if !ok {
					break
				}
				dispatched = true
				h.dispatch(env)
			}
		}
		if !dispatched {
			return
		}
	}
}

func (h *Herder) dispatch(env *types.Envelope) {
	h.store.Add(env)
	// The sender's declared quorum set must be resolvable while its own
	// statement is being judged.
	h.nodeQSetHash[env.NodeID] = env.Statement.QuorumSetHash()
	if h.getSlot(env.SlotIndex).RecvEnvelope(env) {
		h.pending.MarkProcessed(env)
		h.metrics.envelopesProcessed.Inc()
		return
	}
	h.pending.MarkDiscarded(env)
	h.metrics.envelopesDiscarded.Inc()
}

// missingDependencies computes the unresolved hashes [env] references.
// invalid is set when the application permanently rejects a value.
func (h *Herder) missingDependencies(env *types.Envelope) (map[ids.ID]DependencyKind, bool) {
	missing := make(map[ids.ID]DependencyKind)

	qsetHash := env.Statement.QuorumSetHash()
	if _, ok := h.qsets[qsetHash]; !ok {
		missing[qsetHash] = DependencyQuorumSet
	}

	isNomination := env.Statement.Type() == types.StatementNominate
	for _, v := range statementValues(env.Statement) {
		switch h.ValidateValue(v, isNomination) {
		case types.ValidationInvalid:
			return nil, true
		case types.ValidationMaybeLater:
			missing[v.Hash()] = DependencyValue
		}
	}
	return missing, false
}

// statementValues lists every value a statement mentions.
func statementValues(st types.Statement) []types.Value {
	switch s := st.(type) {
	case *types.Nominate:
		return append(append([]types.Value{}, s.Votes...), s.Accepted...)
	case *types.Prepare:
		out := []types.Value{s.Ballot.Value}
		if s.Prepared != nil {
			out = append(out, s.Prepared.Value)
		}
		if s.PreparedPrime != nil {
			out = append(out, s.PreparedPrime.Value)
		}
		return out
	case *types.Confirm:
		return []types.Value{s.Ballot.Value}
	case *types.Externalize:
		return []types.Value{s.Commit.Value}
	default:
		return nil
	}
}
