// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package herder

import (
	"bytes"
	"sort"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/scp/types"
)

// EnvelopeStatus is the herder's verdict on a submitted envelope.
type EnvelopeStatus uint8

const (
	// StatusReady means the envelope is queued for dispatch.
	StatusReady EnvelopeStatus = iota
	// StatusFetching means a referenced quorum set or value is unknown and
	// the envelope is parked until it arrives.
	StatusFetching
	// StatusProcessed means this exact envelope was already dispatched.
	StatusProcessed
	// StatusDiscarded means this exact envelope was already rejected.
	StatusDiscarded
)

func (s EnvelopeStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusFetching:
		return "fetching"
	case StatusProcessed:
		return "processed"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// DependencyKind distinguishes what a parked envelope is waiting for.
type DependencyKind uint8

const (
	DependencyQuorumSet DependencyKind = iota
	DependencyValue
)

// pendingEnvelope is a parked envelope and its outstanding dependencies.
type pendingEnvelope struct {
	env     *types.Envelope
	missing set.Set[ids.ID]
}

// slotPending tracks the four disjoint per-slot envelope sets.
type slotPending struct {
	ready     []ids.ID
	fetching  map[ids.ID]*pendingEnvelope
	processed set.Set[ids.ID]
	discarded set.Set[ids.ID]
}

func newSlotPending() *slotPending {
	return &slotPending{
		fetching:  make(map[ids.ID]*pendingEnvelope),
		processed: set.NewSet[ids.ID](16),
		discarded: set.NewSet[ids.ID](16),
	}
}

// tracker accumulates the envelopes waiting on one missing item.
type tracker struct {
	kind    DependencyKind
	waiting set.Set[ids.ID]
}

// Pending buffers envelopes whose dependencies are unresolved, releases
// them when the dependencies arrive, and deduplicates processed and
// discarded envelopes by identity.
type Pending struct {
	slots    map[uint64]*slotPending
	envs     map[ids.ID]*types.Envelope
	trackers map[ids.ID]*tracker
}

func NewPending() *Pending {
	return &Pending{
		slots:    make(map[uint64]*slotPending),
		envs:     make(map[ids.ID]*types.Envelope),
		trackers: make(map[ids.ID]*tracker),
	}
}

func (p *Pending) slot(index uint64) *slotPending {
	sp, ok := p.slots[index]
	if !ok {
		sp = newSlotPending()
		p.slots[index] = sp
	}
	return sp
}

// Submit files [env] under the dependencies in [missing] (empty means none).
// The returned status tells the caller whether the envelope is queued,
// parked, or a duplicate.
func (p *Pending) Submit(env *types.Envelope, missing map[ids.ID]DependencyKind) EnvelopeStatus {
	id := env.ID()
	sp := p.slot(env.SlotIndex)

	switch {
	case sp.processed.Contains(id):
		return StatusProcessed
	case sp.discarded.Contains(id):
		return StatusDiscarded
	}
	if _, ok := sp.fetching[id]; ok {
		return StatusFetching
	}
	for _, queued := range sp.ready {
		if queued == id {
			return StatusReady
		}
	}

	p.envs[id] = env
	if len(missing) == 0 {
		sp.ready = append(sp.ready, id)
		return StatusReady
	}

	pe := &pendingEnvelope{env: env, missing: set.NewSet[ids.ID](len(missing))}
	for dep, kind := range missing {
		pe.missing.Add(dep)
		tr, ok := p.trackers[dep]
		if !ok {
			tr = &tracker{kind: kind, waiting: set.NewSet[ids.ID](4)}
			p.trackers[dep] = tr
		}
		tr.waiting.Add(id)
	}
	sp.fetching[id] = pe
	return StatusFetching
}

// Resolve satisfies the dependency [hash]; every envelope whose last
// missing dependency this was moves to its slot's ready queue. Returns the
// released envelopes in submission-independent id order.
func (p *Pending) Resolve(hash ids.ID) []*types.Envelope {
	tr, ok := p.trackers[hash]
	if !ok {
		return nil
	}
	delete(p.trackers, hash)

	waiting := tr.waiting.List()
	sort.Slice(waiting, func(i, j int) bool {
		return bytes.Compare(waiting[i][:], waiting[j][:]) < 0
	})

	var released []*types.Envelope
	for _, id := range waiting {
		env, ok := p.envs[id]
		if !ok {
			continue
		}
		sp := p.slot(env.SlotIndex)
		pe, ok := sp.fetching[id]
		if !ok {
			continue
		}
		pe.missing.Remove(hash)
		if pe.missing.Len() == 0 {
			delete(sp.fetching, id)
			sp.ready = append(sp.ready, id)
			released = append(released, env)
		}
	}
	return released
}

// Pop takes the oldest ready envelope of [slot].
func (p *Pending) Pop(slot uint64) (*types.Envelope, bool) {
	sp, ok := p.slots[slot]
	if !ok || len(sp.ready) == 0 {
		return nil, false
	}
	id := sp.ready[0]
	sp.ready = sp.ready[1:]
	env, ok := p.envs[id]
	if !ok {
		return nil, false
	}
	return env, true
}

// ReadySlots lists the slots with queued envelopes.
func (p *Pending) ReadySlots() []uint64 {
	var out []uint64
	for index, sp := range p.slots {
		if len(sp.ready) > 0 {
			out = append(out, index)
		}
	}
	return out
}

// MarkProcessed records a successful dispatch for dedup.
func (p *Pending) MarkProcessed(env *types.Envelope) {
	id := env.ID()
	p.slot(env.SlotIndex).processed.Add(id)
	delete(p.envs, id)
}

// MarkDiscarded records a rejected envelope for dedup.
func (p *Pending) MarkDiscarded(env *types.Envelope) {
	id := env.ID()
	sp := p.slot(env.SlotIndex)
	sp.discarded.Add(id)
	if pe, ok := sp.fetching[id]; ok {
		for _, dep := range pe.missing.List() {
			if tr, ok := p.trackers[dep]; ok {
				tr.waiting.Remove(id)
				if tr.waiting.Len() == 0 {
					delete(p.trackers, dep)
				}
			}
		}
		delete(sp.fetching, id)
	}
	delete(p.envs, id)
}

// FetchRequests lists the outstanding missing items of [kind].
func (p *Pending) FetchRequests(kind DependencyKind) []ids.ID {
	var out []ids.ID
	for hash, tr := range p.trackers {
		if tr.kind == kind && tr.waiting.Len() > 0 {
			out = append(out, hash)
		}
	}
	return out
}

// NumFetching returns how many envelopes are parked.
func (p *Pending) NumFetching() int {
	n := 0
	for _, sp := range p.slots {
		n += len(sp.fetching)
	}
	return n
}

// EvictSlot forgets all bookkeeping for [slot].
func (p *Pending) EvictSlot(slot uint64) {
	sp, ok := p.slots[slot]
	if !ok {
		return
	}
	for id, pe := range sp.fetching {
		for _, dep := range pe.missing.List() {
			if tr, ok := p.trackers[dep]; ok {
				tr.waiting.Remove(id)
				if tr.waiting.Len() == 0 {
					delete(p.trackers, dep)
				}
			}
		}
		delete(p.envs, id)
	}
	for _, id := range sp.ready {
		delete(p.envs, id)
	}
	delete(p.slots, slot)
}
