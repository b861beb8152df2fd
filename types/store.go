// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"github.com/luxfi/ids"
)

// EnvelopeStore interns envelopes by id. The nomination and ballot states
// keep their own per-peer envelope pointers and do not read from it.
// Retention is bounded per slot; adding past the bound evicts the oldest
// envelope of that slot.
type EnvelopeStore struct {
	perSlotLimit int

	envelopes map[ids.ID]*Envelope
	bySlot    map[uint64][]ids.ID
}

// NewEnvelopeStore returns a store keeping at most [perSlotLimit] envelopes
// per slot; a non-positive limit means unbounded.
func NewEnvelopeStore(perSlotLimit int) *EnvelopeStore {
	return &EnvelopeStore{
		perSlotLimit: perSlotLimit,
		envelopes:    make(map[ids.ID]*Envelope),
		bySlot:       make(map[uint64][]ids.ID),
	}
}

// Add interns [env] and returns its id. Re-adding an envelope is a no-op.
func (s *EnvelopeStore) Add(env *Envelope) ids.ID {
	id := env.ID()
	if _, ok := s.envelopes[id]; ok {
		return id
	}
	s.envelopes[id] = env
	s.bySlot[env.SlotIndex] = append(s.bySlot[env.SlotIndex], id)
	if s.perSlotLimit > 0 && len(s.bySlot[env.SlotIndex]) > s.perSlotLimit {
		oldest := s.bySlot[env.SlotIndex][0]
		s.bySlot[env.SlotIndex] = s.bySlot[env.SlotIndex][1:]
		delete(s.envelopes, oldest)
	}
	return id
}

// Get returns the envelope for [id], if it is still retained.
func (s *EnvelopeStore) Get(id ids.ID) (*Envelope, bool) {
	env, ok := s.envelopes[id]
	return env, ok
}

// EvictSlot drops every envelope of [slot].
func (s *EnvelopeStore) EvictSlot(slot uint64) {
	for _, id := range s.bySlot[slot] {
		delete(s.envelopes, id)
	}
	delete(s.bySlot, slot)
}

// Len returns the number of retained envelopes.
func (s *EnvelopeStore) Len() int {
	return len(s.envelopes)
}
