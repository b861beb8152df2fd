// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"bytes"

	"github.com/luxfi/crypto/hashing/hashing"
	"github.com/luxfi/ids"
)

// Value is an opaque consensus value. The application supplies the semantics
// (combination, validation); the engine only orders, hashes and transports it.
type Value []byte

// Hash returns the content hash of the value, used as its identity in
// dependency tracking and leader-priority computations.
func (v Value) Hash() ids.ID {
	return ids.ID(hashing.ComputeHash256Array(v))
}

// Compare orders values by their canonical serialization.
func (v Value) Compare(o Value) int {
	return bytes.Compare(v, o)
}

func (v Value) Equal(o Value) bool {
	return bytes.Equal(v, o)
}

// IsZero reports whether the value is the empty value.
func (v Value) IsZero() bool {
	return len(v) == 0
}

// ValidationLevel is the application's verdict on a value.
type ValidationLevel uint8

const (
	// ValidationFully marks the value as valid now.
	ValidationFully ValidationLevel = iota
	// ValidationMaybeLater marks the value as unknown yet; the envelope
	// carrying it is parked until the value is fetched.
	ValidationMaybeLater
	// ValidationInvalid marks the value as permanently invalid.
	ValidationInvalid
)

func (l ValidationLevel) String() string {
	switch l {
	case ValidationFully:
		return "fully"
	case ValidationMaybeLater:
		return "maybe-later"
	case ValidationInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ValueSet is a sorted, duplicate-free collection of values. The zero value
// is an empty set.
type ValueSet struct {
	vals []Value
}

// NewValueSet returns a set seeded with [vals].
func NewValueSet(vals ...Value) ValueSet {
	var s ValueSet
	for _, v := range vals {
		s.Add(v)
	}
	return s
}

func (s *ValueSet) search(v Value) (int, bool) {
	lo, hi := 0, len(s.vals)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := s.vals[mid].Compare(v); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// Add inserts [v] keeping the set sorted. Returns whether the set changed.
func (s *ValueSet) Add(v Value) bool {
	i, ok := s.search(v)
	if ok {
		return false
	}
	s.vals = append(s.vals, nil)
	copy(s.vals[i+1:], s.vals[i:])
	s.vals[i] = v
	return true
}

func (s *ValueSet) Contains(v Value) bool {
	_, ok := s.search(v)
	return ok
}

func (s *ValueSet) Remove(v Value) bool {
	i, ok := s.search(v)
	if !ok {
		return false
	}
	s.vals = append(s.vals[:i], s.vals[i+1:]...)
	return true
}

func (s *ValueSet) Len() int {
	return len(s.vals)
}

// List returns the values in ascending order. The slice is shared; callers
// must not mutate it.
func (s *ValueSet) List() []Value {
	return s.vals
}

// Union adds every value of [o] to the set.
func (s *ValueSet) Union(o ValueSet) {
	for _, v := range o.vals {
		s.Add(v)
	}
}

// Superset reports whether the set contains every value of [o].
func (s *ValueSet) Superset(o ValueSet) bool {
	for _, v := range o.vals {
		if !s.Contains(v) {
			return false
		}
	}
	return true
}
