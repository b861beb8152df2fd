// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "fmt"

// Ballot is a (counter, value) pair. Ballots are ordered lexicographically by
// counter, then by value.
type Ballot struct {
	Counter uint32
	Value   Value
}

// Compare orders ballots lexicographically by (counter, value).
func (b Ballot) Compare(o Ballot) int {
	switch {
	case b.Counter < o.Counter:
		return -1
	case b.Counter > o.Counter:
		return 1
	default:
		return b.Value.Compare(o.Value)
	}
}

func (b Ballot) Equal(o Ballot) bool {
	return b.Counter == o.Counter && b.Value.Equal(o.Value)
}

// Compatible reports whether the two ballots carry the same value.
func (b Ballot) Compatible(o Ballot) bool {
	return b.Value.Equal(o.Value)
}

// LessAndCompatible reports b ≲ o: b ≤ o and the values are equal.
func (b Ballot) LessAndCompatible(o Ballot) bool {
	return b.Compare(o) <= 0 && b.Compatible(o)
}

// LessAndIncompatible reports b ≺ o: b ≤ o and the values differ.
func (b Ballot) LessAndIncompatible(o Ballot) bool {
	return b.Compare(o) <= 0 && !b.Compatible(o)
}

func (b Ballot) String() string {
	return fmt.Sprintf("(%d, %s)", b.Counter, b.Value.Hash())
}

// CompareOptional orders possibly-nil ballots; nil sorts before every ballot.
func CompareOptional(a, b *Ballot) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}
