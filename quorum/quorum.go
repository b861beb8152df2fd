// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"bytes"
	"errors"
	"sort"

	"github.com/luxfi/crypto/hashing/hashing"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/scp/types"
)

var (
	ErrNoSlices   = errors.New("quorum set has no slices")
	ErrEmptySlice = errors.New("quorum slice is empty")
)

// Slice is one quorum slice: a set of nodes trusted jointly, kept sorted by
// node id.
type Slice []ids.NodeID

// Contains reports whether [id] is a member of the slice.
func (s Slice) Contains(id ids.NodeID) bool {
	for _, m := range s {
		if m == id {
			return true
		}
	}
	return false
}

// Within reports whether every member of the slice is in [nodes].
func (s Slice) Within(nodes set.Set[ids.NodeID]) bool {
	for _, m := range s {
		if !nodes.Contains(m) {
			return false
		}
	}
	return true
}

// Set is a node's full trust structure: a non-empty collection of slices.
type Set struct {
	Slices []Slice
}

// NewSet builds a normalized quorum set from [slices].
func NewSet(slices ...Slice) *Set {
	s := &Set{Slices: slices}
	s.Normalize()
	return s
}

// SingletonSet returns the quorum set whose only slice is {id}.
func SingletonSet(id ids.NodeID) *Set {
	return NewSet(Slice{id})
}

// Normalize sorts every slice by node id, deduplicates members, and sorts
// the slices by their canonical serialization so that equal sets serialize
// identically.
func (s *Set) Normalize() {
	for i, sl := range s.Slices {
		sort.Slice(sl, func(a, b int) bool {
			return bytes.Compare(sl[a].Bytes(), sl[b].Bytes()) < 0
		})
		dedup := sl[:0]
		for j, m := range sl {
			if j == 0 || m != sl[j-1] {
				dedup = append(dedup, m)
			}
		}
		s.Slices[i] = dedup
	}
	sort.Slice(s.Slices, func(a, b int) bool {
		return bytes.Compare(sliceBytes(s.Slices[a]), sliceBytes(s.Slices[b])) < 0
	})
}

// Validate checks structural sanity.
func (s *Set) Validate() error {
	if len(s.Slices) == 0 {
		return ErrNoSlices
	}
	for _, sl := range s.Slices {
		if len(sl) == 0 {
			return ErrEmptySlice
		}
	}
	return nil
}

// Nodes returns every node mentioned in any slice.
func (s *Set) Nodes() set.Set[ids.NodeID] {
	nodes := set.NewSet[ids.NodeID](len(s.Slices))
	for _, sl := range s.Slices {
		nodes.Add(sl...)
	}
	return nodes
}

func sliceBytes(sl Slice) []byte {
	p := &types.Packer{}
	p.PackInt(uint32(len(sl)))
	for _, m := range sl {
		p.PackBytes(m.Bytes())
	}
	return p.Bytes
}

// Bytes returns the deterministic serialization: a sorted list of slices,
// each a sorted list of node ids.
func (s *Set) Bytes() []byte {
	p := &types.Packer{}
	p.PackInt(uint32(len(s.Slices)))
	for _, sl := range s.Slices {
		p.PackFixedBytes(sliceBytes(sl))
	}
	return p.Bytes
}

// Hash is the quorum hash referenced by statements.
func (s *Set) Hash() ids.ID {
	return ids.ID(hashing.ComputeHash256Array(s.Bytes()))
}

// ParseSet parses the serialization produced by Bytes.
func ParseSet(b []byte) (*Set, error) {
	u := &types.Unpacker{Bytes: b}
	numSlices := u.UnpackInt()
	s := &Set{}
	for i := uint32(0); i < numSlices && u.Err == nil; i++ {
		numMembers := u.UnpackInt()
		sl := make(Slice, 0, numMembers)
		for j := uint32(0); j < numMembers && u.Err == nil; j++ {
			id, err := ids.ToNodeID(u.UnpackBytes())
			if err != nil && u.Err == nil {
				u.Err = err
			}
			sl = append(sl, id)
		}
		s.Slices = append(s.Slices, sl)
	}
	if u.Err != nil {
		return nil, u.Err
	}
	return s, s.Validate()
}

// Weights returns each node's aggregate weight across the set's slices (the
// number of slices it appears in) together with the total weight.
func (s *Set) Weights() (map[ids.NodeID]uint64, uint64) {
	weights := make(map[ids.NodeID]uint64)
	var total uint64
	for _, sl := range s.Slices {
		for _, m := range sl {
			weights[m]++
			total++
		}
	}
	return weights, total
}
