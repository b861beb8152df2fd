// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"github.com/luxfi/crypto/hashing/hashing"
	"github.com/luxfi/ids"
)

// StatementType tags the four statement variants on the wire.
type StatementType uint8

const (
	StatementNominate StatementType = iota
	StatementPrepare
	StatementConfirm
	StatementExternalize
)

func (t StatementType) String() string {
	switch t {
	case StatementNominate:
		return "nominate"
	case StatementPrepare:
		return "prepare"
	case StatementConfirm:
		return "confirm"
	case StatementExternalize:
		return "externalize"
	default:
		return "unknown"
	}
}

// Statement is one node's assertion about one slot.
type Statement interface {
	Type() StatementType

	// QuorumSetHash identifies the quorum set the statement's sender was
	// using; for Externalize it is the quorum set in force at commit time.
	QuorumSetHash() ids.ID

	// appendBody serializes the variant's fields in canonical order.
	appendBody(p *Packer)
}

// Nominate carries the sender's nomination votes and accepts. Both sets are
// sorted; they may overlap.
type Nominate struct {
	QSetHash ids.ID
	Votes    []Value
	Accepted []Value
}

func (*Nominate) Type() StatementType { return StatementNominate }
func (n *Nominate) QuorumSetHash() ids.ID { return n.QSetHash }

// VotesOrAccepted reports whether [v] appears in either set.
func (n *Nominate) VotesOrAccepted(v Value) bool {
	return containsValue(n.Votes, v) || containsValue(n.Accepted, v)
}

// AcceptsValue reports whether [v] appears in the accepted set.
func (n *Nominate) AcceptsValue(v Value) bool {
	return containsValue(n.Accepted, v)
}

func containsValue(vals []Value, v Value) bool {
	for _, x := range vals {
		if x.Equal(v) {
			return true
		}
	}
	return false
}

// Prepare is the PREPARE-phase ballot statement.
type Prepare struct {
	QSetHash      ids.ID
	Ballot        Ballot
	Prepared      *Ballot
	PreparedPrime *Ballot
	CCounter      uint32
	HCounter      uint32
}

func (*Prepare) Type() StatementType { return StatementPrepare }
func (p *Prepare) QuorumSetHash() ids.ID { return p.QSetHash }

// Confirm is the CONFIRM-phase ballot statement.
type Confirm struct {
	QSetHash        ids.ID
	Ballot          Ballot
	PreparedCounter uint32
	CCounter        uint32
	HCounter        uint32
}

func (*Confirm) Type() StatementType { return StatementConfirm }
func (c *Confirm) QuorumSetHash() ids.ID { return c.QSetHash }

// Externalize is the terminal ballot statement; its content never changes
// once emitted.
type Externalize struct {
	CommitQSetHash ids.ID
	Commit         Ballot
	HCounter       uint32
}

func (*Externalize) Type() StatementType { return StatementExternalize }
func (e *Externalize) QuorumSetHash() ids.ID { return e.CommitQSetHash }

// HashStatement returns the content hash of a statement's canonical
// serialization.
func HashStatement(st Statement) ids.ID {
	p := &Packer{}
	p.PackByte(byte(st.Type()))
	st.appendBody(p)
	return ids.ID(hashing.ComputeHash256Array(p.Bytes))
}

// IsNewerStatement reports whether [b] strictly supersedes [a] under the
// per-peer statement order. Passing a nil [a] treats any statement as newer.
//
// Ballot statements order by phase first (prepare < confirm < externalize),
// then within the phase by the fields a peer may only grow. Two externalize
// statements never supersede one another. Nominate statements order by
// strict superset growth of the vote and accept sets and only ever compare
// against other nominates.
func IsNewerStatement(a, b Statement) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}

	if a.Type() == StatementNominate || b.Type() == StatementNominate {
		an, aok := a.(*Nominate)
		bn, bok := b.(*Nominate)
		if !aok || !bok {
			// A peer never legally mixes nomination and ballot statements
			// under one ordering; treat as not newer.
			return false
		}
		grew := len(bn.Votes) > len(an.Votes) || len(bn.Accepted) > len(an.Accepted)
		if !grew {
			return false
		}
		return supersetValues(bn.Votes, an.Votes) && supersetValues(bn.Accepted, an.Accepted)
	}

	if a.Type() != b.Type() {
		return b.Type() > a.Type()
	}

	switch at := a.(type) {
	case *Prepare:
		bt := b.(*Prepare)
		if c := at.Ballot.Compare(bt.Ballot); c != 0 {
			return c < 0
		}
		if c := CompareOptional(at.Prepared, bt.Prepared); c != 0 {
			return c < 0
		}
		if c := CompareOptional(at.PreparedPrime, bt.PreparedPrime); c != 0 {
			return c < 0
		}
		return at.HCounter < bt.HCounter
	case *Confirm:
		bt := b.(*Confirm)
		if c := at.Ballot.Compare(bt.Ballot); c != 0 {
			return c < 0
		}
		if at.PreparedCounter != bt.PreparedCounter {
			return at.PreparedCounter < bt.PreparedCounter
		}
		return at.HCounter < bt.HCounter
	case *Externalize:
		return false
	default:
		return false
	}
}

func supersetValues(sup, sub []Value) bool {
	for _, v := range sub {
		if !containsValue(sup, v) {
			return false
		}
	}
	return true
}
