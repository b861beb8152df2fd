// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"fmt"

	"github.com/luxfi/crypto/hashing/hashing"
	"github.com/luxfi/ids"
)

// Envelope is one node's signed statement for one slot.
type Envelope struct {
	SlotIndex uint64
	NodeID    ids.NodeID
	Statement Statement
	Signature []byte
}

// SignableBytes returns the canonical serialization of every field preceding
// the signature; this is the byte string that is signed and verified.
func (e *Envelope) SignableBytes() []byte {
	p := &Packer{}
	appendSignable(p, e)
	return p.Bytes
}

// ID is the envelope's dedup identity: (node, slot, statement hash).
func (e *Envelope) ID() ids.ID {
	stHash := HashStatement(e.Statement)
	p := &Packer{}
	p.PackBytes(e.NodeID.Bytes())
	p.PackLong(e.SlotIndex)
	p.PackFixedBytes(stHash[:])
	return ids.ID(hashing.ComputeHash256Array(p.Bytes))
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{slot=%d node=%s type=%s}", e.SlotIndex, e.NodeID, e.Statement.Type())
}
