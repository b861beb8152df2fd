// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

var (
	errPackOverflow   = errors.New("packed field too long")
	errUnpackShort    = errors.New("buffer too short")
	errUnknownVariant = errors.New("unknown statement tag")
	errTrailingBytes  = errors.New("trailing bytes after envelope")
)

// maxFieldLen bounds any single length-prefixed field on the wire.
const maxFieldLen = 1 << 20

// Packer builds the canonical little-endian, length-prefixed wire encoding.
// The first error sticks; subsequent packs are no-ops.
type Packer struct {
	Bytes []byte
	Err   error
}

func (p *Packer) PackByte(b byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b)
}

func (p *Packer) PackInt(v uint32) {
	if p.Err != nil {
		return
	}
	p.Bytes = binary.LittleEndian.AppendUint32(p.Bytes, v)
}

func (p *Packer) PackLong(v uint64) {
	if p.Err != nil {
		return
	}
	p.Bytes = binary.LittleEndian.AppendUint64(p.Bytes, v)
}

// PackBytes writes a u32 length prefix followed by the raw bytes.
func (p *Packer) PackBytes(b []byte) {
	if p.Err != nil {
		return
	}
	if len(b) > maxFieldLen {
		p.Err = errPackOverflow
		return
	}
	p.PackInt(uint32(len(b)))
	p.Bytes = append(p.Bytes, b...)
}

func (p *Packer) PackFixedBytes(b []byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b...)
}

// Unpacker reads the canonical encoding. The first error sticks and every
// later unpack returns a zero value.
type Unpacker struct {
	Bytes  []byte
	Offset int
	Err    error
}

func (u *Unpacker) UnpackByte() byte {
	if u.Err != nil {
		return 0
	}
	if u.Offset+1 > len(u.Bytes) {
		u.Err = errUnpackShort
		return 0
	}
	b := u.Bytes[u.Offset]
	u.Offset++
	return b
}

func (u *Unpacker) UnpackInt() uint32 {
	if u.Err != nil {
		return 0
	}
	if u.Offset+4 > len(u.Bytes) {
		u.Err = errUnpackShort
		return 0
	}
	v := binary.LittleEndian.Uint32(u.Bytes[u.Offset:])
	u.Offset += 4
	return v
}

func (u *Unpacker) UnpackLong() uint64 {
	if u.Err != nil {
		return 0
	}
	if u.Offset+8 > len(u.Bytes) {
		u.Err = errUnpackShort
		return 0
	}
	v := binary.LittleEndian.Uint64(u.Bytes[u.Offset:])
	u.Offset += 8
	return v
}

func (u *Unpacker) UnpackBytes() []byte {
	n := u.UnpackInt()
	if u.Err != nil {
		return nil
	}
	if n > maxFieldLen || u.Offset+int(n) > len(u.Bytes) {
		u.Err = errUnpackShort
		return nil
	}
	b := make([]byte, n)
	copy(b, u.Bytes[u.Offset:])
	u.Offset += int(n)
	return b
}

func (u *Unpacker) UnpackFixedBytes(n int) []byte {
	if u.Err != nil {
		return nil
	}
	if u.Offset+n > len(u.Bytes) {
		u.Err = errUnpackShort
		return nil
	}
	b := make([]byte, n)
	copy(b, u.Bytes[u.Offset:])
	u.Offset += n
	return b
}

func (p *Packer) packID(id ids.ID) {
	p.PackFixedBytes(id[:])
}

func (u *Unpacker) unpackID() ids.ID {
	var id ids.ID
	copy(id[:], u.UnpackFixedBytes(len(id)))
	return id
}

func (p *Packer) packValue(v Value) {
	p.PackBytes(v)
}

func (u *Unpacker) unpackValue() Value {
	return Value(u.UnpackBytes())
}

func (p *Packer) packValues(vals []Value) {
	p.PackInt(uint32(len(vals)))
	for _, v := range vals {
		p.packValue(v)
	}
}

func (u *Unpacker) unpackValues() []Value {
	n := u.UnpackInt()
	if u.Err != nil {
		return nil
	}
	if n > maxFieldLen {
		u.Err = errUnpackShort
		return nil
	}
	vals := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		vals = append(vals, u.unpackValue())
	}
	return vals
}

func (p *Packer) packBallot(b Ballot) {
	p.PackInt(b.Counter)
	p.packValue(b.Value)
}

func (u *Unpacker) unpackBallot() Ballot {
	return Ballot{
		Counter: u.UnpackInt(),
		Value:   u.unpackValue(),
	}
}

func (p *Packer) packOptionalBallot(b *Ballot) {
	if b == nil {
		p.PackByte(0)
		return
	}
	p.PackByte(1)
	p.packBallot(*b)
}

func (u *Unpacker) unpackOptionalBallot() *Ballot {
	switch u.UnpackByte() {
	case 0:
		return nil
	default:
		b := u.unpackBallot()
		return &b
	}
}

func (n *Nominate) appendBody(p *Packer) {
	p.packID(n.QSetHash)
	p.packValues(n.Votes)
	p.packValues(n.Accepted)
}

func (pr *Prepare) appendBody(p *Packer) {
	p.packID(pr.QSetHash)
	p.packBallot(pr.Ballot)
	p.packOptionalBallot(pr.Prepared)
	p.packOptionalBallot(pr.PreparedPrime)
	p.PackInt(pr.CCounter)
	p.PackInt(pr.HCounter)
}

func (c *Confirm) appendBody(p *Packer) {
	p.packID(c.QSetHash)
	p.packBallot(c.Ballot)
	p.PackInt(c.PreparedCounter)
	p.PackInt(c.CCounter)
	p.PackInt(c.HCounter)
}

func (e *Externalize) appendBody(p *Packer) {
	p.packID(e.CommitQSetHash)
	p.packBallot(e.Commit)
	p.PackInt(e.HCounter)
}

func unpackStatement(u *Unpacker) Statement {
	tag := StatementType(u.UnpackByte())
	if u.Err != nil {
		return nil
	}
	switch tag {
	case StatementNominate:
		return &Nominate{
			QSetHash: u.unpackID(),
			Votes:    u.unpackValues(),
			Accepted: u.unpackValues(),
		}
	case StatementPrepare:
		return &Prepare{
			QSetHash:      u.unpackID(),
			Ballot:        u.unpackBallot(),
			Prepared:      u.unpackOptionalBallot(),
			PreparedPrime: u.unpackOptionalBallot(),
			CCounter:      u.UnpackInt(),
			HCounter:      u.UnpackInt(),
		}
	case StatementConfirm:
		return &Confirm{
			QSetHash:        u.unpackID(),
			Ballot:          u.unpackBallot(),
			PreparedCounter: u.UnpackInt(),
			CCounter:        u.UnpackInt(),
			HCounter:        u.UnpackInt(),
		}
	case StatementExternalize:
		return &Externalize{
			CommitQSetHash: u.unpackID(),
			Commit:         u.unpackBallot(),
			HCounter:       u.UnpackInt(),
		}
	default:
		u.Err = fmt.Errorf("%w: %d", errUnknownVariant, tag)
		return nil
	}
}

// MarshalEnvelope serializes an envelope, signature included.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	p := &Packer{}
	appendSignable(p, e)
	p.PackBytes(e.Signature)
	return p.Bytes, p.Err
}

// UnmarshalEnvelope parses a complete envelope and rejects trailing bytes.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	u := &Unpacker{Bytes: b}
	e := &Envelope{
		SlotIndex: u.UnpackLong(),
	}
	nodeID, err := ids.ToNodeID(u.UnpackBytes())
	if err != nil && u.Err == nil {
		u.Err = err
	}
	e.NodeID = nodeID
	e.Statement = unpackStatement(u)
	e.Signature = u.UnpackBytes()
	if u.Err != nil {
		return nil, u.Err
	}
	if u.Offset != len(u.Bytes) {
		return nil, errTrailingBytes
	}
	return e, nil
}

func appendSignable(p *Packer, e *Envelope) {
	p.PackLong(e.SlotIndex)
	p.PackBytes(e.NodeID.Bytes())
	p.PackByte(byte(e.Statement.Type()))
	e.Statement.appendBody(p)
}
