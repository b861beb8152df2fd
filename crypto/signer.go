// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto adapts BLS keys to the engine's opaque sign/verify
// capability. The engine never inspects signatures beyond these interfaces.
package crypto

import (
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

// Signer produces envelope signatures for the local node.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a peer's envelope signature.
type Verifier interface {
	Verify(nodeID ids.NodeID, msg []byte, sig []byte) bool
}

// BLSSigner signs with a BLS secret key.
type BLSSigner struct {
	sk *bls.SecretKey
}

// NewBLSSigner generates a fresh key pair.
func NewBLSSigner() (*BLSSigner, error) {
	sk, err := bls.NewSecretKey()
	if err != nil {
		return nil, err
	}
	return &BLSSigner{sk: sk}, nil
}

// NewBLSSignerFromKey wraps an existing secret key.
func NewBLSSignerFromKey(sk *bls.SecretKey) *BLSSigner {
	return &BLSSigner{sk: sk}
}

func (s *BLSSigner) Sign(msg []byte) ([]byte, error) {
	sig, err := s.sk.Sign(msg)
	if err != nil {
		return nil, err
	}
	return bls.SignatureToBytes(sig), nil
}

// PublicKey returns the verifying key for registry distribution.
func (s *BLSSigner) PublicKey() *bls.PublicKey {
	return s.sk.PublicKey()
}

// BLSVerifier verifies against a static node → public key registry. Key
// discovery belongs to the membership layer; the engine only consumes the
// mapping.
type BLSVerifier struct {
	keys map[ids.NodeID]*bls.PublicKey
}

func NewBLSVerifier() *BLSVerifier {
	return &BLSVerifier{keys: make(map[ids.NodeID]*bls.PublicKey)}
}

// Register associates [pk] with [nodeID], replacing any previous key.
func (v *BLSVerifier) Register(nodeID ids.NodeID, pk *bls.PublicKey) {
	v.keys[nodeID] = pk
}

func (v *BLSVerifier) Verify(nodeID ids.NodeID, msg []byte, sig []byte) bool {
	pk, ok := v.keys[nodeID]
	if !ok {
		return false
	}
	parsed, err := bls.SignatureFromBytes(sig)
	if err != nil {
		return false
	}
	return bls.Verify(pk, parsed, msg)
}

// NoVerify accepts every signature; it serves tests and simulations where
// message authenticity is established out of band.
type NoVerify struct{}

func (NoVerify) Verify(ids.NodeID, []byte, []byte) bool {
	return true
}

// NoSign produces empty signatures, pairing with NoVerify.
type NoSign struct{}

func (NoSign) Sign([]byte) ([]byte, error) {
	return nil, nil
}
