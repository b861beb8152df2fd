// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestBLSSignVerify(t *testing.T) {
	require := require.New(t)

	signer, err := NewBLSSigner()
	require.NoError(err)

	nodeID := ids.BuildTestNodeID([]byte{0x01})
	verifier := NewBLSVerifier()
	verifier.Register(nodeID, signer.PublicKey())

	msg := []byte("statement bytes")
	sig, err := signer.Sign(msg)
	require.NoError(err)
	require.NotEmpty(sig)

	require.True(verifier.Verify(nodeID, msg, sig))
	require.False(verifier.Verify(nodeID, []byte("tampered"), sig))
	require.False(verifier.Verify(nodeID, msg, []byte("garbage")))

	// Unregistered nodes never verify.
	other := ids.BuildTestNodeID([]byte{0x02})
	require.False(verifier.Verify(other, msg, sig))
}

func TestWrongKeyRejected(t *testing.T) {
	require := require.New(t)

	signer, err := NewBLSSigner()
	require.NoError(err)
	imposter, err := NewBLSSigner()
	require.NoError(err)

	nodeID := ids.BuildTestNodeID([]byte{0x01})
	verifier := NewBLSVerifier()
	verifier.Register(nodeID, imposter.PublicKey())

	msg := []byte("statement bytes")
	sig, err := signer.Sign(msg)
	require.NoError(err)
	require.False(verifier.Verify(nodeID, msg, sig))
}

func TestNoSignNoVerify(t *testing.T) {
	require := require.New(t)

	sig, err := NoSign{}.Sign([]byte("anything"))
	require.NoError(err)
	require.Empty(sig)

	nodeID := ids.BuildTestNodeID([]byte{0x01})
	require.True(NoVerify{}.Verify(nodeID, []byte("anything"), nil))
}
