package signer

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/contracts"
)

func TestSigner_Integrity(t *testing.T) {
	s, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	v := &contracts.Verdict{
		ID:             "verdict-123",
		TaskID:         "task-1",
		Decision:       contracts.VerdictAccept,
		DecisionReason: contracts.ReasonConsensus,
		ConsensusScore: 0.92,
		DissentText:    "no dissent",
		CreatedAt:      time.Unix(0, 0).UTC(),
	}

	require.NoError(t, s.SignVerdict(v))
	require.NotEmpty(t, v.Signature)
	require.Equal(t, "key-1", v.KeyID)

	valid, err := s.VerifyVerdict(v)
	require.NoError(t, err)
	require.True(t, valid)

	v.DissentText = "tampered"
	valid, _ = s.VerifyVerdict(v)
	require.False(t, valid)
}

func TestSigner_VerifyFailsWithoutSignature(t *testing.T) {
	s, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	_, err = s.VerifyVerdict(&contracts.Verdict{ID: "v1"})
	require.Error(t, err)
}

func TestVerifier_IndependentOfSigner(t *testing.T) {
	s, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	v := &contracts.Verdict{ID: "v1", TaskID: "t1", Decision: contracts.VerdictReject}
	require.NoError(t, s.SignVerdict(v))

	pub, err := hex.DecodeString(s.PublicKey())
	require.NoError(t, err)

	verifier, err := NewEd25519Verifier(pub)
	require.NoError(t, err)

	valid, err := verifier.VerifyVerdict(v)
	require.NoError(t, err)
	require.True(t, valid)
}
