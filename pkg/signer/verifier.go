package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/helm-labs/council/pkg/contracts"
)

// Verifier verifies Verdict signatures using only a public key — the shape
// an external auditor holds, as opposed to the full Signer used by the
// Council to produce signatures.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
	VerifyVerdict(v *contracts.Verdict) (bool, error)
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier from a raw public key.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(v.PublicKey, message, signature)
}

func (v *Ed25519Verifier) VerifyVerdict(vd *contracts.Verdict) (bool, error) {
	if vd.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	payload, err := VerdictSigningPayload(*vd)
	if err != nil {
		return false, fmt.Errorf("canonicalize verdict: %w", err)
	}
	sig, err := hex.DecodeString(vd.Signature)
	if err != nil {
		return false, err
	}
	return v.Verify(payload, sig), nil
}
