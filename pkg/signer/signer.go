// Package signer provides the Clock / Signer / Hasher primitives:
// deterministic time, Ed25519 signing of Verdicts, and SHA-256 hash-chain
// linkage. All three are injected as explicit port objects into the Council
// and Orchestrator — there is no ambient singleton clock or key.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/helm-labs/council/pkg/canonicalize"
	"github.com/helm-labs/council/pkg/contracts"
)

// Signer signs and verifies Verdicts. The signing key identity is captured
// alongside every signature as key_id.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	KeyID() string
	SignVerdict(v *contracts.Verdict) error
	VerifyVerdict(v *contracts.Verdict) (bool, error)
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair under the given key_id.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key, e.g. loaded from a
// KMS or config file.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}

// VerdictSigningPayload returns the canonical JSON bytes signed for v:
// the Verdict with signature and self_hash cleared, JCS-encoded.
func VerdictSigningPayload(v contracts.Verdict) ([]byte, error) {
	return canonicalize.JCS(v.ForSigning())
}

// SignVerdict signs v in place, setting Signature and KeyID.
func (s *Ed25519Signer) SignVerdict(v *contracts.Verdict) error {
	v.KeyID = s.keyID
	payload, err := VerdictSigningPayload(*v)
	if err != nil {
		return fmt.Errorf("canonicalize verdict: %w", err)
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// VerifyVerdict checks v.Signature against the current key.
func (s *Ed25519Signer) VerifyVerdict(v *contracts.Verdict) (bool, error) {
	if v.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	payload, err := VerdictSigningPayload(*v)
	if err != nil {
		return false, fmt.Errorf("canonicalize verdict: %w", err)
	}
	return Verify(s.PublicKey(), v.Signature, payload)
}

// Verify checks a hex-encoded Ed25519 signature against a hex-encoded pubkey
// and raw data, independent of any particular Signer instance — used by
// auditors that only hold a public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
