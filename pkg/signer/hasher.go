package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/helm-labs/council/pkg/canonicalize"
	"github.com/helm-labs/council/pkg/contracts"
)

// Hasher computes the hash-chain linkage for Verdicts:
// self_hash = H(serialize(verdict without self_hash) || prev_hash).
type Hasher interface {
	SelfHash(v contracts.Verdict, prevHash string) (string, error)
	SecondaryDigest(v contracts.Verdict) (string, error)
}

// CanonicalHasher implements Hasher over the JCS canonical encoding.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

// SelfHash returns the hex-encoded SHA-256 digest of v (with self_hash
// cleared, signature retained — the signature is part of what's chained)
// concatenated with prevHash.
func (h *CanonicalHasher) SelfHash(v contracts.Verdict, prevHash string) (string, error) {
	v.SelfHash = ""
	body, err := canonicalize.JCS(v)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	sum := sha256.New()
	sum.Write(body)
	sum.Write([]byte(prevHash))
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// GenesisHash is the prev_hash of the first Verdict in a chain.
const GenesisHash = ""

// SecondaryDigest returns a hex-encoded BLAKE2b-256 digest of v's canonical
// body (self_hash cleared) over the same bytes SelfHash hashes with SHA-256.
// It lets an auditor cross-check chain integrity with an independent hash
// function instead of trusting a single algorithm end to end.
func (h *CanonicalHasher) SecondaryDigest(v contracts.Verdict) (string, error) {
	v.SelfHash = ""
	body, err := canonicalize.JCS(v)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
