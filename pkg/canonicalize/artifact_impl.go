package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// ContentArtifact is a canonicalized, content-addressed representation of a
// value — used to fingerprint candidate diffs and judge payloads before they
// cross a process boundary (ModelInvoker, blob store, hash chain).
type ContentArtifact struct {
	ContentType    string            `json:"content_type"`
	CanonicalBytes []byte            `json:"-"`
	Digest         string            `json:"digest"`
	Preview        string            `json:"preview"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Canonicalize converts a raw value into a ContentArtifact. It detects the
// content type and applies the appropriate canonicalization logic: strings
// are NFC-normalized UTF-8 text, []byte is treated opaquely, everything else
// is canonicalized as JSON via JCS.
func Canonicalize(raw interface{}) (*ContentArtifact, error) {
	var canonicalBytes []byte
	var contentType string
	var err error

	switch v := raw.(type) {
	case string:
		contentType = "text/plain"
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("invalid UTF-8 string")
		}
		canonicalBytes = []byte(normalizeNFC(v))
	case []byte:
		contentType = "application/octet-stream"
		canonicalBytes = v
	default:
		contentType = "application/json"
		canonicalBytes, err = JCS(v)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize as JSON: %w", err)
		}
	}

	digest := ComputeArtifactHash(canonicalBytes)
	preview := generatePreview(canonicalBytes)

	return &ContentArtifact{
		ContentType:    contentType,
		CanonicalBytes: canonicalBytes,
		Digest:         digest,
		Preview:        preview,
		Metadata:       make(map[string]string),
	}, nil
}

// ComputeArtifactHash returns the hex SHA-256 digest of the canonical bytes,
// prefixed with "sha256:".
func ComputeArtifactHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// generatePreview creates a deterministic, truncated preview of the content.
func generatePreview(data []byte) string {
	const maxPreviewLen = 50
	if len(data) <= maxPreviewLen {
		return string(data)
	}
	return string(data[:maxPreviewLen]) + "..."
}
