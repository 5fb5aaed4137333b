// Package evidence writes a content-addressed EvidencePack directory for one
// task's full Verdict + AuditEvent history, re-pointed at provenance
// records instead of conformance run artifacts.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/helm-labs/council/pkg/ports"
)

// IndexEntry is a single artifact reference in 00_INDEX.json.
type IndexEntry struct {
	Path        string `json:"path"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// IndexManifest is the 00_INDEX.json structure for a task's EvidencePack.
type IndexManifest struct {
	TaskID      string       `json:"task_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	VerdictRule string       `json:"verdict_order_rule"`
	Entries     []IndexEntry `json:"entries"`
}

// Export writes a content-addressed EvidencePack directory for taskID under
// outDir: one JSON file per verdict (ordered by CreatedAt), one file holding
// the task's audit events in seq order, and a 00_INDEX.json manifest with a
// SHA-256 entry per file. clock stamps GeneratedAt.
func Export(ctx context.Context, st ports.PersistentStore, taskID, outDir string, clock func() time.Time) (IndexManifest, error) {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return IndexManifest{}, fmt.Errorf("evidence: mkdir %s: %w", outDir, err)
	}

	verdicts, err := st.ListVerdictsByTask(ctx, taskID)
	if err != nil {
		return IndexManifest{}, fmt.Errorf("evidence: list verdicts: %w", err)
	}
	events, err := st.ListAuditEvents(ctx, taskID)
	if err != nil {
		return IndexManifest{}, fmt.Errorf("evidence: list audit events: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	var entries []IndexEntry
	for i, v := range verdicts {
		name := fmt.Sprintf("verdict_%04d_%s.json", i, v.ID)
		entry, err := writeJSONEntry(outDir, name, "application/vnd.helm-council.verdict+json", v)
		if err != nil {
			return IndexManifest{}, err
		}
		entries = append(entries, entry)
	}

	if len(events) > 0 {
		entry, err := writeJSONEntry(outDir, "audit_events.json", "application/vnd.helm-council.audit-events+json", events)
		if err != nil {
			return IndexManifest{}, err
		}
		entries = append(entries, entry)
	}

	manifest := IndexManifest{
		TaskID:      taskID,
		GeneratedAt: clock().UTC(),
		VerdictRule: "created_at_monotonic",
		Entries:     entries,
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return IndexManifest{}, fmt.Errorf("evidence: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "00_INDEX.json"), data, 0o600); err != nil {
		return IndexManifest{}, fmt.Errorf("evidence: write manifest: %w", err)
	}

	return manifest, nil
}

func writeJSONEntry(outDir, name, contentType string, v any) (IndexEntry, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return IndexEntry{}, fmt.Errorf("evidence: marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, name), data, 0o600); err != nil {
		return IndexEntry{}, fmt.Errorf("evidence: write %s: %w", name, err)
	}
	hash := sha256.Sum256(data)
	return IndexEntry{
		Path:        name,
		SHA256:      hex.EncodeToString(hash[:]),
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
	}, nil
}

// VerifyManifest recomputes every entry's SHA-256 against the files on disk
// under dir and reports the first mismatch, if any.
func VerifyManifest(dir string, manifest IndexManifest) error {
	for _, e := range manifest.Entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Path))
		if err != nil {
			return fmt.Errorf("evidence: read %s: %w", e.Path, err)
		}
		hash := sha256.Sum256(data)
		if hex.EncodeToString(hash[:]) != e.SHA256 {
			return fmt.Errorf("evidence: %s sha256 mismatch", e.Path)
		}
	}
	return nil
}
