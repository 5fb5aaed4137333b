package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/store"
)

func TestExport_IndexFileWritten(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	fixed := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveVerdict(ctx, contracts.Verdict{
		ID: "v1", TaskID: "t1", Decision: contracts.VerdictAccept, CreatedAt: fixed,
	}))
	require.NoError(t, st.AppendAuditEvent(ctx, contracts.AuditEvent{
		ID: "e1", TaskID: "t1", Seq: 1, Action: "verdict.created", Ts: fixed,
	}))

	dir := t.TempDir()
	manifest, err := Export(ctx, st, "t1", dir, func() time.Time { return fixed })
	require.NoError(t, err)
	require.Equal(t, "t1", manifest.TaskID)
	require.Len(t, manifest.Entries, 2)

	data, err := os.ReadFile(filepath.Join(dir, "00_INDEX.json"))
	require.NoError(t, err)
	var decoded IndexManifest
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, manifest.TaskID, decoded.TaskID)

	require.NoError(t, VerifyManifest(dir, decoded))
}

func TestExport_TamperedFileFailsVerify(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	fixed := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveVerdict(ctx, contracts.Verdict{
		ID: "v1", TaskID: "t1", Decision: contracts.VerdictAccept, CreatedAt: fixed,
	}))

	dir := t.TempDir()
	manifest, err := Export(ctx, st, "t1", dir, func() time.Time { return fixed })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.Entries[0].Path), []byte("{}"), 0o600))
	require.Error(t, VerifyManifest(dir, manifest))
}

func TestExport_EmptyTaskHasNoEntries(t *testing.T) {
	st := store.NewMemoryStore()
	dir := t.TempDir()
	manifest, err := Export(context.Background(), st, "missing", dir, time.Now)
	require.NoError(t, err)
	require.Empty(t, manifest.Entries)
}
