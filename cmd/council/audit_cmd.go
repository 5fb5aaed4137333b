package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/provenance"
	"github.com/helm-labs/council/pkg/signer"
)

// runAuditCmd implements `council audit self`: recomputes the
// hash chain for a task's verdicts, exactly as provenance.Store.VerifyChain
// does, against whatever is currently durable in the configured
// PersistentStore.
//
// Exit codes: 0 ok, 3 chain broken, 2 usage/runtime error, 5 config invalid.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "self" {
		fmt.Fprintln(stderr, "Usage: council audit self --task <id>")
		return 2
	}

	cmd := flag.NewFlagSet("audit self", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&taskID, "task", "", "Task ID (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to council config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if taskID == "" {
		fmt.Fprintln(stderr, "Error: --task is required")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 5
	}

	st, closer, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closer.Close()

	ctx := context.Background()
	verdicts, err := st.ListVerdictsByTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: list verdicts: %v\n", err)
		return 2
	}

	hasher := signer.NewCanonicalHasher()
	store := provenance.New(hasher)
	var brokenAt = -1
	for i, v := range verdicts {
		if _, err := store.AppendVerdict(v); err != nil {
			brokenAt = i
			break
		}
	}

	result := map[string]any{"task_id": taskID, "count": len(verdicts)}
	if brokenAt >= 0 {
		result["ok"] = false
		result["broken_at"] = brokenAt
	} else {
		result["ok"] = true
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if brokenAt >= 0 {
		fmt.Fprintf(stdout, "chain broken at verdict index %d\n", brokenAt)
	} else {
		fmt.Fprintf(stdout, "chain ok (%d verdicts)\n", len(verdicts))
	}

	if brokenAt >= 0 {
		return 3
	}
	return 0
}
