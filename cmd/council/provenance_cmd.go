package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/evidence"
)

// runProvenanceCmd implements `council provenance record`:
// re-emits a task's hash-chained Verdict + AuditEvent history as a
// content-addressed EvidencePack directory.
//
// Exit codes: 0 success, 2 usage/runtime error, 5 config invalid.
func runProvenanceCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "record" {
		fmt.Fprintln(stderr, "Usage: council provenance record --task <id> --out <dir>")
		return 2
	}

	cmd := flag.NewFlagSet("provenance record", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		outDir     string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&taskID, "task", "", "Task ID (REQUIRED)")
	cmd.StringVar(&outDir, "out", "", "Output directory for the EvidencePack (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to council config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output manifest as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if taskID == "" || outDir == "" {
		fmt.Fprintln(stderr, "Error: --task and --out are required")
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

	manifest, err := evidence.Export(context.Background(), st, taskID, outDir, time.Now)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(manifest, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "EvidencePack written to %s (%d artifacts)\n", outDir, len(manifest.Entries))
	}
	return 0
}
