package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/helm-labs/council/pkg/caws"
	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/contracts"
)

// verifyInput is the JSON shape a `council verify` caller supplies: the task
// and candidate to run CAWS gates against, plus the Council's draft decision
// (normally "accept" — a caller re-checking gates in isolation of the
// judge vote).
type verifyInput struct {
	Task          contracts.Task             `json:"task"`
	Candidate     contracts.CandidateArtifact `json:"candidate"`
	DraftDecision contracts.Decision          `json:"draft_decision"`
}

// runVerifyCmd implements `council verify`: runs CAWS budget and
// quality gates against a task/candidate pair and reports whether the
// combined result would force a reject.
//
// Exit codes: 0 no forced reject (a gate failure that only forces modify
// still exits 0), 2 forced reject or usage/runtime error, 5 config invalid.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inputPath  string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&inputPath, "input", "", "Path to a verifyInput JSON file (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to council config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if inputPath == "" {
		fmt.Fprintln(stderr, "Error: --input is required")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 5
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read input: %v\n", err)
		return 2
	}
	var in verifyInput
	if err := json.Unmarshal(data, &in); err != nil {
		fmt.Fprintf(stderr, "Error: parse input: %v\n", err)
		return 2
	}
	if in.DraftDecision == "" {
		in.DraftDecision = contracts.VerdictAccept
	}

	waivers := caws.NewWaiverManager()
	st, closer, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closer.Close()
	if existing, err := st.ListWaiversByTask(context.Background(), in.Task.ID); err == nil {
		waivers.Load(existing)
	}

	gates := caws.BuildQualityGates(cfg.CAWS.MandatoryGates, caws.QualityThresholds{
		MinCoveragePct:      cfg.CAWS.QualityThresholds.MinCoveragePct,
		MinMutationScorePct: cfg.CAWS.QualityThresholds.MinMutationScorePct,
	})
	authority := caws.New(caws.BudgetLimits{
		MaxFiles: cfg.CAWS.DefaultBudgets.MaxFiles,
		MaxLOC:   cfg.CAWS.DefaultBudgets.MaxLOC,
	}, gates, waivers)

	result := authority.Evaluate(in.Task, in.Candidate, in.DraftDecision)

	if jsonOutput {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(out))
	} else {
		for _, g := range result.Gates {
			fmt.Fprintf(stdout, "  %-24s %s\n", g.GateID, g.Outcome)
		}
		if result.ForcedDecision != "" {
			fmt.Fprintf(stdout, "forced_decision=%s reason=%s\n", result.ForcedDecision, result.ForcedReason)
		}
	}

	if result.ForcedDecision == contracts.VerdictReject {
		return 2
	}
	return 0
}
