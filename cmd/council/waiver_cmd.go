package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/helm-labs/council/pkg/caws"
	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/escalation"
)

// runWaiverCmd implements `council waiver <create|revoke|expire>`:
// create records a new Waiver against the configured PersistentStore;
// revoke and expire retire waivers and print the immutable receipt issued
// for each retirement.
//
// Exit codes: 0 success, 2 usage/runtime error, 5 config invalid.
func runWaiverCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: council waiver <create|revoke|expire> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runWaiverCreate(args[1:], stdout, stderr)
	case "revoke":
		return runWaiverRevoke(args[1:], stdout, stderr)
	case "expire":
		return runWaiverExpire(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown waiver subcommand: %s\n", args[0])
		return 2
	}
}

func runWaiverCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("waiver create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		gatesCSV   string
		reason     string
		approvedBy string
		expiresIn  time.Duration
		impact     string
		mitigation string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&taskID, "task", "", "Task ID (REQUIRED)")
	cmd.StringVar(&gatesCSV, "gates", "", "Comma-separated gate IDs this waiver covers (REQUIRED)")
	cmd.StringVar(&reason, "reason", string(contracts.WaiverOther), "Waiver reason (emergency_hotfix|other)")
	cmd.StringVar(&approvedBy, "approved-by", "", "Approver identity (REQUIRED)")
	cmd.DurationVar(&expiresIn, "expires", 24*time.Hour, "Time until the waiver expires")
	cmd.StringVar(&impact, "impact", string(contracts.ImpactLow), "Impact level (low|medium|high|critical)")
	cmd.StringVar(&mitigation, "mitigation", "", "Mitigation plan")
	cmd.StringVar(&configPath, "config", "", "Path to council config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if taskID == "" || gatesCSV == "" || approvedBy == "" {
		fmt.Fprintln(stderr, "Error: --task, --gates, and --approved-by are required")
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

	gates := strings.Split(gatesCSV, ",")
	for i := range gates {
		gates[i] = strings.TrimSpace(gates[i])
	}

	now := time.Now()
	waivers := caws.NewWaiverManager()
	w, err := waivers.Create(contracts.Waiver{
		TaskID:         taskID,
		Reason:         contracts.WaiverReason(reason),
		Gates:          gates,
		ApprovedBy:     approvedBy,
		ImpactLevel:    contracts.WaiverImpact(impact),
		MitigationPlan: mitigation,
		ExpiresAt:      now.Add(expiresIn),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	if err := st.SaveWaiver(ctx, w); err != nil {
		fmt.Fprintf(stderr, "Error: save waiver: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(w, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "waiver %s created for task %s (gates=%s, expires=%s)\n", w.ID, w.TaskID, gatesCSV, w.ExpiresAt.Format(time.RFC3339))
	}

	return 0
}

func runWaiverRevoke(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("waiver revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		waiverID   string
		revokedBy  string
		reason     string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&waiverID, "id", "", "Waiver ID (REQUIRED)")
	cmd.StringVar(&revokedBy, "by", "", "Operator revoking the waiver (REQUIRED)")
	cmd.StringVar(&reason, "reason", "", "Why the waiver is being revoked")
	cmd.StringVar(&configPath, "config", "", "Path to council config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output receipt as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if waiverID == "" || revokedBy == "" {
		fmt.Fprintln(stderr, "Error: --id and --by are required")
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
	w, err := st.GetWaiver(ctx, waiverID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	waivers := caws.NewWaiverManager()
	waivers.Load([]contracts.Waiver{w})
	mgr := escalation.NewManager(waivers)

	receipt, err := mgr.Revoke(ctx, waiverID, revokedBy, reason)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	revoked, err := waivers.Get(waiverID)
	if err == nil {
		if err := st.SaveWaiver(ctx, revoked); err != nil {
			fmt.Fprintf(stderr, "Error: save waiver: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(receipt, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "waiver %s revoked by %s (receipt %s)\n", waiverID, revokedBy, receipt.ReceiptID)
	}
	return 0
}

func runWaiverExpire(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("waiver expire", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&taskID, "task", "", "Task ID whose due waivers should be expired (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to council config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output receipts as JSON")

	if err := cmd.Parse(args); err != nil {
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
	existing, err := st.ListWaiversByTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	waivers := caws.NewWaiverManager()
	waivers.Load(existing)
	mgr := escalation.NewManager(waivers)

	receipts, err := mgr.CheckTimeouts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, r := range receipts {
		expired, err := waivers.Get(r.WaiverID)
		if err != nil {
			continue
		}
		if err := st.SaveWaiver(ctx, expired); err != nil {
			fmt.Fprintf(stderr, "Error: save waiver %s: %v\n", r.WaiverID, err)
			return 2
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(receipts, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%d waiver(s) expired for task %s\n", len(receipts), taskID)
	}
	return 0
}
