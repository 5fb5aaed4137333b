// Command council is the CLI surface for the Council core: gate
// verification, waiver management, chain self-audit, and provenance export,
// each operating directly against the configured PersistentStore rather
// than through a running orchestrator process.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/helm-labs/council/pkg/observability"
)

// Dispatcher: a plain switch on args[1] rather than a CLI framework.
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	ctx := context.Background()
	obsCfg := observability.DefaultConfig()
	if os.Getenv("COUNCIL_OTEL_ENABLED") == "1" {
		obsCfg.Enabled = true
		if ep := os.Getenv("COUNCIL_OTEL_ENDPOINT"); ep != "" {
			obsCfg.OTLPEndpoint = ep
		}
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: observability setup: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "waiver":
		return runWaiverCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "provenance":
		return runProvenanceCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "council — Council/Verdict/Provenance CLI surface")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  council <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  verify --input <file>            Run CAWS gates on a task/candidate pair")
	fmt.Fprintln(w, "  waiver create --task <id> ...     Create a waiver against a task")
	fmt.Fprintln(w, "  waiver revoke --id <id> --by ...  Revoke a waiver, printing its receipt")
	fmt.Fprintln(w, "  waiver expire --task <id>         Expire due waivers, printing receipts")
	fmt.Fprintln(w, "  audit self --task <id>            Verify the hash chain for a task")
	fmt.Fprintln(w, "  provenance record --task <id>     Export an EvidencePack for a task")
	fmt.Fprintln(w, "  help                              Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 success, 2 gate/runtime failure, 3 chain broken, 4 signer unavailable, 5 config invalid")
}
