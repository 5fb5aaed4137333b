package caws

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/helm-labs/council/pkg/contracts"
)

// QualityGate is a declarative pass/fail/waived check run against a task and
// its candidate (test_coverage, mutation_testing, lint, typecheck, ...).
type QualityGate interface {
	ID() string
	Mandatory() bool
	// NoWaiver reports whether this gate can never be waived regardless of
	// any waiver's gate list (the frozen no_waiver precedence rule).
	NoWaiver() bool
	// Evaluate returns pass/fail and a human-readable reason for the
	// CAWSResult finding when it fails.
	Evaluate(task contracts.Task, candidate contracts.CandidateArtifact) (pass bool, reason string)
}

// CELGate is a QualityGate whose pass condition is a CEL boolean expression
// evaluated against the candidate's metrics. This lets operators add new
// budget-flavored gates via configuration instead of a code change.
type CELGate struct {
	id        string
	mandatory bool
	noWaiver  bool
	program   cel.Program
	failMsg   string
}

// NewCELGate compiles expr (a CEL boolean expression over `files_changed`,
// `lines_changed`, and `produced_by`) into a CELGate.
func NewCELGate(id, expr string, mandatory, noWaiver bool, failMsg string) (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("files_changed", cel.IntType),
		cel.Variable("lines_changed", cel.IntType),
		cel.Variable("produced_by", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("caws: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("caws: compile gate %s: %w", id, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("caws: program gate %s: %w", id, err)
	}
	return &CELGate{id: id, mandatory: mandatory, noWaiver: noWaiver, program: prg, failMsg: failMsg}, nil
}

func (g *CELGate) ID() string      { return g.id }
func (g *CELGate) Mandatory() bool { return g.mandatory }
func (g *CELGate) NoWaiver() bool  { return g.noWaiver }

func (g *CELGate) Evaluate(task contracts.Task, candidate contracts.CandidateArtifact) (bool, string) {
	out, _, err := g.program.Eval(map[string]interface{}{
		"files_changed": int64(candidate.Metrics.FilesChanged),
		"lines_changed": int64(candidate.Metrics.LinesChanged),
		"produced_by":   candidate.ProducedBy,
	})
	if err != nil {
		return false, fmt.Sprintf("gate %s evaluation error: %v", g.id, err)
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Sprintf("gate %s did not evaluate to bool", g.id)
	}
	if !pass {
		return false, g.failMsg
	}
	return true, ""
}

// StaticGate is a QualityGate whose outcome is supplied externally (e.g.
// test_coverage/mutation_testing results produced by CI and attached to the
// task's working-spec) rather than computed from the diff metrics.
type StaticGate struct {
	id        string
	mandatory bool
	noWaiver  bool
	check     func(task contracts.Task, candidate contracts.CandidateArtifact) (bool, string)
}

// NewStaticGate wraps an arbitrary check function as a QualityGate.
func NewStaticGate(id string, mandatory, noWaiver bool, check func(contracts.Task, contracts.CandidateArtifact) (bool, string)) *StaticGate {
	return &StaticGate{id: id, mandatory: mandatory, noWaiver: noWaiver, check: check}
}

func (g *StaticGate) ID() string      { return g.id }
func (g *StaticGate) Mandatory() bool { return g.mandatory }
func (g *StaticGate) NoWaiver() bool  { return g.noWaiver }

func (g *StaticGate) Evaluate(task contracts.Task, candidate contracts.CandidateArtifact) (bool, string) {
	return g.check(task, candidate)
}

// Named IDs for the built-in quality gates.
const (
	GateTestCoverage = "quality.test_coverage"
	GateMutationTest = "quality.mutation_testing"
	GateLint         = "quality.lint"
	GateTypecheck    = "quality.typecheck"
)

// QualityThresholds parameterizes the named quality gates built by
// BuildQualityGates.
type QualityThresholds struct {
	MinCoveragePct      float64
	MinMutationScorePct float64
}

// DefaultQualityThresholds returns the stock quality gate thresholds.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{MinCoveragePct: 80, MinMutationScorePct: 60}
}

// BuildQualityGates constructs the named quality gates
// (test_coverage, mutation_testing, lint, typecheck) as StaticGates reading
// CandidateArtifact.Quality. A gate is mandatory iff its ID appears in
// mandatoryIDs (config key caws.mandatory_gates); none are no_waiver by
// default, that stays a per-deployment policy choice.
func BuildQualityGates(mandatoryIDs []string, thresholds QualityThresholds) []QualityGate {
	mandatory := make(map[string]bool, len(mandatoryIDs))
	for _, id := range mandatoryIDs {
		mandatory[id] = true
	}

	return []QualityGate{
		NewStaticGate(GateTestCoverage, mandatory[GateTestCoverage], false,
			func(_ contracts.Task, c contracts.CandidateArtifact) (bool, string) {
				if c.Quality.CoveragePct >= thresholds.MinCoveragePct {
					return true, ""
				}
				return false, fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", c.Quality.CoveragePct, thresholds.MinCoveragePct)
			}),
		NewStaticGate(GateMutationTest, mandatory[GateMutationTest], false,
			func(_ contracts.Task, c contracts.CandidateArtifact) (bool, string) {
				if c.Quality.MutationScorePct >= thresholds.MinMutationScorePct {
					return true, ""
				}
				return false, fmt.Sprintf("mutation score %.1f%% below minimum %.1f%%", c.Quality.MutationScorePct, thresholds.MinMutationScorePct)
			}),
		NewStaticGate(GateLint, mandatory[GateLint], false,
			func(_ contracts.Task, c contracts.CandidateArtifact) (bool, string) {
				if c.Quality.LintClean {
					return true, ""
				}
				return false, "lint errors present"
			}),
		NewStaticGate(GateTypecheck, mandatory[GateTypecheck], false,
			func(_ contracts.Task, c contracts.CandidateArtifact) (bool, string) {
				if c.Quality.TypecheckClean {
					return true, ""
				}
				return false, "typecheck errors present"
			}),
	}
}
