package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/ports"
)

// voteSchema is the JSON Schema a ModelInvoker's raw output must satisfy
// before it is trusted as a JudgeVote. Decisions and errors are mutually
// exclusive per the Verdict's Votes invariant.
const voteSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "decision": {"type": "string", "enum": ["accept", "reject", "modify"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "rule_id": {"type": "string"},
          "location": {"type": "string"},
          "severity": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
          "message": {"type": "string"}
        },
        "required": ["message"]
      }
    }
  }
}`

func compileVoteSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("vote.json", strings.NewReader(voteSchema)); err != nil {
		return nil, err
	}
	return c.Compile("vote.json")
}

// ModelJudge is a Judge backed by a ModelInvoker: it renders a prompt for
// the candidate, invokes the model, validates the raw JSON reply against
// voteSchema, and decodes it into a JudgeVote.
type ModelJudge struct {
	spec     contracts.JudgeSpec
	invoker  ports.ModelInvoker
	schema   *jsonschema.Schema
	prompter func(contracts.Task, contracts.CandidateArtifact) string
	limiter  *rate.Limiter
}

// NewModelJudge constructs a ModelJudge. version must be a valid semver
// string; an invalid version is a
// configuration error caught at construction rather than at vote time.
func NewModelJudge(spec contracts.JudgeSpec, invoker ports.ModelInvoker, prompter func(contracts.Task, contracts.CandidateArtifact) string) (*ModelJudge, error) {
	if _, err := semver.NewVersion(spec.Version); err != nil {
		return nil, fmt.Errorf("judge %s: invalid version %q: %w", spec.ID, spec.Version, err)
	}
	schema, err := compileVoteSchema()
	if err != nil {
		return nil, fmt.Errorf("compile vote schema: %w", err)
	}
	return &ModelJudge{spec: spec, invoker: invoker, schema: schema, prompter: prompter, limiter: rate.NewLimiter(rate.Inf, 0)}, nil
}

// WithRateLimit caps how often this judge calls its ModelInvoker — the
// backend is assumed rate-limited upstream, but a per-judge client-side
// limiter keeps one misbehaving judge from starving the others' share of a
// shared backend quota.
func (m *ModelJudge) WithRateLimit(r rate.Limit, burst int) *ModelJudge {
	m.limiter = rate.NewLimiter(r, burst)
	return m
}

func (m *ModelJudge) Spec() contracts.JudgeSpec { return m.spec }

func (m *ModelJudge) Evaluate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (contracts.JudgeVote, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return contracts.JudgeVote{}, err
	}

	prompt := m.prompter(task, candidate)
	raw, err := m.invoker.Invoke(ctx, m.spec.ID, prompt)
	if err != nil {
		return contracts.JudgeVote{}, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return contracts.JudgeVote{Error: contracts.VoteErrorInvalidOutput, ErrorDetail: err.Error()}, nil
	}
	if err := m.schema.Validate(generic); err != nil {
		return contracts.JudgeVote{Error: contracts.VoteErrorInvalidOutput, ErrorDetail: err.Error()}, nil
	}

	var body struct {
		Decision   contracts.VoteDecision `json:"decision"`
		Confidence float64                `json:"confidence"`
		Rationale  string                 `json:"rationale"`
		Findings   []contracts.Finding    `json:"findings"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return contracts.JudgeVote{Error: contracts.VoteErrorInvalidOutput, ErrorDetail: err.Error()}, nil
	}

	return contracts.JudgeVote{
		Decision:   body.Decision,
		Confidence: clamp01(body.Confidence),
		Rationale:  body.Rationale,
		Findings:   body.Findings,
	}, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
