// Package council implements the Council: the single adjudicate
// operation that fans a candidate out to judges, aggregates their votes,
// applies CAWS policy, signs the result, and durably appends it — all or
// nothing.
package council

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/helm-labs/council/pkg/aggregator"
	"github.com/helm-labs/council/pkg/caws"
	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/judge"
	"github.com/helm-labs/council/pkg/observability"
	"github.com/helm-labs/council/pkg/provenance"
	"github.com/helm-labs/council/pkg/signer"
)

var tracer = otel.Tracer("github.com/helm-labs/council/pkg/council")

// ErrSignerUnavailable is returned when signing the Verdict fails; the
// whole run fails and no Verdict is written.
var ErrSignerUnavailable = errors.New("signer unavailable")

// JudgeSpecSource supplies the active JudgeSpec set for a run. Implementations
// typically read from configuration or a registry.
type JudgeSpecSource interface {
	ActiveSpecs() []contracts.JudgeSpec
}

// StaticJudgeSpecSource is a JudgeSpecSource backed by a fixed slice.
type StaticJudgeSpecSource []contracts.JudgeSpec

func (s StaticJudgeSpecSource) ActiveSpecs() []contracts.JudgeSpec { return s }

// Council orchestrates the judge runtime, aggregator, CAWS authority,
// signer/hasher, and provenance store for one candidate.
type Council struct {
	specs     JudgeSpecSource
	runtime   *judge.Runtime
	aggConfig aggregator.Config
	authority *caws.Authority
	signerFn  signer.Signer
	hasher    signer.Hasher
	store     *provenance.Store
	clock     func() time.Time
	newID     func() string

	judgeDeadline   time.Duration
	overallDeadline time.Duration
}

// New constructs a Council. overallDeadline defaults to 2x judgeDeadline.
func New(specs JudgeSpecSource, runtime *judge.Runtime, authority *caws.Authority, sgn signer.Signer, hasher signer.Hasher, store *provenance.Store) *Council {
	c := &Council{
		specs:         specs,
		runtime:       runtime,
		aggConfig:     aggregator.DefaultConfig(),
		authority:     authority,
		signerFn:      sgn,
		hasher:        hasher,
		store:         store,
		clock:         time.Now,
		newID:         uuid.NewString,
		judgeDeadline: judge.DefaultJudgeDeadline,
	}
	c.overallDeadline = 2 * c.judgeDeadline
	return c
}

// Configure applies the enumerated configuration keys to the Council: the
// aggregation rule, the per-judge and overall deadlines, and the judge
// runtime's transport retry policy.
func (c *Council) Configure(cfg config.Config) *Council {
	agg := aggregator.DefaultConfig()
	agg.QuorumRatio = cfg.Council.QuorumRatio
	agg.MinMass = cfg.Council.MinMass
	agg.CriticalWeight = cfg.Council.CriticalWeight
	agg.TieBreakOrder = agg.TieBreakOrder[:0]
	for _, d := range cfg.Council.TieBreakOrder {
		agg.TieBreakOrder = append(agg.TieBreakOrder, contracts.Decision(d))
	}
	c.WithAggregatorConfig(agg)
	c.WithDeadlines(
		time.Duration(cfg.Council.JudgeDeadlineMs)*time.Millisecond,
		time.Duration(cfg.Council.OverallDeadlineMs)*time.Millisecond,
	)
	c.runtime.WithRetryPolicy(judge.RetryPolicy{
		BaseDelay:   time.Duration(cfg.Retry.Transport.BaseMs) * time.Millisecond,
		Factor:      cfg.Retry.Transport.Factor,
		MaxAttempts: cfg.Retry.Transport.MaxAttempts,
		JitterPct:   cfg.Retry.Transport.JitterPct,
	})
	return c
}

// WithAggregatorConfig overrides the aggregation rule parameters.
func (c *Council) WithAggregatorConfig(cfg aggregator.Config) *Council {
	c.aggConfig = cfg
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Council) WithClock(clock func() time.Time) *Council {
	c.clock = clock
	return c
}

// WithIDFunc overrides the Verdict ID generator for deterministic testing.
func (c *Council) WithIDFunc(f func() string) *Council {
	c.newID = f
	return c
}

// WithDeadlines overrides the per-judge and overall deadlines, propagating
// the per-judge deadline down to the Judge Runtime that actually enforces it.
func (c *Council) WithDeadlines(judgeDeadline, overallDeadline time.Duration) *Council {
	c.judgeDeadline = judgeDeadline
	c.overallDeadline = overallDeadline
	c.runtime.WithJudgeDeadline(judgeDeadline)
	return c
}

// Adjudicate runs the full Council pipeline for one candidate and returns the
// signed, appended Verdict. If ctx is canceled before the overall deadline,
// in-flight judges receive cooperative cancellation; a canceled run returns
// context.Canceled and writes no Verdict.
func (c *Council) Adjudicate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (verdict contracts.Verdict, err error) {
	ctx, span := tracer.Start(ctx, "Council.Adjudicate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	specs := c.specs.ActiveSpecs()

	runCtx, cancel := context.WithTimeout(ctx, c.overallDeadline)
	defer cancel()

	started := c.clock()
	votes := c.runtime.Dispatch(runCtx, task, candidate)
	if err := ctx.Err(); err != nil {
		return contracts.Verdict{}, err
	}

	for i, v := range votes {
		if v.StartedAt.Add(time.Duration(v.LatencyMs) * time.Millisecond).After(started.Add(c.overallDeadline)) {
			votes[i].ArrivedAfterDeadline = true
		}
	}

	agg := aggregator.Aggregate(votes, specs, c.aggConfig)

	draft := contracts.Verdict{
		ID:                c.newID(),
		TaskID:            task.ID,
		Decision:          agg.Decision,
		DecisionReason:    agg.DecisionReason,
		ConsensusScore:    agg.ConsensusScore,
		Votes:             votes,
		JudgeSnapshot:     specs,
		NeedInvestigation: agg.NeedInvestigation,
		DissentText:       agg.DissentText,
		Remediation:       agg.Remediation,
		CreatedAt:         c.clock(),
	}

	cawsResult := c.authority.Evaluate(task, candidate, draft.Decision)
	draft.CAWSCompliance = cawsResult
	draft.ConstitutionalRefs = cawsResult.ConstitutionalRefs
	if cawsResult.ForcedDecision != "" {
		draft.Decision = cawsResult.ForcedDecision
		draft.DecisionReason = cawsResult.ForcedReason
	}
	if cawsResult.ForcedReason == contracts.ReasonBudget {
		draft.Remediation = append(draft.Remediation, cawsResult.BudgetViolations...)
	}

	draft.PrevHash = c.store.ChainHead(task.ID)
	if err := c.signerFn.SignVerdict(&draft); err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	selfHash, err := c.hasher.SelfHash(draft, draft.PrevHash)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: hash computation failed: %v", ErrSignerUnavailable, err)
	}
	draft.SelfHash = selfHash

	if _, err := c.store.AppendVerdict(draft); err != nil {
		return contracts.Verdict{}, fmt.Errorf("append verdict: %w", err)
	}

	payload := map[string]any{
		"verdict_id": draft.ID,
		"decision":   string(draft.Decision),
	}
	if digest, err := c.hasher.SecondaryDigest(draft); err == nil {
		payload["blake2b_digest"] = digest
	}

	if _, err := c.store.AppendEvent(contracts.AuditEvent{
		TaskID:   task.ID,
		Category: contracts.AuditCategoryOrchestration,
		Actor:    "council",
		Action:   "verdict.created",
		Payload:  payload,
		Ts:       c.clock(),
	}); err != nil {
		return contracts.Verdict{}, fmt.Errorf("emit verdict.created: %w", err)
	}

	span.SetAttributes(observability.VerdictAttributes(draft.TaskID, string(draft.Decision), string(draft.DecisionReason), draft.ConsensusScore)...)

	return draft, nil
}
