// Package judge implements the Judge Runtime: parallel dispatch of a
// candidate to every active Judge, with a per-judge hard deadline, retry on
// transport failure, and structured error classification for everything
// else.
package judge

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/observability"
)

var tracer = otel.Tracer("github.com/helm-labs/council/pkg/judge")

// DefaultJudgeDeadline is the per-judge hard timeout.
const DefaultJudgeDeadline = 30 * time.Second

// RetryPolicy configures the bounded exponential backoff applied only to
// Transport errors — Timeout, InvalidOutput, and Internal are never retried
// because a retry cannot fix a deadline that already passed or an output
// that is already malformed.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
	JitterPct   float64
}

// DefaultRetryPolicy is base 250ms, factor 2, 3 attempts, jitter ±20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 250 * time.Millisecond, Factor: 2, MaxAttempts: 3, JitterPct: 0.2}
}

func (p RetryPolicy) delay(attempt int, rnd func() float64) time.Duration {
	base := float64(p.BaseDelay) * pow(p.Factor, attempt)
	jitter := 1 + (rnd()*2-1)*p.JitterPct
	return time.Duration(base * jitter)
}

func pow(f float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= f
	}
	return r
}

// Judge is one member of the Council.
type Judge interface {
	Spec() contracts.JudgeSpec
	// Evaluate classifies the candidate. A returned error is always a
	// transport-level failure — all other outcomes (including malformed
	// model output) must be encoded in the returned JudgeVote's Error field,
	// never surfaced as a Go error.
	Evaluate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (contracts.JudgeVote, error)
}

// Runtime dispatches a candidate to every active judge in parallel.
type Runtime struct {
	judges        []Judge
	retry         RetryPolicy
	clock         func() time.Time
	rand          func() float64
	judgeDeadline time.Duration
}

// New constructs a Runtime over the given judges using DefaultRetryPolicy
// and DefaultJudgeDeadline.
func New(judges []Judge) *Runtime {
	return &Runtime{judges: judges, retry: DefaultRetryPolicy(), clock: time.Now, rand: rand.Float64, judgeDeadline: DefaultJudgeDeadline}
}

// WithRetryPolicy overrides the retry policy.
func (r *Runtime) WithRetryPolicy(p RetryPolicy) *Runtime {
	r.retry = p
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *Runtime) WithClock(clock func() time.Time) *Runtime {
	r.clock = clock
	return r
}

// WithRand overrides the jitter source for deterministic testing.
func (r *Runtime) WithRand(f func() float64) *Runtime {
	r.rand = f
	return r
}

// WithJudgeDeadline overrides the hard per-judge deadline (config key
// council.judge_deadline_ms).
func (r *Runtime) WithJudgeDeadline(d time.Duration) *Runtime {
	r.judgeDeadline = d
	return r
}

// Dispatch runs every active judge concurrently against the overall
// deadline on ctx and returns one vote per active judge, in judge order.
// Dispatch itself never returns an error: a judge that exhausts retries or
// never responds still yields a vote carrying a VoteErrorKind.
func (r *Runtime) Dispatch(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) []contracts.JudgeVote {
	ctx, span := tracer.Start(ctx, "Runtime.Dispatch")
	defer span.End()

	active := make([]Judge, 0, len(r.judges))
	for _, j := range r.judges {
		if j.Spec().Active {
			active = append(active, j)
		}
	}

	votes := make([]contracts.JudgeVote, len(active))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range active {
		i, j := i, j
		g.Go(func() error {
			votes[i] = r.evaluateWithRetry(gctx, j, task, candidate)
			return nil
		})
	}
	// errgroup.Wait only returns an error if a Go func returns one; ours
	// never do, so the result is always nil and is intentionally discarded.
	_ = g.Wait()
	return votes
}

func (r *Runtime) evaluateWithRetry(ctx context.Context, j Judge, task contracts.Task, candidate contracts.CandidateArtifact) contracts.JudgeVote {
	var lastVote contracts.JudgeVote
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.retry.delay(attempt-1, r.rand)):
			case <-ctx.Done():
				return deadlineVote(j, r.clock())
			}
		}

		lastVote = r.evaluateOnce(ctx, j, task, candidate)
		if lastVote.Error != contracts.VoteErrorTransport {
			return lastVote
		}
	}
	return lastVote
}

func (r *Runtime) evaluateOnce(ctx context.Context, j Judge, task contracts.Task, candidate contracts.CandidateArtifact) (vote contracts.JudgeVote) {
	spec := j.Spec()
	ctx, span := tracer.Start(ctx, "Judge.Evaluate")
	defer func() {
		span.SetAttributes(observability.JudgeAttributes(vote.JudgeID, vote.LatencyMs, string(vote.Error))...)
		span.End()
	}()

	jctx, cancel := context.WithTimeout(ctx, r.judgeDeadline)
	defer cancel()

	started := r.clock()
	defer func() {
		if rec := recover(); rec != nil {
			vote = contracts.JudgeVote{
				JudgeID:     spec.ID,
				Error:       contracts.VoteErrorInternal,
				ErrorDetail: "judge panicked",
				StartedAt:   started,
				LatencyMs:   r.clock().Sub(started).Milliseconds(),
			}
		}
	}()

	v, err := j.Evaluate(jctx, task, candidate)
	v.JudgeID = spec.ID
	v.StartedAt = started
	v.LatencyMs = r.clock().Sub(started).Milliseconds()

	if err == nil {
		return v
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return deadlineVote(j, started)
	}
	return contracts.JudgeVote{
		JudgeID:     spec.ID,
		Error:       contracts.VoteErrorTransport,
		ErrorDetail: err.Error(),
		StartedAt:   started,
		LatencyMs:   r.clock().Sub(started).Milliseconds(),
	}
}

func deadlineVote(j Judge, started time.Time) contracts.JudgeVote {
	return contracts.JudgeVote{
		JudgeID:     j.Spec().ID,
		Error:       contracts.VoteErrorTimeout,
		ErrorDetail: "judge exceeded deadline",
		StartedAt:   started,
	}
}
