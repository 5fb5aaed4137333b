package council

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/caws"
	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/judge"
	"github.com/helm-labs/council/pkg/provenance"
	"github.com/helm-labs/council/pkg/signer"
)

// fakeJudge casts a fixed vote, ignoring the candidate.
type fakeJudge struct {
	spec contracts.JudgeSpec
	vote func() (contracts.JudgeVote, error)
}

func (f *fakeJudge) Spec() contracts.JudgeSpec { return f.spec }

func (f *fakeJudge) Evaluate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (contracts.JudgeVote, error) {
	return f.vote()
}

func accept(confidence float64) func() (contracts.JudgeVote, error) {
	return func() (contracts.JudgeVote, error) {
		return contracts.JudgeVote{Decision: contracts.DecisionAccept, Confidence: confidence}, nil
	}
}

func reject(confidence float64, rationale string) func() (contracts.JudgeVote, error) {
	return func() (contracts.JudgeVote, error) {
		return contracts.JudgeVote{Decision: contracts.DecisionReject, Confidence: confidence, Rationale: rationale}, nil
	}
}

func timeout() func() (contracts.JudgeVote, error) {
	return func() (contracts.JudgeVote, error) {
		time.Sleep(5 * time.Millisecond)
		return contracts.JudgeVote{}, errors.New("connection reset")
	}
}

// newTestCouncil wires a Council over in-process fakes: a fresh signer
// keypair, a CanonicalHasher, an in-memory Provenance Store, and an
// Authority with no quality gates and a generous budget so tests can focus
// on aggregation unless a case says otherwise.
func newTestCouncil(t *testing.T, judges []judge.Judge) (*Council, *provenance.Store) {
	t.Helper()
	sgn, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	hasher := signer.NewCanonicalHasher()
	store := provenance.New(hasher)
	authority := caws.New(caws.DefaultBudgetLimits(), nil, caws.NewWaiverManager())
	rt := judge.New(judges).WithRetryPolicy(judge.RetryPolicy{BaseDelay: time.Millisecond, Factor: 1, MaxAttempts: 1, JitterPct: 0})
	c := New(StaticJudgeSpecSource(specsOf(judges)), rt, authority, sgn, hasher, store)
	return c, store
}

func specsOf(judges []judge.Judge) []contracts.JudgeSpec {
	out := make([]contracts.JudgeSpec, len(judges))
	for i, j := range judges {
		out[i] = j.Spec()
	}
	return out
}

func TestAdjudicate_UnanimousAccept(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 0.5, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "b", Weight: 0.3, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "c", Weight: 0.2, Active: true}, vote: accept(1.0)},
	}
	c, store := newTestCouncil(t, judges)

	task := contracts.Task{ID: "t1"}
	v, err := c.Adjudicate(context.Background(), task, contracts.CandidateArtifact{TaskID: "t1"})
	require.NoError(t, err)

	require.Equal(t, contracts.VerdictAccept, v.Decision)
	require.InDelta(t, 1.0, v.ConsensusScore, 1e-9)
	require.Empty(t, v.DissentText)
	require.NotEmpty(t, v.Signature)
	require.NotEmpty(t, v.SelfHash)
	require.Equal(t, signer.GenesisHash, v.PrevHash)

	require.Len(t, store.ListByTask("t1"), 1)
	events := store.ListEvents("t1")
	require.Len(t, events, 1)
	require.Equal(t, "verdict.created", events[0].Action)
	require.Equal(t, uint64(1), events[0].Seq)
}

func TestAdjudicate_HardRejectOverride(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "security", Weight: 0.9, Active: true}, vote: reject(0.9, "uses eval() on user input")},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "style", Weight: 0.3, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "perf", Weight: 0.3, Active: true}, vote: accept(1.0)},
	}
	c, _ := newTestCouncil(t, judges)

	v, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, contracts.CandidateArtifact{TaskID: "t1"})
	require.NoError(t, err)

	require.Equal(t, contracts.VerdictReject, v.Decision)
	require.Equal(t, contracts.ReasonHardReject, v.DecisionReason)
	require.Contains(t, v.DissentText, "perf")
	require.Contains(t, v.DissentText, "style")
}

func TestAdjudicate_QuorumFailure(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 0.2, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "b", Weight: 0.2, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "c", Weight: 0.2, Active: true}, vote: timeout()},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "d", Weight: 0.2, Active: true}, vote: timeout()},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "e", Weight: 0.2, Active: true}, vote: timeout()},
	}
	c, _ := newTestCouncil(t, judges)
	c = c.WithDeadlines(2*time.Millisecond, 20*time.Millisecond)

	v, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, contracts.CandidateArtifact{TaskID: "t1"})
	require.NoError(t, err)

	require.Equal(t, contracts.VerdictModify, v.Decision)
	require.Equal(t, contracts.ReasonQuorum, v.DecisionReason)
	require.True(t, v.NeedInvestigation)
	// A verdict is still signed and appended even on a quorum failure.
	require.NotEmpty(t, v.Signature)
}

func TestAdjudicate_BudgetBreachWithoutWaiver(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 0.6, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "b", Weight: 0.4, Active: true}, vote: accept(1.0)},
	}
	c, _ := newTestCouncil(t, judges)

	candidate := contracts.CandidateArtifact{TaskID: "t1", Metrics: contracts.ArtifactMetrics{FilesChanged: 40}}
	v, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, candidate)
	require.NoError(t, err)

	require.Equal(t, contracts.VerdictModify, v.Decision)
	require.Equal(t, contracts.ReasonBudget, v.DecisionReason)
	require.NotEmpty(t, v.ConstitutionalRefs)
	found := false
	for _, f := range v.CAWSCompliance.BudgetViolations {
		if f.RuleID == "budget.max_files" {
			found = true
		}
	}
	require.True(t, found, "expected a budget.max_files violation")
}

func TestAdjudicate_BudgetBreachWithActiveWaiver(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 0.6, Active: true}, vote: accept(1.0)},
		&fakeJudge{spec: contracts.JudgeSpec{ID: "b", Weight: 0.4, Active: true}, vote: accept(1.0)},
	}

	sgn, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	hasher := signer.NewCanonicalHasher()
	store := provenance.New(hasher)
	waivers := caws.NewWaiverManager()
	_, err = waivers.Create(contracts.Waiver{
		TaskID:      "t1",
		Reason:      contracts.WaiverEmergencyHotfix,
		Gates:       []string{"budget.max_files"},
		ApprovedBy:  "release-manager",
		ImpactLevel: contracts.ImpactMedium,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	authority := caws.New(caws.DefaultBudgetLimits(), nil, waivers)
	rt := judge.New(judges)
	c := New(StaticJudgeSpecSource(specsOf(judges)), rt, authority, sgn, hasher, store)

	candidate := contracts.CandidateArtifact{TaskID: "t1", Metrics: contracts.ArtifactMetrics{FilesChanged: 40}}
	v, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, candidate)
	require.NoError(t, err)

	require.Equal(t, contracts.VerdictAccept, v.Decision)
	require.Contains(t, v.CAWSCompliance.Waived, "budget.max_files")
}

func TestAdjudicate_ChainsAcrossRuns(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 1.0, Active: true}, vote: accept(1.0)},
	}
	c, store := newTestCouncil(t, judges)

	first, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, contracts.CandidateArtifact{TaskID: "t1"})
	require.NoError(t, err)
	second, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, contracts.CandidateArtifact{TaskID: "t1"})
	require.NoError(t, err)

	require.Equal(t, first.SelfHash, second.PrevHash)
	require.NoError(t, store.VerifyChain("t1"))
}

// erroringSigner always fails, exercising the no-Verdict-is-written
// atomicity requirement on SignerUnavailable.
type erroringSigner struct{ signer.Signer }

func (erroringSigner) SignVerdict(v *contracts.Verdict) error { return errors.New("kms unavailable") }

func TestAdjudicate_SignerUnavailable_WritesNoVerdict(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 1.0, Active: true}, vote: accept(1.0)},
	}
	hasher := signer.NewCanonicalHasher()
	store := provenance.New(hasher)
	authority := caws.New(caws.DefaultBudgetLimits(), nil, caws.NewWaiverManager())
	rt := judge.New(judges)
	c := New(StaticJudgeSpecSource(specsOf(judges)), rt, authority, erroringSigner{}, hasher, store)

	_, err := c.Adjudicate(context.Background(), contracts.Task{ID: "t1"}, contracts.CandidateArtifact{TaskID: "t1"})
	require.ErrorIs(t, err, ErrSignerUnavailable)
	require.Empty(t, store.ListByTask("t1"))
}

func TestConfigure_AppliesEnumeratedKeys(t *testing.T) {
	judges := []judge.Judge{
		&fakeJudge{spec: contracts.JudgeSpec{ID: "a", Weight: 1.0, Active: true}, vote: accept(1.0)},
	}
	c, _ := newTestCouncil(t, judges)

	cfg := config.Default()
	cfg.Council.QuorumRatio = 0.9
	cfg.Council.TieBreakOrder = []string{"accept", "modify", "reject"}
	cfg.Council.JudgeDeadlineMs = 1000
	cfg.Council.OverallDeadlineMs = 2500
	c.Configure(cfg)

	require.InDelta(t, 0.9, c.aggConfig.QuorumRatio, 1e-9)
	require.Equal(t,
		[]contracts.Decision{contracts.VerdictAccept, contracts.VerdictModify, contracts.VerdictReject},
		c.aggConfig.TieBreakOrder)
	require.Equal(t, time.Second, c.judgeDeadline)
	require.Equal(t, 2500*time.Millisecond, c.overallDeadline)
}
