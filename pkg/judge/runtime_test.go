package judge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/contracts"
)

type fakeJudge struct {
	spec    contracts.JudgeSpec
	calls   int
	results []func() (contracts.JudgeVote, error)
}

func (f *fakeJudge) Spec() contracts.JudgeSpec { return f.spec }

func (f *fakeJudge) Evaluate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (contracts.JudgeVote, error) {
	r := f.results[f.calls]
	f.calls++
	return r()
}

func acceptResult() (contracts.JudgeVote, error) {
	return contracts.JudgeVote{Decision: contracts.DecisionAccept, Confidence: 0.9}, nil
}

func transportErrResult() (contracts.JudgeVote, error) {
	return contracts.JudgeVote{}, errors.New("connection reset")
}

func TestRuntime_Dispatch_OnlyActiveJudgesVote(t *testing.T) {
	active := &fakeJudge{spec: contracts.JudgeSpec{ID: "j1", Active: true}, results: []func() (contracts.JudgeVote, error){acceptResult}}
	inactive := &fakeJudge{spec: contracts.JudgeSpec{ID: "j2", Active: false}}

	rt := New([]Judge{active, inactive}).WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond, Factor: 1, MaxAttempts: 1, JitterPct: 0})
	votes := rt.Dispatch(context.Background(), contracts.Task{}, contracts.CandidateArtifact{})

	require.Len(t, votes, 1)
	require.Equal(t, "j1", votes[0].JudgeID)
}

func TestRuntime_Dispatch_RetriesOnlyTransportErrors(t *testing.T) {
	j := &fakeJudge{
		spec: contracts.JudgeSpec{ID: "j1", Active: true},
		results: []func() (contracts.JudgeVote, error){
			transportErrResult,
			transportErrResult,
			acceptResult,
		},
	}

	rt := New([]Judge{j}).WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond, Factor: 1, MaxAttempts: 3, JitterPct: 0}).WithRand(func() float64 { return 0.5 })
	votes := rt.Dispatch(context.Background(), contracts.Task{}, contracts.CandidateArtifact{})

	require.Len(t, votes, 1)
	require.Equal(t, contracts.DecisionAccept, votes[0].Decision)
	require.Equal(t, 3, j.calls)
}

func TestRuntime_Dispatch_ExhaustedRetriesYieldsTransportVote(t *testing.T) {
	j := &fakeJudge{
		spec:    contracts.JudgeSpec{ID: "j1", Active: true},
		results: []func() (contracts.JudgeVote, error){transportErrResult, transportErrResult, transportErrResult},
	}

	rt := New([]Judge{j}).WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond, Factor: 1, MaxAttempts: 3, JitterPct: 0})
	votes := rt.Dispatch(context.Background(), contracts.Task{}, contracts.CandidateArtifact{})

	require.Equal(t, contracts.VoteErrorTransport, votes[0].Error)
}

func TestRuntime_Dispatch_DoesNotRetryInvalidOutput(t *testing.T) {
	j := &fakeJudge{
		spec: contracts.JudgeSpec{ID: "j1", Active: true},
		results: []func() (contracts.JudgeVote, error){
			func() (contracts.JudgeVote, error) {
				return contracts.JudgeVote{Error: contracts.VoteErrorInvalidOutput}, nil
			},
		},
	}

	rt := New([]Judge{j})
	votes := rt.Dispatch(context.Background(), contracts.Task{}, contracts.CandidateArtifact{})

	require.Equal(t, contracts.VoteErrorInvalidOutput, votes[0].Error)
	require.Equal(t, 1, j.calls)
}
