package caws

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/contracts"
)

func TestBuildQualityGates_MandatoryListControlsForcing(t *testing.T) {
	gates := BuildQualityGates([]string{GateTypecheck}, DefaultQualityThresholds())
	require.Len(t, gates, 4)

	byID := map[string]QualityGate{}
	for _, g := range gates {
		byID[g.ID()] = g
	}

	require.False(t, byID[GateTestCoverage].Mandatory())
	require.False(t, byID[GateLint].Mandatory())
	require.True(t, byID[GateTypecheck].Mandatory())
}

func TestBuildQualityGates_EvaluateAgainstCandidateQuality(t *testing.T) {
	gates := BuildQualityGates(nil, DefaultQualityThresholds())
	task := contracts.Task{ID: "t1"}

	failing := contracts.CandidateArtifact{
		TaskID: "t1",
		Quality: contracts.QualityChecks{
			CoveragePct:      50,
			MutationScorePct: 40,
			LintClean:        false,
			TypecheckClean:   false,
		},
	}
	for _, g := range gates {
		pass, reason := g.Evaluate(task, failing)
		require.False(t, pass, g.ID())
		require.NotEmpty(t, reason)
	}

	passing := contracts.CandidateArtifact{
		TaskID: "t1",
		Quality: contracts.QualityChecks{
			CoveragePct:      95,
			MutationScorePct: 70,
			LintClean:        true,
			TypecheckClean:   true,
		},
	}
	for _, g := range gates {
		pass, _ := g.Evaluate(task, passing)
		require.True(t, pass, g.ID())
	}
}

func TestBuildQualityGates_WiredIntoAuthority(t *testing.T) {
	gates := BuildQualityGates([]string{GateTypecheck}, DefaultQualityThresholds())
	a := New(DefaultBudgetLimits(), gates, NewWaiverManager())

	task := contracts.Task{ID: "t1"}
	candidate := contracts.CandidateArtifact{
		TaskID:  "t1",
		Metrics: contracts.ArtifactMetrics{FilesChanged: 1, LinesChanged: 10},
		Quality: contracts.QualityChecks{CoveragePct: 95, MutationScorePct: 70, LintClean: true, TypecheckClean: false},
	}

	res := a.Evaluate(task, candidate, contracts.VerdictAccept)
	require.Equal(t, contracts.VerdictReject, res.ForcedDecision)
	require.Equal(t, contracts.ReasonMandatoryGate, res.ForcedReason)
}
