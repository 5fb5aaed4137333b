// Package aggregator implements the Vote Aggregator: it turns a set of
// JudgeVotes and the JudgeSpec snapshot that produced them into a Decision,
// a consensus score, and the dissent/remediation text attached to a Verdict.
package aggregator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/helm-labs/council/pkg/contracts"
)

// epsilon is the tolerance for comparing weighted masses as ties.
const epsilon = 1e-9

// Config parameterizes the decision rule.
type Config struct {
	QuorumRatio        float64
	MinMass            float64
	CriticalWeight     float64
	CriticalConfidence float64
	// TieBreakOrder lists decisions from highest to lowest tie-break
	// priority. The default is reject > modify > accept (safety-first).
	TieBreakOrder []contracts.Decision
}

// DefaultConfig returns the stock decision-rule parameters.
func DefaultConfig() Config {
	return Config{
		QuorumRatio:        0.6,
		MinMass:            0.25,
		CriticalWeight:     0.8,
		CriticalConfidence: 0.7,
		TieBreakOrder:      []contracts.Decision{contracts.VerdictReject, contracts.VerdictModify, contracts.VerdictAccept},
	}
}

// Result is the aggregator's output, ready to be merged into a draft Verdict.
type Result struct {
	Decision          contracts.Decision
	DecisionReason    contracts.DecisionReason
	ConsensusScore    float64
	NeedInvestigation bool
	DissentText       string
	Remediation       []contracts.Finding
}

// activeVote pairs a vote with the spec of the judge that cast it.
type activeVote struct {
	vote contracts.JudgeVote
	spec contracts.JudgeSpec
}

// Aggregate computes the Council's decision from votes against the judge
// specs that produced them.
func Aggregate(votes []contracts.JudgeVote, specs []contracts.JudgeSpec, cfg Config) Result {
	specByID := make(map[string]contracts.JudgeSpec, len(specs))
	activeJudges := 0
	for _, s := range specs {
		specByID[s.ID] = s
		if s.Active {
			activeJudges++
		}
	}

	var active []activeVote
	for _, v := range votes {
		s, ok := specByID[v.JudgeID]
		if !ok || !s.Active || v.HasError() || v.ArrivedAfterDeadline {
			continue
		}
		active = append(active, activeVote{vote: v, spec: s})
	}

	mass := map[contracts.Decision]float64{}
	var totalMass float64
	for _, av := range active {
		d := contracts.Decision(av.vote.Decision)
		w := clamp01(av.spec.Weight) * clamp01(av.vote.Confidence)
		mass[d] += w
		totalMass += w
	}

	consensusScore := 0.0
	winner := bestDecision(mass, cfg.TieBreakOrder)
	if totalMass > 0 {
		consensusScore = mass[winner] / totalMass
	}

	result := Result{
		ConsensusScore: consensusScore,
		DissentText:    dissentText(active, winner),
		Remediation:    remediation(votes),
	}

	requiredVotes := int(math.Ceil(float64(activeJudges) * cfg.QuorumRatio))
	if len(active) < requiredVotes || totalMass < cfg.MinMass {
		result.Decision = contracts.VerdictModify
		result.DecisionReason = contracts.ReasonQuorum
		result.NeedInvestigation = true
		result.Remediation = append(result.Remediation, contracts.Finding{
			RuleID:   "council.quorum",
			Severity: "high",
			Message:  fmt.Sprintf("insufficient judge coverage: %d of %d active judges voted", len(active), activeJudges),
		})
		return result
	}

	for _, av := range active {
		if av.spec.Weight >= cfg.CriticalWeight &&
			contracts.Decision(av.vote.Decision) == contracts.VerdictReject &&
			av.vote.Confidence >= cfg.CriticalConfidence {
			result.Decision = contracts.VerdictReject
			result.DecisionReason = contracts.ReasonHardReject
			return result
		}
	}

	result.Decision = winner
	result.DecisionReason = contracts.ReasonConsensus
	return result
}

func bestDecision(mass map[contracts.Decision]float64, tieBreak []contracts.Decision) contracts.Decision {
	priority := make(map[contracts.Decision]int, len(tieBreak))
	for i, d := range tieBreak {
		priority[d] = i
	}

	best := contracts.VerdictModify
	bestMass := -1.0
	haveBest := false
	for _, d := range tieBreak {
		m := mass[d]
		switch {
		case !haveBest || m > bestMass+epsilon:
			best, bestMass, haveBest = d, m, true
		case math.Abs(m-bestMass) <= epsilon:
			// Tie: prefer whichever comes first in tieBreak — tieBreak is
			// iterated in priority order already, so keep the current best
			// only if it precedes d.
			if priority[d] < priority[best] {
				best = d
			}
		}
	}
	return best
}

func dissentText(active []activeVote, winner contracts.Decision) string {
	var lines []string
	for _, av := range active {
		if contracts.Decision(av.vote.Decision) == winner {
			continue
		}
		if av.vote.Rationale == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", av.vote.JudgeID, av.vote.Rationale))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}

func remediation(votes []contracts.JudgeVote) []contracts.Finding {
	type key struct{ ruleID, location string }
	seen := map[key]contracts.Finding{}
	for _, v := range votes {
		if v.Decision == contracts.DecisionAccept {
			continue
		}
		for _, f := range v.Findings {
			k := key{f.RuleID, f.Location}
			if _, ok := seen[k]; !ok {
				seen[k] = f
			}
		}
	}

	out := make([]contracts.Finding, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := severityRank[out[i].Severity], severityRank[out[j].Severity]
		if ri != rj {
			return ri < rj
		}
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Location < out[j].Location
	})
	return out
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
