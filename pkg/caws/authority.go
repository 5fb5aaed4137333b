package caws

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helm-labs/council/pkg/contracts"
)

var tracer = otel.Tracer("github.com/helm-labs/council/pkg/caws")

// BudgetLimits are the default CAWS budget gates.
type BudgetLimits struct {
	MaxFiles int
	MaxLOC   int
}

// DefaultBudgetLimits returns the stock budget gate thresholds.
func DefaultBudgetLimits() BudgetLimits {
	return BudgetLimits{MaxFiles: 25, MaxLOC: 1000}
}

const (
	gateMaxFiles = "budget.max_files"
	gateMaxLOC   = "budget.max_loc"
)

// PolicyVersion identifies the CAWS policy snapshot attached to
// constitutional_refs.
const PolicyVersion = "caws-policy/v1"

// Authority is the CAWS Authority.
type Authority struct {
	budgets BudgetLimits
	gates   []QualityGate
	waivers *WaiverManager
}

// New constructs an Authority over the given budgets, quality gates, and
// waiver manager.
func New(budgets BudgetLimits, gates []QualityGate, waivers *WaiverManager) *Authority {
	return &Authority{budgets: budgets, gates: gates, waivers: waivers}
}

// Evaluate runs budget and quality gates against candidate, consulting
// active waivers, and returns the CAWSResult plus the decision it forces
// (if any) on top of the aggregator's draft decision.
//
// Waiver precedence (frozen decision): a gate marked no_waiver always wins
// — no waiver, however broad, can suppress it. Waivers never upgrade
// reject to accept; they only suppress specific gate failures, which can at
// most turn a budget-forced modify back toward the aggregator's original
// decision.
func (a *Authority) Evaluate(task contracts.Task, candidate contracts.CandidateArtifact, draftDecision contracts.Decision) contracts.CAWSResult {
	_, span := tracer.Start(context.Background(), "Authority.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("council.task_id", task.ID))

	result := contracts.CAWSResult{}
	forcedReject := false
	forcedModify := false
	refs := map[string]struct{}{}

	checkGate := func(gateID string, mandatory, noWaiver bool, pass bool, reason string) {
		gr := contracts.GateResult{GateID: gateID, Mandatory: mandatory, NoWaiver: noWaiver, PolicyRef: PolicyVersion}
		if pass {
			gr.Outcome = contracts.GatePass
			result.Gates = append(result.Gates, gr)
			return
		}

		if !noWaiver {
			if w, ok := a.waivers.ActiveFor(task.ID, gateID); ok {
				gr.Outcome = contracts.GateWaived
				gr.WaiverID = w.ID
				gr.Reason = reason
				result.Gates = append(result.Gates, gr)
				result.Waived = append(result.Waived, gateID)
				refs[PolicyVersion] = struct{}{}
				return
			}
		}

		gr.Outcome = contracts.GateFail
		gr.Reason = reason
		result.Gates = append(result.Gates, gr)
		refs[PolicyVersion] = struct{}{}
		if mandatory {
			forcedReject = true
		} else {
			forcedModify = true
		}
	}

	filesOK := candidate.Metrics.FilesChanged <= a.budgets.MaxFiles
	checkGate(gateMaxFiles, false, false, filesOK,
		fmt.Sprintf("budget_violation: files_changed=%d max=%d", candidate.Metrics.FilesChanged, a.budgets.MaxFiles))
	if !filesOK {
		result.BudgetViolations = append(result.BudgetViolations, contracts.Finding{
			RuleID: gateMaxFiles, Severity: "medium",
			Message: fmt.Sprintf("files_changed=%d exceeds max_files=%d", candidate.Metrics.FilesChanged, a.budgets.MaxFiles),
		})
	}

	locOK := candidate.Metrics.LinesChanged <= a.budgets.MaxLOC
	checkGate(gateMaxLOC, false, false, locOK,
		fmt.Sprintf("budget_violation: lines_changed=%d max=%d", candidate.Metrics.LinesChanged, a.budgets.MaxLOC))
	if !locOK {
		result.BudgetViolations = append(result.BudgetViolations, contracts.Finding{
			RuleID: gateMaxLOC, Severity: "medium",
			Message: fmt.Sprintf("lines_changed=%d exceeds max_loc=%d", candidate.Metrics.LinesChanged, a.budgets.MaxLOC),
		})
	}

	for _, g := range a.gates {
		pass, reason := g.Evaluate(task, candidate)
		checkGate(g.ID(), g.Mandatory(), g.NoWaiver(), pass, reason)
	}

	sort.Slice(result.Gates, func(i, j int) bool { return result.Gates[i].GateID < result.Gates[j].GateID })
	sort.Strings(result.Waived)
	for ref := range refs {
		result.ConstitutionalRefs = append(result.ConstitutionalRefs, ref)
	}
	sort.Strings(result.ConstitutionalRefs)

	switch {
	case forcedReject:
		result.ForcedDecision = contracts.VerdictReject
		result.ForcedReason = contracts.ReasonMandatoryGate
	case forcedModify && draftDecision == contracts.VerdictAccept:
		result.ForcedDecision = contracts.VerdictModify
		result.ForcedReason = contracts.ReasonBudget
	case len(result.Waived) > 0 && draftDecision != contracts.VerdictReject:
		// A waiver covered what would otherwise have forced a downgrade;
		// the aggregator's draft decision stands, annotated as waived.
		if result.ForcedDecision == "" {
			result.ForcedDecision = draftDecision
			result.ForcedReason = contracts.ReasonWaived
		}
	}

	return result
}
