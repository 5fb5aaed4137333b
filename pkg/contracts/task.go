// Package contracts defines the shared data model for the Council —
// tasks, candidate artifacts, judge specs/votes, verdicts, waivers, and
// audit events. Every other package in this module imports contracts; it
// imports nothing from them.
package contracts

import "time"

// TaskState is a stage in the task lifecycle state machine.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskExecuting TaskState = "executing"
	TaskPaused    TaskState = "paused"
	TaskCanceling TaskState = "canceling"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Terminal reports whether s is a terminal state with no outbound transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Task is the unit of work adjudicated by the Council.
type Task struct {
	ID                 string    `json:"id"`
	Spec               string    `json:"spec"`
	State              TaskState `json:"state"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	ModifyIterations   int       `json:"modify_iterations"`
	FailureReason      string    `json:"failure_reason,omitempty"`
}

// CandidateArtifact is a proposed change submitted to the Council for one
// task. It is immutable once submitted.
type CandidateArtifact struct {
	TaskID     string         `json:"task_id"`
	Diff       string         `json:"diff"`
	Metrics    ArtifactMetrics `json:"metrics"`
	ProducedBy string         `json:"produced_by"`
	// BlobRef optionally points to a content-addressed store (S3/GCS) holding
	// the full diff when it exceeds an inline size threshold.
	BlobRef string `json:"blob_ref,omitempty"`
	// Quality carries CI-produced check results (coverage, mutation score,
	// lint/typecheck status) consulted by the CAWS quality gates.
	Quality QualityChecks `json:"quality"`
}

// ArtifactMetrics captures the size of a change, used by CAWS budget gates.
type ArtifactMetrics struct {
	FilesChanged int `json:"files_changed"`
	LinesChanged int `json:"lines_changed"`
}

// QualityChecks is the CI-attached evidence the named quality gates
// (test_coverage, mutation_testing, lint, typecheck) evaluate. A worker
// attaches these alongside the diff; CAWS never runs the checks itself.
type QualityChecks struct {
	CoveragePct      float64 `json:"coverage_pct"`
	MutationScorePct float64 `json:"mutation_score_pct"`
	LintClean        bool    `json:"lint_clean"`
	TypecheckClean   bool    `json:"typecheck_clean"`
}
