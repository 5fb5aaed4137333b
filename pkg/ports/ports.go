// Package ports defines the external collaborator interfaces the core
// consumes but never implements: model invocation, persistent storage, and
// the worker that produces candidate diffs. Concrete adapters
// live outside this package; core code only ever depends on these shapes.
package ports

import (
	"context"

	"github.com/helm-labs/council/pkg/contracts"
)

// ModelInvoker calls out to the LLM backend behind one Judge. It returns raw
// JSON matching the JudgeVote wire shape — the caller is
// responsible for schema validation and decoding.
type ModelInvoker interface {
	Invoke(ctx context.Context, judgeID string, prompt string) (json []byte, err error)
}

// WorkerPort starts and cancels an autonomous coding worker run for a task.
// The Orchestrator calls this; it never inspects the worker's internals.
type WorkerPort interface {
	Run(ctx context.Context, task contracts.Task) error
	Cancel(ctx context.Context, taskID string) error
}

// PersistentStore is the durable backing store for tasks, verdicts, waivers,
// and audit events. Implementations: in-memory, SQLite, Postgres.
type PersistentStore interface {
	SaveTask(ctx context.Context, t contracts.Task) error
	GetTask(ctx context.Context, id string) (contracts.Task, error)

	SaveVerdict(ctx context.Context, v contracts.Verdict) error
	GetVerdict(ctx context.Context, id string) (contracts.Verdict, error)
	ListVerdictsByTask(ctx context.Context, taskID string) ([]contracts.Verdict, error)

	SaveWaiver(ctx context.Context, w contracts.Waiver) error
	GetWaiver(ctx context.Context, id string) (contracts.Waiver, error)
	ListWaiversByTask(ctx context.Context, taskID string) ([]contracts.Waiver, error)

	AppendAuditEvent(ctx context.Context, e contracts.AuditEvent) error
	ListAuditEvents(ctx context.Context, taskID string) ([]contracts.AuditEvent, error)
}
