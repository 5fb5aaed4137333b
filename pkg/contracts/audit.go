package contracts

import "time"

// AuditCategory groups audit events by the subsystem that emitted them.
type AuditCategory string

const (
	AuditCategoryOrchestration AuditCategory = "orchestration"
	AuditCategoryWorker        AuditCategory = "worker"
	AuditCategoryArtifact      AuditCategory = "artifact"
	AuditCategoryAlert         AuditCategory = "alert"
	AuditCategorySystem        AuditCategory = "system"
)

// AuditEvent is one entry on the Audit Event Bus. Events are
// strictly ordered per task by Seq.
type AuditEvent struct {
	ID       string         `json:"id"`
	TaskID   string         `json:"task_id"`
	Seq      uint64         `json:"seq"`
	Category AuditCategory  `json:"category"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload,omitempty"`
	Ts       time.Time      `json:"ts"`
}
