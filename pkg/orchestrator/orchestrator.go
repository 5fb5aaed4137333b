// Package orchestrator implements the Task Orchestrator: the task
// lifecycle state machine that coordinates workers, Council runs,
// persistence, and audit events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helm-labs/council/pkg/artifacts"
	"github.com/helm-labs/council/pkg/bus"
	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/council"
	"github.com/helm-labs/council/pkg/ports"
	"github.com/helm-labs/council/pkg/provenance"
)

var tracer = otel.Tracer("github.com/helm-labs/council/pkg/orchestrator")

// DefaultMaxModifyIterations is the per-task cap on consecutive modify
// verdicts before the task is failed with budget_exhausted (config key
// orchestrator.max_modify_iterations).
const DefaultMaxModifyIterations = 5

// Sentinel errors for invalid lifecycle transitions — fatal to the
// operation, surfaced to the caller.
var (
	ErrTerminalTask         = errors.New("task is in a terminal state")
	ErrInvalidTransition    = errors.New("invalid task transition")
	ErrTaskCanceling        = errors.New("task is canceling")
	ErrNotExecuting         = errors.New("task is not executing")
	ErrSignerRetryExhausted = errors.New("signer unavailable after retry budget exhausted")
)

// signerRetryPolicy bounds how long OnWorkerArtifact retries a Council run
// that failed with council.ErrSignerUnavailable — transient failures are
// retried with bounded backoff at the layer closest to the cause, and for
// signing that layer is the orchestrator.
var signerRetryPolicy = struct {
	baseDelay   time.Duration
	factor      float64
	maxAttempts int
}{baseDelay: 200 * time.Millisecond, factor: 2, maxAttempts: 3}

// Orchestrator drives the Task lifecycle state machine.
type Orchestrator struct {
	store    ports.PersistentStore
	worker   ports.WorkerPort
	council  *council.Council
	prov     *provenance.Store
	bus      *bus.InProcessBus
	redisBus *bus.RedisBus
	blobs    artifacts.Store
	clock    func() time.Time
	newID    func() string
	maxIters int

	taskLocks sync.Map // taskID -> *sync.Mutex
	runCtx    sync.Map // taskID -> *taskRun, live only while non-terminal
}

// taskRun holds the cancellation context a task's worker and Council runs
// share, so Cancel's cooperative signal reaches an in-flight
// Council.Adjudicate call.
type taskRun struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Orchestrator. prov is the same Provenance Store
// instance the Council writes Verdicts and verdict.created events to —
// orchestration AuditEvents share its per-task sequence space so that
// Verdict appends happen-before verdict.created becomes visible, and every
// transition writes a matching AuditEvent before the new state becomes
// observable, both guaranteed by the same single-writer store.
//
// New registers a provenance.EventHandler that bridges every event prov
// assigns a seq to onto two downstream sinks, in order: first the durable
// PersistentStore (so a restart never loses an event prov holds only in
// memory), then eventBus, which fans it out to subscribers — the event is
// durable before the triggering transition is observable.
func New(store ports.PersistentStore, worker ports.WorkerPort, c *council.Council, prov *provenance.Store, eventBus *bus.InProcessBus) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		worker:   worker,
		council:  c,
		prov:     prov,
		bus:      eventBus,
		clock:    time.Now,
		newID:    uuid.NewString,
		maxIters: DefaultMaxModifyIterations,
	}
	prov.AddHandler(func(e contracts.AuditEvent) {
		// Best-effort: the in-memory provenance log is already this
		// process's system of record for seq assignment; a durable-store
		// write failure here must not re-enter AddHandler's own dispatch.
		_ = store.AppendAuditEvent(context.Background(), e)
		if eventBus != nil {
			eventBus.Publish(e)
		}
		if o.redisBus != nil {
			// Best-effort distribution to out-of-process subscribers; the
			// Redis stream is never the durability boundary, so
			// a transient publish failure here is swallowed rather than
			// retried inline.
			_ = o.redisBus.Publish(context.Background(), e)
		}
	})
	return o
}

// WithRedisBus additionally fans every audit event out to an out-of-process
// Redis Stream, alongside the in-process
// subscriber fan-out. It never substitutes for the in-process Bus.
func (o *Orchestrator) WithRedisBus(rb *bus.RedisBus) *Orchestrator {
	o.redisBus = rb
	return o
}

// WithArtifactStore enables resolution of candidates whose diff was
// offloaded to a content-addressed blob store (CandidateArtifact.BlobRef)
// before the Council sees them. Without a store, blob-ref-only candidates
// are adjudicated with an empty inline diff.
func (o *Orchestrator) WithArtifactStore(s artifacts.Store) *Orchestrator {
	o.blobs = s
	return o
}

// Subscribe registers a new subscriber on the orchestrator's Audit Event
// Bus. Events arrive in per-task seq order.
func (o *Orchestrator) Subscribe(ctx context.Context) *bus.Subscription {
	return o.bus.Subscribe(ctx)
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithIDFunc overrides the Task ID generator for deterministic testing.
func (o *Orchestrator) WithIDFunc(f func() string) *Orchestrator {
	o.newID = f
	return o
}

// WithMaxModifyIterations overrides the per-task modify budget (config key
// orchestrator.max_modify_iterations).
func (o *Orchestrator) WithMaxModifyIterations(n int) *Orchestrator {
	o.maxIters = n
	return o
}

func (o *Orchestrator) lockFor(taskID string) *sync.Mutex {
	v, _ := o.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (o *Orchestrator) appendEvent(ctx context.Context, taskID string, category contracts.AuditCategory, actor, action string, payload map[string]any) error {
	_, err := o.prov.AppendEvent(contracts.AuditEvent{
		TaskID:   taskID,
		Category: category,
		Actor:    actor,
		Action:   action,
		Payload:  payload,
		Ts:       o.clock(),
	})
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", action, err)
	}
	return nil
}

// Submit creates a new Task in the pending state, immediately transitions
// it to executing (worker_started), and kicks off the worker asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, spec string, acceptanceCriteria []string) (contracts.Task, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Submit")
	defer span.End()

	now := o.clock()
	task := contracts.Task{
		ID:                 o.newID(),
		Spec:               spec,
		State:              contracts.TaskPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		AcceptanceCriteria: acceptanceCriteria,
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	lock := o.lockFor(task.ID)
	lock.Lock()
	defer lock.Unlock()

	// Each transition appends its AuditEvent before the new state is saved,
	// so a reader can never observe a state whose event is not yet durable.
	if err := o.appendEvent(ctx, task.ID, contracts.AuditCategoryOrchestration, "orchestrator", "task.submitted", nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return contracts.Task{}, err
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return contracts.Task{}, fmt.Errorf("save task: %w", err)
	}

	task.State = contracts.TaskExecuting
	task.UpdatedAt = o.clock()
	if err := o.appendEvent(ctx, task.ID, contracts.AuditCategoryOrchestration, "orchestrator", "worker.started", nil); err != nil {
		return contracts.Task{}, err
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return contracts.Task{}, fmt.Errorf("save task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.runCtx.Store(task.ID, &taskRun{ctx: runCtx, cancel: cancel})
	go o.runWorker(runCtx, task)

	return task, nil
}

func (o *Orchestrator) runWorker(ctx context.Context, task contracts.Task) {
	if err := o.worker.Run(ctx, task); err != nil {
		_ = o.appendEvent(context.Background(), task.ID, contracts.AuditCategoryWorker, "worker", "worker.error",
			map[string]any{"error": err.Error()})
	}
}

func (o *Orchestrator) loadRun(taskID string) (*taskRun, bool) {
	v, ok := o.runCtx.Load(taskID)
	if !ok {
		return nil, false
	}
	return v.(*taskRun), true
}

func (o *Orchestrator) retireTask(taskID string) {
	if run, ok := o.loadRun(taskID); ok {
		run.cancel()
	}
	o.runCtx.Delete(taskID)
}

// OnWorkerArtifact is called when a worker produces a candidate diff. It
// triggers a Council run and applies the resulting Verdict to the task
// state machine.
func (o *Orchestrator) OnWorkerArtifact(ctx context.Context, taskID string, candidate contracts.CandidateArtifact) (contracts.Verdict, error) {
	lock := o.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracer.Start(ctx, "Orchestrator.OnWorkerArtifact")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return contracts.Verdict{}, fmt.Errorf("get task: %w", err)
	}
	if task.State.Terminal() {
		return contracts.Verdict{}, fmt.Errorf("%w: task %s is %s", ErrTerminalTask, taskID, task.State)
	}
	if task.State == contracts.TaskCanceling {
		return contracts.Verdict{}, fmt.Errorf("%w: task %s", ErrTaskCanceling, taskID)
	}
	if task.State != contracts.TaskExecuting {
		return contracts.Verdict{}, fmt.Errorf("%w: task %s is %s, not executing", ErrNotExecuting, taskID, task.State)
	}

	if err := o.appendEvent(ctx, taskID, contracts.AuditCategoryArtifact, "worker", "candidate.received",
		map[string]any{"produced_by": candidate.ProducedBy, "files_changed": candidate.Metrics.FilesChanged}); err != nil {
		return contracts.Verdict{}, err
	}

	if candidate.Diff == "" && candidate.BlobRef != "" && o.blobs != nil {
		data, err := o.blobs.Get(ctx, candidate.BlobRef)
		if err != nil {
			return contracts.Verdict{}, fmt.Errorf("resolve candidate blob %s: %w", candidate.BlobRef, err)
		}
		candidate.Diff = string(data)
	}

	// Adjudicate runs on the task's own lifecycle context, not the caller's
	// request-scoped ctx, so Cancel's call to run.cancel reaches an in-flight
	// Council run even after this RPC/handler has returned.
	runCtx := ctx
	if run, ok := o.loadRun(taskID); ok {
		runCtx = run.ctx
	}
	var verdict contracts.Verdict
	var runErr error
retryLoop:
	for attempt := 0; attempt < signerRetryPolicy.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(signerRetryPolicy.baseDelay) * pow(signerRetryPolicy.factor, attempt-1))
			select {
			case <-time.After(delay):
			case <-runCtx.Done():
				runErr = runCtx.Err()
				break retryLoop
			}
		}
		verdict, runErr = o.council.Adjudicate(runCtx, task, candidate)
		if !errors.Is(runErr, council.ErrSignerUnavailable) {
			break
		}
		_ = o.appendEvent(ctx, taskID, contracts.AuditCategoryAlert, "council", "signer.unavailable",
			map[string]any{"attempt": attempt + 1})
	}

	if runErr != nil {
		span.RecordError(runErr)
		if errors.Is(runErr, context.Canceled) {
			return contracts.Verdict{}, runErr
		}
		if errors.Is(runErr, council.ErrSignerUnavailable) {
			return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrSignerRetryExhausted, runErr)
		}
		return contracts.Verdict{}, runErr
	}

	// The Council's own append covers the in-memory provenance chain and its
	// verdict.created event only; mirror the written Verdict into the durable
	// store before applying it to task state.
	if err := o.store.SaveVerdict(ctx, verdict); err != nil {
		return verdict, fmt.Errorf("persist verdict: %w", err)
	}

	return verdict, o.applyVerdict(ctx, task, verdict)
}

func pow(f float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= f
	}
	return r
}

func (o *Orchestrator) applyVerdict(ctx context.Context, task contracts.Task, verdict contracts.Verdict) error {
	reissue := false

	switch verdict.Decision {
	case contracts.VerdictAccept:
		task.State = contracts.TaskCompleted
	case contracts.VerdictReject:
		task.State = contracts.TaskFailed
		task.FailureReason = "rejected"
	case contracts.VerdictModify:
		task.ModifyIterations++
		if task.ModifyIterations > o.maxIters {
			task.State = contracts.TaskFailed
			task.FailureReason = "budget_exhausted"
		} else {
			task.State = contracts.TaskExecuting
			reissue = true
		}
	default:
		return fmt.Errorf("unknown verdict decision %q", verdict.Decision)
	}

	task.UpdatedAt = o.clock()

	// Events first, state second: the verdict and transition events must be
	// durable before the new task state is observable through Get.
	if err := o.appendEvent(ctx, task.ID, contracts.AuditCategoryOrchestration, "orchestrator",
		fmt.Sprintf("verdict.%s", verdict.Decision),
		map[string]any{"verdict_id": verdict.ID, "decision_reason": string(verdict.DecisionReason)}); err != nil {
		return err
	}
	if task.State.Terminal() {
		if err := o.appendEvent(ctx, task.ID, contracts.AuditCategoryOrchestration, "orchestrator",
			fmt.Sprintf("task.%s", task.State), map[string]any{"reason": task.FailureReason}); err != nil {
			return err
		}
	} else if reissue {
		if err := o.appendEvent(ctx, task.ID, contracts.AuditCategoryOrchestration, "orchestrator", "worker.reissued",
			map[string]any{"modify_iterations": task.ModifyIterations}); err != nil {
			return err
		}
	}

	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	if task.State.Terminal() {
		o.retireTask(task.ID)
		return nil
	}

	if reissue {
		runCtx, cancel := context.WithCancel(context.Background())
		o.runCtx.Store(task.ID, &taskRun{ctx: runCtx, cancel: cancel})
		go o.runWorker(runCtx, task)
	}

	return nil
}

// Cancel requests graceful cancellation of a non-terminal task. In-flight
// judges receive cooperative cancellation through the
// task's run context; cleanup is synchronous here so the transition to
// canceled is immediate once the in-flight Council run (if any) observes
// the cancellation.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, actor, reason string) error {
	// Signal the run context before taking the per-task lock: OnWorkerArtifact
	// holds that lock for the whole Council run it is waiting on.
	if run, ok := o.loadRun(taskID); ok {
		run.cancel()
	}

	lock := o.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.State.Terminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTerminalTask, taskID, task.State)
	}

	task.State = contracts.TaskCanceling
	task.UpdatedAt = o.clock()
	if err := o.appendEvent(ctx, taskID, contracts.AuditCategoryOrchestration, actor, "task.cancel_requested",
		map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	if run, ok := o.loadRun(taskID); ok {
		run.cancel()
	}
	if err := o.worker.Cancel(ctx, taskID); err != nil {
		_ = o.appendEvent(ctx, taskID, contracts.AuditCategoryWorker, actor, "worker.cancel_error",
			map[string]any{"error": err.Error()})
	}

	task.State = contracts.TaskCanceled
	task.UpdatedAt = o.clock()
	if err := o.appendEvent(ctx, taskID, contracts.AuditCategoryOrchestration, actor, "task.canceled",
		map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	o.runCtx.Delete(taskID)
	return nil
}

// Pause suspends worker dispatch for an executing task.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) error {
	lock := o.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.State != contracts.TaskExecuting {
		return fmt.Errorf("%w: task %s is %s, not executing", ErrInvalidTransition, taskID, task.State)
	}
	task.State = contracts.TaskPaused
	task.UpdatedAt = o.clock()
	if err := o.appendEvent(ctx, taskID, contracts.AuditCategoryOrchestration, "orchestrator", "task.paused", nil); err != nil {
		return err
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// Resume resumes a paused task.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) error {
	lock := o.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.State != contracts.TaskPaused {
		return fmt.Errorf("%w: task %s is %s, not paused", ErrInvalidTransition, taskID, task.State)
	}
	task.State = contracts.TaskExecuting
	task.UpdatedAt = o.clock()
	if err := o.appendEvent(ctx, taskID, contracts.AuditCategoryOrchestration, "orchestrator", "task.resumed", nil); err != nil {
		return err
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// Get returns the current state of a task. It takes the same per-task lock
// as every mutator, so a read never observes a half-applied transition or a
// state whose audit event is not yet durable.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (contracts.Task, error) {
	lock := o.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()
	return o.store.GetTask(ctx, taskID)
}

// Events returns the AuditEvents recorded for a task with seq > sinceSeq,
// in seq order.
func (o *Orchestrator) Events(ctx context.Context, taskID string, sinceSeq uint64) ([]contracts.AuditEvent, error) {
	events, err := o.store.ListAuditEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	out := events[:0:0]
	for _, e := range events {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
