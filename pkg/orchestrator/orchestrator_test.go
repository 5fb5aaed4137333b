package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/artifacts"
	"github.com/helm-labs/council/pkg/bus"
	"github.com/helm-labs/council/pkg/caws"
	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/council"
	"github.com/helm-labs/council/pkg/judge"
	"github.com/helm-labs/council/pkg/provenance"
	"github.com/helm-labs/council/pkg/signer"
	"github.com/helm-labs/council/pkg/store"
)

// fakeWorker is a no-op ports.WorkerPort that just records invocations.
type fakeWorker struct {
	mu      sync.Mutex
	runs    []string
	cancels []string
}

func (w *fakeWorker) Run(ctx context.Context, task contracts.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs = append(w.runs, task.ID)
	return nil
}

func (w *fakeWorker) Cancel(ctx context.Context, taskID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels = append(w.cancels, taskID)
	return nil
}

func (w *fakeWorker) runCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runs)
}

// fakeJudge casts a fixed decision regardless of the candidate.
type fakeJudge struct {
	spec     contracts.JudgeSpec
	decision contracts.VoteDecision
}

func (f *fakeJudge) Spec() contracts.JudgeSpec { return f.spec }

func (f *fakeJudge) Evaluate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (contracts.JudgeVote, error) {
	return contracts.JudgeVote{Decision: f.decision, Confidence: 1.0}, nil
}

// newHarness wires an Orchestrator whose lone judge always casts the given
// decision, over a fresh MemoryStore, InProcessBus, and Provenance Store.
func newHarness(t *testing.T, decision contracts.VoteDecision) (*Orchestrator, *fakeWorker, *store.MemoryStore) {
	t.Helper()
	j := &fakeJudge{spec: contracts.JudgeSpec{ID: "only", Weight: 1.0, Active: true}, decision: decision}
	sgn, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	hasher := signer.NewCanonicalHasher()
	prov := provenance.New(hasher)
	authority := caws.New(caws.DefaultBudgetLimits(), nil, caws.NewWaiverManager())
	rt := judge.New([]judge.Judge{j})
	c := council.New(council.StaticJudgeSpecSource{j.Spec()}, rt, authority, sgn, hasher, prov)

	st := store.NewMemoryStore()
	w := &fakeWorker{}
	o := New(st, w, c, prov, bus.New())
	return o, w, st
}

func TestSubmit_TransitionsToExecutingAndRunsWorker(t *testing.T) {
	o, w, _ := newHarness(t, contracts.DecisionAccept)

	task, err := o.Submit(context.Background(), "add a feature", []string{"tests pass"})
	require.NoError(t, err)
	require.Equal(t, contracts.TaskExecuting, task.State)

	require.Eventually(t, func() bool { return w.runCount() == 1 }, time.Second, time.Millisecond)

	events, err := o.Events(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "task.submitted", events[0].Action)
	require.Equal(t, "worker.started", events[1].Action)
}

func TestOnWorkerArtifact_Accept_CompletesTask(t *testing.T) {
	o, _, st := newHarness(t, contracts.DecisionAccept)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)

	verdict, err := o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictAccept, verdict.Decision)

	got, err := o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskCompleted, got.State)

	// The verdict the Council produced must be mirrored into the durable
	// PersistentStore, not just the in-memory provenance chain.
	saved, err := st.GetVerdict(context.Background(), verdict.ID)
	require.NoError(t, err)
	require.Equal(t, verdict.ID, saved.ID)
}

func TestOnWorkerArtifact_Reject_FailsTask(t *testing.T) {
	o, _, _ := newHarness(t, contracts.DecisionReject)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)

	verdict, err := o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictReject, verdict.Decision)

	got, err := o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskFailed, got.State)
	require.Equal(t, "rejected", got.FailureReason)
}

func TestOnWorkerArtifact_Modify_ReissuesUntilBudgetExhausted(t *testing.T) {
	o, w, _ := newHarness(t, contracts.DecisionModify)
	o = o.WithMaxModifyIterations(2)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.runCount() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
		require.NoError(t, err)
	}
	got, err := o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskExecuting, got.State)
	require.Equal(t, 2, got.ModifyIterations)

	// The third modify verdict exceeds the budget of 2 and fails the task.
	_, err = o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.NoError(t, err)
	got, err = o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskFailed, got.State)
	require.Equal(t, "budget_exhausted", got.FailureReason)
}

func TestOnWorkerArtifact_TerminalTask_Rejected(t *testing.T) {
	o, _, _ := newHarness(t, contracts.DecisionAccept)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)
	_, err = o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.NoError(t, err)

	_, err = o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.ErrorIs(t, err, ErrTerminalTask)
}

func TestCancel_TransitionsToCanceledAndCancelsWorker(t *testing.T) {
	o, w, _ := newHarness(t, contracts.DecisionAccept)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(context.Background(), task.ID, "operator", "duplicate task"))

	got, err := o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskCanceled, got.State)
	require.Len(t, w.cancels, 1)

	// A second cancel against a terminal task is rejected.
	err = o.Cancel(context.Background(), task.ID, "operator", "again")
	require.ErrorIs(t, err, ErrTerminalTask)
}

func TestPauseResume(t *testing.T) {
	o, _, _ := newHarness(t, contracts.DecisionAccept)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)

	require.NoError(t, o.Pause(context.Background(), task.ID))
	got, err := o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskPaused, got.State)

	require.NoError(t, o.Resume(context.Background(), task.ID))
	got, err = o.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskExecuting, got.State)
}

func TestEvents_SeqStrictlyMonotonicAndFilteredBySince(t *testing.T) {
	o, _, _ := newHarness(t, contracts.DecisionAccept)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)
	_, err = o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.NoError(t, err)

	all, err := o.Events(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		require.Equal(t, all[i-1].Seq+1, all[i].Seq)
	}

	tail, err := o.Events(context.Background(), task.ID, all[len(all)-2].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, all[len(all)-1].Seq, tail[0].Seq)
}

func TestSubscribe_ReceivesEventsPublishedThroughBus(t *testing.T) {
	o, _, _ := newHarness(t, contracts.DecisionAccept)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := o.Subscribe(ctx)

	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)

	select {
	case e := <-sub.Events:
		require.Equal(t, task.ID, e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on subscription")
	}
}

// capturingJudge records the candidate it was asked to evaluate.
type capturingJudge struct {
	mu   sync.Mutex
	seen contracts.CandidateArtifact
}

func (c *capturingJudge) Spec() contracts.JudgeSpec {
	return contracts.JudgeSpec{ID: "capture", Weight: 1.0, Active: true}
}

func (c *capturingJudge) Evaluate(ctx context.Context, task contracts.Task, candidate contracts.CandidateArtifact) (contracts.JudgeVote, error) {
	c.mu.Lock()
	c.seen = candidate
	c.mu.Unlock()
	return contracts.JudgeVote{Decision: contracts.DecisionAccept, Confidence: 1.0}, nil
}

func TestOnWorkerArtifact_ResolvesBlobRefBeforeAdjudication(t *testing.T) {
	j := &capturingJudge{}
	sgn, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	hasher := signer.NewCanonicalHasher()
	prov := provenance.New(hasher)
	authority := caws.New(caws.DefaultBudgetLimits(), nil, caws.NewWaiverManager())
	rt := judge.New([]judge.Judge{j})
	c := council.New(council.StaticJudgeSpecSource{j.Spec()}, rt, authority, sgn, hasher, prov)

	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	diff := "diff --git a/main.go b/main.go"
	ref, err := blobs.Put(context.Background(), []byte(diff))
	require.NoError(t, err)

	o := New(store.NewMemoryStore(), &fakeWorker{}, c, prov, bus.New()).WithArtifactStore(blobs)
	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)

	_, err = o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID, BlobRef: ref})
	require.NoError(t, err)

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Equal(t, diff, j.seen.Diff)
}

// orderRecordingStore records the interleaving of audit-event appends and
// task saves, to pin the event-before-state ordering of every transition.
type orderRecordingStore struct {
	*store.MemoryStore
	mu  sync.Mutex
	ops []string
}

func (s *orderRecordingStore) SaveTask(ctx context.Context, t contracts.Task) error {
	s.mu.Lock()
	s.ops = append(s.ops, "save:"+string(t.State))
	s.mu.Unlock()
	return s.MemoryStore.SaveTask(ctx, t)
}

func (s *orderRecordingStore) AppendAuditEvent(ctx context.Context, e contracts.AuditEvent) error {
	s.mu.Lock()
	s.ops = append(s.ops, "event:"+e.Action)
	s.mu.Unlock()
	return s.MemoryStore.AppendAuditEvent(ctx, e)
}

func (s *orderRecordingStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestTransitions_AppendEventBeforeSavingState(t *testing.T) {
	j := &fakeJudge{spec: contracts.JudgeSpec{ID: "only", Weight: 1.0, Active: true}, decision: contracts.DecisionAccept}
	sgn, err := signer.NewEd25519Signer("test-key")
	require.NoError(t, err)
	hasher := signer.NewCanonicalHasher()
	prov := provenance.New(hasher)
	authority := caws.New(caws.DefaultBudgetLimits(), nil, caws.NewWaiverManager())
	rt := judge.New([]judge.Judge{j})
	c := council.New(council.StaticJudgeSpecSource{j.Spec()}, rt, authority, sgn, hasher, prov)

	st := &orderRecordingStore{MemoryStore: store.NewMemoryStore()}
	o := New(st, &fakeWorker{}, c, prov, bus.New())

	task, err := o.Submit(context.Background(), "spec", nil)
	require.NoError(t, err)
	_, err = o.OnWorkerArtifact(context.Background(), task.ID, contracts.CandidateArtifact{TaskID: task.ID})
	require.NoError(t, err)

	ops := st.snapshot()
	for event, save := range map[string]string{
		"event:task.submitted": "save:pending",
		"event:worker.started": "save:executing",
		"event:task.completed": "save:completed",
	} {
		ei, si := indexOf(ops, event), indexOf(ops, save)
		require.GreaterOrEqual(t, ei, 0, event)
		require.GreaterOrEqual(t, si, 0, save)
		require.Less(t, ei, si, "%s must be durable before %s", event, save)
	}
}
