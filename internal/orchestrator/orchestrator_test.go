package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/store"
)

// fakeStore is an in-memory Store good enough to exercise the
// Orchestrator's protocols without bbolt or HTTP.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]model.Task // workflowID/taskID -> task
	metas map[string]model.WorkflowMeta
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]model.Task{}, metas: map[string]model.WorkflowMeta{}}
}

func key(workflowID, taskID string) string { return workflowID + "/" + taskID }

func (f *fakeStore) PutBatch(ctx context.Context, items []store.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		switch it.Type {
		case model.RecordTask:
			f.tasks[key(it.Task.WorkflowID, it.Task.TaskID)] = *it.Task
		case model.RecordMeta:
			f.metas[it.Meta.WorkflowID] = *it.Meta
		}
	}
	return nil
}

func (f *fakeStore) Query(ctx context.Context, workflowID string) ([]store.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Item
	if m, ok := f.metas[workflowID]; ok {
		items = append(items, store.Item{Type: model.RecordMeta, Meta: &m})
	}
	for k, t := range f.tasks {
		if t.WorkflowID == workflowID {
			tc := t
			items = append(items, store.Item{Type: model.RecordTask, Task: &tc})
			_ = k
		}
	}
	return items, nil
}

func (f *fakeStore) ListWorkflows(ctx context.Context) ([]model.WorkflowMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WorkflowMeta
	for _, m := range f.metas {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) conditional(workflowID, taskID string, cond func(model.Task) bool, mutate func(*model.Task)) (model.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[key(workflowID, taskID)]
	if !ok {
		return model.Task{}, false, store.ErrNotFound{PK: workflowID, SK: taskID}
	}
	if !cond(t) {
		return model.Task{}, false, nil
	}
	mutate(&t)
	f.tasks[key(workflowID, taskID)] = t
	return t, true, nil
}

func (f *fakeStore) DecrementRemainingDeps(ctx context.Context, workflowID, taskID string) (model.Task, bool, error) {
	return f.conditional(workflowID, taskID,
		func(t model.Task) bool { return t.RemainingDeps > 0 },
		func(t *model.Task) { t.RemainingDeps-- })
}

func (f *fakeStore) PromoteReady(ctx context.Context, workflowID, taskID string) (model.Task, bool, error) {
	return f.conditional(workflowID, taskID,
		func(t model.Task) bool { return t.Status == model.TaskPending },
		func(t *model.Task) { t.Status = model.TaskReady; t.Version++ })
}

func (f *fakeStore) ClaimTask(ctx context.Context, workflowID, taskID string, expectedVersion int64, leaseExpires time.Time) (model.Task, bool, error) {
	panic("unused in orchestrator tests")
}

func (f *fakeStore) FinalizeTask(ctx context.Context, workflowID, taskID string, status model.TaskStatus, result, errMsg string, durationMs int64) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[key(workflowID, taskID)]
	t.Status = status
	t.Result = result
	t.Error = errMsg
	f.tasks[key(workflowID, taskID)] = t
	return t, nil
}

func (f *fakeStore) SweepExpiredLease(ctx context.Context, workflowID, taskID string, expectedVersion int64) (model.Task, bool, error) {
	panic("unused in orchestrator tests")
}

func (f *fakeStore) ScanExpiredLeases(ctx context.Context, now time.Time) ([]model.Task, error) {
	panic("unused in orchestrator tests")
}

func (f *fakeStore) RecomputeMeta(ctx context.Context, workflowID string, status model.WorkflowStatus) (model.WorkflowMeta, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metas[workflowID]
	if !ok {
		return model.WorkflowMeta{}, false, nil
	}
	m.Status = status
	f.metas[workflowID] = m
	return m, true, nil
}

var _ store.Store = (*fakeStore)(nil)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []model.TaskExecutionRequest
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req model.TaskExecutionRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, req)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRecomputeStatusAllSucceeded(t *testing.T) {
	fs := newFakeStore()
	fs.metas["wf1"] = model.WorkflowMeta{WorkflowID: "wf1", Status: model.WorkflowRunning}
	fs.tasks[key("wf1", "A")] = model.Task{WorkflowID: "wf1", TaskID: "A", Status: model.TaskSucceeded}
	fs.tasks[key("wf1", "B")] = model.Task{WorkflowID: "wf1", TaskID: "B", Status: model.TaskSucceeded}

	o := New(fs, &fakeDispatcher{}, discardLogger())
	if err := o.recomputeStatus(context.Background(), "wf1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.metas["wf1"].Status != model.WorkflowSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", fs.metas["wf1"].Status)
	}
}

func TestRecomputeStatusFailurePriority(t *testing.T) {
	fs := newFakeStore()
	fs.metas["wf1"] = model.WorkflowMeta{WorkflowID: "wf1", Status: model.WorkflowRunning}
	fs.tasks[key("wf1", "A")] = model.Task{WorkflowID: "wf1", TaskID: "A", Status: model.TaskSucceeded}
	fs.tasks[key("wf1", "B")] = model.Task{WorkflowID: "wf1", TaskID: "B", Status: model.TaskFailed}
	fs.tasks[key("wf1", "C")] = model.Task{WorkflowID: "wf1", TaskID: "C", Status: model.TaskReady}

	o := New(fs, &fakeDispatcher{}, discardLogger())
	if err := o.recomputeStatus(context.Background(), "wf1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// FAILED must win even though a task is still READY and iteration
	// order over a Go map is randomized.
	if fs.metas["wf1"].Status != model.WorkflowFailed {
		t.Fatalf("expected FAILED to take priority, got %s", fs.metas["wf1"].Status)
	}
}

func TestRunDependencyDecrementPromotesAndDispatchesAtZero(t *testing.T) {
	fs := newFakeStore()
	fs.tasks[key("wf1", "C")] = model.Task{
		WorkflowID: "wf1", TaskID: "C", Status: model.TaskPending,
		RemainingDeps: 1, TargetAddress: "http://c",
	}
	disp := &fakeDispatcher{}
	o := New(fs, disp, discardLogger())

	if err := o.runDependencyDecrement(context.Background(), "wf1", "C"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := fs.tasks[key("wf1", "C")]
	if got.Status != model.TaskReady {
		t.Fatalf("expected C to be promoted to READY, got %s", got.Status)
	}
	if len(disp.sent) != 1 || disp.sent[0].TaskID != "C" {
		t.Fatalf("expected exactly one dispatch for C, got %v", disp.sent)
	}
}

func TestRunDependencyDecrementStaysPendingWhileDepsRemain(t *testing.T) {
	fs := newFakeStore()
	fs.tasks[key("wf1", "C")] = model.Task{
		WorkflowID: "wf1", TaskID: "C", Status: model.TaskPending,
		RemainingDeps: 2, TargetAddress: "http://c",
	}
	disp := &fakeDispatcher{}
	o := New(fs, disp, discardLogger())

	if err := o.runDependencyDecrement(context.Background(), "wf1", "C"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := fs.tasks[key("wf1", "C")]
	if got.Status != model.TaskPending {
		t.Fatalf("expected C to remain PENDING, got %s", got.Status)
	}
	if len(disp.sent) != 0 {
		t.Fatalf("expected no dispatch while deps remain, got %v", disp.sent)
	}
}
