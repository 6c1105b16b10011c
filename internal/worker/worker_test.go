package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/store"
)

// fakeStore implements store.Store, but only ClaimTask and FinalizeTask
// do anything meaningful — the only two methods Worker.Handle calls.
type fakeStore struct {
	mu            sync.Mutex
	task          model.Task
	claimAccepted bool
	finalized     []model.TaskStatus
}

func (f *fakeStore) PutBatch(ctx context.Context, items []store.Item) error { panic("unused") }
func (f *fakeStore) Query(ctx context.Context, workflowID string) ([]store.Item, error) {
	panic("unused")
}
func (f *fakeStore) ListWorkflows(ctx context.Context) ([]model.WorkflowMeta, error) {
	panic("unused")
}
func (f *fakeStore) DecrementRemainingDeps(ctx context.Context, workflowID, taskID string) (model.Task, bool, error) {
	panic("unused")
}
func (f *fakeStore) PromoteReady(ctx context.Context, workflowID, taskID string) (model.Task, bool, error) {
	panic("unused")
}
func (f *fakeStore) SweepExpiredLease(ctx context.Context, workflowID, taskID string, expectedVersion int64) (model.Task, bool, error) {
	panic("unused")
}
func (f *fakeStore) ScanExpiredLeases(ctx context.Context, now time.Time) ([]model.Task, error) {
	panic("unused")
}
func (f *fakeStore) RecomputeMeta(ctx context.Context, workflowID string, status model.WorkflowStatus) (model.WorkflowMeta, bool, error) {
	panic("unused")
}

func (f *fakeStore) ClaimTask(ctx context.Context, workflowID, taskID string, expectedVersion int64, leaseExpires time.Time) (model.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.claimAccepted {
		return model.Task{}, false, nil
	}
	f.task.Status = model.TaskRunning
	f.task.LeaseExpires = leaseExpires
	return f.task, true, nil
}

func (f *fakeStore) FinalizeTask(ctx context.Context, workflowID, taskID string, status model.TaskStatus, result, errMsg string, durationMs int64) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, status)
	f.task.Status = status
	f.task.Result = result
	f.task.Error = errMsg
	return f.task, nil
}

var _ store.Store = (*fakeStore)(nil)

type fakeInvoker struct {
	result string
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, targetAddress, workflowID, taskID string) (string, error) {
	return f.result, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestWorker(fs *fakeStore, inv *fakeInvoker) *Worker {
	return &Worker{store: fs, invoker: inv, log: discardLogger(), tracer: otel.Tracer("worker-test")}
}

func TestWorkerHandleSucceeds(t *testing.T) {
	fs := &fakeStore{task: model.Task{WorkflowID: "wf1", TaskID: "A", TargetAddress: "http://a", Version: 1}, claimAccepted: true}
	inv := &fakeInvoker{result: "ok"}
	w := newTestWorker(fs, inv)

	result := w.Handle(context.Background(), model.TaskExecutionRequest{
		WorkflowID: "wf1", TaskID: "A", TargetAddress: "http://a", ExpectedVersion: 1, DeadlineMs: 1000,
	})
	if !result.OK {
		t.Fatalf("expected OK, got %+v", result)
	}
	if len(fs.finalized) != 1 || fs.finalized[0] != model.TaskSucceeded {
		t.Fatalf("expected a single SUCCEEDED finalize, got %v", fs.finalized)
	}
}

func TestWorkerHandleInvokeFailureFinalizesFailed(t *testing.T) {
	fs := &fakeStore{task: model.Task{WorkflowID: "wf1", TaskID: "A", TargetAddress: "http://a", Version: 1}, claimAccepted: true}
	inv := &fakeInvoker{err: errors.New("target unreachable")}
	w := newTestWorker(fs, inv)

	result := w.Handle(context.Background(), model.TaskExecutionRequest{
		WorkflowID: "wf1", TaskID: "A", TargetAddress: "http://a", ExpectedVersion: 1, DeadlineMs: 1000,
	})
	if !result.OK {
		t.Fatalf("expected OK=true: a FAILED finalize is still a completed claim lifecycle, got %+v", result)
	}
	if len(fs.finalized) != 1 || fs.finalized[0] != model.TaskFailed {
		t.Fatalf("expected a single FAILED finalize, got %v", fs.finalized)
	}
}

func TestWorkerHandleClaimRejected(t *testing.T) {
	fs := &fakeStore{claimAccepted: false}
	inv := &fakeInvoker{result: "ok"}
	w := newTestWorker(fs, inv)

	result := w.Handle(context.Background(), model.TaskExecutionRequest{
		WorkflowID: "wf1", TaskID: "A", ExpectedVersion: 5, DeadlineMs: 1000,
	})
	if result.OK {
		t.Fatalf("expected a rejected claim to report OK=false")
	}
	if len(fs.finalized) != 0 {
		t.Fatalf("expected no finalize on a rejected claim, got %v", fs.finalized)
	}
}
