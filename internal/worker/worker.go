// Package worker implements the Worker Reactor (component C): consumes
// a TaskExecutionRequest and transitions a single task
// READY→RUNNING→SUCCEEDED/FAILED.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/invoker"
	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/store"
)

// ClaimResult mirrors the worker_lambda.py return shape: a rejected
// claim is a normal outcome, never an error.
type ClaimResult struct {
	OK     bool
	Reason string
}

// Worker owns the claim/execute/finalize protocol of SPEC_FULL.md §4.3.
type Worker struct {
	store   store.Store
	invoker invoker.Invoker
	log     *slog.Logger
	tracer  trace.Tracer
}

func New(s store.Store, inv invoker.Invoker, log *slog.Logger) *Worker {
	return &Worker{store: s, invoker: inv, log: log, tracer: otel.Tracer("dagflow-worker")}
}

// Handle processes one TaskExecutionRequest end to end. It never
// retries: a FAILED task is terminal and the Orchestrator marks the
// workflow FAILED on its next reaction.
func (w *Worker) Handle(ctx context.Context, req model.TaskExecutionRequest) ClaimResult {
	ctx, span := w.tracer.Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("workflow_id", req.WorkflowID),
		attribute.String("task_id", req.TaskID),
		attribute.Int64("expected_version", req.ExpectedVersion),
	))
	defer span.End()

	lease := time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	claimed, accepted, err := w.store.ClaimTask(ctx, req.WorkflowID, req.TaskID, req.ExpectedVersion, lease)
	if err != nil {
		w.log.Error("claim transport failure", "workflow_id", req.WorkflowID, "task_id", req.TaskID, "error", err)
		return ClaimResult{OK: false, Reason: "transport error: " + err.Error()}
	}
	if !accepted {
		return ClaimResult{OK: false, Reason: "stale or not ready"}
	}

	start := time.Now()
	deadline := req.DeadlineMs
	if deadline <= 0 {
		deadline = 30_000
	}
	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Millisecond)
	defer cancel()

	result, invokeErr := w.invoker.Invoke(invokeCtx, claimed.TargetAddress, req.WorkflowID, req.TaskID)
	durationMs := time.Since(start).Milliseconds()

	if invokeErr != nil {
		errJSON, _ := json.Marshal(map[string]string{"message": invokeErr.Error()})
		if _, err := w.store.FinalizeTask(ctx, req.WorkflowID, req.TaskID, model.TaskFailed, "", string(errJSON), durationMs); err != nil {
			w.log.Error("finalize failed task transport failure", "workflow_id", req.WorkflowID, "task_id", req.TaskID, "error", err)
		}
		return ClaimResult{OK: true}
	}

	if _, err := w.store.FinalizeTask(ctx, req.WorkflowID, req.TaskID, model.TaskSucceeded, result, "", durationMs); err != nil {
		w.log.Error("finalize succeeded task transport failure", "workflow_id", req.WorkflowID, "task_id", req.TaskID, "error", err)
		return ClaimResult{OK: false, Reason: fmt.Sprintf("finalize transport error: %v", err)}
	}
	return ClaimResult{OK: true}
}
