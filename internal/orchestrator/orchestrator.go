// Package orchestrator implements the Orchestrator Reactor (component
// D): seed a workflow graph and enqueue its roots, then react to
// change-log batches to advance the DAG.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/dispatch"
	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/store"
)

// DefaultDeadlineMs bounds a task invocation absent a caller-supplied
// deadline; it is also used as the Worker's claim lease duration.
const DefaultDeadlineMs = 30_000

// Orchestrator owns the seed and react entry points described in
// SPEC_FULL.md §4.2.
type Orchestrator struct {
	store  store.Store
	disp   dispatch.Dispatcher
	log    *slog.Logger
	tracer trace.Tracer
}

func New(s store.Store, d dispatch.Dispatcher, log *slog.Logger) *Orchestrator {
	return &Orchestrator{store: s, disp: d, log: log, tracer: otel.Tracer("dagflow-orchestrator")}
}

// SeedRequest names the graph being seeded: one target address per
// taskId and the dependsOn adjacency. Arbitrary finite DAGs are
// accepted; the reference diamond A→{B1,B2,B3}→C is one instance of
// this, not a hardcoded case.
type SeedRequest struct {
	WorkflowID string
	Addresses  map[string]string   // taskId -> targetAddress
	DependsOn  map[string][]string // taskId -> parent taskIds
}

// Seed implements SPEC_FULL.md §4.2.1.
func (o *Orchestrator) Seed(ctx context.Context, req SeedRequest) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.seed", trace.WithAttributes(attribute.String("workflow_id", req.WorkflowID)))
	defer span.End()

	if req.WorkflowID == "" {
		return InvalidGraphError{Reason: "workflowId is required"}
	}
	if len(req.DependsOn) == 0 {
		return InvalidGraphError{Reason: "graph has no tasks"}
	}

	dependents, err := topoValidate(req.DependsOn, req.Addresses)
	if err != nil {
		return err
	}

	now := time.Now()
	items := make([]store.Item, 0, len(req.DependsOn)+1)
	var roots []model.Task

	for taskID, parents := range req.DependsOn {
		status := model.TaskPending
		if len(parents) == 0 {
			status = model.TaskReady
		}
		t := model.Task{
			WorkflowID:    req.WorkflowID,
			TaskID:        taskID,
			Type:          model.RecordTask,
			Status:        status,
			DependsOn:     parents,
			Dependents:    dependents[taskID],
			RemainingDeps: len(parents),
			Version:       0,
			TargetAddress: req.Addresses[taskID],
		}
		items = append(items, store.Item{PK: model.PK(req.WorkflowID), SK: t.SK(), Type: model.RecordTask, Task: &t})
		if status == model.TaskReady {
			roots = append(roots, t)
		}
	}

	meta := model.WorkflowMeta{
		WorkflowID: req.WorkflowID,
		Type:       model.RecordMeta,
		Status:     model.WorkflowPending,
		Graph:      req.DependsOn,
		CreatedAt:  now,
	}
	items = append(items, store.Item{PK: model.PK(req.WorkflowID), SK: model.SKMeta, Type: model.RecordMeta, Meta: &meta})

	if err := o.store.PutBatch(ctx, items); err != nil {
		return fmt.Errorf("seed put batch: %w", err)
	}

	for _, root := range roots {
		req := model.TaskExecutionRequest{
			WorkflowID:      root.WorkflowID,
			TaskID:          root.TaskID,
			TargetAddress:   root.TargetAddress,
			ExpectedVersion: 0,
			DeadlineMs:      DefaultDeadlineMs,
			CorrelationID:   root.WorkflowID,
		}
		if err := o.disp.Dispatch(ctx, req); err != nil {
			return fmt.Errorf("dispatch root %s: %w", root.TaskID, err)
		}
	}
	return nil
}

// React implements SPEC_FULL.md §4.2.2: one change-log event at a time
// (the changelog.Subscriber delivers a batch by calling this once per
// message). Transport errors are returned wrapped with context so the
// caller can leave the message unacked for redelivery.
func (o *Orchestrator) React(ctx context.Context, ev model.ChangeEvent) error {
	if ev.Type != model.RecordTask {
		return nil
	}
	newTask, hasNew, err := ev.DecodeTask()
	if err != nil {
		return fmt.Errorf("decode new task image: %w", err)
	}
	if !hasNew {
		return nil
	}
	oldTask, hasOld, err := ev.DecodeOldTask()
	if err != nil {
		return fmt.Errorf("decode old task image: %w", err)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.react", trace.WithAttributes(
		attribute.String("workflow_id", newTask.WorkflowID),
		attribute.String("task_id", newTask.TaskID),
		attribute.String("status", string(newTask.Status)),
	))
	defer span.End()

	freshSuccess := newTask.Status == model.TaskSucceeded && (!hasOld || oldTask.Status != model.TaskSucceeded)
	statusChanged := !hasOld || oldTask.Status != newTask.Status

	if freshSuccess {
		for _, dep := range newTask.Dependents {
			if err := o.runDependencyDecrement(ctx, newTask.WorkflowID, dep); err != nil {
				return fmt.Errorf("dependency decrement for %s: %w", dep, err)
			}
		}
	}

	if statusChanged {
		if err := o.recomputeStatus(ctx, newTask.WorkflowID); err != nil {
			return fmt.Errorf("recompute workflow status: %w", err)
		}
	}
	return nil
}

// runDependencyDecrement implements SPEC_FULL.md §4.2.3.
func (o *Orchestrator) runDependencyDecrement(ctx context.Context, workflowID, depTaskID string) error {
	after, accepted, err := o.store.DecrementRemainingDeps(ctx, workflowID, depTaskID)
	if err != nil {
		return err
	}
	if !accepted {
		// Conflict: redelivery of the same parent-succeeded event, or
		// the dep was already READY. Not an error.
		return nil
	}
	if after.RemainingDeps != 0 {
		return nil
	}

	promoted, accepted, err := o.store.PromoteReady(ctx, workflowID, depTaskID)
	if err != nil {
		return err
	}
	if !accepted {
		// A concurrent Orchestrator instance already promoted.
		return nil
	}

	req := model.TaskExecutionRequest{
		WorkflowID:      workflowID,
		TaskID:          depTaskID,
		TargetAddress:   promoted.TargetAddress,
		ExpectedVersion: promoted.Version,
		DeadlineMs:      DefaultDeadlineMs,
		CorrelationID:   workflowID,
	}
	return o.disp.Dispatch(ctx, req)
}

// recomputeStatus implements the table in SPEC_FULL.md §4.2.4.
func (o *Orchestrator) recomputeStatus(ctx context.Context, workflowID string) error {
	items, err := o.store.Query(ctx, workflowID)
	if err != nil {
		return err
	}

	var sawAny, anyFailed, anyRunningOrReady, allSucceeded = false, false, false, true
	for _, it := range items {
		if it.Type != model.RecordTask || it.Task == nil {
			continue
		}
		sawAny = true
		switch it.Task.Status {
		case model.TaskFailed:
			anyFailed = true
		case model.TaskRunning, model.TaskReady:
			anyRunningOrReady = true
		}
		if it.Task.Status != model.TaskSucceeded {
			allSucceeded = false
		}
	}
	if !sawAny {
		return nil
	}

	status := model.WorkflowPending
	switch {
	case anyFailed:
		status = model.WorkflowFailed
	case allSucceeded:
		status = model.WorkflowSucceeded
	case anyRunningOrReady:
		status = model.WorkflowRunning
	}

	_, accepted, err := o.store.RecomputeMeta(ctx, workflowID, status)
	if err != nil {
		return err
	}
	if !accepted {
		o.log.Debug("meta recompute conflict, swallowed", "workflow_id", workflowID)
	}
	return nil
}
