// Package model defines the records the engine persists and the
// change-log events derived from them.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus is one point in a task's lifecycle. Transitions are driven
// exclusively by conditional updates against the State Store.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReady     TaskStatus = "READY"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCanceled  TaskStatus = "CANCELED"
)

// WorkflowStatus is the pure function of task statuses tabulated in
// SPEC_FULL.md §4.2.4.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// RecordType distinguishes the two sort-key families sharing a partition.
type RecordType string

const (
	RecordMeta RecordType = "META"
	RecordTask RecordType = "TASK"
)

const (
	SKMeta       = "META#WORKFLOW"
	taskSKPrefix = "TASK#"
)

const pkPrefix = "WORKFLOW#"

// PK returns the partition key for a workflow.
func PK(workflowID string) string { return pkPrefix + workflowID }

// WorkflowIDFromPK is PK's inverse, used by consumers that only see a
// ChangeEvent's PK (the change-log itself is workflow-agnostic).
func WorkflowIDFromPK(pk string) string { return strings.TrimPrefix(pk, pkPrefix) }

// TaskSK returns the sort key for a task record.
func TaskSK(taskID string) string { return taskSKPrefix + taskID }

// Task is a single DAG node, identified by (WorkflowID, TaskID).
type Task struct {
	WorkflowID    string     `json:"workflowId"`
	TaskID        string     `json:"taskId"`
	Type          RecordType `json:"type"`
	Status        TaskStatus `json:"status"`
	DependsOn     []string   `json:"dependsOn"`
	Dependents    []string   `json:"dependents"`
	RemainingDeps int        `json:"remainingDeps"`
	Version       int64      `json:"version"`
	TargetAddress string     `json:"targetAddress"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
	LeaseExpires  time.Time  `json:"leaseExpiresAt,omitempty"`
}

// SK returns this task's sort key.
func (t Task) SK() string { return TaskSK(t.TaskID) }

// WorkflowMeta is the singleton per-workflow record carrying derived
// status and, for introspection, a snapshot of the seeded graph.
type WorkflowMeta struct {
	WorkflowID string              `json:"workflowId"`
	Type       RecordType          `json:"type"`
	Status     WorkflowStatus      `json:"status"`
	Graph      map[string][]string `json:"graph,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// WorkflowSnapshot is what the Broadcaster and the REST façade hand to
// clients: the Meta plus every task sibling.
type WorkflowSnapshot struct {
	WorkflowID string         `json:"workflowId"`
	Status     WorkflowStatus `json:"status"`
	Tasks      []Task         `json:"tasks"`
	Graph      map[string][]string `json:"dag,omitempty"`
}

// TaskExecutionRequest is the wire format between the Orchestrator and
// the Worker, carried over the dispatch transport.
type TaskExecutionRequest struct {
	WorkflowID      string `json:"workflowId"`
	TaskID          string `json:"taskId"`
	TargetAddress   string `json:"targetAddress"`
	ExpectedVersion int64  `json:"expectedVersion"`
	DeadlineMs      int64  `json:"deadlineMs"`
	CorrelationID   string `json:"correlationId"`
}

// ChangeEvent is one entry of the change-log: the before/after image of
// a single record, as delivered to subscribers.
type ChangeEvent struct {
	PK       string          `json:"pk"`
	SK       string          `json:"sk"`
	Type     RecordType      `json:"type"`
	OldImage json.RawMessage `json:"oldImage,omitempty"`
	NewImage json.RawMessage `json:"newImage,omitempty"`
}
