// Package store implements the State Store (component A): a keyed
// record store with per-item conditional updates, whose accepted
// mutations are the sole input to the change-log.
//
// Store is consumed two ways: BoltStore is the implementation of
// record, embedded inside cmd/storeserver; RemoteClient is an HTTP
// client implementing the same interface for every other process, so
// "no shared in-process memory between instances" (SPEC_FULL.md §5) is
// enforced by the type a caller holds, not just by deployment
// discipline.
package store

import (
	"context"
	"time"

	"github.com/swarmguard/dagflow/internal/model"
)

// Item is one record returned by Query: exactly one of Task or Meta is
// populated, named by Type.
type Item struct {
	PK   string
	SK   string
	Type model.RecordType
	Task *model.Task
	Meta *model.WorkflowMeta
}

// ErrNotFound is returned by point lookups that find nothing.
type ErrNotFound struct{ PK, SK string }

func (e ErrNotFound) Error() string { return "store: not found: " + e.PK + "/" + e.SK }

// Store is the interface every reactor depends on. Every conditional
// mutating method reports (result, accepted, err): a false accepted with a nil
// err is a Conflict (SPEC_FULL.md §7) — the caller's predicate did not
// hold on the pre-image and nothing changed. err is reserved for
// Transport failures.
type Store interface {
	// PutBatch is the unconditional multi-write used only at seed.
	PutBatch(ctx context.Context, items []Item) error

	// Query returns every sibling of a workflow partition.
	Query(ctx context.Context, workflowID string) ([]Item, error)

	// ListWorkflows returns every WorkflowMeta record, for the REST
	// façade's GET /workflows.
	ListWorkflows(ctx context.Context) ([]model.WorkflowMeta, error)

	// DecrementRemainingDeps applies
	//   SET remainingDeps = remainingDeps - 1 WHERE remainingDeps > 0
	// — step 1 of the dependency-decrement protocol.
	DecrementRemainingDeps(ctx context.Context, workflowID, taskID string) (model.Task, bool, error)

	// PromoteReady applies
	//   SET status=READY, version=version+1 WHERE status=PENDING
	// — step 2 of the dependency-decrement protocol.
	PromoteReady(ctx context.Context, workflowID, taskID string) (model.Task, bool, error)

	// ClaimTask applies
	//   SET status=RUNNING, version=version+1, leaseExpiresAt=leaseExpires
	//   WHERE status=READY AND version=expectedVersion
	ClaimTask(ctx context.Context, workflowID, taskID string, expectedVersion int64, leaseExpires time.Time) (model.Task, bool, error)

	// FinalizeTask is unconditional: the prior Claim already
	// established exclusivity (SPEC_FULL.md §4.3).
	FinalizeTask(ctx context.Context, workflowID, taskID string, status model.TaskStatus, result, errMsg string, durationMs int64) (model.Task, error)

	// SweepExpiredLease applies
	//   SET status=READY, version=version+1 WHERE status=RUNNING AND version=expectedVersion
	// — the §9 liveness-hole sweeper's recovery transition.
	SweepExpiredLease(ctx context.Context, workflowID, taskID string, expectedVersion int64) (model.Task, bool, error)

	// ScanExpiredLeases returns every RUNNING task across every
	// workflow whose lease expired before now — the sweeper's input
	// for the §9 liveness-hole recovery.
	ScanExpiredLeases(ctx context.Context, now time.Time) ([]model.Task, error)

	// RecomputeMeta writes WorkflowMeta.status, conditioned on
	// attribute_exists(pk); a rejected write is swallowed by the
	// caller per §4.2.4.
	RecomputeMeta(ctx context.Context, workflowID string, status model.WorkflowStatus) (model.WorkflowMeta, bool, error)
}
