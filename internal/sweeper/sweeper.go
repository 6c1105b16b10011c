// Package sweeper resolves SPEC_FULL.md §9's liveness hole: if a
// Worker crashes between claim (RUNNING) and finalize, the task is
// stranded. Sweeper periodically reverts stranded RUNNING tasks to
// READY with a fresh version so a TaskExecutionRequest can be
// re-emitted.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagflow/internal/dispatch"
	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/orchestrator"
	"github.com/swarmguard/dagflow/internal/store"
)

// Sweeper owns a cron job that runs every 30s.
type Sweeper struct {
	cron  *cron.Cron
	store store.Store
	disp  dispatch.Dispatcher
	log   *slog.Logger

	swept metric.Int64Counter
}

func New(s store.Store, d dispatch.Dispatcher, log *slog.Logger) *Sweeper {
	meter := otel.Meter("dagflow")
	swept, _ := meter.Int64Counter("dagflow_sweeper_leases_reclaimed_total")
	return &Sweeper{
		cron:  cron.New(cron.WithSeconds()),
		store: s,
		disp:  d,
		log:   log,
		swept: swept,
	}
}

// Start registers the sweep job and starts the cron scheduler. Call Stop
// when the process shuts down.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("*/30 * * * * *", func() {
		if err := s.sweepOnce(ctx); err != nil {
			s.log.Error("lease sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	expired, err := s.store.ScanExpiredLeases(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, t := range expired {
		reverted, accepted, err := s.store.SweepExpiredLease(ctx, t.WorkflowID, t.TaskID, t.Version)
		if err != nil {
			s.log.Error("sweep transport failure", "workflow_id", t.WorkflowID, "task_id", t.TaskID, "error", err)
			continue
		}
		if !accepted {
			// Someone finalized or another sweeper instance already
			// reclaimed it between scan and write. Not an error.
			continue
		}
		s.swept.Add(ctx, 1)
		s.log.Warn("reclaimed stranded lease", "workflow_id", t.WorkflowID, "task_id", t.TaskID, "version", reverted.Version)

		req := model.TaskExecutionRequest{
			WorkflowID:      reverted.WorkflowID,
			TaskID:          reverted.TaskID,
			TargetAddress:   reverted.TargetAddress,
			ExpectedVersion: reverted.Version,
			DeadlineMs:      orchestrator.DefaultDeadlineMs,
			CorrelationID:   reverted.WorkflowID,
		}
		if err := s.disp.Dispatch(ctx, req); err != nil {
			s.log.Error("re-dispatch after sweep failed", "workflow_id", t.WorkflowID, "task_id", t.TaskID, "error", err)
		}
	}
	return nil
}
