// Package broadcast implements the Broadcaster (component E) and the
// Connection Registry (component F): an independent change-log
// consumer that fans accepted mutations out to live WebSocket clients.
// The Broadcaster never talks to the Orchestrator or the Worker — its
// only inputs are the change-log and the State Store, so the broadcast
// path can never diverge from the data a client could fetch over REST
// (SPEC_FULL.md §4.4, §9).
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagflow/internal/changelog"
	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/store"
)

const DurableName = "broadcaster"

type Broadcaster struct {
	sub      changelog.Subscriber
	store    store.Store
	registry *Registry
	log      *slog.Logger

	sent   metric.Int64Counter
	reaped metric.Int64Counter
}

func New(sub changelog.Subscriber, s store.Store, reg *Registry, log *slog.Logger) *Broadcaster {
	meter := otel.Meter("dagflow")
	sent, _ := meter.Int64Counter("dagflow_broadcast_messages_sent_total")
	reaped, _ := meter.Int64Counter("dagflow_broadcast_connections_reaped_total")
	return &Broadcaster{sub: sub, store: s, registry: reg, log: log, sent: sent, reaped: reaped}
}

// Run blocks consuming the change-log until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) error {
	return b.sub.Subscribe(ctx, DurableName, b.onChangeEvent)
}

func (b *Broadcaster) onChangeEvent(ctx context.Context, ev model.ChangeEvent) error {
	workflowID := model.WorkflowIDFromPK(ev.PK)
	if workflowID == "" {
		return nil
	}

	subscribers := b.registry.Subscribers(workflowID)
	if len(subscribers) == 0 {
		// Nothing holds this workflow's stream open; skip the Query.
		return nil
	}

	snapshot, err := b.buildSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}

	msg := updateMessage{Type: "workflow_update", WorkflowID: workflowID, Data: snapshot, Timestamp: time.Now().UnixMilli()}
	for _, c := range subscribers {
		if err := c.writeJSON(msg); err != nil {
			b.log.Info("dropping gone connection", "connection_id", c.ID, "error", err)
			b.registry.Remove(c.ID)
			c.Close()
			b.reaped.Add(ctx, 1)
			continue
		}
		b.sent.Add(ctx, 1)
	}
	return nil
}

func (b *Broadcaster) buildSnapshot(ctx context.Context, workflowID string) (model.WorkflowSnapshot, error) {
	items, err := b.store.Query(ctx, workflowID)
	if err != nil {
		return model.WorkflowSnapshot{}, err
	}
	snap := model.WorkflowSnapshot{WorkflowID: workflowID}
	for _, it := range items {
		switch it.Type {
		case model.RecordMeta:
			if it.Meta != nil {
				snap.Status = it.Meta.Status
				snap.Graph = it.Meta.Graph
			}
		case model.RecordTask:
			if it.Task != nil {
				snap.Tasks = append(snap.Tasks, *it.Task)
			}
		}
	}
	return snap, nil
}

type updateMessage struct {
	Type       string                 `json:"type"`
	WorkflowID string                 `json:"workflowId"`
	Data       model.WorkflowSnapshot `json:"data"`
	Timestamp  int64                  `json:"timestamp"`
}
