// Package dispatch carries TaskExecutionRequest messages from the
// Orchestrator to Worker processes over core NATS pub/sub. A queue
// group load-balances delivery across Worker replicas without the
// replicas coordinating with each other — the claim's conditional
// update remains the only serialization point (SPEC_FULL.md §4.3).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/model"
)

const Subject = "tasks.execute"
const QueueGroup = "workers"

var propagator = propagation.TraceContext{}

// Dispatcher emits TaskExecutionRequests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.TaskExecutionRequest) error
}

// Receiver consumes TaskExecutionRequests as a member of the Worker
// queue group.
type Receiver interface {
	Subscribe(handler func(context.Context, model.TaskExecutionRequest)) (func() error, error)
}

// NatsDispatch is the production Dispatcher and Receiver.
type NatsDispatch struct {
	nc *nats.Conn
}

func New(nc *nats.Conn) *NatsDispatch { return &NatsDispatch{nc: nc} }

func (d *NatsDispatch) Dispatch(ctx context.Context, req model.TaskExecutionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task execution request: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: Subject, Data: data, Header: hdr}
	if err := d.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("dispatch task execution request: %w", err)
	}
	return nil
}

// Subscribe registers this process as one member of the Worker queue
// group. The returned func unsubscribes. The dispatch trace context is
// extracted and a consumer span started before handler runs, so a
// task's trace connects the Orchestrator's dispatch to the Worker's
// claim/execute/finalize.
func (d *NatsDispatch) Subscribe(handler func(context.Context, model.TaskExecutionRequest)) (func() error, error) {
	sub, err := d.nc.QueueSubscribe(Subject, QueueGroup, func(m *nats.Msg) {
		var req model.TaskExecutionRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return
		}
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := otel.Tracer("dagflow-dispatch").Start(ctx, "dispatch.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

var _ Dispatcher = (*NatsDispatch)(nil)
var _ Receiver = (*NatsDispatch)(nil)
