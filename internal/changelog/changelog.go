// Package changelog implements the State Store's change-log: an
// ordered, at-least-once, per-key-ordered stream of before/after
// images, backed by a NATS JetStream stream. The storeserver is the
// sole publisher; the Orchestrator and the Broadcaster are independent
// durable consumers, so the broadcast path is never a second source of
// truth derived anywhere but the log itself (SPEC_FULL.md §4.4, §9).
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/resilience"
)

const StreamName = "WORKFLOW_EVENTS"

// publishRetryAttempts/publishRetryDelay bound the retry wrapping
// around the NATS publish call per SPEC_FULL.md's ambient stack.
const (
	publishRetryAttempts = 3
	publishRetryDelay    = 50 * time.Millisecond
)

// Subject returns the per-workflow subject a change event is published
// on. JetStream orders messages within a subject, giving the per-key
// ordering §4.1 requires without requiring cross-key order.
func Subject(workflowID string) string { return "workflow.events." + workflowID }

const subjectWildcard = "workflow.events.*"

// Publisher publishes one accepted State Store mutation.
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

// Subscriber delivers change events to a durable, named consumer.
// Handler errors cause the message to go unacked, so JetStream
// redelivers it — the reactor's idempotence guards (§5) make that safe.
type Subscriber interface {
	Subscribe(ctx context.Context, durable string, handler func(context.Context, model.ChangeEvent) error) error
}

// JetStream is the production Publisher and Subscriber, backed by a
// NATS JetStream stream created (if absent) on first use.
type JetStream struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger
}

// New connects to NATS at url and ensures StreamName exists.
func New(url string, log *slog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if _, err := js.StreamInfo(StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{subjectWildcard},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream: %w", err)
		}
	}
	return &JetStream{nc: nc, js: js, log: log}, nil
}

func (j *JetStream) Close() { j.nc.Close() }

// Conn exposes the underlying connection so a process can share it with
// internal/dispatch instead of opening a second connection to NATS.
func (j *JetStream) Conn() *nats.Conn { return j.nc }

// Publish implements Publisher.
func (j *JetStream) Publish(ctx context.Context, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	_, err = resilience.Retry(ctx, publishRetryAttempts, publishRetryDelay, func() (*nats.PubAck, error) {
		return j.js.Publish(Subject(model.WorkflowIDFromPK(ev.PK)), data, nats.Context(ctx))
	})
	if err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe implements Subscriber using a durable pull consumer so
// redelivery on handler failure is automatic and independent per
// durable name — the Orchestrator's and Broadcaster's consumers never
// interfere with each other even though they read the same stream.
func (j *JetStream) Subscribe(ctx context.Context, durable string, handler func(context.Context, model.ChangeEvent) error) error {
	sub, err := j.js.PullSubscribe(subjectWildcard, durable, nats.AckExplicit(), nats.MaxAckPending(256))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", durable, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(32, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			return fmt.Errorf("fetch batch for %s: %w", durable, err)
		}

		for _, m := range msgs {
			var ev model.ChangeEvent
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				j.log.Error("dropping undecodable change event", "durable", durable, "error", err)
				m.Ack()
				continue
			}
			if err := handler(ctx, ev); err != nil {
				j.log.Warn("change event handler failed, will redeliver", "durable", durable, "pk", ev.PK, "sk", ev.SK, "error", err)
				m.Nak()
				continue
			}
			m.Ack()
		}
	}
}
