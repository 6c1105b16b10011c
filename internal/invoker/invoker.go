// Package invoker implements the Task Invoker (component B): an opaque
// synchronous RPC to a task endpoint identified by an address.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/resilience"
)

// Invoker calls targetAddress synchronously with the task's identity,
// bounded by the caller's context deadline. It never retries: the
// engine's own non-goals forbid retrying a task invocation.
type Invoker interface {
	Invoke(ctx context.Context, targetAddress, workflowID, taskID string) (result string, err error)
}

// HTTPInvoker is the production Invoker. It keeps one adaptive circuit
// breaker per distinct targetAddress so a single unreachable callable
// degrades gracefully without affecting calls to other addresses.
type HTTPInvoker struct {
	client *http.Client
	tracer trace.Tracer

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPInvoker{
		client:   client,
		tracer:   otel.Tracer("dagflow-invoker"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (h *HTTPInvoker) breakerFor(address string) *resilience.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[address]
	if !ok {
		cb = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)
		h.breakers[address] = cb
	}
	return cb
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, targetAddress, workflowID, taskID string) (string, error) {
	ctx, span := h.tracer.Start(ctx, "invoker.invoke", trace.WithAttributes(
		attribute.String("target_address", targetAddress),
		attribute.String("workflow_id", workflowID),
		attribute.String("task_id", taskID),
	))
	defer span.End()

	cb := h.breakerFor(targetAddress)
	if !cb.Allow() {
		return "", fmt.Errorf("invoke %s: circuit open", targetAddress)
	}

	payload, err := json.Marshal(map[string]string{"workflowId": workflowID, "taskId": taskID})
	if err != nil {
		cb.RecordResult(false)
		return "", fmt.Errorf("marshal invocation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetAddress, bytes.NewReader(payload))
	if err != nil {
		cb.RecordResult(false)
		return "", fmt.Errorf("build invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Id", workflowID)
	req.Header.Set("X-Task-Id", taskID)
	otel.GetTextMapPropagator().Inject(ctx, propagation{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		cb.RecordResult(false)
		return "", fmt.Errorf("invoke %s: %w", targetAddress, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		cb.RecordResult(false)
		return "", fmt.Errorf("read response from %s: %w", targetAddress, err)
	}

	if resp.StatusCode >= 300 {
		cb.RecordResult(false)
		return "", fmt.Errorf("invoke %s: status %d: %s", targetAddress, resp.StatusCode, string(body))
	}

	cb.RecordResult(true)
	return string(body), nil
}

// propagation adapts http.Header to otel's TextMapCarrier.
type propagation struct{ header http.Header }

func (p propagation) Get(key string) string       { return p.header.Get(key) }
func (p propagation) Set(key, value string)       { p.header.Set(key, value) }
func (p propagation) Keys() []string {
	keys := make([]string, 0, len(p.header))
	for k := range p.header {
		keys = append(keys, k)
	}
	return keys
}

var _ Invoker = (*HTTPInvoker)(nil)
