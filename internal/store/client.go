package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/resilience"
)

// rpcRetryAttempts/rpcRetryDelay bound the retry wrapping around every
// State Store RPC per SPEC_FULL.md's ambient stack.
const (
	rpcRetryAttempts = 3
	rpcRetryDelay    = 50 * time.Millisecond
)

// RemoteClient is the Store implementation every process but
// cmd/storeserver uses: a thin HTTP client. Every method call is a
// Transport suspension point per SPEC_FULL.md §5 and must tolerate the
// context deadline the caller supplies.
type RemoteClient struct {
	baseURL string
	hc      *http.Client
}

// NewRemoteClient builds a client against a storeserver listening at
// baseURL (e.g. "http://storeserver:8090").
func NewRemoteClient(baseURL string, hc *http.Client) *RemoteClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteClient{baseURL: baseURL, hc: hc}
}

func (c *RemoteClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RemoteClient) do(req *http.Request, out any) error {
	resp, err := resilience.Retry(req.Context(), rpcRetryAttempts, rpcRetryDelay, func() (*http.Response, error) {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}
		return c.hc.Do(req)
	})
	if err != nil {
		return fmt.Errorf("store rpc %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("store rpc %s: status %d: %s", req.URL.Path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RemoteClient) PutBatch(ctx context.Context, items []Item) error {
	return c.post(ctx, "/v1/batch", putBatchRequest{Items: toWireItems(items)}, nil)
}

func (c *RemoteClient) Query(ctx context.Context, workflowID string) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/query?workflowId="+url.QueryEscape(workflowID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var resp queryResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return fromWireItems(resp.Items), nil
}

func (c *RemoteClient) ListWorkflows(ctx context.Context) ([]model.WorkflowMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/workflows", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var resp listWorkflowsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

func (c *RemoteClient) ScanExpiredLeases(ctx context.Context, now time.Time) ([]model.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/expired?before="+url.QueryEscape(now.Format(time.RFC3339)), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var resp expiredLeasesResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *RemoteClient) DecrementRemainingDeps(ctx context.Context, workflowID, taskID string) (model.Task, bool, error) {
	var resp taskResponse
	if err := c.post(ctx, "/v1/tasks/decrement", taskKeyRequest{WorkflowID: workflowID, TaskID: taskID}, &resp); err != nil {
		return model.Task{}, false, err
	}
	return taskOrZero(resp), resp.Accepted, nil
}

func (c *RemoteClient) PromoteReady(ctx context.Context, workflowID, taskID string) (model.Task, bool, error) {
	var resp taskResponse
	if err := c.post(ctx, "/v1/tasks/promote", taskKeyRequest{WorkflowID: workflowID, TaskID: taskID}, &resp); err != nil {
		return model.Task{}, false, err
	}
	return taskOrZero(resp), resp.Accepted, nil
}

func (c *RemoteClient) ClaimTask(ctx context.Context, workflowID, taskID string, expectedVersion int64, leaseExpires time.Time) (model.Task, bool, error) {
	leaseMs := int64(time.Until(leaseExpires) / time.Millisecond)
	var resp taskResponse
	req := claimRequest{WorkflowID: workflowID, TaskID: taskID, ExpectedVersion: expectedVersion, LeaseMs: leaseMs}
	if err := c.post(ctx, "/v1/tasks/claim", req, &resp); err != nil {
		return model.Task{}, false, err
	}
	return taskOrZero(resp), resp.Accepted, nil
}

func (c *RemoteClient) SweepExpiredLease(ctx context.Context, workflowID, taskID string, expectedVersion int64) (model.Task, bool, error) {
	var resp taskResponse
	req := sweepRequest{WorkflowID: workflowID, TaskID: taskID, ExpectedVersion: expectedVersion}
	if err := c.post(ctx, "/v1/tasks/sweep", req, &resp); err != nil {
		return model.Task{}, false, err
	}
	return taskOrZero(resp), resp.Accepted, nil
}

func (c *RemoteClient) FinalizeTask(ctx context.Context, workflowID, taskID string, status model.TaskStatus, result, errMsg string, durationMs int64) (model.Task, error) {
	var resp taskResponse
	req := finalizeRequest{WorkflowID: workflowID, TaskID: taskID, Status: status, Result: result, Error: errMsg, DurationMs: durationMs}
	if err := c.post(ctx, "/v1/tasks/finalize", req, &resp); err != nil {
		return model.Task{}, err
	}
	return taskOrZero(resp), nil
}

func (c *RemoteClient) RecomputeMeta(ctx context.Context, workflowID string, status model.WorkflowStatus) (model.WorkflowMeta, bool, error) {
	var resp metaResponse
	req := recomputeMetaRequest{WorkflowID: workflowID, Status: status}
	if err := c.post(ctx, "/v1/meta/recompute", req, &resp); err != nil {
		return model.WorkflowMeta{}, false, err
	}
	if resp.Meta == nil {
		return model.WorkflowMeta{}, resp.Accepted, nil
	}
	return *resp.Meta, resp.Accepted, nil
}

func taskOrZero(r taskResponse) model.Task {
	if r.Task == nil {
		return model.Task{}
	}
	return *r.Task
}

var _ Store = (*RemoteClient)(nil)
var _ Store = (*BoltStore)(nil)
