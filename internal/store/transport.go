package store

import "github.com/swarmguard/dagflow/internal/model"

// Wire types shared between the HTTP server (mounted by cmd/storeserver)
// and RemoteClient. Every mutating request mirrors one Store method;
// responses always carry Accepted so a Conflict is distinguishable from
// a Transport failure (a non-2xx status / body decode error).

type putBatchRequest struct {
	Items []wireItem `json:"items"`
}

type wireItem struct {
	PK   string              `json:"pk"`
	SK   string              `json:"sk"`
	Type model.RecordType    `json:"type"`
	Task *model.Task         `json:"task,omitempty"`
	Meta *model.WorkflowMeta `json:"meta,omitempty"`
}

func toWireItems(items []Item) []wireItem {
	out := make([]wireItem, len(items))
	for i, it := range items {
		out[i] = wireItem{PK: it.PK, SK: it.SK, Type: it.Type, Task: it.Task, Meta: it.Meta}
	}
	return out
}

func fromWireItems(items []wireItem) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{PK: it.PK, SK: it.SK, Type: it.Type, Task: it.Task, Meta: it.Meta}
	}
	return out
}

type queryResponse struct {
	Items []wireItem `json:"items"`
}

type taskKeyRequest struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
}

type claimRequest struct {
	WorkflowID      string `json:"workflowId"`
	TaskID          string `json:"taskId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	LeaseMs         int64  `json:"leaseMs"`
}

type sweepRequest struct {
	WorkflowID      string `json:"workflowId"`
	TaskID          string `json:"taskId"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type finalizeRequest struct {
	WorkflowID string           `json:"workflowId"`
	TaskID     string           `json:"taskId"`
	Status     model.TaskStatus `json:"status"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"durationMs"`
}

type recomputeMetaRequest struct {
	WorkflowID string               `json:"workflowId"`
	Status     model.WorkflowStatus `json:"status"`
}

type taskResponse struct {
	Task     *model.Task `json:"task,omitempty"`
	Accepted bool        `json:"accepted"`
}

type metaResponse struct {
	Meta     *model.WorkflowMeta `json:"meta,omitempty"`
	Accepted bool                `json:"accepted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type expiredLeasesResponse struct {
	Tasks []model.Task `json:"tasks"`
}

type listWorkflowsResponse struct {
	Workflows []model.WorkflowMeta `json:"workflows"`
}
