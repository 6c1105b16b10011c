package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/swarmguard/dagflow/internal/model"
)

// Server exposes a BoltStore over HTTP so orchestrator, worker, and
// gateway processes can reach the State Store of record without
// sharing in-process memory with it (SPEC_FULL.md §2).
type Server struct {
	store *BoltStore
	log   *slog.Logger
}

func NewServer(s *BoltStore, log *slog.Logger) *Server {
	return &Server{store: s, log: log}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/batch", s.handlePutBatch)
	mux.HandleFunc("GET /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/tasks/expired", s.handleExpiredLeases)
	mux.HandleFunc("POST /v1/tasks/decrement", s.handleDecrement)
	mux.HandleFunc("POST /v1/tasks/promote", s.handlePromote)
	mux.HandleFunc("POST /v1/tasks/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/tasks/finalize", s.handleFinalize)
	mux.HandleFunc("POST /v1/tasks/sweep", s.handleSweep)
	mux.HandleFunc("POST /v1/meta/recompute", s.handleRecomputeMeta)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	s.log.Error("storeserver request failed", "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

func (s *Server) handlePutBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decode[putBatchRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.PutBatch(r.Context(), fromWireItems(req.Items)); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	wf := r.URL.Query().Get("workflowId")
	if wf == "" {
		s.fail(w, http.StatusBadRequest, errors.New("workflowId is required"))
		return
	}
	items, err := s.store.Query(r.Context(), wf)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Items: toWireItems(items)})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listWorkflowsResponse{Workflows: metas})
}

func (s *Server) handleExpiredLeases(w http.ResponseWriter, r *http.Request) {
	before := time.Now()
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		before = parsed
	}
	tasks, err := s.store.ScanExpiredLeases(r.Context(), before)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, expiredLeasesResponse{Tasks: tasks})
}

func (s *Server) handleDecrement(w http.ResponseWriter, r *http.Request) {
	req, err := decode[taskKeyRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	t, accepted, err := s.store.DecrementRemainingDeps(r.Context(), req.WorkflowID, req.TaskID)
	s.writeTaskResult(w, t, accepted, err)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	req, err := decode[taskKeyRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	t, accepted, err := s.store.PromoteReady(r.Context(), req.WorkflowID, req.TaskID)
	s.writeTaskResult(w, t, accepted, err)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	req, err := decode[claimRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	lease := time.Now().Add(time.Duration(req.LeaseMs) * time.Millisecond)
	t, accepted, err := s.store.ClaimTask(r.Context(), req.WorkflowID, req.TaskID, req.ExpectedVersion, lease)
	s.writeTaskResult(w, t, accepted, err)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	req, err := decode[sweepRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	t, accepted, err := s.store.SweepExpiredLease(r.Context(), req.WorkflowID, req.TaskID, req.ExpectedVersion)
	s.writeTaskResult(w, t, accepted, err)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	req, err := decode[finalizeRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.store.FinalizeTask(r.Context(), req.WorkflowID, req.TaskID, req.Status, req.Result, req.Error, req.DurationMs)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: &t, Accepted: true})
}

func (s *Server) handleRecomputeMeta(w http.ResponseWriter, r *http.Request) {
	req, err := decode[recomputeMetaRequest](r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	meta, accepted, err := s.store.RecomputeMeta(r.Context(), req.WorkflowID, req.Status)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, metaResponse{Meta: &meta, Accepted: accepted})
}

func (s *Server) writeTaskResult(w http.ResponseWriter, t model.Task, accepted bool, err error) {
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, taskResponse{Accepted: false})
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: &t, Accepted: true})
}
