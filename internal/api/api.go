// Package api implements the REST and WebSocket façade fronting the
// engine: seeding workflows through the Orchestrator, listing and
// inspecting them through the State Store, and upgrading $connect
// traffic into registry-tracked WebSocket connections the Broadcaster
// fans updates out to.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/broadcast"
	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/orchestrator"
	"github.com/swarmguard/dagflow/internal/resilience"
	"github.com/swarmguard/dagflow/internal/store"
)

const serviceName = "dagflow-gateway"

type Server struct {
	orch     *orchestrator.Orchestrator
	store    store.Store
	registry *broadcast.Registry
	log      *slog.Logger
	tracer   trace.Tracer

	seedLimiter *resilience.RateLimiter
	upgrader    websocket.Upgrader

	reqCounter     metric.Int64Counter
	latencyHist    metric.Float64Histogram
	rlDenied       metric.Int64Counter
	validationFail metric.Int64Counter
}

func New(orch *orchestrator.Orchestrator, s store.Store, reg *broadcast.Registry, log *slog.Logger, meter metric.Meter) *Server {
	reqCounter, _ := meter.Int64Counter("dagflow_api_requests_total")
	latencyHist, _ := meter.Float64Histogram("dagflow_api_latency_ms")
	rlDenied, _ := meter.Int64Counter("dagflow_api_rate_limited_total")
	validationFail, _ := meter.Int64Counter("dagflow_api_validation_failed_total")

	return &Server{
		orch:     orch,
		store:    s,
		registry: reg,
		log:      log,
		tracer:   otel.Tracer(serviceName),
		// 20 seed requests/sec steady state, burst 40, capped at 600/min.
		seedLimiter: resilience.NewRateLimiter(40, 20, time.Minute, 600),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		reqCounter:     reqCounter,
		latencyHist:    latencyHist,
		rlDenied:       rlDenied,
		validationFail: validationFail,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", s.handleSeed)
	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("GET /workflows/{id}", s.handleGet)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// corsMiddleware allows any browser-hosted dashboard to reach the
// gateway; the engine has no notion of per-client auth to enforce here.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.tracer.Start(r.Context(), r.URL.Path)
		defer span.End()

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.Pattern),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, durationMs, metric.WithAttributes(attribute.String("path", r.Pattern)))
		s.log.Info("request completed", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration_ms", durationMs)
	})
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	if !s.seedLimiter.Allow() {
		s.rlDenied.Add(r.Context(), 1)
		writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var payload SeedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := payload.Validate(); err != nil {
		s.validationFail.Add(r.Context(), 1)
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.orch.Seed(r.Context(), orchestrator.SeedRequest{
		WorkflowID: payload.WorkflowID,
		Addresses:  payload.Addresses,
		DependsOn:  payload.DependsOn,
	})
	if invalid, ok := err.(orchestrator.InvalidGraphError); ok {
		writeErr(w, http.StatusUnprocessableEntity, invalid.Error())
		return
	}
	if err != nil {
		s.log.Error("seed failed", "workflow_id", payload.WorkflowID, "error", err)
		writeErr(w, http.StatusInternalServerError, "failed to seed workflow")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "workflowId": payload.WorkflowID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	if metas == nil {
		metas = []model.WorkflowMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	items, err := s.store.Query(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to query workflow")
		return
	}
	if len(items) == 0 {
		writeErr(w, http.StatusNotFound, "workflow not found")
		return
	}
	snap := model.WorkflowSnapshot{WorkflowID: id}
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
	writeJSON(w, http.StatusOK, snap)
}

// handleWebSocket implements the $connect route: it upgrades the
// connection, registers it (optionally filtered to one workflow via
// ?workflowId=), and keeps reading frames purely to detect client-side
// close — the engine never expects inbound messages on this socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	workflowID := r.URL.Query().Get("workflowId")
	c := s.registry.Add(id, workflowID, conn)
	s.log.Info("websocket connected", "connection_id", id, "workflow_id", workflowID)

	go s.readLoop(context.Background(), c)
}

func (s *Server) readLoop(ctx context.Context, c *broadcast.Connection) {
	defer func() {
		s.registry.Remove(c.ID)
		c.Close()
		s.log.Info("websocket disconnected", "connection_id", c.ID)
	}()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
