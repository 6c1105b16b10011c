// Command worker runs the Worker Reactor (component C): it joins the
// "workers" NATS queue group and runs the claim/execute/finalize
// protocol for every TaskExecutionRequest it is handed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmguard/dagflow/internal/dispatch"
	"github.com/swarmguard/dagflow/internal/invoker"
	"github.com/swarmguard/dagflow/internal/logging"
	"github.com/swarmguard/dagflow/internal/model"
	"github.com/swarmguard/dagflow/internal/otelinit"
	"github.com/swarmguard/dagflow/internal/store"
	"github.com/swarmguard/dagflow/internal/worker"
)

const serviceName = "dagflow-worker"

func main() {
	log := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler := otelinit.InitMetrics(ctx, serviceName)
	defer func() {
		otelinit.Flush(context.Background(), shutdownTrace)
		otelinit.Flush(context.Background(), shutdownMetrics)
	}()

	natsURL := getEnv("DAGFLOW_NATS_URL", "nats://localhost:4222")
	nc, err := nats.Connect(natsURL, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		log.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	storeClient := store.NewRemoteClient(getEnv("DAGFLOW_STORESERVER_URL", "http://localhost:8090"), nil)
	inv := invoker.NewHTTPInvoker(nil)
	w := worker.New(storeClient, inv, log)

	disp := dispatch.New(nc)
	unsubscribe, err := disp.Subscribe(func(reqCtx context.Context, req model.TaskExecutionRequest) {
		result := w.Handle(reqCtx, req)
		if !result.OK {
			log.Warn("claim not accepted", "workflow_id", req.WorkflowID, "task_id", req.TaskID, "reason", result.Reason)
		}
	})
	if err != nil {
		log.Error("subscribe to task queue", "error", err)
		os.Exit(1)
	}
	defer unsubscribe()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	addr := getEnv("DAGFLOW_WORKER_ADDR", ":8092")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("worker listening", "addr", addr, "queue_group", dispatch.QueueGroup)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("worker http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("worker shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
