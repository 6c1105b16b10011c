// Command orchestrator runs the Orchestrator Reactor (component D) and
// the liveness-hole lease sweeper as one supervised process group: both
// only ever reach the State Store over HTTP and NATS, never in-process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/dagflow/internal/changelog"
	"github.com/swarmguard/dagflow/internal/dispatch"
	"github.com/swarmguard/dagflow/internal/logging"
	"github.com/swarmguard/dagflow/internal/orchestrator"
	"github.com/swarmguard/dagflow/internal/otelinit"
	"github.com/swarmguard/dagflow/internal/store"
	"github.com/swarmguard/dagflow/internal/sweeper"
)

const (
	serviceName = "dagflow-orchestrator"
	durableName = "orchestrator"
)

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
	_ = otel.Meter(serviceName)

	natsURL := getEnv("DAGFLOW_NATS_URL", "nats://localhost:4222")
	cl, err := changelog.New(natsURL, log)
	if err != nil {
		log.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer cl.Close()

	storeClient := store.NewRemoteClient(getEnv("DAGFLOW_STORESERVER_URL", "http://localhost:8090"), nil)
	disp := dispatch.New(cl.Conn())

	orch := orchestrator.New(storeClient, disp, log)
	sweep := sweeper.New(storeClient, disp, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	addr := getEnv("DAGFLOW_ORCHESTRATOR_ADDR", ":8091")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("orchestrator health/metrics listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("orchestrator reacting to change-log", "durable", durableName)
		return cl.Subscribe(gctx, durableName, orch.React)
	})
	g.Go(func() error {
		if err := sweep.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sweep.Stop()
		return nil
	})

	<-gctx.Done()
	log.Info("orchestrator shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("orchestrator exited with error", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
