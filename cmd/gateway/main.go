// Command gateway runs the REST/WebSocket façade together with the
// Broadcaster (component E) and Connection Registry (component F): it
// is the only process that terminates client traffic, so both belong
// together here rather than split across processes (SPEC_FULL.md §4.5).
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

	"github.com/swarmguard/dagflow/internal/api"
	"github.com/swarmguard/dagflow/internal/broadcast"
	"github.com/swarmguard/dagflow/internal/changelog"
	"github.com/swarmguard/dagflow/internal/dispatch"
	"github.com/swarmguard/dagflow/internal/logging"
	"github.com/swarmguard/dagflow/internal/orchestrator"
	"github.com/swarmguard/dagflow/internal/otelinit"
	"github.com/swarmguard/dagflow/internal/store"
)

const serviceName = "dagflow-gateway"

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
	cl, err := changelog.New(natsURL, log)
	if err != nil {
		log.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer cl.Close()

	storeClient := store.NewRemoteClient(getEnv("DAGFLOW_STORESERVER_URL", "http://localhost:8090"), nil)
	disp := dispatch.New(cl.Conn())
	orch := orchestrator.New(storeClient, disp, log)

	registry := broadcast.NewRegistry()
	caster := broadcast.New(cl, storeClient, registry, log)

	meter := otel.Meter(serviceName)
	apiSrv := api.New(orch, storeClient, registry, log, meter)

	mux := http.NewServeMux()
	mux.Handle("/", apiSrv.Routes())
	mux.Handle("/metrics", promHandler)
	addr := getEnv("DAGFLOW_GATEWAY_ADDR", ":8080")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("broadcaster consuming change-log", "durable", broadcast.DurableName)
		return caster.Run(gctx)
	})

	<-gctx.Done()
	log.Info("gateway shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("gateway exited with error", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
