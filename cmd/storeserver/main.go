// Command storeserver fronts the embedded bbolt State Store (component
// A) over HTTP. It is the only process in the deployment that opens the
// bbolt file, since bbolt allows exactly one writer.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagflow/internal/changelog"
	"github.com/swarmguard/dagflow/internal/logging"
	"github.com/swarmguard/dagflow/internal/otelinit"
	"github.com/swarmguard/dagflow/internal/store"
)

const serviceName = "dagflow-storeserver"

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

	dbPath := getEnv("DAGFLOW_BOLT_PATH", "./dagflow.db")
	meter := otel.Meter(serviceName)
	boltStore, err := store.Open(dbPath, cl, meter)
	if err != nil {
		log.Error("open bbolt store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer boltStore.Close()

	srv := store.NewServer(boltStore, log)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Routes())
	mux.Handle("/metrics", promHandler)

	addr := getEnv("DAGFLOW_STORESERVER_ADDR", ":8090")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("storeserver listening", "addr", addr, "db_path", dbPath)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("storeserver exited", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("storeserver shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
