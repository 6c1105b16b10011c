package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// InitMetrics sets up a global meter provider fed by two readers: a
// periodic OTLP push exporter and a pull-based Prometheus bridge, whose
// http.Handler is returned so main() can mount it at /metrics — unlike
// the conditional mount this is patterned on, which never received a
// handler to check for. The resilience package registers its own
// instruments against this same meter provider lazily, at the call
// sites that actually retry, rather than through instruments handed
// down from here.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	registry := prometheus.NewRegistry()
	promReader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		slog.Warn("prometheus bridge init failed", "error", err)
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if promReader != nil {
		readers = append(readers, sdkmetric.WithReader(promReader))
	}

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	var otlpShutdown func(context.Context) error
	if err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
		otlpShutdown = func(context.Context) error { return nil }
	} else {
		reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
		readers = append(readers, sdkmetric.WithReader(reader))
		otlpShutdown = reader.Shutdown
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint, "prometheus_bridge", promReader != nil)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	shutdown = func(ctx context.Context) error {
		_ = otlpShutdown(ctx)
		return mp.Shutdown(ctx)
	}
	return shutdown, handler
}
