package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

const meterName = "taskengine"

// Metrics holds the instruments shared across the store, executor, and
// governance controller.
type Metrics struct {
	RetryAttempts metric.Int64Counter

	TasksDispatched metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	InflightGauge   metric.Int64Gauge
	EffectiveMax    metric.Int64Gauge

	GovernancePause     metric.Int64Counter
	GovernanceThrottle  metric.Int64Counter
	GovernanceRecover   metric.Int64Counter
	GovernanceEscalate  metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns the
// shutdown function and the common instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter(meterName)
	retry, _ := meter.Int64Counter("taskengine_resilience_retry_attempts_total")
	dispatched, _ := meter.Int64Counter("taskengine_tasks_dispatched_total")
	duration, _ := meter.Float64Histogram("taskengine_task_duration_seconds")
	inflight, _ := meter.Int64Gauge("taskengine_inflight_tasks")
	effMax, _ := meter.Int64Gauge("taskengine_effective_max_concurrent")
	pause, _ := meter.Int64Counter("taskengine_governance_pause_total")
	throttle, _ := meter.Int64Counter("taskengine_governance_throttle_total")
	recover, _ := meter.Int64Counter("taskengine_governance_recover_total")
	escalate, _ := meter.Int64Counter("taskengine_governance_escalate_total")
	return Metrics{
		RetryAttempts:      retry,
		TasksDispatched:    dispatched,
		TaskDuration:       duration,
		InflightGauge:      inflight,
		EffectiveMax:       effMax,
		GovernancePause:    pause,
		GovernanceThrottle: throttle,
		GovernanceRecover:  recover,
		GovernanceEscalate: escalate,
	}
}
