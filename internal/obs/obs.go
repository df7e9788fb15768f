// Package obs wires the cluster's OpenTelemetry metrics. Instruments are
// registered against the global meter provider at init time, which is a
// no-op until Setup installs a real one — so every package that imports
// obs can record metrics immediately, and those recordings start
// forwarding the moment the server calls Setup during startup.
package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/clud-dev/cluster"

var instruments struct {
	storeOps          metric.Int64Counter
	controlTransitions metric.Int64Counter
	eventDrops        metric.Int64Counter
	heartbeatLagMs    metric.Float64Histogram
}

func init() {
	m := otel.Meter(meterName)
	instruments.storeOps, _ = m.Int64Counter("cluster.store.ops",
		metric.WithDescription("Store operations by method and outcome"),
		metric.WithUnit("{operation}"),
	)
	instruments.controlTransitions, _ = m.Int64Counter("cluster.control.transitions",
		metric.WithDescription("ControlSession state transitions by destination state"),
		metric.WithUnit("{transition}"),
	)
	instruments.eventDrops, _ = m.Int64Counter("cluster.eventbus.drops",
		metric.WithDescription("Event subscribers reaped for exceeding their delivery deadline"),
		metric.WithUnit("{drop}"),
	)
	instruments.heartbeatLagMs, _ = m.Float64Histogram("cluster.agent.heartbeat_lag_ms",
		metric.WithDescription("Observed gap between successive heartbeats for a single agent"),
		metric.WithUnit("ms"),
	)
}

// RecordStoreOp increments the store operation counter for method,
// tagged with whether it succeeded.
func RecordStoreOp(ctx context.Context, method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	instruments.storeOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}

// RecordControlTransition increments the control session transition
// counter for the state a session just entered.
func RecordControlTransition(ctx context.Context, state string) {
	instruments.controlTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordEventDrop increments the event subscriber drop counter.
func RecordEventDrop(ctx context.Context) {
	instruments.eventDrops.Add(ctx, 1)
}

// RecordHeartbeatLag records the observed gap between two heartbeats
// from the same agent.
func RecordHeartbeatLag(ctx context.Context, lag time.Duration) {
	instruments.heartbeatLagMs.Record(ctx, float64(lag.Milliseconds()))
}

// Setup installs a real MeterProvider as the OpenTelemetry global,
// exporting via OTLP/HTTP when otlpEndpoint is non-empty, or to stdout
// otherwise (suitable for local development). The returned shutdown
// func must be called during graceful shutdown to flush pending metrics.
func Setup(ctx context.Context, serviceName, otlpEndpoint string) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	var reader sdkmetric.Reader
	if otlpEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	} else {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}
