// Package telemetry sets up the OpenTelemetry meter provider used
// alongside the Prometheus registry (internal/metrics): Prometheus
// serves local /metrics scraping, OTel forwards the same counters to
// an external collector when MCPTAP_OTLP_ENDPOINT is configured.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls exporter selection.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // empty uses the stdout exporter
	OTLPInsecure   bool
}

// Telemetry wraps the OTel meter provider and mcptap's own instruments.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	streamsEmitted  metric.Int64Counter
	tlsPayloads     metric.Int64Counter
	ringFailures    metric.Int64Counter
}

// New builds a Telemetry instance. With cfg.OTLPEndpoint empty this
// exports to stdout, which is the safe default for a first run.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	var exporter sdkmetric.Exporter
	var err error

	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	} else {
		exporter, err = stdoutmetric.New()
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	t := &Telemetry{provider: provider, meter: provider.Meter(cfg.ServiceName)}
	if err := t.registerInstruments(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) registerInstruments() error {
	var err error

	t.streamsEmitted, err = t.meter.Int64Counter(
		"mcptap.streams.emitted",
		metric.WithDescription("Streams emitted as complete JSON-RPC messages"),
	)
	if err != nil {
		return fmt.Errorf("telemetry: streams.emitted instrument: %w", err)
	}

	t.tlsPayloads, err = t.meter.Int64Counter(
		"mcptap.tls.payloads",
		metric.WithDescription("TLS application payloads emitted"),
	)
	if err != nil {
		return fmt.Errorf("telemetry: tls.payloads instrument: %w", err)
	}

	t.ringFailures, err = t.meter.Int64Counter(
		"mcptap.ring.reservation_failures",
		metric.WithDescription("Ring buffer reservation failures"),
	)
	if err != nil {
		return fmt.Errorf("telemetry: ring.reservation_failures instrument: %w", err)
	}
	return nil
}

// IncDrop satisfies emitter.Recorder.
func (t *Telemetry) IncDrop(reason string) {
	if reason == "ring_full" {
		t.ringFailures.Add(context.Background(), 1)
	}
}

// RecordStreamEmitted satisfies emitter.Recorder.
func (t *Telemetry) RecordStreamEmitted() {
	t.streamsEmitted.Add(context.Background(), 1)
}

// RecordTLSPayload satisfies emitter.Recorder.
func (t *Telemetry) RecordTLSPayload(direction, version string) {
	t.tlsPayloads.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("version", version),
		),
	)
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
