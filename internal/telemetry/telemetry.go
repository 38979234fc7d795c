// Package telemetry wires OpenTelemetry metrics for steward components.
//
// Components record through *Instruments; a nil *Instruments is valid and
// records nothing, so tests and tools can skip metrics entirely.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "steward"

type Config struct {
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
	Version      string
}

// Setup installs a global meter provider exporting over OTLP/gRPC. With no
// endpoint it leaves the no-op global provider in place.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", meterName),
		attribute.String("service.version", cfg.Version),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

type Instruments struct {
	dispatches  metric.Int64Counter
	transitions metric.Int64Counter
	taskRuns    metric.Int64Counter
	findings    metric.Int64Counter
	webhooks    metric.Int64Counter
	gatewayTime metric.Float64Histogram
}

// NewInstruments creates the steward instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		i   Instruments
		err error
	)
	if i.dispatches, err = meter.Int64Counter("steward.ability.dispatches",
		metric.WithDescription("Ability dispatches by outcome")); err != nil {
		return nil, err
	}
	if i.transitions, err = meter.Int64Counter("steward.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	if i.taskRuns, err = meter.Int64Counter("steward.governance.runs",
		metric.WithDescription("Governance task runs by outcome")); err != nil {
		return nil, err
	}
	if i.findings, err = meter.Int64Counter("steward.governance.findings",
		metric.WithDescription("Findings produced by governance tasks")); err != nil {
		return nil, err
	}
	if i.webhooks, err = meter.Int64Counter("steward.webhook.deliveries",
		metric.WithDescription("Webhook deliveries by outcome")); err != nil {
		return nil, err
	}
	if i.gatewayTime, err = meter.Float64Histogram("steward.gateway.duration",
		metric.WithDescription("AI gateway call duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &i, nil
}

// Global returns instruments bound to the global meter provider.
func Global() *Instruments {
	i, err := NewInstruments(otel.Meter(meterName))
	if err != nil {
		return nil
	}
	return i
}

func (i *Instruments) Dispatch(ctx context.Context, ability, outcome string) {
	if i == nil {
		return
	}
	i.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ability", ability), attribute.String("outcome", outcome)))
}

func (i *Instruments) Transition(ctx context.Context, circuit, to string) {
	if i == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("circuit", circuit), attribute.String("to", to)))
}

func (i *Instruments) TaskRun(ctx context.Context, task, outcome string, findings int) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", task))
	i.taskRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task), attribute.String("outcome", outcome)))
	if findings > 0 {
		i.findings.Add(ctx, int64(findings), attrs)
	}
}

func (i *Instruments) Webhook(ctx context.Context, eventType string, ok bool) {
	if i == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	i.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType), attribute.String("outcome", outcome)))
}

func (i *Instruments) GatewayCall(ctx context.Context, backend string, d time.Duration, ok bool) {
	if i == nil {
		return
	}
	i.gatewayTime.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend), attribute.Bool("ok", ok)))
}
