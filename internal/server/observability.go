package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider
	ScanCounter   metric.Int64Counter
	ProbeDuration metric.Int64Histogram
	VerdictTotal  metric.Int64Counter
	MixedChannels metric.Int64Counter
	BudgetBlocked metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "relaytrace-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	scanCounter, _ := meter.Int64Counter("relaytrace_scan_total")
	probeDuration, _ := meter.Int64Histogram("relaytrace_model_scan_duration_ms")
	verdictTotal, _ := meter.Int64Counter("relaytrace_verdict_total")
	mixedChannels, _ := meter.Int64Counter("relaytrace_mixed_channel_total")
	budgetBlocked, _ := meter.Int64Counter("relaytrace_budget_block_total")
	return &Observability{
		Tracer:        tracer,
		Meter:         meter,
		traceProvider: tp,
		ScanCounter:   scanCounter,
		ProbeDuration: probeDuration,
		VerdictTotal:  verdictTotal,
		MixedChannels: mixedChannels,
		BudgetBlocked: budgetBlocked,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkScan(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.ScanCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkProbeDuration(ctx context.Context, model string, durationMS int64) {
	if o == nil {
		return
	}
	o.ProbeDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("model", model),
	))
}

func (o *Observability) MarkVerdict(ctx context.Context, hypothesis string, suspicious bool) {
	if o == nil {
		return
	}
	o.VerdictTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hypothesis", hypothesis),
		attribute.Bool("suspicious", suspicious),
	))
}

func (o *Observability) MarkMixedChannel(ctx context.Context, endpoint string) {
	if o == nil {
		return
	}
	o.MixedChannels.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

func (o *Observability) MarkBudgetBlocked(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.BudgetBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
