// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSegmentSpan 开始 segment execution span
func StartSegmentSpan(ctx context.Context, executionID string, segment int) (context.Context, trace.Span) {
	tracer := otel.Tracer("saga-platform")
	ctx, span := tracer.Start(ctx, "saga.segment",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.Int("segment.number", segment),
		),
	)
	return ctx, span
}

// StartToolSpan 开始 tool invocation span
func StartToolSpan(ctx context.Context, toolName string, stepID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("saga-platform")
	ctx, span := tracer.Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("step.id", stepID),
		),
	)
	return ctx, span
}

// StartCompensationSpan 开始 compensation playback span
func StartCompensationSpan(ctx context.Context, executionID string, records int) (context.Context, trace.Span) {
	tracer := otel.Tracer("saga-platform")
	ctx, span := tracer.Start(ctx, "saga.compensate",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.Int("compensation.count", records),
		),
	)
	return ctx, span
}

// StartReplanSpan 开始 replan span
func StartReplanSpan(ctx context.Context, executionID string, reason string) (context.Context, trace.Span) {
	tracer := otel.Tracer("saga-platform")
	ctx, span := tracer.Start(ctx, "saga.replan",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("failure.reason", reason),
		),
	)
	return ctx, span
}
