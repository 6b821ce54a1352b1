package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

const serviceVersion = "0.1.0"

var tracer trace.Tracer

func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer(serviceName)

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer("gemini-gateway")
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddDispatchAttributes(span trace.Span, vm domain.VirtualModel, requestID string, configVersion int64) {
	span.SetAttributes(
		attribute.String("model.name", vm.Name),
		attribute.String("model.id", vm.ModelID),
		attribute.String("model.tools", vm.Tools.String()),
		attribute.String("model.mode", string(vm.Mode)),
		attribute.String("request.id", requestID),
		attribute.Int64("config.version", configVersion),
	)
}

// AddAttemptAttributes records one provider attempt as a span event so the
// dispatch span shows the full account and retry history.
func AddAttemptAttributes(span trace.Span, a domain.DispatchAttempt) {
	span.AddEvent("attempt", trace.WithAttributes(
		attribute.Int("attempt.index", a.Index),
		attribute.String("account.id", a.AccountID),
		attribute.String("attempt.outcome", string(a.Outcome)),
		attribute.String("attempt.kind", string(a.Kind)),
		attribute.Int64("attempt.elapsed_ms", a.Elapsed.Milliseconds()),
	))
}

func AddAccountAttribute(span trace.Span, accountID string) {
	span.SetAttributes(attribute.String("account.id", accountID))
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
		attribute.String("error.kind", string(domain.KindOf(err))),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
