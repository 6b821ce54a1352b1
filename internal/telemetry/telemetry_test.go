package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

func TestAttemptEventsAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = nil })

	ctx, span := StartSpan(context.Background(), "dispatch")
	AddDispatchAttributes(span, domain.VirtualModel{Name: "gemini-auto", Mode: domain.ModeNormal}, "req-1", 3)
	AddAttemptAttributes(span, domain.DispatchAttempt{Index: 1, AccountID: "a", Outcome: domain.OutcomeRetryable, Kind: domain.KindRateLimited, Elapsed: time.Second})
	AddAttemptAttributes(span, domain.DispatchAttempt{Index: 2, AccountID: "b", Outcome: domain.OutcomeSuccess})
	AddErrorAttribute(span, &domain.DispatchError{Kind: domain.KindFatal, Cause: errors.New("boom")})

	if GetTraceID(ctx) == "" {
		t.Error("expected a trace id")
	}
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if got := len(spans[0].Events()); got < 2 {
		t.Errorf("events = %d, want attempt events", got)
	}
	if spans[0].Status().Code.String() != "Error" {
		t.Errorf("status = %v", spans[0].Status())
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}
