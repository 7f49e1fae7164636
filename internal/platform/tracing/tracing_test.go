package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEndRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Start(context.Background(), "promotion.execute", Tenant("t1", "prod")...)
	End(span, errors.New("boom"))
	_, ok := Start(context.Background(), "drift.detect")
	End(ok, nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans=%d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Error || len(spans[0].Events()) == 0 {
		t.Fatalf("expected error status and event, got %+v", spans[0].Status())
	}
	if spans[1].Status().Code == codes.Error {
		t.Fatalf("expected unset status for success span")
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "flowgate.environment_id" && kv.Value.AsString() == "prod" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing environment attribute: %v", spans[0].Attributes())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Exporter: "jaeger"}).Validate(); err == nil {
		t.Fatalf("expected unknown exporter error")
	}
	if err := (Config{Exporter: ExporterNone, SampleRatio: 2}).Validate(); err == nil {
		t.Fatalf("expected ratio error")
	}
	shutdown, err := Init(context.Background(), Config{Exporter: ExporterNone})
	if err != nil || shutdown(context.Background()) != nil {
		t.Fatalf("Init(none) err=%v", err)
	}
}
