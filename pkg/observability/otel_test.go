package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NewNopLogger())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if providers != nil {
		t.Error("Expected nil providers when disabled")
	}
}

func TestInitOTel_MissingEndpoint(t *testing.T) {
	_, err := InitOTel(context.Background(), OTelConfig{Enabled: true}, NewNopLogger())
	if err == nil {
		t.Error("Expected error for missing endpoint")
	}
}

func TestInitOTel_LazyConnection(t *testing.T) {
	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "127.0.0.1:1",
		ServiceName:    "salon-billing-test",
		ServiceVersion: "test",
		Insecure:       true,
	}

	providers, err := InitOTel(context.Background(), cfg, NewNopLogger())
	if err != nil {
		t.Fatalf("Expected lazy exporters to initialize without a collector, got %v", err)
	}
	if providers == nil || providers.TracerProvider == nil || providers.MeterProvider == nil {
		t.Fatal("Expected both providers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Flushing to an unreachable collector may fail; it must not hang or panic.
	_ = providers.Shutdown(ctx)
}

func TestOTelConfig_Resource(t *testing.T) {
	cfg := OTelConfig{ServiceName: "salon-billing", ServiceVersion: "1.2.0", Environment: "staging", Provider: "STRIPE"}

	got := map[string]string{}
	for _, kv := range cfg.attributes() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["deployment.environment"] != "staging" || got["billing.provider"] != "STRIPE" {
		t.Errorf("unexpected resource attributes: %v", got)
	}

	if n := len((OTelConfig{ServiceName: "s"}).attributes()); n != 2 {
		t.Errorf("Expected only service attributes, got %d", n)
	}
}

func TestOTelConfig_SampleRatio(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 1},
		{0.1, 0.1},
		{1, 1},
		{3, 1},
		{-1, 1},
	}
	for _, tt := range tests {
		if got := (OTelConfig{SampleRatio: tt.in}).sampleRatio(); got != tt.want {
			t.Errorf("sampleRatio(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOTelProviders_ShutdownNil(t *testing.T) {
	var providers *OTelProviders
	if err := providers.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}

	empty := &OTelProviders{}
	if err := empty.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestOTelProviders_ShutdownTracer(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	providers := &OTelProviders{TracerProvider: tp}

	if err := providers.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}

func TestWithTraceContext(t *testing.T) {
	t.Run("no span", func(t *testing.T) {
		logger := NewNopLogger()
		if WithTraceContext(context.Background(), logger) != logger {
			t.Error("Expected the same logger without a span")
		}
	})

	t.Run("with span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
		defer func() { _ = tp.Shutdown(context.Background()) }()

		ctx, span := tp.Tracer("test").Start(context.Background(), "reconcile")
		defer span.End()

		var buf bytes.Buffer
		WithTraceContext(ctx, NewLogger(InfoLevel, &buf)).Info("Traced")

		var entry map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("Failed to unmarshal log entry: %v", err)
		}
		if entry["trace_id"] != span.SpanContext().TraceID().String() {
			t.Errorf("Expected trace_id %s, got %v", span.SpanContext().TraceID(), entry["trace_id"])
		}
		if entry["span_id"] == nil {
			t.Error("Expected span_id field")
		}
	})
}
