package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "T1"),
		attribute.String("idempotency_key", "k-1"),
		attribute.String("event_type", "api_call"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "idempotency_key" {
			t.Fatalf("idempotency_key must not be exported as a label")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordIngest(context.Background(), "api_call", "inserted", 1)
	m.RecordRecompute(context.Background(), "schedule", "ok", time.Millisecond)
	m.RecordFinalize(context.Background(), "finalized")
	m.RecordLateDeferred(context.Background(), "api_call", 10)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "meterflow"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordIngest(context.Background(), "api_call", "inserted", 3)
	m.RecordLedgerEntry(context.Background(), "invoice")
	m.RecordLateDeferred(context.Background(), "api_call", 0)
}
