package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
	Interval         time.Duration
}

const defaultExportInterval = 10 * time.Second

// recomputeBuckets spans a single-bucket scan up to a slow full-period rebuild.
var recomputeBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics exposes pipeline-level OpenTelemetry instruments.
type Metrics struct {
	ingestOutcomes   metric.Int64Counter
	ingestQuantity   metric.Int64Counter
	recomputes       metric.Int64Counter
	recomputeLatency metric.Float64Histogram
	ledgerEntries    metric.Int64Counter
	finalizations    metric.Int64Counter
	lateDeferred     metric.Int64Counter
	lateAmount       metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
			zap.Duration("interval", interval),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterflow"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.ingestOutcomes, err = meter.Int64Counter("meterflow_usage_ingest_total",
		metric.WithDescription("Usage events processed by outcome")); err != nil {
		return nil, err
	}
	if m.ingestQuantity, err = meter.Int64Counter("meterflow_usage_quantity_total",
		metric.WithDescription("Quantity of newly inserted usage")); err != nil {
		return nil, err
	}
	if m.recomputes, err = meter.Int64Counter("meterflow_summary_recompute_total"); err != nil {
		return nil, err
	}
	if m.recomputeLatency, err = meter.Float64Histogram("meterflow_summary_recompute_seconds",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(recomputeBuckets...)); err != nil {
		return nil, err
	}
	if m.ledgerEntries, err = meter.Int64Counter("meterflow_ledger_entries_total"); err != nil {
		return nil, err
	}
	if m.finalizations, err = meter.Int64Counter("meterflow_invoice_finalize_total"); err != nil {
		return nil, err
	}
	if m.lateDeferred, err = meter.Int64Counter("meterflow_late_usage_deferred_total",
		metric.WithDescription("Late events carried into a later draft as adjustments")); err != nil {
		return nil, err
	}
	if m.lateAmount, err = meter.Int64Counter("meterflow_late_usage_deferred_amount_total",
		metric.WithDescription("Minor currency units carried by deferred adjustments")); err != nil {
		return nil, err
	}
	if m.rateLimitAllowed, err = meter.Int64Counter("meterflow_rate_limit_allowed_total"); err != nil {
		return nil, err
	}
	if m.rateLimitDenied, err = meter.Int64Counter("meterflow_rate_limit_denied_total"); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordIngest counts one event outcome (inserted, duplicate_ignored, rejected).
func (m *Metrics) RecordIngest(ctx context.Context, eventType, outcome string, quantity int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", outcome),
	)
	m.ingestOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == "inserted" && quantity > 0 {
		m.ingestQuantity.Add(ctx, quantity, metric.WithAttributes(attrs...))
	}
}

// RecordRecompute records a summary recompute and its duration.
func (m *Metrics) RecordRecompute(ctx context.Context, trigger, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	)...)
	m.recomputes.Add(ctx, 1, attrs)
	m.recomputeLatency.Record(ctx, took.Seconds(), attrs)
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, referenceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reference_type", strings.TrimSpace(referenceType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFinalize counts finalize attempts by outcome.
func (m *Metrics) RecordFinalize(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.finalizations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

// RecordLateDeferred counts one late event turned into an adjustment.
func (m *Metrics) RecordLateDeferred(ctx context.Context, eventType string, amount int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))...)
	m.lateDeferred.Add(ctx, 1, attrs)
	if amount > 0 {
		m.lateAmount.Add(ctx, amount, attrs)
	}
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id":      {},
	"endpoint":       {},
	"status_code":    {},
	"event_type":     {},
	"outcome":        {},
	"trigger":        {},
	"reference_type": {},
	"reason":         {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
