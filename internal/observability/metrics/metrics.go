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
}

// Metrics exposes application-level instruments.
type Metrics struct {
	cacheRequests       metric.Int64Counter
	webhookEvents       metric.Int64Counter
	reconciliationDrift metric.Int64Counter
	reconciliationRuns  metric.Int64Counter
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
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

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitled"
	}
	meter := provider.Meter(name)

	cacheRequests, err := meter.Int64Counter("entitled_cache_requests_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("entitled_webhook_events_total")
	if err != nil {
		return nil, err
	}
	reconciliationDrift, err := meter.Int64Counter("entitled_reconciliation_drift_total")
	if err != nil {
		return nil, err
	}
	reconciliationRuns, err := meter.Int64Counter("entitled_reconciliation_runs_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cacheRequests:       cacheRequests,
		webhookEvents:       webhookEvents,
		reconciliationDrift: reconciliationDrift,
		reconciliationRuns:  reconciliationRuns,
	}, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

// IncCacheRequest records an entitlement cache lookup; result is hit or miss.
func (m *Metrics) IncCacheRequest(result string) {
	if m == nil || m.cacheRequests == nil {
		return
	}
	m.cacheRequests.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// IncWebhookEvent records a processed webhook; outcome is one of
// processed, duplicate, unhandled, permanent_failure, transient_failure.
func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("outcome", outcome),
		))
}

// IncReconciliationDrift records a corrected drift; kind is subscription or purchase.
func (m *Metrics) IncReconciliationDrift(kind string) {
	if m == nil || m.reconciliationDrift == nil {
		return
	}
	m.reconciliationDrift.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// IncReconciliationRun records one sweep; status is success or error.
func (m *Metrics) IncReconciliationRun(status string) {
	if m == nil || m.reconciliationRuns == nil {
		return
	}
	m.reconciliationRuns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}
