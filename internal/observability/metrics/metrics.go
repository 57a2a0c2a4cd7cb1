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

// Metrics exposes application-level instruments. A nil receiver is a
// no-op on every method, so callers never guard.
type Metrics struct {
	proxyCalls         metric.Int64Counter
	proxyLatency       metric.Float64Histogram
	authDenied         metric.Int64Counter
	rateLimitBlocked   metric.Int64Counter
	grantsCreated      metric.Int64Counter
	credentialsStored  metric.Int64Counter
	auditWriteFailures metric.Int64Counter
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "vaultgate"
	}
	meter := provider.Meter(name)

	proxyCalls, err := meter.Int64Counter("vaultgate_proxy_calls_total")
	if err != nil {
		return nil, err
	}
	proxyLatency, err := meter.Float64Histogram("vaultgate_proxy_latency_ms")
	if err != nil {
		return nil, err
	}
	authDenied, err := meter.Int64Counter("vaultgate_authorization_denied_total")
	if err != nil {
		return nil, err
	}
	rateLimitBlocked, err := meter.Int64Counter("vaultgate_rate_limit_blocked_total")
	if err != nil {
		return nil, err
	}
	grantsCreated, err := meter.Int64Counter("vaultgate_grants_created_total")
	if err != nil {
		return nil, err
	}
	credentialsStored, err := meter.Int64Counter("vaultgate_credentials_stored_total")
	if err != nil {
		return nil, err
	}
	auditWriteFailures, err := meter.Int64Counter("vaultgate_audit_write_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		proxyCalls:         proxyCalls,
		proxyLatency:       proxyLatency,
		authDenied:         authDenied,
		rateLimitBlocked:   rateLimitBlocked,
		grantsCreated:      grantsCreated,
		credentialsStored:  credentialsStored,
		auditWriteFailures: auditWriteFailures,
	}, nil
}

// RecordProxyCall counts one completed proxy call by outcome class.
func (m *Metrics) RecordProxyCall(ctx context.Context, outcome string, latencyMs float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.proxyCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.proxyLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
}

// RecordAuthorizationDenied counts grant-check denials.
func (m *Metrics) RecordAuthorizationDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.authDenied.Add(ctx, 1)
}

// RecordRateLimitBlocked counts quota denials by source.
func (m *Metrics) RecordRateLimitBlocked(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.rateLimitBlocked.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGrantCreated counts grant creations.
func (m *Metrics) RecordGrantCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.grantsCreated.Add(ctx, 1)
}

// RecordCredentialStored counts vault stores.
func (m *Metrics) RecordCredentialStored(ctx context.Context) {
	if m == nil {
		return
	}
	m.credentialsStored.Add(ctx, 1)
}

// RecordAuditWriteFailure counts swallowed audit-log write failures so
// a systemic outage is observable even though the primary path
// succeeds.
func (m *Metrics) RecordAuditWriteFailure(ctx context.Context, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.auditWriteFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"outcome":     {},
	"source":      {},
	"action":      {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics
// low-cardinality. Caller and credential ids never become labels.
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
