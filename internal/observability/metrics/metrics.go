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
	rotations      metric.Int64Counter
	polls          metric.Int64Counter
	platformCalls  metric.Int64Counter
	platformTime   metric.Float64Histogram
	quotaDecisions metric.Int64Counter
	tokenRefreshes metric.Int64Counter
	eventsEmitted  metric.Int64Counter
	rateLimited    metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "headliner"
	}
	meter := provider.Meter(name)

	rotations, err := meter.Int64Counter("headliner_rotations_total")
	if err != nil {
		return nil, err
	}
	polls, err := meter.Int64Counter("headliner_polls_total")
	if err != nil {
		return nil, err
	}
	platformCalls, err := meter.Int64Counter("headliner_platform_calls_total")
	if err != nil {
		return nil, err
	}
	platformTime, err := meter.Float64Histogram("headliner_platform_call_duration_seconds")
	if err != nil {
		return nil, err
	}
	quotaDecisions, err := meter.Int64Counter("headliner_quota_decisions_total")
	if err != nil {
		return nil, err
	}
	tokenRefreshes, err := meter.Int64Counter("headliner_token_refreshes_total")
	if err != nil {
		return nil, err
	}
	eventsEmitted, err := meter.Int64Counter("headliner_events_emitted_total")
	if err != nil {
		return nil, err
	}
	rateLimited, err := meter.Int64Counter("headliner_rate_limited_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		rotations:      rotations,
		polls:          polls,
		platformCalls:  platformCalls,
		platformTime:   platformTime,
		quotaDecisions: quotaDecisions,
		tokenRefreshes: tokenRefreshes,
		eventsEmitted:  eventsEmitted,
		rateLimited:    rateLimited,
	}, nil
}

// NewNop returns instruments bound to a no-op provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordRotation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.rotations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

func (m *Metrics) RecordPoll(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

// RecordPlatformCall counts an outbound platform call by operation and failure class.
func (m *Metrics) RecordPlatformCall(ctx context.Context, operation, class string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("class", strings.TrimSpace(class)),
	)
	m.platformCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.platformTime.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordQuotaDecision(ctx context.Context, operation string, admitted bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if admitted {
		decision = "admitted"
	}
	m.quotaDecisions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
		attribute.String("decision", decision),
	)...))
}

func (m *Metrics) RecordTokenRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

func (m *Metrics) RecordEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	)...))
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

// Owner and experiment ids are deliberately absent: unbounded cardinality.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":    {},
	"operation":  {},
	"class":      {},
	"decision":   {},
	"event_type": {},
	"endpoint":   {},
	"reason":     {},
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
