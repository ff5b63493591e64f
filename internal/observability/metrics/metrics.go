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
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

// Config configures the OTLP meter provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the ledger's business counters. Counts of events and sums of
// credits are kept apart so rates and volumes can be graphed separately.
type Metrics struct {
	grants         metric.Int64Counter
	grantedCredits metric.Int64Counter
	consumptions   metric.Int64Counter
	consumed       metric.Int64Counter
	insufficient   metric.Int64Counter
	expiredCredits metric.Int64Counter
	rolloverGrants metric.Int64Counter
	reservations   metric.Int64Counter
	conflicts      metric.Int64Counter
}

// NewProvider installs the global meter provider. With export disabled it is
// a noop provider and the ledger counters cost nothing.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := exporterFor(context.Background(), cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", valueOr(cfg.ServiceName, "creditledger")),
		attribute.String("deployment.environment", cfg.Environment),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{OnStop: provider.Shutdown})
	}
	if log != nil {
		log.Info("otlp metrics enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
			zap.Duration("interval", exportInterval),
		)
	}
	return provider, nil
}

func exporterFor(ctx context.Context, protocol, endpoint string) (sdkmetric.Exporter, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "", "grpc", "grpc/protobuf":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("metrics: unsupported otlp protocol %q", p)
	}
}

// New creates the ledger counters on provider's meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(valueOr(cfg.ServiceName, "creditledger"))

	m := &Metrics{}
	for dst, def := range map[*metric.Int64Counter][2]string{
		&m.grants:         {"creditledger_grants_total", "Credit batches granted."},
		&m.grantedCredits: {"creditledger_granted_credits_total", "Credits granted."},
		&m.consumptions:   {"creditledger_consumptions_total", "Successful consume calls."},
		&m.consumed:       {"creditledger_consumed_credits_total", "Credits consumed."},
		&m.insufficient:   {"creditledger_insufficient_credits_total", "Consume or reserve calls refused for lack of credit."},
		&m.expiredCredits: {"creditledger_expired_credits_total", "Credits forfeited by the expiry sweep."},
		&m.rolloverGrants: {"creditledger_rollover_grants_total", "Credits granted by rollover."},
		&m.reservations:   {"creditledger_reservations_total", "Reservation state changes."},
		&m.conflicts:      {"creditledger_concurrency_conflicts_total", "Optimistic conflicts seen by the engine."},
	} {
		counter, err := meter.Int64Counter(def[0], metric.WithDescription(def[1]))
		if err != nil {
			return nil, fmt.Errorf("metrics: %s: %w", def[0], err)
		}
		*dst = counter
	}
	return m, nil
}

func labelled(key, value string) metric.AddOption {
	return metric.WithAttributes(FilterAttributes(attribute.String(key, strings.TrimSpace(value)))...)
}

// RecordGrant counts a new batch and its credits.
func (m *Metrics) RecordGrant(ctx context.Context, sourceType string, amount int64) {
	if m == nil {
		return
	}
	opt := labelled("source_type", sourceType)
	m.grants.Add(ctx, 1, opt)
	m.grantedCredits.Add(ctx, amount, opt)
}

func (m *Metrics) RecordConsumption(ctx context.Context, actionType string, amount int64) {
	if m == nil {
		return
	}
	opt := labelled("action_type", actionType)
	m.consumptions.Add(ctx, 1, opt)
	m.consumed.Add(ctx, amount, opt)
}

func (m *Metrics) RecordInsufficient(ctx context.Context, actionType string) {
	if m != nil {
		m.insufficient.Add(ctx, 1, labelled("action_type", actionType))
	}
}

func (m *Metrics) RecordExpired(ctx context.Context, amount int64) {
	if m != nil && amount > 0 {
		m.expiredCredits.Add(ctx, amount)
	}
}

func (m *Metrics) RecordRollover(ctx context.Context, featureKey string, amount int64) {
	if m != nil && amount > 0 {
		m.rolloverGrants.Add(ctx, amount, labelled("feature_key", featureKey))
	}
}

func (m *Metrics) RecordReservation(ctx context.Context, status string) {
	if m != nil {
		m.reservations.Add(ctx, 1, labelled("status", status))
	}
}

// RecordConflict counts conflicts per operation, retried or not.
func (m *Metrics) RecordConflict(ctx context.Context, operation string) {
	if m != nil {
		m.conflicts.Add(ctx, 1, labelled("operation", operation))
	}
}

// labelKeys is every attribute a ledger metric may carry. Owner ids never
// become labels.
var labelKeys = map[attribute.Key]bool{
	"owner_type":  true,
	"source_type": true,
	"action_type": true,
	"feature_key": true,
	"status":      true,
	"status_code": true,
	"route":       true,
	"method":      true,
	"operation":   true,
	"reason":      true,
}

// FilterAttributes keeps only attributes listed in labelKeys.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	kept := attrs[:0:0]
	for _, attr := range attrs {
		if labelKeys[attr.Key] {
			kept = append(kept, attr)
		}
	}
	return kept
}
