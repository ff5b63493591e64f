package observability

import (
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and both metric pipelines: OTLP for ledger
// counters and the Prometheus registry for HTTP and scheduler metrics.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:  cfg.ServiceName,
				Environment:  cfg.Environment,
				Version:      cfg.Version,
				Level:        cfg.LogLevel,
				Format:       cfg.LogFormat,
				Debug:        cfg.Debug(),
				StackOnError: cfg.Debug(),
			}
		},
		func(cfg Config) logger.GormLoggerConfig {
			return logger.GormLoggerConfig{
				Level:         logger.GormLevelFor(cfg.LogLevel),
				SlowThreshold: cfg.SlowQuery,
			}
		},
		logger.New,
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelEndpoint,
				ExporterProtocol: cfg.OtelProtocol,
				SamplingRatio:    cfg.OtelSampleRate,
			}
		},
		tracing.NewProvider,
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelEndpoint,
				ExporterProtocol: cfg.OtelProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.SchedulerWithConfig,
	),
	// the provider installs itself as the global tracer provider
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
