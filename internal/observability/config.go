package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

// Config is the slice of application config the observability stack needs.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string
	SlowQuery time.Duration

	OtelEnabled    bool
	OtelEndpoint   string
	OtelProtocol   string
	OtelSampleRate float64
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "creditledger"
	}
	obs := cfg.Observability
	return Config{
		ServiceName:    name,
		Environment:    strings.TrimSpace(cfg.Environment),
		Version:        strings.TrimSpace(cfg.AppVersion),
		LogLevel:       obs.LogLevel,
		LogFormat:      obs.LogFormat,
		SlowQuery:      obs.SlowQuery,
		OtelEnabled:    obs.OtelEnabled,
		OtelEndpoint:   obs.OtelEndpoint,
		OtelProtocol:   obs.OtelProtocol,
		OtelSampleRate: obs.OtelSampleRate,
	}
}

// Debug turns on verbose request logging and stack traces.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
