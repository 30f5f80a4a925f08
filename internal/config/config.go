// Package config reads the gateway's runtime configuration from the
// environment, mirroring the teacher's internal/config.Load: one flat
// Config struct, sensible defaults, a handful of env* helpers.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob the composition root reads at startup.
type Config struct {
	MQTTBrokerURL   string
	MQTTRoot        string // topic root prefix, e.g. "te"
	MainDeviceID    string
	DataDir         string
	WorkflowsDir    string
	CloudPrefix     string // e.g. "c8y"
	ChannelCapacity int
	ShutdownGrace   time.Duration
	HTTPPort        int
	CORSOrigins     []string
	Telemetry       TelemetryConfig
}

// TelemetryConfig configures OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults, matching spec §6's GATEWAY_* knobs.
func Load() *Config {
	return &Config{
		MQTTBrokerURL:   envStr("GATEWAY_MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTRoot:        envStr("GATEWAY_MQTT_ROOT", "te"),
		MainDeviceID:    envStr("GATEWAY_MAIN_DEVICE_ID", "main-device"),
		DataDir:         envStr("GATEWAY_DATA_DIR", "/var/lib/edgestack-gateway"),
		WorkflowsDir:    envStr("GATEWAY_WORKFLOWS_DIR", "/etc/edgestack-gateway/workflows"),
		CloudPrefix:     envStr("GATEWAY_CLOUD_PREFIX", "c8y"),
		ChannelCapacity: envInt("GATEWAY_CHANNEL_CAPACITY", 10),
		ShutdownGrace:   envDuration("GATEWAY_SHUTDOWN_GRACE", 10*time.Second),
		HTTPPort:        envInt("GATEWAY_HTTP_PORT", 8000),
		CORSOrigins:     envCSV("GATEWAY_CORS_ORIGINS", []string{"*"}),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "edgestack-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envCSV(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, seg := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(seg); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
