package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MQTTRoot != "te" {
		t.Fatalf("unexpected default MQTT root: %s", cfg.MQTTRoot)
	}
	if cfg.ChannelCapacity != 10 {
		t.Fatalf("unexpected default channel capacity: %d", cfg.ChannelCapacity)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("unexpected default CORS origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("GATEWAY_MQTT_ROOT", "edge")
	t.Setenv("GATEWAY_CHANNEL_CAPACITY", "42")
	t.Setenv("GATEWAY_SHUTDOWN_GRACE", "2s")
	t.Setenv("GATEWAY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	if cfg.MQTTRoot != "edge" {
		t.Fatalf("expected overridden root, got %s", cfg.MQTTRoot)
	}
	if cfg.ChannelCapacity != 42 {
		t.Fatalf("expected overridden capacity, got %d", cfg.ChannelCapacity)
	}
	if cfg.ShutdownGrace.Seconds() != 2 {
		t.Fatalf("expected overridden grace, got %s", cfg.ShutdownGrace)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
}

func TestEnvIntFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("GATEWAY_CHANNEL_CAPACITY", "not-a-number")
	cfg := Load()
	if cfg.ChannelCapacity != 10 {
		t.Fatalf("expected fallback on malformed int, got %d", cfg.ChannelCapacity)
	}
}
