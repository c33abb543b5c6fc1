package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Recording.SegmentDuration != 10*time.Second {
		t.Fatalf("expected 10s segments, got %v", cfg.Recording.SegmentDuration)
	}
	if cfg.Recording.BufferCap != 4*time.Hour {
		t.Fatalf("expected 4h buffer cap, got %v", cfg.Recording.BufferCap)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "http burst must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.Burst = 0 },
		},
		{
			name:   "ws connections per minute must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 },
		},
		{
			name:   "ws max message size must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 },
		},
		{
			name:   "segment duration must be > 0",
			mutate: func(c *Config) { c.Recording.SegmentDuration = 0 },
		},
		{
			name:   "buffer cap must hold one segment",
			mutate: func(c *Config) { c.Recording.BufferCap = time.Second },
		},
		{
			name:   "negative session attach timeout",
			mutate: func(c *Config) { c.Server.SessionAttachTimeout = -time.Second },
		},
		{
			name:   "negative reoffers",
			mutate: func(c *Config) { c.Negotiation.MaxReoffers = -1 },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signaling.PongTimeout = c.Signaling.PingInterval },
		},
		{
			name: "half-open port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 40000
				c.WebRTC.PortRange.Max = 0
			},
		},
		{
			name: "redis without mailbox ttl",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.MailboxTTL = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("base config should be valid, got: %v", err)
			}
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_ZeroNegotiationTimeoutDisablesRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Negotiation.Timeout = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero negotiation timeout should be accepted, got: %v", err)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("server:\n  address: \":9000\"\nrecording:\n  buffer_cap: 2h\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RILLCAST_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("expected file address, got %q", cfg.Server.Address)
	}
	if cfg.Recording.BufferCap != 2*time.Hour {
		t.Fatalf("expected 2h cap, got %v", cfg.Recording.BufferCap)
	}
	if cfg.Recording.SegmentDuration != 10*time.Second {
		t.Fatalf("expected default segment duration, got %v", cfg.Recording.SegmentDuration)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address == "" {
		t.Fatal("expected default server address")
	}
}
