package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// ListCacheTTL caches the live stream listing. Zero disables it.
		ListCacheTTL time.Duration `yaml:"list_cache_ttl"`
		// SessionAttachTimeout closes a session nobody is watching for this
		// long. Zero disables it.
		SessionAttachTimeout time.Duration `yaml:"session_attach_timeout"`
	} `yaml:"server"`

	Signaling struct {
		// WaitTimeout bounds one blocking take on a mailbox.
		WaitTimeout       time.Duration `yaml:"wait_timeout"`
		ChunkPollInterval time.Duration `yaml:"chunk_poll_interval"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Negotiation struct {
		Timeout         time.Duration `yaml:"timeout"`
		MaxReoffers     int           `yaml:"max_reoffers"`
		MaxICERestarts  int           `yaml:"max_ice_restarts"`
		ICEFailureGrace time.Duration `yaml:"ice_failure_grace"`
	} `yaml:"negotiation"`

	Recording struct {
		SegmentDuration time.Duration `yaml:"segment_duration"`
		BufferCap       time.Duration `yaml:"buffer_cap"`
	} `yaml:"recording"`

	Ingest struct {
		VideoAddress string `yaml:"video_address"`
		AudioAddress string `yaml:"audio_address"`
	} `yaml:"ingest"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled    bool          `yaml:"enabled"`
		Address    string        `yaml:"address"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db"`
		PoolSize   int           `yaml:"pool_size"`
		MailboxTTL time.Duration `yaml:"mailbox_ttl"`
		// BreakerThreshold consecutive store failures open the circuit for
		// BreakerCooldown. Zero disables the breaker.
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int   `yaml:"connections_per_minute"`
			MaxConcurrent        int   `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.ListCacheTTL < 0 {
		return fmt.Errorf("server.list_cache_ttl must be >= 0")
	}
	if c.Server.SessionAttachTimeout < 0 {
		return fmt.Errorf("server.session_attach_timeout must be >= 0")
	}

	// Signaling
	if c.Signaling.WaitTimeout <= 0 {
		return fmt.Errorf("signaling.wait_timeout must be > 0")
	}
	if c.Signaling.ChunkPollInterval <= 0 {
		return fmt.Errorf("signaling.chunk_poll_interval must be > 0")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.pong_timeout must be > ping_interval")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Negotiation. A zero timeout disables stuck-offer recovery.
	if c.Negotiation.Timeout < 0 {
		return fmt.Errorf("negotiation.timeout must be >= 0")
	}
	if c.Negotiation.MaxReoffers < 0 {
		return fmt.Errorf("negotiation.max_reoffers must be >= 0")
	}
	if c.Negotiation.MaxICERestarts < 0 {
		return fmt.Errorf("negotiation.max_ice_restarts must be >= 0")
	}
	if c.Negotiation.ICEFailureGrace < 0 {
		return fmt.Errorf("negotiation.ice_failure_grace must be >= 0")
	}

	// Recording
	if c.Recording.SegmentDuration <= 0 {
		return fmt.Errorf("recording.segment_duration must be > 0")
	}
	if c.Recording.BufferCap < c.Recording.SegmentDuration {
		return fmt.Errorf("recording.buffer_cap must be >= segment_duration")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.MailboxTTL <= 0 {
			return fmt.Errorf("redis.mailbox_ttl must be > 0 when redis.enabled=true")
		}
		if c.Redis.BreakerThreshold < 0 {
			return fmt.Errorf("redis.breaker_threshold must be >= 0")
		}
		if c.Redis.BreakerThreshold > 0 && c.Redis.BreakerCooldown <= 0 {
			return fmt.Errorf("redis.breaker_cooldown must be > 0 when the breaker is enabled")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.ListCacheTTL = 2 * time.Second
	cfg.Server.SessionAttachTimeout = 30 * time.Second

	cfg.Signaling.WaitTimeout = 2 * time.Second
	cfg.Signaling.ChunkPollInterval = time.Second
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Negotiation.Timeout = 15 * time.Second
	cfg.Negotiation.MaxReoffers = 3
	cfg.Negotiation.MaxICERestarts = 2
	cfg.Negotiation.ICEFailureGrace = 10 * time.Second

	cfg.Recording.SegmentDuration = 10 * time.Second
	cfg.Recording.BufferCap = 4 * time.Hour

	cfg.Ingest.VideoAddress = "127.0.0.1:5004"
	cfg.Ingest.AudioAddress = "127.0.0.1:5006"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.MailboxTTL = time.Hour
	cfg.Redis.BreakerThreshold = 5
	cfg.Redis.BreakerCooldown = 10 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rillcast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RILLCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RILLCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("RILLCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if capStr := os.Getenv("RILLCAST_BUFFER_CAP"); capStr != "" {
		if d, err := time.ParseDuration(capStr); err == nil {
			c.Recording.BufferCap = d
		}
	}
	if enabled := os.Getenv("RILLCAST_TRACING_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Tracing.Enabled = v
		}
	}
}
