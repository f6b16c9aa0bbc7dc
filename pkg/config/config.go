package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"chatcall/pkg/validation"

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
	} `yaml:"server"`

	Call struct {
		ICEServers              []ICEServer   `yaml:"ice_servers"`
		ICECandidatePoolSize    uint8         `yaml:"ice_candidate_pool_size"`
		MaxRingDuration         time.Duration `yaml:"max_ring_duration"` // 0 rings until ended
		CandidateBufferWindow   time.Duration `yaml:"candidate_buffer_window"`
		ProtocolViolationBudget int           `yaml:"protocol_violation_budget"`
		DisconnectGrace         time.Duration `yaml:"disconnect_grace"`
		SetupTimeout            time.Duration `yaml:"setup_timeout"`
		HangupWriteTimeout      time.Duration `yaml:"hangup_write_timeout"`
		MediaSource             string        `yaml:"media_source"` // synthetic | devices
	} `yaml:"call"`

	Identity struct {
		UserID      string        `yaml:"user_id"`
		DisplayName string        `yaml:"display_name"`
		Token       string        `yaml:"token"`
		JWTSecret   string        `yaml:"jwt_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
		RequireAuth bool          `yaml:"require_auth"`
	} `yaml:"identity"`

	Rendezvous struct {
		Backend   string `yaml:"backend"` // memory | redis | firestore
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"rendezvous"`

	Redis struct {
		Address      string        `yaml:"address"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		BlockTimeout time.Duration `yaml:"block_timeout"`
	} `yaml:"redis"`

	Firestore struct {
		ProjectID       string `yaml:"project_id"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firestore"`

	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
	} `yaml:"signal"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		MetricsPath         string        `yaml:"metrics_path"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Reliability struct {
		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			FailureThreshold    int           `yaml:"failure_threshold"`
			SuccessThreshold    int           `yaml:"success_threshold"`
			Timeout             time.Duration `yaml:"timeout"`
			MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`
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

	// Call
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("call.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.Call.MaxRingDuration < 0 {
		return fmt.Errorf("call.max_ring_duration must be >= 0")
	}
	if c.Call.CandidateBufferWindow <= 0 {
		return fmt.Errorf("call.candidate_buffer_window must be > 0")
	}
	if c.Call.ProtocolViolationBudget < 1 {
		return fmt.Errorf("call.protocol_violation_budget must be >= 1")
	}
	if c.Call.DisconnectGrace < 0 {
		return fmt.Errorf("call.disconnect_grace must be >= 0")
	}
	if c.Call.SetupTimeout <= 0 {
		return fmt.Errorf("call.setup_timeout must be > 0")
	}
	if c.Call.HangupWriteTimeout <= 0 {
		return fmt.Errorf("call.hangup_write_timeout must be > 0")
	}
	switch c.Call.MediaSource {
	case "synthetic", "devices":
	default:
		return fmt.Errorf("call.media_source must be synthetic or devices, got %q", c.Call.MediaSource)
	}

	// Identity
	if c.Identity.RequireAuth && c.Identity.JWTSecret == "" {
		return fmt.Errorf("identity.jwt_secret must not be empty when identity.require_auth=true")
	}
	if c.Identity.TokenTTL <= 0 {
		return fmt.Errorf("identity.token_ttl must be > 0")
	}

	// Rendezvous
	switch c.Rendezvous.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when rendezvous.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when rendezvous.backend=redis")
		}
		if c.Redis.BlockTimeout <= 0 {
			return fmt.Errorf("redis.block_timeout must be > 0 when rendezvous.backend=redis")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id must not be empty when rendezvous.backend=firestore")
		}
	default:
		return fmt.Errorf("rendezvous.backend must be memory, redis or firestore, got %q", c.Rendezvous.Backend)
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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
	}

	// Reliability
	if c.Reliability.Retry.Enabled {
		if c.Reliability.Retry.MaxAttempts < 1 {
			return fmt.Errorf("reliability.retry.max_attempts must be >= 1 when retry is enabled")
		}
		if c.Reliability.Retry.Multiplier < 1 {
			return fmt.Errorf("reliability.retry.multiplier must be >= 1 when retry is enabled")
		}
	}
	if c.Reliability.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.circuit_breaker.failure_threshold must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

// LoadFirst loads the first of paths that exists and reports which one it
// used. Empty entries are skipped. A broken file is an error rather than a
// reason to try the next path. With no file at all it returns the defaults
// and an empty path.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, path, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Call.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
	}
	cfg.Call.ICECandidatePoolSize = 10
	cfg.Call.MaxRingDuration = 45 * time.Second
	cfg.Call.CandidateBufferWindow = 10 * time.Second
	cfg.Call.ProtocolViolationBudget = 3
	cfg.Call.DisconnectGrace = 5 * time.Second
	cfg.Call.SetupTimeout = 20 * time.Second
	cfg.Call.HangupWriteTimeout = 3 * time.Second
	cfg.Call.MediaSource = "synthetic"

	cfg.Identity.TokenTTL = 24 * time.Hour

	cfg.Rendezvous.Backend = "memory"
	cfg.Rendezvous.KeyPrefix = "chatcall:"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.BlockTimeout = 2 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 16 * 1024

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Tracing.ServiceName = "chatcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 30

	cfg.Reliability.Retry.Enabled = true
	cfg.Reliability.Retry.MaxAttempts = 3
	cfg.Reliability.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.Retry.MaxDelay = 2 * time.Second
	cfg.Reliability.Retry.Multiplier = 2.0
	cfg.Reliability.CircuitBreaker.FailureThreshold = 5
	cfg.Reliability.CircuitBreaker.SuccessThreshold = 2
	cfg.Reliability.CircuitBreaker.Timeout = 30 * time.Second
	cfg.Reliability.CircuitBreaker.MaxRequestsHalfOpen = 3

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CHATCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CHATCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if uid := os.Getenv("CHATCALL_USER_ID"); uid != "" {
		c.Identity.UserID = uid
	}
	if token := os.Getenv("CHATCALL_IDENTITY_TOKEN"); token != "" {
		c.Identity.Token = token
	}
	if secret := os.Getenv("CHATCALL_JWT_SECRET"); secret != "" {
		c.Identity.JWTSecret = secret
	}
	if backend := os.Getenv("CHATCALL_RENDEZVOUS_BACKEND"); backend != "" {
		c.Rendezvous.Backend = backend
	}
	if addr := os.Getenv("CHATCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if project := os.Getenv("CHATCALL_FIRESTORE_PROJECT"); project != "" {
		c.Firestore.ProjectID = project
	}
	if ring := os.Getenv("CHATCALL_MAX_RING_SECONDS"); ring != "" {
		if secs, err := strconv.Atoi(ring); err == nil && secs >= 0 {
			c.Call.MaxRingDuration = time.Duration(secs) * time.Second
		}
	}
}
