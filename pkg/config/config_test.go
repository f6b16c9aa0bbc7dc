package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Call.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}, cfg.Call.ICEServers[0].URLs)
	assert.Equal(t, uint8(10), cfg.Call.ICECandidatePoolSize)
	assert.Equal(t, "memory", cfg.Rendezvous.Backend)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Address)
	assert.Equal(t, 45*time.Second, cfg.Call.MaxRingDuration)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s

call:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: "u"
      credential: "p"
  ice_candidate_pool_size: 4
  max_ring_duration: 30s
  protocol_violation_budget: 5

rendezvous:
  backend: redis

redis:
  address: "redis:6379"

logging:
  level: "debug"
`)

	t.Setenv("CHATCALL_SERVER_ADDRESS", ":7000")
	t.Setenv("CHATCALL_LOG_LEVEL", "warn")
	t.Setenv("CHATCALL_USER_ID", "alice")
	t.Setenv("CHATCALL_MAX_RING_SECONDS", "0")

	cfg, err := Load(path)
	require.NoError(t, err)

	// YAML values
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	require.Len(t, cfg.Call.ICEServers, 2)
	assert.Equal(t, "u", cfg.Call.ICEServers[1].Username)
	assert.Equal(t, uint8(4), cfg.Call.ICECandidatePoolSize)
	assert.Equal(t, 5, cfg.Call.ProtocolViolationBudget)
	assert.Equal(t, "redis", cfg.Rendezvous.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)

	// Env overrides
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, time.Duration(0), cfg.Call.MaxRingDuration)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
rendezvous:
  backend: etcd
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFirst_SkipsMissingFiles(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9100"
`)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, used, err := LoadFirst("", missing, path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":9100", cfg.Server.Address)
}

func TestLoadFirst_StopsAtFirstExistingFile(t *testing.T) {
	broken := writeTempConfig(t, "server: [unclosed")
	valid := writeTempConfig(t, `
server:
  address: ":9100"
`)

	cfg, used, err := LoadFirst(broken, valid)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, broken, used)
}

func TestLoadFirst_DefaultsWithoutFiles(t *testing.T) {
	cfg, used, err := LoadFirst(filepath.Join(t.TempDir(), "absent.yaml"), "")
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Address)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "server address must not be empty",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name: "ice server urls must not be empty",
			mutate: func(c *Config) {
				c.Call.ICEServers = []ICEServer{{}}
			},
		},
		{
			name: "ice server scheme must be stun or turn",
			mutate: func(c *Config) {
				c.Call.ICEServers = []ICEServer{{URLs: []string{"http://example.org"}}}
			},
		},
		{
			name:   "max ring duration must be >= 0",
			mutate: func(c *Config) { c.Call.MaxRingDuration = -time.Second },
		},
		{
			name:   "buffer window must be > 0",
			mutate: func(c *Config) { c.Call.CandidateBufferWindow = 0 },
		},
		{
			name:   "violation budget must be >= 1",
			mutate: func(c *Config) { c.Call.ProtocolViolationBudget = 0 },
		},
		{
			name:   "media source must be known",
			mutate: func(c *Config) { c.Call.MediaSource = "webcam" },
		},
		{
			name: "jwt secret required when auth required",
			mutate: func(c *Config) {
				c.Identity.RequireAuth = true
				c.Identity.JWTSecret = ""
			},
		},
		{
			name:   "token ttl must be > 0",
			mutate: func(c *Config) { c.Identity.TokenTTL = 0 },
		},
		{
			name: "redis address required for redis backend",
			mutate: func(c *Config) {
				c.Rendezvous.Backend = "redis"
				c.Redis.Address = ""
			},
		},
		{
			name: "firestore project required for firestore backend",
			mutate: func(c *Config) {
				c.Rendezvous.Backend = "firestore"
			},
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name: "tracing sample rate within range",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "retry attempts must be >= 1",
			mutate: func(c *Config) {
				c.Reliability.Retry.MaxAttempts = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}
