package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"session.max_concurrent_per_user", cfg.Session.MaxConcurrentPerUser, 5},
		{"session.idle_ttl_s", cfg.Session.IdleTTLSeconds, 86400},
		{"session.max_ttl_s", cfg.Session.MaxTTLSeconds, 259200},
		{"quota.requests_per_hour", cfg.Quota.RequestsPerHour, 100},
		{"quota.requests_per_day", cfg.Quota.RequestsPerDay, 1000},
		{"ratelimit.per_minute", cfg.RateLimit.PerMinute, 100},
		{"breaker.threshold", cfg.Breaker.Threshold, 5},
		{"breaker.cooldown_s", cfg.Breaker.CooldownSeconds, 60},
		{"bulkhead.model_inference", cfg.Bulkhead.ModelInference, 20},
		{"bulkhead.session_management", cfg.Bulkhead.SessionManagement, 10},
		{"bulkhead.tool_execution", cfg.Bulkhead.ToolExecution, 50},
		{"bulkhead.voice_processing", cfg.Bulkhead.VoiceProcessing, 5},
		{"retry.max_attempts", cfg.Retry.MaxAttempts, 3},
		{"cache.response_ttl_s", cfg.Cache.ResponseTTLSeconds, 3600},
		{"event.buffer_per_session", cfg.Event.BufferPerSession, 256},
		{"tool.default_timeout_s", cfg.Tool.DefaultTimeoutSeconds, 30},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}

	if got := cfg.Bulkhead.WaitTimeout(); got != 5*time.Second {
		t.Errorf("bulkhead wait timeout = %v, want 5s", got)
	}
	if got := cfg.Retry.BaseDelay(); got != time.Second {
		t.Errorf("retry base delay = %v, want 1s", got)
	}
	if cfg.Privacy.RetentionSeconds["ephemeral"] != 0 {
		t.Error("ephemeral retention should default to 0 (never persisted)")
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	const doc = `
server:
  listen_addr: ":9090"
  log_level: debug
redis:
  addr: "redis:6379"
  db: 2
session:
  max_concurrent_per_user: 3
quota:
  requests_per_hour: 50
  requests_per_day: 500
models:
  - name: primary
    endpoints: ["http://llm-0:8000", "http://llm-1:8000"]
    pool_size: 4
    fallbacks: [secondary]
  - name: secondary
    backend: openai
    endpoints: ["http://llm-fallback:8000"]
mcp:
  servers:
    - name: home-tools
      url: "http://tools:7000/mcp"
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Session.MaxConcurrentPerUser != 3 {
		t.Errorf("max_concurrent_per_user = %d, want 3", cfg.Session.MaxConcurrentPerUser)
	}
	if len(cfg.Models) != 2 || cfg.Models[0].PoolSize != 4 {
		t.Fatalf("models not decoded as expected: %+v", cfg.Models)
	}
	if cfg.Models[1].Backend != "openai" {
		t.Errorf("models[1].backend = %q, want openai", cfg.Models[1].Backend)
	}
	// Unset pool size gets the default.
	if cfg.Models[1].PoolSize != 3 {
		t.Errorf("models[1].pool_size = %d, want default 3", cfg.Models[1].PoolSize)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("serverz:\n  foo: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		frag   string
	}{
		{
			"bad log level",
			func(c *Config) { c.Server.LogLevel = "loud" },
			"log_level",
		},
		{
			"max ttl below idle ttl",
			func(c *Config) { c.Session.MaxTTLSeconds = 10; c.Session.IdleTTLSeconds = 100 },
			"max_ttl_s",
		},
		{
			"daily quota below hourly",
			func(c *Config) { c.Quota.RequestsPerDay = 10; c.Quota.RequestsPerHour = 100 },
			"requests_per_day",
		},
		{
			"model without endpoints",
			func(c *Config) { c.Models = []ModelConfig{{Name: "m", Backend: "hearth"}} },
			"endpoints",
		},
		{
			"unknown fallback",
			func(c *Config) {
				c.Models = []ModelConfig{{Name: "m", Backend: "hearth", Endpoints: []string{"http://x"}, Fallbacks: []string{"ghost"}}}
			},
			"unknown model",
		},
		{
			"self fallback",
			func(c *Config) {
				c.Models = []ModelConfig{{Name: "m", Backend: "hearth", Endpoints: []string{"http://x"}, Fallbacks: []string{"m"}}}
			},
			"itself",
		},
		{
			"mcp server without url",
			func(c *Config) { c.MCP.Servers = []MCPServerConfig{{Name: "t"}} },
			"url is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.frag) {
				t.Errorf("error %q does not mention %q", err, tt.frag)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/hearth.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
