package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a [Config] populated entirely from defaults. Used by tests
// and as the base for partially-specified files.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Session.MaxConcurrentPerUser <= 0 {
		cfg.Session.MaxConcurrentPerUser = 5
	}
	if cfg.Session.IdleTTLSeconds <= 0 {
		cfg.Session.IdleTTLSeconds = 86400
	}
	if cfg.Session.MaxTTLSeconds <= 0 {
		cfg.Session.MaxTTLSeconds = 259200
	}
	if cfg.Quota.RequestsPerHour <= 0 {
		cfg.Quota.RequestsPerHour = 100
	}
	if cfg.Quota.RequestsPerDay <= 0 {
		cfg.Quota.RequestsPerDay = 1000
	}
	if cfg.RateLimit.PerMinute <= 0 {
		cfg.RateLimit.PerMinute = 100
	}
	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		cfg.Breaker.CooldownSeconds = 60
	}
	if cfg.Bulkhead.ModelInference <= 0 {
		cfg.Bulkhead.ModelInference = 20
	}
	if cfg.Bulkhead.SessionManagement <= 0 {
		cfg.Bulkhead.SessionManagement = 10
	}
	if cfg.Bulkhead.ToolExecution <= 0 {
		cfg.Bulkhead.ToolExecution = 50
	}
	if cfg.Bulkhead.VoiceProcessing <= 0 {
		cfg.Bulkhead.VoiceProcessing = 5
	}
	if cfg.Bulkhead.WaitTimeoutSeconds <= 0 {
		cfg.Bulkhead.WaitTimeoutSeconds = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = 1000
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.Jitter <= 0 {
		cfg.Retry.Jitter = 0.2
	}
	if cfg.Cache.ResponseTTLSeconds <= 0 {
		cfg.Cache.ResponseTTLSeconds = 3600
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 1024
	}
	if cfg.Event.BufferPerSession <= 0 {
		cfg.Event.BufferPerSession = 256
	}
	if cfg.Event.SubscriberBuffer <= 0 {
		cfg.Event.SubscriberBuffer = 128
	}
	if cfg.Tool.DefaultTimeoutSeconds <= 0 {
		cfg.Tool.DefaultTimeoutSeconds = 30
	}
	if cfg.Privacy.RetentionSeconds == nil {
		cfg.Privacy.RetentionSeconds = map[string]int{
			"public":        90 * 24 * 3600,
			"private":       30 * 24 * 3600,
			"family_shared": 30 * 24 * 3600,
			"encrypted":     30 * 24 * 3600,
			"ephemeral":     0,
		}
	}
	for i := range cfg.Models {
		if cfg.Models[i].PoolSize <= 0 {
			cfg.Models[i].PoolSize = 3
		}
		if cfg.Models[i].Backend == "" {
			cfg.Models[i].Backend = "hearth"
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Session.MaxTTLSeconds < cfg.Session.IdleTTLSeconds {
		errs = append(errs, fmt.Errorf("session.max_ttl_s (%d) must be ≥ session.idle_ttl_s (%d)", cfg.Session.MaxTTLSeconds, cfg.Session.IdleTTLSeconds))
	}
	if cfg.Quota.RequestsPerDay < cfg.Quota.RequestsPerHour {
		errs = append(errs, fmt.Errorf("quota.requests_per_day (%d) must be ≥ quota.requests_per_hour (%d)", cfg.Quota.RequestsPerDay, cfg.Quota.RequestsPerHour))
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter %.2f is out of range [0, 1)", cfg.Retry.Jitter))
	}

	modelsSeen := make(map[string]int, len(cfg.Models))
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := modelsSeen[m.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of models[%d]", prefix, m.Name, prev))
		}
		modelsSeen[m.Name] = i
		if len(m.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("%s.endpoints must list at least one backend URL", prefix))
		}
		if m.Backend != "hearth" && m.Backend != "openai" {
			errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: hearth, openai", prefix, m.Backend))
		}
	}
	// Fallback chains must reference configured models.
	for i, m := range cfg.Models {
		for _, fb := range m.Fallbacks {
			if _, ok := modelsSeen[fb]; !ok {
				errs = append(errs, fmt.Errorf("models[%d].fallbacks references unknown model %q", i, fb))
			}
			if fb == m.Name {
				errs = append(errs, fmt.Errorf("models[%d].fallbacks must not reference the model itself", i))
			}
		}
	}

	for token, u := range cfg.Auth.Tokens {
		if u.UserID == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%q].user_id is required", token[:min(len(token), 4)]+"..."))
		}
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		}
	}

	return errors.Join(errs...)
}
