// Package config provides the configuration schema and loader for the Hearth
// orchestrator.
package config

import "time"

// LogLevel controls log verbosity for the Hearth server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Hearth.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Session   SessionConfig   `yaml:"session"`
	Quota     QuotaConfig     `yaml:"quota"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Bulkhead  BulkheadConfig  `yaml:"bulkhead"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	Event     EventConfig     `yaml:"event"`
	Tool      ToolConfig      `yaml:"tool"`
	Models    []ModelConfig   `yaml:"models"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Voice     VoiceConfig     `yaml:"voice"`
	MCP       MCPConfig       `yaml:"mcp"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds network and logging settings for the Hearth server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RedisConfig holds the connection settings for the cache/persistence store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password authenticates the connection. Empty means no auth.
	Password string `yaml:"password"`

	// DB selects the logical database number.
	DB int `yaml:"db"`
}

// SessionConfig bounds session lifecycle behaviour.
type SessionConfig struct {
	// MaxConcurrentPerUser caps active sessions per user. Default: 5.
	MaxConcurrentPerUser int `yaml:"max_concurrent_per_user"`

	// IdleTTLSeconds is the soft expiry extended on activity. Default: 86400.
	IdleTTLSeconds int `yaml:"idle_ttl_s"`

	// MaxTTLSeconds is the hard expiry from creation. Default: 259200.
	MaxTTLSeconds int `yaml:"max_ttl_s"`
}

// IdleTTL returns the soft expiry as a duration.
func (s SessionConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLSeconds) * time.Second
}

// MaxTTL returns the hard expiry as a duration.
func (s SessionConfig) MaxTTL() time.Duration {
	return time.Duration(s.MaxTTLSeconds) * time.Second
}

// QuotaConfig sets the per-user request ceilings.
type QuotaConfig struct {
	// RequestsPerHour is the hourly quota. Default: 100.
	RequestsPerHour int `yaml:"requests_per_hour"`

	// RequestsPerDay is the daily quota. Default: 1000.
	RequestsPerDay int `yaml:"requests_per_day"`
}

// RateLimitConfig sets the short-window request cap.
type RateLimitConfig struct {
	// PerMinute is the per-user per-minute cap. Default: 100.
	PerMinute int `yaml:"per_minute"`
}

// BreakerConfig tunes the named circuit breakers.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens a breaker. Default: 5.
	Threshold int `yaml:"threshold"`

	// CooldownSeconds is how long an open breaker rejects calls before probing.
	// Default: 60.
	CooldownSeconds int `yaml:"cooldown_s"`
}

// Cooldown returns the open-state duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// BulkheadConfig sets the capacity of each named bulkhead.
type BulkheadConfig struct {
	// ModelInference caps concurrent model calls. Default: 20.
	ModelInference int `yaml:"model_inference"`

	// SessionManagement caps concurrent session mutations. Default: 10.
	SessionManagement int `yaml:"session_management"`

	// ToolExecution caps concurrent tool calls. Default: 50.
	ToolExecution int `yaml:"tool_execution"`

	// VoiceProcessing caps concurrent STT/TTS pipelines. Default: 5.
	VoiceProcessing int `yaml:"voice_processing"`

	// WaitTimeoutSeconds bounds how long a caller may wait for admission before
	// failing with a bulkhead-full error. Default: 5.
	WaitTimeoutSeconds int `yaml:"wait_timeout_s"`
}

// WaitTimeout returns the bounded-wait admission timeout.
func (b BulkheadConfig) WaitTimeout() time.Duration {
	return time.Duration(b.WaitTimeoutSeconds) * time.Second
}

// RetryConfig tunes the retry-with-backoff policy for transient failures.
type RetryConfig struct {
	// MaxAttempts is the per-call retry cap including the first attempt.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelayMs is the initial backoff delay. Default: 1000.
	BaseDelayMs int `yaml:"base_delay_ms"`

	// Multiplier scales the delay each attempt. Default: 2.0.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter is the randomization factor applied to each delay (0.2 = ±20%).
	// Default: 0.2.
	Jitter float64 `yaml:"jitter"`
}

// BaseDelay returns the initial backoff delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// CacheConfig tunes the model response cache.
type CacheConfig struct {
	// ResponseTTLSeconds bounds how long a cached completion is served.
	// Default: 3600.
	ResponseTTLSeconds int `yaml:"response_ttl_s"`

	// MaxEntries bounds the cache by count. Default: 1024.
	MaxEntries int `yaml:"max_entries"`

	// AllowStaleOnOutage serves expired cache entries as a last-resort fallback
	// when every model in a chain is down.
	AllowStaleOnOutage bool `yaml:"allow_stale_on_outage"`
}

// ResponseTTL returns the cache entry lifetime.
func (c CacheConfig) ResponseTTL() time.Duration {
	return time.Duration(c.ResponseTTLSeconds) * time.Second
}

// EventConfig tunes the per-session event bus.
type EventConfig struct {
	// BufferPerSession is the replay ring buffer size. Default: 256.
	BufferPerSession int `yaml:"buffer_per_session"`

	// SubscriberBuffer is the bounded outbound channel capacity per subscriber.
	// Default: 128.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// ToolConfig tunes the tool dispatcher.
type ToolConfig struct {
	// DefaultTimeoutSeconds bounds each tool execution unless the tool declares
	// its own. Default: 30.
	DefaultTimeoutSeconds int `yaml:"default_timeout_s"`
}

// DefaultTimeout returns the per-tool execution deadline.
func (t ToolConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutSeconds) * time.Second
}

// ModelConfig describes one logical model served by the engine, its backend
// endpoints, and its fallback chain.
type ModelConfig struct {
	// Name is the logical model name requests refer to.
	Name string `yaml:"name"`

	// Backend selects the wire protocol: "hearth" (native chunked stream) or
	// "openai" (OpenAI-compatible completions API). Default: hearth.
	Backend string `yaml:"backend"`

	// Endpoints lists the inference backend base URLs for this model. The
	// engine maintains PoolSize clients per endpoint.
	Endpoints []string `yaml:"endpoints"`

	// APIKey authenticates against the backend when required.
	APIKey string `yaml:"api_key"`

	// PoolSize is the number of pooled clients per endpoint. Default: 3.
	PoolSize int `yaml:"pool_size"`

	// Fallbacks lists logical model names consulted in order after the retry
	// policy for this model is exhausted.
	Fallbacks []string `yaml:"fallbacks"`

	// DegradedMessage is the canned response served when the whole chain and
	// the cache both fail. Empty selects a built-in default.
	DegradedMessage string `yaml:"degraded_message"`
}

// PrivacyConfig maps each privacy mode to a conversation retention period.
type PrivacyConfig struct {
	// RetentionSeconds maps privacy mode name → retention in seconds. A zero
	// value for "ephemeral" means conversation content is never persisted.
	RetentionSeconds map[string]int `yaml:"retention_s"`
}

// Retention returns the configured retention period for a privacy mode and
// whether the mode is present in the table.
func (p PrivacyConfig) Retention(mode string) (time.Duration, bool) {
	secs, ok := p.RetentionSeconds[mode]
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// VoiceConfig names the external STT/TTS collaborators.
type VoiceConfig struct {
	// STTEndpoint is the speech-to-text service base URL.
	STTEndpoint string `yaml:"stt_endpoint"`

	// TTSEndpoint is the text-to-speech service base URL.
	TTSEndpoint string `yaml:"tts_endpoint"`
}

// AuthConfig maps static bearer tokens to user identities. Larger
// deployments front Hearth with an external identity provider; the static
// table serves small installations and development.
type AuthConfig struct {
	// Tokens maps an opaque bearer token to the identity it authenticates.
	Tokens map[string]AuthUser `yaml:"tokens"`
}

// AuthUser is the identity a static token resolves to.
type AuthUser struct {
	UserID      string   `yaml:"user_id"`
	Roles       []string `yaml:"roles"`
	Permissions []string `yaml:"permissions"`
	Families    []string `yaml:"families"`
	Workspaces  []string `yaml:"workspaces"`
}

// MCPConfig holds the list of Model Context Protocol tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// URL is the MCP endpoint address (streamable HTTP transport).
	URL string `yaml:"url"`

	// Token is an optional static Bearer token for the Authorization header.
	Token string `yaml:"token"`
}
