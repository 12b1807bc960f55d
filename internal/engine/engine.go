package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/observe"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/pkg/backend"
	"github.com/emberworks/hearth/pkg/backend/native"
	"github.com/emberworks/hearth/pkg/backend/openai"
)

// defaultDegradedMessage is served when a model chain is fully down, the cache
// has nothing, and the model declares no canned message of its own.
const defaultDegradedMessage = "I'm having trouble reaching my language model right now. Please try again in a moment."

// ProviderFactory builds a [backend.Provider] for one endpoint of a model.
// The engine uses [BuildProvider] unless a factory is injected for tests.
type ProviderFactory func(cfg config.ModelConfig, endpoint string) (backend.Provider, error)

// BuildProvider is the default [ProviderFactory]. It selects the wire protocol
// from the model's backend field.
func BuildProvider(cfg config.ModelConfig, endpoint string) (backend.Provider, error) {
	switch cfg.Backend {
	case "", "hearth":
		return native.New(endpoint)
	case "openai":
		return openai.New(cfg.APIKey, openai.WithBaseURL(endpoint))
	default:
		return nil, fmt.Errorf("engine: unknown backend %q for model %s", cfg.Backend, cfg.Name)
	}
}

// Options wires the engine's collaborators.
type Options struct {
	// Models lists the logical models the engine serves.
	Models []config.ModelConfig

	// Cache tunes the response cache.
	Cache config.CacheConfig

	// Retry tunes the per-model retry policy applied before falling back.
	Retry config.RetryConfig

	// Breakers supplies the circuit breakers guarding inference calls. Each
	// model in the chain gets its own breaker so a tripped primary cannot
	// block its healthy fallbacks. Required.
	Breakers *resilience.BreakerSet

	// Bulkhead caps concurrent inference calls. Required.
	Bulkhead *resilience.Bulkhead

	// Factory overrides the provider construction. Nil selects [BuildProvider].
	Factory ProviderFactory

	// Metrics receives cache lookup and fallback counters. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Engine serves model completions from pooled inference clients with retry,
// fallback chains, and a bounded response cache.
type Engine struct {
	pools      map[string]*pool
	configs    map[string]config.ModelConfig
	cache      *responseCache
	allowStale bool

	breakers map[string]*resilience.CircuitBreaker
	bulkhead *resilience.Bulkhead
	retry    resilience.RetryPolicy
	metrics  *observe.Metrics

	fallbacksUsed  atomic.Uint64
	degradedServed atomic.Uint64

	logger *slog.Logger
}

// New builds the engine and its client pools. Clients start cold; call
// [Engine.Warmup] before serving traffic.
func New(opts Options) (*Engine, error) {
	if len(opts.Models) == 0 {
		return nil, fmt.Errorf("engine: at least one model is required")
	}
	if opts.Breakers == nil {
		return nil, fmt.Errorf("engine: a breaker set is required")
	}
	factory := opts.Factory
	if factory == nil {
		factory = BuildProvider
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		pools:      make(map[string]*pool, len(opts.Models)),
		configs:    make(map[string]config.ModelConfig, len(opts.Models)),
		cache:      newResponseCache(opts.Cache.ResponseTTL(), opts.Cache.MaxEntries),
		allowStale: opts.Cache.AllowStaleOnOutage,
		breakers:   make(map[string]*resilience.CircuitBreaker, len(opts.Models)),
		bulkhead:   opts.Bulkhead,
		metrics:    metrics,
		retry: resilience.RetryPolicy{
			MaxAttempts: opts.Retry.MaxAttempts,
			BaseDelay:   opts.Retry.BaseDelay(),
			Multiplier:  opts.Retry.Multiplier,
			Jitter:      opts.Retry.Jitter,
		},
		logger: logger,
	}
	for _, mc := range opts.Models {
		p, err := newPool(mc, factory)
		if err != nil {
			return nil, err
		}
		e.pools[mc.Name] = p
		e.configs[mc.Name] = mc
		e.breakers[mc.Name] = opts.Breakers.Get(resilience.BreakerModelInference + ":" + mc.Name)
	}
	for _, mc := range opts.Models {
		for _, fb := range mc.Fallbacks {
			if _, ok := e.pools[fb]; !ok {
				return nil, fmt.Errorf("engine: model %s falls back to unknown model %s", mc.Name, fb)
			}
		}
	}
	return e, nil
}

// Warmup primes every pooled client. Individual probe failures are logged and
// leave the affected client down; the engine is usable as long as something
// came up.
func (e *Engine) Warmup(ctx context.Context) {
	for name, p := range e.pools {
		if err := p.warmup(ctx); err != nil {
			e.logger.Warn("model warmup incomplete", "model", name, "error", err)
		}
	}
}

// Generate streams a completion for the requested model. Cached completions
// are replayed as a single burst. Otherwise the engine walks the model's
// fallback chain, retrying each model per the retry policy before moving on.
// When the whole chain fails it serves a stale cached response if allowed, and
// finally the model's canned degraded message.
//
// The returned channel is closed after the terminal chunk. Tokens already
// forwarded are never replayed: a failure after streaming began surfaces as an
// error chunk rather than a fallback.
func (e *Engine) Generate(ctx context.Context, model string, req backend.Request) (<-chan backend.Chunk, error) {
	cfg, ok := e.configs[model]
	if !ok {
		return nil, fault.New(fault.KindModelUnavailable, "unknown model requested").
			WithHint("check the configured model name")
	}
	req.Model = model

	key := cacheKey(req)
	resp, cached := e.cache.get(key)
	e.metrics.RecordCacheLookup(ctx, cached)
	if cached {
		return burst(*resp), nil
	}

	out := make(chan backend.Chunk, 16)
	go e.run(ctx, cfg, req, key, out)
	return out, nil
}

// Complete is the non-streaming convenience around [Engine.Generate].
func (e *Engine) Complete(ctx context.Context, model string, req backend.Request) (*backend.Response, error) {
	ch, err := e.Generate(ctx, model, req)
	if err != nil {
		return nil, err
	}
	resp, err := backend.Collect(ctx, ch)
	if err != nil {
		return nil, err
	}
	if resp.FinishReason == backend.FinishError {
		return nil, fault.New(fault.KindModelUnavailable, resp.Content)
	}
	return resp, nil
}

func (e *Engine) run(ctx context.Context, cfg config.ModelConfig, req backend.Request, key string, out chan<- backend.Chunk) {
	defer close(out)

	chain := append([]string{cfg.Name}, cfg.Fallbacks...)
	for i, name := range chain {
		p := e.pools[name]
		attempt := req
		attempt.Model = name

		resp, streamed, err := e.tryModel(ctx, p, attempt, out)
		if err == nil {
			if i > 0 {
				e.fallbacksUsed.Add(1)
				e.metrics.RecordFallback(ctx, cfg.Name, name)
				e.logger.Info("served by fallback model",
					"requested", cfg.Name, "served_by", name)
			}
			if resp.FinishReason == backend.FinishStop && len(resp.ToolCalls) == 0 {
				e.cache.put(key, *resp)
			}
			return
		}
		if streamed {
			// Tokens already went out; a fallback would duplicate them.
			e.logger.Warn("stream failed mid-flight", "model", name, "error", err)
			sendChunk(ctx, out, backend.Chunk{
				Text:         "the response was interrupted",
				FinishReason: backend.FinishError,
			})
			return
		}
		if ctx.Err() != nil {
			sendChunk(ctx, out, backend.Chunk{FinishReason: backend.FinishError, Text: "request cancelled"})
			return
		}
		e.logger.Warn("model exhausted, trying next in chain",
			"model", name, "remaining", len(chain)-i-1, "error", err)
	}

	if e.allowStale {
		if resp, ok := e.cache.getStale(key); ok {
			e.logger.Warn("serving stale cached response", "model", cfg.Name)
			replay(ctx, out, *resp)
			return
		}
	}

	e.degradedServed.Add(1)
	msg := cfg.DegradedMessage
	if msg == "" {
		msg = defaultDegradedMessage
	}
	e.logger.Error("model chain fully unavailable, serving degraded message", "model", cfg.Name)
	replay(ctx, out, backend.Response{Content: msg, FinishReason: backend.FinishStop})
}

// tryModel runs one model with the retry policy. It reports whether any chunk
// was already forwarded downstream, which disables retry and fallback.
func (e *Engine) tryModel(ctx context.Context, p *pool, req backend.Request, out chan<- backend.Chunk) (*backend.Response, bool, error) {
	var streamed bool
	resp, err := resilience.DoWithResult(ctx, e.retry, func() (*backend.Response, error) {
		return e.attempt(ctx, p, req, out, &streamed)
	})
	return resp, streamed, err
}

// attempt makes a single inference call through the breaker and bulkhead on
// the least-loaded healthy client, forwarding chunks downstream as they
// arrive.
func (e *Engine) attempt(ctx context.Context, p *pool, req backend.Request, out chan<- backend.Chunk, streamed *bool) (*backend.Response, error) {
	c, err := p.pick()
	if err != nil {
		return nil, err
	}

	var resp *backend.Response
	brErr := e.breakers[p.model].Execute(func() error {
		return e.bulkhead.Run(ctx, func() error {
			r, err := e.stream(ctx, c, req, out, streamed)
			resp = r
			return err
		})
	})
	if brErr != nil {
		return nil, brErr
	}
	return resp, nil
}

func (e *Engine) stream(ctx context.Context, c *client, req backend.Request, out chan<- backend.Chunk, streamed *bool) (*backend.Response, error) {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	start := time.Now()
	ch, err := c.provider.Stream(ctx, req)
	if err != nil {
		c.recordFailure()
		return nil, fault.Wrap(fault.KindModelUnavailable, "inference call failed", err)
	}

	acc := &backend.Response{}
	for chunk := range ch {
		if chunk.FinishReason == backend.FinishError {
			c.recordFailure()
			if *streamed {
				// Not retryable once output is committed.
				return nil, fault.New(fault.KindInternal, "stream broke after output started")
			}
			return nil, fault.New(fault.KindModelUnavailable, chunk.Text)
		}
		acc.Content += chunk.Text
		acc.ToolCalls = append(acc.ToolCalls, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			acc.FinishReason = chunk.FinishReason
		}
		if !sendChunk(ctx, out, chunk) {
			c.recordSuccess(time.Since(start))
			return nil, fault.Wrap(fault.KindTimeout, "request cancelled", ctx.Err())
		}
		*streamed = true
	}
	if acc.FinishReason == "" {
		c.recordFailure()
		if *streamed {
			return nil, fault.New(fault.KindInternal, "stream ended without finish marker")
		}
		return nil, fault.New(fault.KindModelUnavailable, "stream ended without finish marker")
	}
	c.recordSuccess(time.Since(start))
	return acc, nil
}

// burst returns a closed-after-one-read channel replaying a cached response.
func burst(resp backend.Response) <-chan backend.Chunk {
	out := make(chan backend.Chunk, 2)
	out <- backend.Chunk{Text: resp.Content, ToolCalls: resp.ToolCalls}
	out <- backend.Chunk{FinishReason: resp.FinishReason}
	close(out)
	return out
}

func replay(ctx context.Context, out chan<- backend.Chunk, resp backend.Response) {
	if !sendChunk(ctx, out, backend.Chunk{Text: resp.Content, ToolCalls: resp.ToolCalls}) {
		return
	}
	sendChunk(ctx, out, backend.Chunk{FinishReason: resp.FinishReason})
}

func sendChunk(ctx context.Context, out chan<- backend.Chunk, chunk backend.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Health snapshots every pooled client across all models.
func (e *Engine) Health() []ClientHealth {
	var out []ClientHealth
	for _, p := range e.pools {
		out = append(out, p.health()...)
	}
	return out
}

// CacheStats reports response cache hit and miss counters.
func (e *Engine) CacheStats() (hits, misses uint64) {
	return e.cache.stats()
}

// FallbacksUsed reports how many requests were served by a fallback model.
func (e *Engine) FallbacksUsed() uint64 { return e.fallbacksUsed.Load() }

// DegradedServed reports how many requests fell through to the canned message.
func (e *Engine) DegradedServed() uint64 { return e.degradedServed.Load() }

// Models lists the configured logical model names.
func (e *Engine) Models() []string {
	out := make([]string, 0, len(e.configs))
	for name := range e.configs {
		out = append(out, name)
	}
	return out
}
