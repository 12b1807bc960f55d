// Package engine implements the model engine: a pool of inference clients per
// backend endpoint with health tracking, a bounded response cache, warmup
// priming, and a fallback chain consulted after the retry policy is
// exhausted.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/pkg/backend"
	"github.com/emberworks/hearth/pkg/types"
)

// ClientState is the health state of one pooled inference client.
type ClientState int32

const (
	StateCold ClientState = iota
	StateWarming
	StateReady
	StateDegraded
	StateDown
)

// String returns the state name used in logs and metrics.
func (s ClientState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// ewmaWeight is the smoothing factor for the latency average: each sample
// contributes 20%.
const ewmaWeight = 0.2

// degradedAfter consecutive failures marks a client degraded; downAfter marks
// it down. A down client is offered again as a probe once probeInterval has
// elapsed since its last failure, so a recovered backend heals without a
// restart.
const (
	degradedAfter = 2
	downAfter     = 4
	probeInterval = 30 * time.Second
)

// client is one pooled connection to an inference endpoint. Created at
// startup, reused, health-tracked.
type client struct {
	endpoint string
	model    string
	provider backend.Provider

	state    atomic.Int32
	inflight atomic.Int64

	mu           sync.Mutex
	latencyEWMA  float64
	failureCount int
	lastFailure  time.Time
}

func (c *client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *client) setState(s ClientState) {
	c.state.Store(int32(s))
}

// recordSuccess folds the call latency into the EWMA and restores the client
// to ready.
func (c *client) recordSuccess(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := float64(latency.Milliseconds())
	if c.latencyEWMA == 0 {
		c.latencyEWMA = ms
	} else {
		c.latencyEWMA = (1-ewmaWeight)*c.latencyEWMA + ewmaWeight*ms
	}
	c.failureCount = 0
	c.setState(StateReady)
}

func (c *client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastFailure = time.Now()
	switch {
	case c.failureCount >= downAfter:
		c.setState(StateDown)
	case c.failureCount >= degradedAfter:
		c.setState(StateDegraded)
	}
}

// LatencyEWMA returns the smoothed call latency in milliseconds.
func (c *client) LatencyEWMA() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latencyEWMA
}

// pool holds the fixed set of clients for one logical model.
type pool struct {
	model   string
	clients []*client
}

// newPool builds cfg.PoolSize clients per endpoint using the given provider
// factory. All clients start cold until warmed up.
func newPool(cfg config.ModelConfig, factory ProviderFactory) (*pool, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 3
	}
	p := &pool{model: cfg.Name}
	for _, endpoint := range cfg.Endpoints {
		provider, err := factory(cfg, endpoint)
		if err != nil {
			return nil, fmt.Errorf("engine: build provider for %s at %s: %w", cfg.Name, endpoint, err)
		}
		for i := 0; i < poolSize; i++ {
			p.clients = append(p.clients, &client{
				endpoint: endpoint,
				model:    cfg.Name,
				provider: provider,
			})
		}
	}
	if len(p.clients) == 0 {
		return nil, fmt.Errorf("engine: model %s has no endpoints", cfg.Name)
	}
	return p, nil
}

// pick selects the least-loaded ready client. When nothing is fully healthy
// it falls back to degraded clients, then cold ones, and finally offers a
// down client whose probe interval has elapsed.
func (p *pool) pick() (*client, error) {
	for _, state := range []ClientState{StateReady, StateDegraded, StateCold} {
		if best := p.pickByState(state); best != nil {
			return best, nil
		}
	}
	if probe := p.pickProbe(); probe != nil {
		return probe, nil
	}
	return nil, fault.New(fault.KindModelUnavailable, "the model is currently unavailable").
		WithHint("retry in a moment")
}

func (p *pool) pickProbe() *client {
	for _, c := range p.clients {
		if c.State() != StateDown {
			continue
		}
		c.mu.Lock()
		elapsed := time.Since(c.lastFailure)
		c.mu.Unlock()
		if elapsed >= probeInterval {
			return c
		}
	}
	return nil
}

func (p *pool) pickByState(state ClientState) *client {
	var best *client
	for _, c := range p.clients {
		if c.State() != state {
			continue
		}
		if best == nil || c.inflight.Load() < best.inflight.Load() {
			best = c
		}
	}
	return best
}

// warmup primes every client concurrently with a short completion and marks
// each ready on success. A failed probe leaves that client down without
// aborting the others; the pool is usable as soon as one client is ready.
func (p *pool) warmup(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range p.clients {
		g.Go(func() error {
			return c.warmup(ctx)
		})
	}
	return g.Wait()
}

// warmup primes one client. Used on boot and whenever a client transitions
// out of cold.
func (c *client) warmup(ctx context.Context) error {
	c.setState(StateWarming)
	start := time.Now()
	_, err := c.provider.Complete(ctx, backend.Request{
		Model:     c.model,
		Messages:  []types.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		c.setState(StateDown)
		return fmt.Errorf("engine: warmup %s at %s: %w", c.model, c.endpoint, err)
	}
	c.recordSuccess(time.Since(start))
	return nil
}

// ClientHealth is a read-only snapshot of one pooled client, for metrics and
// the health endpoint.
type ClientHealth struct {
	Model       string
	Endpoint    string
	State       string
	InFlight    int64
	LatencyEWMA float64
}

func (p *pool) health() []ClientHealth {
	out := make([]ClientHealth, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, ClientHealth{
			Model:       c.model,
			Endpoint:    c.endpoint,
			State:       c.State().String(),
			InFlight:    c.inflight.Load(),
			LatencyEWMA: c.LatencyEWMA(),
		})
	}
	return out
}
