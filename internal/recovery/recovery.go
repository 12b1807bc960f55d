// Package recovery coordinates the strategies applied when a recoverable
// fault interrupts an in-flight request: restoring session state, verifying
// the model chain can still serve, and telling clients to reconnect. When
// every strategy is exhausted the session is terminated.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/internal/session"
	"github.com/emberworks/hearth/pkg/types"
)

// ErrNotApplicable is returned by a strategy that cannot help with the given
// incident. The coordinator moves on without charging an attempt.
var ErrNotApplicable = errors.New("recovery: strategy not applicable")

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 10 * time.Second
)

// Incident describes one failed operation handed to the coordinator.
type Incident struct {
	// SessionID is the affected session.
	SessionID string

	// User owns the session.
	User types.UserContext

	// Model is the logical model the failed request targeted, when known.
	Model string

	// Cause is the fault that triggered recovery.
	Cause error
}

// Strategy is one recovery tactic. Recover returns nil when the incident is
// resolved, [ErrNotApplicable] when the strategy does not cover this kind of
// fault, and any other error to count a failed attempt.
type Strategy interface {
	Name() string
	Recover(ctx context.Context, inc Incident) error
}

// Coordinator walks the ordered strategy list for each incident. Every
// strategy gets a capped number of attempts, each under its own deadline.
type Coordinator struct {
	strategies     []Strategy
	sessions       *session.Manager
	maxAttempts    int
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// Option tunes the coordinator.
type Option func(*Coordinator)

// WithMaxAttempts caps attempts per strategy. Default: 3.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) { c.maxAttempts = n }
}

// WithAttemptTimeout bounds each attempt. Default: 10s.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.attemptTimeout = d }
}

// NewCoordinator builds a coordinator over the given strategies, tried in
// order. The session manager is used to terminate sessions that cannot be
// recovered.
func NewCoordinator(sessions *session.Manager, strategies []Strategy, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		strategies:     strategies,
		sessions:       sessions,
		maxAttempts:    defaultMaxAttempts,
		attemptTimeout: defaultAttemptTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recover attempts to resolve the incident. Non-recoverable causes are
// returned unchanged without trying any strategy. When every applicable
// strategy fails its attempt budget, the session is terminated and a
// recovery-exhausted fault is returned.
func (c *Coordinator) Recover(ctx context.Context, inc Incident) error {
	if !fault.As(inc.Cause).Recoverable() {
		return inc.Cause
	}

	for _, strategy := range c.strategies {
		if err := c.tryStrategy(ctx, strategy, inc); err == nil {
			c.logger.Info("recovered",
				"strategy", strategy.Name(),
				"session_id", inc.SessionID,
				"cause", fault.KindOf(inc.Cause))
			return nil
		} else if errors.Is(err, ErrNotApplicable) {
			continue
		}
	}

	c.logger.Error("recovery exhausted, terminating session",
		"session_id", inc.SessionID,
		"cause", fault.KindOf(inc.Cause))
	if inc.SessionID != "" {
		if err := c.sessions.End(ctx, inc.SessionID, inc.User, "recovery exhausted"); err != nil {
			c.logger.Warn("failed to terminate unrecoverable session",
				"session_id", inc.SessionID, "error", err)
		}
	}
	return fault.Wrap(fault.KindRecoveryExhausted, "the session could not be recovered", inc.Cause).
		WithHint("start a new session")
}

func (c *Coordinator) tryStrategy(ctx context.Context, strategy Strategy, inc Incident) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := resilience.WithTimeout(ctx, c.attemptTimeout, func(callCtx context.Context) error {
			return strategy.Recover(callCtx, inc)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotApplicable) {
			return err
		}
		lastErr = err
		c.logger.Warn("recovery attempt failed",
			"strategy", strategy.Name(),
			"session_id", inc.SessionID,
			"attempt", attempt,
			"error", err)
	}
	return lastErr
}
