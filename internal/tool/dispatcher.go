// Package tool implements the tool dispatcher: signature validation, agent
// allowlist enforcement, dangerous-tool policy, parameter safety scanning, and
// bulkhead-guarded execution with a per-tool timeout.
//
// The dispatcher guarantees at-most-once invocation per accepted call. On
// timeout the result is unknown, never retried, and the agent is told so.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/hearth/internal/agent"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/gate"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/pkg/types"
)

// Result holds the outcome of a single tool execution. IsError marks an
// application-level tool failure; transport and policy failures surface as Go
// errors instead.
type Result struct {
	Content string
	IsError bool
}

// Invoker executes a named tool. Implementations run the external
// collaborator; the dispatcher wraps every call with the audit, timeout, and
// bulkhead envelope.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, args map[string]any) (*Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	return f(ctx, name, args)
}

// Invocation describes one dispatch request.
type Invocation struct {
	Tool      string
	Args      map[string]any
	User      types.UserContext
	SessionID string
	Agent     *agent.Agent
}

// registration pairs a tool definition with its invoker.
type registration struct {
	def     types.ToolDefinition
	invoker Invoker
}

// Dispatcher validates, guards, and executes tool calls.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]registration

	bulkhead       *resilience.Bulkhead
	breaker        *resilience.CircuitBreaker
	store          *store.Store
	defaultTimeout time.Duration
	logger         *slog.Logger

	now func() time.Time
}

// NewDispatcher constructs a dispatcher. The bulkhead must be the
// tool_execution bulkhead and the breaker the tool_execution breaker from the
// shared sets.
func NewDispatcher(bulkhead *resilience.Bulkhead, breaker *resilience.CircuitBreaker, st *store.Store, defaultTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		tools:          make(map[string]registration),
		bulkhead:       bulkhead,
		breaker:        breaker,
		store:          st,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Register adds a tool and its invoker to the catalog, replacing any earlier
// registration of the same name.
func (d *Dispatcher) Register(def types.ToolDefinition, invoker Invoker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[def.Name] = registration{def: def, invoker: invoker}
}

// Definitions returns the definitions of every registered tool allowed for
// the given agent.
func (d *Dispatcher) Definitions(a *agent.Agent) []types.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.ToolDefinition
	for name, reg := range d.tools {
		if a.AllowsTool(name) {
			out = append(out, reg.def)
		}
	}
	return out
}

// Dispatch runs the full policy: signature validation, allowlist, dangerous
// tool check, safety scan, then bulkhead-guarded execution with a timeout. An
// audit record with a terminal outcome is written for every decision.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (*Result, error) {
	started := d.now()

	reg, err := d.admit(inv)
	if err != nil {
		d.audit(ctx, inv, started, "denied")
		return nil, err
	}

	if reg.def.Dangerous {
		d.logger.Error("dangerous tool invoked",
			"tool", inv.Tool,
			"user_id", inv.User.UserID,
			"session_id", inv.SessionID,
			"severity", "critical")
	}

	timeout := d.defaultTimeout
	if reg.def.TimeoutMs > 0 {
		timeout = time.Duration(reg.def.TimeoutMs) * time.Millisecond
	}

	release, err := d.bulkhead.Acquire(ctx)
	if err != nil {
		d.audit(ctx, inv, started, "denied")
		return nil, err
	}
	defer release()

	var result *Result
	err = d.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, callErr := reg.invoker.Invoke(callCtx, inv.Tool, inv.Args)
		if callCtx.Err() != nil {
			return callCtx.Err()
		}
		result = res
		return callErr
	})

	switch {
	case err == nil:
		d.audit(ctx, inv, started, "ok")
		return result, nil
	case ctx.Err() != nil || isDeadline(err):
		// The call may or may not have taken effect; the agent must be told
		// the result is unknown rather than retrying.
		d.audit(ctx, inv, started, "timeout")
		return nil, fault.Wrap(fault.KindToolResultUnknown,
			fmt.Sprintf("the %s tool did not respond in time", inv.Tool), err).
			WithHint("verify whether the action took effect before retrying")
	default:
		d.audit(ctx, inv, started, "error")
		if fault.IsKind(err, fault.KindCircuitOpen) {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, "tool execution failed", err)
	}
}

// admit runs the pre-execution policy checks in order.
func (d *Dispatcher) admit(inv Invocation) (registration, error) {
	d.mu.RLock()
	reg, ok := d.tools[inv.Tool]
	d.mu.RUnlock()
	if !ok {
		return registration{}, fault.New(fault.KindInvalidToolParams, "unknown tool")
	}

	if err := validateParams(reg.def, inv.Args); err != nil {
		return registration{}, err
	}

	if inv.Agent == nil || !inv.Agent.AllowsTool(inv.Tool) {
		return registration{}, fault.New(fault.KindToolNotAllowed, "this agent cannot use that tool")
	}

	if reg.def.Dangerous && !gate.HasPermission(inv.User, gate.PermAdmin) {
		return registration{}, fault.New(fault.KindPermissionDenied, "this tool requires administrator access")
	}

	if err := scanParams(inv.Args); err != nil {
		return registration{}, err
	}
	return reg, nil
}

// validateParams checks each argument against the tool's declared signature:
// required presence, type, string bounds, and numeric bounds.
func validateParams(def types.ToolDefinition, args map[string]any) error {
	for name, spec := range def.Parameters {
		val, present := args[name]
		if !present {
			if spec.Required {
				return fault.New(fault.KindInvalidToolParams, "missing required parameter "+name)
			}
			continue
		}
		if err := validateValue(name, spec, val); err != nil {
			return err
		}
	}
	for name := range args {
		if _, declared := def.Parameters[name]; !declared {
			return fault.New(fault.KindInvalidToolParams, "unexpected parameter "+name)
		}
	}
	return nil
}

func validateValue(name string, spec types.ParameterSpec, val any) error {
	bad := func(want string) error {
		return fault.New(fault.KindInvalidToolParams, "parameter "+name+" must be a "+want)
	}
	switch spec.Type {
	case "string":
		s, ok := val.(string)
		if !ok {
			return bad("string")
		}
		if spec.MaxLength > 0 && len(s) > spec.MaxLength {
			return fault.New(fault.KindInvalidToolParams, "parameter "+name+" is too long")
		}
	case "number", "integer":
		n, ok := toFloat(val)
		if !ok {
			return bad("number")
		}
		if spec.Type == "integer" && n != float64(int64(n)) {
			return bad("whole number")
		}
		if (spec.Min != 0 || spec.Max != 0) && (n < spec.Min || n > spec.Max) {
			return fault.New(fault.KindInvalidToolParams, "parameter "+name+" is out of range")
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return bad("boolean")
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return bad("object")
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return bad("array")
		}
	}
	return nil
}

// toFloat accepts the numeric types JSON decoding and Go callers produce.
func toFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (d *Dispatcher) audit(ctx context.Context, inv Invocation, started time.Time, outcome string) {
	completed := d.now()
	var kind types.AgentKind
	if inv.Agent != nil {
		kind = inv.Agent.Kind
	}
	rec := types.ToolInvocation{
		ToolName:    inv.Tool,
		AgentKind:   kind,
		UserID:      inv.User.UserID,
		SessionID:   inv.SessionID,
		StartedAt:   started,
		CompletedAt: completed,
		Outcome:     outcome,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	if err := d.store.AppendAudit(ctx, completed, rec); err != nil {
		d.logger.Warn("tool audit write failed", "tool", inv.Tool, "error", err)
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || fault.IsKind(err, fault.KindTimeout)
}
