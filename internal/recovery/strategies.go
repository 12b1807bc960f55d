package recovery

import (
	"context"

	"github.com/emberworks/hearth/internal/engine"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/session"
	"github.com/emberworks/hearth/pkg/types"
)

// SessionRecovery re-reads the session from persistence and restores it as
// the authoritative state. Covers faults that may have left in-memory session
// state inconsistent.
type SessionRecovery struct {
	Sessions *session.Manager
}

func (s *SessionRecovery) Name() string { return "session_recovery" }

func (s *SessionRecovery) Recover(ctx context.Context, inc Incident) error {
	if inc.SessionID == "" {
		return ErrNotApplicable
	}
	switch fault.KindOf(inc.Cause) {
	case fault.KindInternal, fault.KindTimeout:
	default:
		return ErrNotApplicable
	}
	// Resume validates ownership and expiry and refreshes the activity
	// window. A clean read means the persisted state is intact.
	_, err := s.Sessions.Resume(ctx, inc.SessionID, inc.User)
	return err
}

// ModelFallback resolves model faults by confirming the engine can still
// serve the requested model. The engine's own chain walks fallback models,
// then the cache, then the canned degraded message, so a retried generation
// always produces an answer.
type ModelFallback struct {
	Engine *engine.Engine
}

func (m *ModelFallback) Name() string { return "model_fallback" }

func (m *ModelFallback) Recover(ctx context.Context, inc Incident) error {
	switch fault.KindOf(inc.Cause) {
	case fault.KindModelUnavailable, fault.KindModelTimeout,
		fault.KindCircuitOpen, fault.KindBulkheadFull:
	default:
		return ErrNotApplicable
	}
	if inc.Model == "" {
		return ErrNotApplicable
	}
	for _, name := range m.Engine.Models() {
		if name == inc.Model {
			return nil
		}
	}
	return fault.New(fault.KindModelUnavailable, "the requested model is not configured")
}

// CommunicationRecovery handles stream loss by telling connected clients to
// reconnect. The event bus replays its ring buffer on reconnect, so nothing
// already emitted is lost.
type CommunicationRecovery struct {
	Events session.Emitter
}

func (c *CommunicationRecovery) Name() string { return "communication_recovery" }

func (c *CommunicationRecovery) Recover(ctx context.Context, inc Incident) error {
	if inc.SessionID == "" {
		return ErrNotApplicable
	}
	switch fault.KindOf(inc.Cause) {
	case fault.KindTimeout, fault.KindInternal:
	default:
		return ErrNotApplicable
	}
	c.Events.Emit(inc.SessionID, "", types.EventWarning, map[string]any{
		"action": "reconnect",
		"reason": string(fault.KindOf(inc.Cause)),
	})
	return nil
}

// DefaultStrategies returns the standard ordered strategy list.
func DefaultStrategies(sessions *session.Manager, eng *engine.Engine, events session.Emitter) []Strategy {
	return []Strategy{
		&SessionRecovery{Sessions: sessions},
		&ModelFallback{Engine: eng},
		&CommunicationRecovery{Events: events},
	}
}
