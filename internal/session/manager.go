// Package session implements the session lifecycle: creation, resumption,
// activity tracking, termination, and garbage collection.
//
// The manager owns Session and conversation lifecycles. All other components
// reference sessions by ID only; the authoritative record lives in the store
// and every mutation goes through the manager.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/pkg/types"
)

// maxContextMessages is how many recent messages are kept in a conversation
// and assembled into the model prompt.
const maxContextMessages = 50

// endRetryPolicy governs background retries of failed session terminations.
var endRetryPolicy = resilience.RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	Multiplier:  2,
	Jitter:      0.2,
	Retryable:   func(error) bool { return true },
}

// Emitter publishes session lifecycle events. Satisfied by the event bus.
type Emitter interface {
	Emit(sessionID string, agent types.AgentKind, typ types.EventType, payload map[string]any)
}

// CreateOptions carries the optional settings of a session create call.
type CreateOptions struct {
	// Privacy selects the session's privacy mode. Empty defaults to private.
	Privacy types.PrivacyMode

	// Metadata is attached verbatim to the session record.
	Metadata map[string]string
}

// Manager owns session lifecycles on top of the store.
type Manager struct {
	store   *store.Store
	cfg     config.SessionConfig
	privacy config.PrivacyConfig
	events  Emitter
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewManager constructs a session manager. The breaker must be the
// session_creation breaker from the shared set; events may be nil until the
// bus is wired.
func NewManager(st *store.Store, cfg config.SessionConfig, privacy config.PrivacyConfig, breaker *resilience.CircuitBreaker, events Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		cfg:     cfg,
		privacy: privacy,
		events:  events,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// SetEmitter wires the event bus after construction. Not safe to call once
// the manager is serving requests.
func (m *Manager) SetEmitter(events Emitter) {
	m.events = events
}

// Create allocates a new session for the user. It rejects the request when
// the user already holds the maximum number of active sessions. Persistence
// failures are fatal to the request.
func (m *Manager) Create(ctx context.Context, user types.UserContext, kind types.AgentKind, mode types.SessionMode, opts CreateOptions) (*types.Session, error) {
	if !kind.IsValid() {
		return nil, fault.New(fault.KindValidation, "unknown agent kind")
	}
	if !mode.IsValid() {
		return nil, fault.New(fault.KindValidation, "unknown session mode")
	}
	privacy := opts.Privacy
	if privacy == "" {
		privacy = types.PrivacyPrivate
	}
	if !privacy.IsValid() {
		return nil, fault.New(fault.KindValidation, "unknown privacy mode")
	}

	active, err := m.activeSessions(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	if len(active) >= m.cfg.MaxConcurrentPerUser {
		return nil, fault.New(fault.KindTooManySessions, "too many active sessions").
			WithHint("end an existing session first")
	}

	token, err := newSecurityToken()
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "could not create session", err)
	}

	now := m.now()
	sess := &types.Session{
		ID:             uuid.NewString(),
		UserID:         user.UserID,
		AgentKind:      kind,
		Mode:           mode,
		Privacy:        privacy,
		SecurityToken:  token,
		Status:         types.SessionActive,
		ConversationID: uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.IdleTTL()),
		Metadata:       opts.Metadata,
	}

	err = m.breaker.Execute(func() error {
		return m.store.SaveSession(ctx, sess, m.cfg.IdleTTL())
	})
	if err != nil {
		if fault.IsKind(err, fault.KindCircuitOpen) {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, "could not persist session", err)
	}

	m.emit(sess, types.EventSessionStart, map[string]any{
		"agent_kind": string(kind),
		"mode":       string(mode),
	})
	m.logger.Info("session created",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"agent_kind", kind,
		"mode", mode)
	return sess, nil
}

// Resume validates ownership and expiry, refreshes activity, and returns the
// session. Ownership failures report session-not-found so the caller cannot
// probe for other users' session IDs.
func (m *Manager) Resume(ctx context.Context, sessionID string, user types.UserContext) (*types.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != user.UserID {
		return nil, fault.New(fault.KindSessionNotFound, "session not found")
	}
	if m.expired(sess) {
		return nil, fault.New(fault.KindSessionExpired, "session has expired").
			WithHint("start a new session")
	}
	if sess.Status == types.SessionTerminated {
		return nil, fault.New(fault.KindSessionNotFound, "session not found")
	}

	m.refresh(sess)
	if err := m.save(ctx, sess); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "could not resume session", err)
	}
	return sess, nil
}

// Touch extends the session's activity window. Persistence failures are
// logged but never interrupt an in-flight message.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("touch: session read failed", "session_id", sessionID, "error", err)
		return
	}
	m.refresh(sess)
	if err := m.save(ctx, sess); err != nil {
		m.logger.Warn("touch: session write failed", "session_id", sessionID, "error", err)
	}
}

// Pause transitions an active session to paused. Paused sessions reject new
// messages until unpaused but keep expiring on schedule.
func (m *Manager) Pause(ctx context.Context, sessionID string, user types.UserContext) error {
	return m.setStatus(ctx, sessionID, user, types.SessionActive, types.SessionPaused)
}

// Unpause transitions a paused session back to active.
func (m *Manager) Unpause(ctx context.Context, sessionID string, user types.UserContext) error {
	return m.setStatus(ctx, sessionID, user, types.SessionPaused, types.SessionActive)
}

func (m *Manager) setStatus(ctx context.Context, sessionID string, user types.UserContext, from, to types.SessionStatus) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != user.UserID {
		return fault.New(fault.KindSessionNotFound, "session not found")
	}
	if m.expired(sess) {
		return fault.New(fault.KindSessionExpired, "session has expired")
	}
	if sess.Status != from {
		return fault.New(fault.KindValidation, "session is not "+string(from))
	}
	sess.Status = to
	if err := m.save(ctx, sess); err != nil {
		return fault.Wrap(fault.KindInternal, "could not update session", err)
	}
	return nil
}

// End terminates the session, emits session_end, and schedules conversation
// archival according to the session's privacy mode. Persistence failures are
// retried in the background.
func (m *Manager) End(ctx context.Context, sessionID string, user types.UserContext, reason string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != user.UserID {
		return fault.New(fault.KindSessionNotFound, "session not found")
	}

	m.emit(sess, types.EventSessionEnd, map[string]any{"reason": reason})
	m.logger.Info("session ended", "session_id", sessionID, "reason", reason)

	if err := m.terminate(ctx, sess); err != nil {
		m.logger.Warn("session end write failed, retrying in background",
			"session_id", sessionID, "error", err)
		go m.retryTerminate(sess)
	}
	return nil
}

// GarbageCollect scans all session indexes, terminates sessions past their
// expiry, and prunes index entries whose records are gone. Returns the number
// of sessions collected.
func (m *Manager) GarbageCollect(ctx context.Context) (int, error) {
	users, err := m.store.ScanSessionIndexes(ctx)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, userID := range users {
		ids, err := m.store.SessionIndex(ctx, userID)
		if err != nil {
			m.logger.Warn("gc: index read failed", "user_id", userID, "error", err)
			continue
		}
		var stale []string
		for _, id := range ids {
			sess, err := m.store.GetSession(ctx, id)
			if fault.IsKind(err, fault.KindSessionNotFound) {
				stale = append(stale, id)
				continue
			}
			if err != nil {
				m.logger.Warn("gc: session read failed", "session_id", id, "error", err)
				continue
			}
			if !m.expired(sess) {
				continue
			}
			m.emit(sess, types.EventSessionEnd, map[string]any{"reason": "expired"})
			if err := m.terminate(ctx, sess); err != nil {
				m.logger.Warn("gc: terminate failed", "session_id", id, "error", err)
				continue
			}
			collected++
		}
		if err := m.store.PruneSessionIndex(ctx, userID, stale...); err != nil {
			m.logger.Warn("gc: prune failed", "user_id", userID, "error", err)
		}
	}
	return collected, nil
}

// RunGC runs the garbage collector on the given interval until ctx ends.
func (m *Manager) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collected, err := m.GarbageCollect(ctx)
			if err != nil {
				m.logger.Warn("gc pass failed", "error", err)
				continue
			}
			if collected > 0 {
				m.logger.Info("gc pass", "collected", collected)
			}
		}
	}
}

// AppendMessage appends a message to the session's conversation, keeping the
// most recent context window.
func (m *Manager) AppendMessage(ctx context.Context, sess *types.Session, msg types.Message) error {
	if sess.Privacy == types.PrivacyEphemeral {
		return nil
	}
	return m.store.AppendMessage(ctx, sess.ConversationID, msg, maxContextMessages)
}

// History returns the session's in-context conversation snapshot.
func (m *Manager) History(ctx context.Context, sess *types.Session) ([]types.Message, error) {
	return m.store.Conversation(ctx, sess.ConversationID, maxContextMessages)
}

// ActiveCount returns how many live sessions the user currently holds.
func (m *Manager) ActiveCount(ctx context.Context, userID string) (int, error) {
	active, err := m.activeSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (m *Manager) activeSessions(ctx context.Context, userID string) ([]*types.Session, error) {
	ids, err := m.store.SessionIndex(ctx, userID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "could not read sessions", err)
	}
	var (
		active []*types.Session
		stale  []string
	)
	for _, id := range ids {
		sess, err := m.store.GetSession(ctx, id)
		if fault.IsKind(err, fault.KindSessionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "could not read sessions", err)
		}
		if m.expired(sess) || sess.Status == types.SessionTerminated {
			continue
		}
		active = append(active, sess)
	}
	if len(stale) > 0 {
		if err := m.store.PruneSessionIndex(ctx, userID, stale...); err != nil {
			m.logger.Warn("prune failed", "user_id", userID, "error", err)
		}
	}
	return active, nil
}

// refresh extends last activity and the expiry, bounded by the hard TTL from
// creation.
func (m *Manager) refresh(sess *types.Session) {
	now := m.now()
	sess.LastActivityAt = now
	expires := now.Add(m.cfg.IdleTTL())
	if hard := sess.CreatedAt.Add(m.cfg.MaxTTL()); expires.After(hard) {
		expires = hard
	}
	sess.ExpiresAt = expires
}

func (m *Manager) expired(sess *types.Session) bool {
	return sess.Status == types.SessionExpired || !m.now().Before(sess.ExpiresAt)
}

// save writes the session back with a TTL matching its remaining lifetime.
func (m *Manager) save(ctx context.Context, sess *types.Session) error {
	ttl := sess.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return m.store.SaveSession(ctx, sess, ttl)
}

// terminate removes the session record and applies the privacy mode's
// conversation retention.
func (m *Manager) terminate(ctx context.Context, sess *types.Session) error {
	retention, ok := m.privacy.Retention(string(sess.Privacy))
	if !ok {
		retention = m.cfg.IdleTTL()
	}
	if err := m.store.ExpireConversation(ctx, sess.ConversationID, retention); err != nil {
		return err
	}
	return m.store.DeleteSession(ctx, sess.ID, sess.UserID)
}

func (m *Manager) retryTerminate(sess *types.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err := endRetryPolicy.Do(ctx, func() error {
		return m.terminate(ctx, sess)
	})
	if err != nil {
		m.logger.Error("session end retries exhausted", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) emit(sess *types.Session, typ types.EventType, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(sess.ID, sess.AgentKind, typ, payload)
}

// newSecurityToken returns 32 random bytes, hex-encoded. The token
// authenticates stream resumption and must never be logged.
func newSecurityToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
