package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/pkg/types"
)

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []types.EventType
}

func (r *recordingEmitter) Emit(sessionID string, agent types.AgentKind, typ types.EventType, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typ)
}

func (r *recordingEmitter) types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	copy(out, r.events)
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingEmitter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.SessionConfig{
		MaxConcurrentPerUser: 5,
		IdleTTLSeconds:       86400,
		MaxTTLSeconds:        259200,
	}
	privacy := config.PrivacyConfig{RetentionSeconds: map[string]int{
		"private":   86400,
		"ephemeral": 0,
	}}
	emitter := &recordingEmitter{}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: resilience.BreakerSessionCreation})
	m := NewManager(store.NewWithClient(client), cfg, privacy, breaker, emitter, slog.New(slog.DiscardHandler))
	return m, emitter
}

func testUser(id string) types.UserContext {
	return types.UserContext{UserID: id, Permissions: []string{"ai:basic_chat"}}
}

func TestManager_Create(t *testing.T) {
	m, emitter := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" || sess.ConversationID == "" {
		t.Fatal("missing ids")
	}
	if len(sess.SecurityToken) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(sess.SecurityToken))
	}
	if sess.Status != types.SessionActive {
		t.Fatalf("status = %v, want active", sess.Status)
	}
	if sess.Privacy != types.PrivacyPrivate {
		t.Fatalf("privacy = %v, want private default", sess.Privacy)
	}
	if want := sess.CreatedAt.Add(24 * time.Hour); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expires = %v, want %v", sess.ExpiresAt, want)
	}

	got := emitter.types()
	if len(got) != 1 || got[0] != types.EventSessionStart {
		t.Fatalf("events = %v, want [session_start]", got)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		kind types.AgentKind
		mode types.SessionMode
		opts CreateOptions
	}{
		{"bad kind", "robot", types.ModeChat, CreateOptions{}},
		{"bad mode", types.AgentPersonal, "telepathy", CreateOptions{}},
		{"bad privacy", types.AgentPersonal, types.ModeChat, CreateOptions{Privacy: "invisible"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, testUser("u1"), tt.kind, tt.mode, tt.opts)
			if !fault.IsKind(err, fault.KindValidation) {
				t.Fatalf("err = %v, want validation fault", err)
			}
		})
	}
}

func TestManager_CreateEnforcesConcurrencyCap(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.MaxConcurrentPerUser = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if !fault.IsKind(err, fault.KindTooManySessions) {
		t.Fatalf("err = %v, want too-many-sessions fault", err)
	}

	// Another user is unaffected.
	if _, err := m.Create(ctx, testUser("u2"), types.AgentPersonal, types.ModeChat, CreateOptions{}); err != nil {
		t.Fatalf("Create for u2: %v", err)
	}
}

func TestManager_ResumeValidatesOwnership(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The owner can resume.
	if _, err := m.Resume(ctx, sess.ID, testUser("u1")); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Another user sees not-found, not a permission error, so session IDs
	// cannot be probed.
	_, err = m.Resume(ctx, sess.ID, testUser("u2"))
	if !fault.IsKind(err, fault.KindSessionNotFound) {
		t.Fatalf("err = %v, want session-not-found", err)
	}
}

func TestManager_ResumeExpiry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	sess, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Just before expiry the resume succeeds.
	m.now = func() time.Time { return sess.ExpiresAt.Add(-time.Second) }
	if _, err := m.Resume(ctx, sess.ID, testUser("u1")); err != nil {
		t.Fatalf("Resume before expiry: %v", err)
	}

	// Resume extended the window; push past the new expiry.
	m.now = func() time.Time { return base.Add(100 * 24 * time.Hour) }
	_, err = m.Resume(ctx, sess.ID, testUser("u1"))
	if !fault.IsKind(err, fault.KindSessionExpired) {
		t.Fatalf("err = %v, want session-expired", err)
	}
}

func TestManager_TouchCappedByHardTTL(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	sess, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Touch near the hard TTL: expiry must clamp to created_at + max_ttl.
	m.now = func() time.Time { return base.Add(71 * time.Hour) }
	m.Touch(ctx, sess.ID)

	got, err := m.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	hard := sess.CreatedAt.Add(72 * time.Hour)
	if !got.ExpiresAt.Equal(hard) {
		t.Fatalf("expires = %v, want clamped to %v", got.ExpiresAt, hard)
	}
}

func TestManager_PauseUnpause(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	user := testUser("u1")

	sess, err := m.Create(ctx, user, types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Pause(ctx, sess.ID, user); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, _ := m.store.GetSession(ctx, sess.ID)
	if got.Status != types.SessionPaused {
		t.Fatalf("status = %v, want paused", got.Status)
	}

	// Pausing twice is invalid.
	if err := m.Pause(ctx, sess.ID, user); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("second pause err = %v, want validation fault", err)
	}

	if err := m.Unpause(ctx, sess.ID, user); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	got, _ = m.store.GetSession(ctx, sess.ID)
	if got.Status != types.SessionActive {
		t.Fatalf("status = %v, want active", got.Status)
	}
}

func TestManager_EndLeavesNetZeroActiveSessions(t *testing.T) {
	m, emitter := newTestManager(t)
	ctx := context.Background()
	user := testUser("u1")

	sess, err := m.Create(ctx, user, types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Resume(ctx, sess.ID, user); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.End(ctx, sess.ID, user, "client request"); err != nil {
		t.Fatalf("End: %v", err)
	}

	count, err := m.ActiveCount(ctx, user.UserID)
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("active count = %d, want 0", count)
	}

	got := emitter.types()
	want := []types.EventType{types.EventSessionStart, types.EventSessionEnd}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestManager_GarbageCollect(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	fresh, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	expired, err := m.Create(ctx, testUser("u2"), types.AgentFamily, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Age only u2's session past its expiry.
	expired.ExpiresAt = base.Add(-time.Minute)
	if err := m.store.SaveSession(ctx, expired, time.Hour); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	collected, err := m.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if collected != 1 {
		t.Fatalf("collected = %d, want 1", collected)
	}

	if _, err := m.store.GetSession(ctx, expired.ID); !fault.IsKind(err, fault.KindSessionNotFound) {
		t.Fatalf("expired session still readable: %v", err)
	}
	if _, err := m.store.GetSession(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session should survive gc: %v", err)
	}
}

func TestManager_EphemeralSkipsPersistence(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{
		Privacy: types.PrivacyEphemeral,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.AppendMessage(ctx, sess, types.Message{Role: "user", Content: "secret"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msgs, err := m.History(ctx, sess)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("history = %v, want nothing persisted for ephemeral", msgs)
	}
}

func TestManager_ConversationHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, testUser("u1"), types.AgentPersonal, types.ModeChat, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, content := range []string{"hello", "hi there"} {
		if err := m.AppendMessage(ctx, sess, types.Message{Role: "user", Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	msgs, err := m.History(ctx, sess)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Fatalf("history = %+v", msgs)
	}
}
