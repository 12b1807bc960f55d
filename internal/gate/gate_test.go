package gate

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/pkg/types"
)

func newTestGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewWithClient(client)
	g := New(st,
		config.QuotaConfig{RequestsPerHour: 100, RequestsPerDay: 1000},
		config.RateLimitConfig{PerMinute: 100},
		slog.New(slog.DiscardHandler))
	return g, st
}

func chatCheck(user types.UserContext) Check {
	return Check{User: user, Operation: OpProcessMessage, AgentKind: types.AgentPersonal}
}

func TestGate_PermissionByTag(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	user := types.UserContext{UserID: "u1", Permissions: []string{PermBasicChat}}
	if err := g.Admit(ctx, chatCheck(user)); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	stranger := types.UserContext{UserID: "u2"}
	err := g.Admit(ctx, chatCheck(stranger))
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
}

func TestGate_PermissionByRole(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	tests := []struct {
		role  string
		kind  types.AgentKind
		admit bool
	}{
		{"admin", types.AgentSecurity, true},
		{"member", types.AgentCommerce, true},
		{"member", types.AgentSecurity, false},
		{"family_owner", types.AgentFamily, true},
		{"workspace_member", types.AgentWorkspace, true},
		{"workspace_member", types.AgentFamily, false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"_"+string(tt.kind), func(t *testing.T) {
			user := types.UserContext{UserID: "u1", Roles: []string{tt.role}}
			err := g.Admit(ctx, Check{User: user, Operation: OpProcessMessage, AgentKind: tt.kind})
			if tt.admit && err != nil {
				t.Fatalf("Admit: %v", err)
			}
			if !tt.admit && !fault.IsKind(err, fault.KindPermissionDenied) {
				t.Fatalf("err = %v, want permission denied", err)
			}
		})
	}
}

func TestGate_VoiceNeedsVoicePermission(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	// Destination agent permission alone is not enough for voice.
	user := types.UserContext{UserID: "u1", Permissions: []string{PermBasicChat}}
	err := g.Admit(ctx, Check{User: user, Operation: OpProcessVoice, AgentKind: types.AgentPersonal})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}

	user.Permissions = append(user.Permissions, PermVoice)
	if err := g.Admit(ctx, Check{User: user, Operation: OpProcessVoice, AgentKind: types.AgentPersonal}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestGate_QuotaBoundary(t *testing.T) {
	g, st := newTestGate(t)
	g.quota.RequestsPerHour = 3
	ctx := context.Background()
	user := types.UserContext{UserID: "u1", Permissions: []string{PermBasicChat}}

	// At ceiling − 1 the request is accepted; at the ceiling it is denied.
	for i := 0; i < 3; i++ {
		if err := g.Admit(ctx, chatCheck(user)); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}
	err := g.Admit(ctx, chatCheck(user))
	if !fault.IsKind(err, fault.KindQuotaExceeded) {
		t.Fatalf("err = %v, want quota exceeded", err)
	}

	// The counter was not incremented by the denied request.
	n, _ := st.QuotaCount(ctx, store.QuotaHourly, "u1", time.Now())
	if n != 3 {
		t.Fatalf("hourly counter = %d, want 3", n)
	}
}

func TestGate_QuotaIncrementsOnAcceptanceOnly(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	user := types.UserContext{UserID: "u1", Permissions: []string{PermBasicChat}}

	before, _ := st.QuotaCount(ctx, store.QuotaHourly, "u1", time.Now())
	if err := g.Admit(ctx, chatCheck(user)); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	after, _ := st.QuotaCount(ctx, store.QuotaHourly, "u1", time.Now())
	if after != before+1 {
		t.Fatalf("hourly counter %d → %d, want +1", before, after)
	}

	daily, _ := st.QuotaCount(ctx, store.QuotaDaily, "u1", time.Now())
	if daily != 1 {
		t.Fatalf("daily counter = %d, want 1", daily)
	}

	// Session lifecycle operations are permission-checked but free.
	if err := g.Admit(ctx, Check{User: user, Operation: OpCreateSession, AgentKind: types.AgentPersonal}); err != nil {
		t.Fatalf("Admit create: %v", err)
	}
	unchanged, _ := st.QuotaCount(ctx, store.QuotaHourly, "u1", time.Now())
	if unchanged != after {
		t.Fatalf("create_session changed the quota counter: %d → %d", after, unchanged)
	}
}

func TestGate_RateLimit(t *testing.T) {
	g, _ := newTestGate(t)
	g.rate.PerMinute = 2
	ctx := context.Background()
	user := types.UserContext{UserID: "u1", Permissions: []string{PermBasicChat}}

	for i := 0; i < 2; i++ {
		if err := g.Admit(ctx, chatCheck(user)); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}
	err := g.Admit(ctx, chatCheck(user))
	if !fault.IsKind(err, fault.KindRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}

	// A new window clears the limiter.
	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := g.Admit(ctx, chatCheck(user)); err != nil {
		t.Fatalf("Admit in new window: %v", err)
	}
}

func TestGate_PrivacyFamilyShared(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	sess := &types.Session{
		ID:       "s1",
		UserID:   "owner",
		Privacy:  types.PrivacyFamilyShared,
		Metadata: map[string]string{"family_id": "fam-1"},
	}

	insider := types.UserContext{UserID: "u1", Permissions: []string{PermBasicChat}, Families: []string{"fam-1"}}
	if err := g.Admit(ctx, Check{User: insider, Operation: OpProcessMessage, AgentKind: types.AgentPersonal, Session: sess}); err != nil {
		t.Fatalf("Admit family member: %v", err)
	}

	outsider := types.UserContext{UserID: "u2", Permissions: []string{PermBasicChat}}
	err := g.Admit(ctx, Check{User: outsider, Operation: OpProcessMessage, AgentKind: types.AgentPersonal, Session: sess})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
}

func TestGate_PrivacyPrivateHidesSession(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	sess := &types.Session{ID: "s1", UserID: "owner", Privacy: types.PrivacyPrivate}
	stranger := types.UserContext{UserID: "u2", Permissions: []string{PermBasicChat}}

	err := g.Admit(ctx, Check{User: stranger, Operation: OpProcessMessage, AgentKind: types.AgentPersonal, Session: sess})
	if !fault.IsKind(err, fault.KindSessionNotFound) {
		t.Fatalf("err = %v, want session-not-found (no existence leak)", err)
	}
}

func TestGate_DenialsAreAudited(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	stranger := types.UserContext{UserID: "u2"}
	_ = g.Admit(ctx, chatCheck(stranger))

	entries, err := st.AuditLog(ctx, g.now())
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
}
