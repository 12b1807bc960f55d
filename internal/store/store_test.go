package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client), mr
}

func TestStore_SaveAndGetSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		AgentKind: types.AgentPersonal,
		Status:    types.SessionActive,
	}
	if err := s.SaveSession(ctx, sess, time.Hour); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != "sess-1" || got.UserID != "user-1" || got.AgentKind != types.AgentPersonal {
		t.Fatalf("got = %+v", got)
	}

	ids, err := s.SessionIndex(ctx, "user-1")
	if err != nil {
		t.Fatalf("SessionIndex: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Fatalf("index = %v, want [sess-1]", ids)
	}
}

func TestStore_GetSessionNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !fault.IsKind(err, fault.KindSessionNotFound) {
		t.Fatalf("err = %v, want session-not-found fault", err)
	}
}

func TestStore_SessionExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{ID: "sess-2", UserID: "user-2"}
	if err := s.SaveSession(ctx, sess, time.Minute); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := s.GetSession(ctx, "sess-2"); !fault.IsKind(err, fault.KindSessionNotFound) {
		t.Fatalf("err = %v, want session-not-found after TTL", err)
	}

	// The index survives the record's TTL; stale IDs are pruned explicitly.
	ids, _ := s.SessionIndex(ctx, "user-2")
	if len(ids) != 1 {
		t.Fatalf("index = %v, want stale entry to remain", ids)
	}
	if err := s.PruneSessionIndex(ctx, "user-2", "sess-2"); err != nil {
		t.Fatalf("PruneSessionIndex: %v", err)
	}
	ids, _ = s.SessionIndex(ctx, "user-2")
	if len(ids) != 0 {
		t.Fatalf("index = %v, want empty after prune", ids)
	}
}

func TestStore_DeleteSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{ID: "sess-3", UserID: "user-3"}
	if err := s.SaveSession(ctx, sess, time.Hour); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-3", "user-3"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetSession(ctx, "sess-3"); !fault.IsKind(err, fault.KindSessionNotFound) {
		t.Fatalf("err = %v, want not found after delete", err)
	}
	ids, _ := s.SessionIndex(ctx, "user-3")
	if len(ids) != 0 {
		t.Fatalf("index = %v, want empty", ids)
	}
}

func TestStore_ConversationAppendAndTrim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := types.Message{Role: "user", Content: string(rune('a' + i))}
		if err := s.AppendMessage(ctx, "conv-1", msg, 3); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.Conversation(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3 after trim", len(msgs))
	}
	// The cap keeps the most recent messages in order.
	want := []string{"c", "d", "e"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("msgs[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestStore_ConversationLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		msg := types.Message{Role: "user", Content: string(rune('a' + i))}
		if err := s.AppendMessage(ctx, "conv-2", msg, 0); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.Conversation(ctx, "conv-2", 2)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "d" {
		t.Fatalf("msgs = %+v, want last two", msgs)
	}
}

func TestStore_ExpireConversation(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	msg := types.Message{Role: "user", Content: "hello"}
	if err := s.AppendMessage(ctx, "conv-3", msg, 0); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := s.ExpireConversation(ctx, "conv-3", time.Minute); err != nil {
		t.Fatalf("ExpireConversation: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	msgs, err := s.Conversation(ctx, "conv-3", 0)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("msgs = %v, want empty after retention", msgs)
	}
}

func TestStore_ExpireConversationEphemeral(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	msg := types.Message{Role: "user", Content: "secret"}
	if err := s.AppendMessage(ctx, "conv-4", msg, 0); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	// Zero retention deletes immediately.
	if err := s.ExpireConversation(ctx, "conv-4", 0); err != nil {
		t.Fatalf("ExpireConversation: %v", err)
	}
	msgs, _ := s.Conversation(ctx, "conv-4", 0)
	if len(msgs) != 0 {
		t.Fatalf("msgs = %v, want empty", msgs)
	}
}

func TestStore_QuotaIncrement(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	mr.SetTime(now)

	for i := 1; i <= 3; i++ {
		n, err := s.IncrQuota(ctx, QuotaHourly, "user-q", now)
		if err != nil {
			t.Fatalf("IncrQuota: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("IncrQuota = %d, want %d", n, i)
		}
	}

	n, err := s.QuotaCount(ctx, QuotaHourly, "user-q", now)
	if err != nil {
		t.Fatalf("QuotaCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("QuotaCount = %d, want 3", n)
	}

	// The daily counter is independent.
	if n, _ := s.QuotaCount(ctx, QuotaDaily, "user-q", now); n != 0 {
		t.Fatalf("daily count = %d, want 0", n)
	}
}

func TestStore_QuotaWindowAnchoredExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	mr.SetTime(now)

	if _, err := s.IncrQuota(ctx, QuotaHourly, "user-q", now); err != nil {
		t.Fatalf("IncrQuota: %v", err)
	}

	// The counter dies at the top of the hour regardless of when mid-window
	// increments happen.
	if _, err := s.IncrQuota(ctx, QuotaHourly, "user-q", now.Add(20*time.Minute)); err != nil {
		t.Fatalf("IncrQuota: %v", err)
	}
	mr.FastForward(31 * time.Minute)

	n, err := s.QuotaCount(ctx, QuotaHourly, "user-q", now.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("QuotaCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("QuotaCount = %d, want 0 after window end", n)
	}
}

func TestStore_RateLimitWindow(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 30, 15, 0, time.UTC)
	mr.SetTime(now)

	for i := 1; i <= 2; i++ {
		n, err := s.IncrRateLimit(ctx, "user-r", time.Minute, now)
		if err != nil {
			t.Fatalf("IncrRateLimit: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("IncrRateLimit = %d, want %d", n, i)
		}
	}

	// A different window starts a fresh counter.
	n, err := s.IncrRateLimit(ctx, "user-r", time.Minute, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("IncrRateLimit: %v", err)
	}
	if n != 1 {
		t.Fatalf("new window count = %d, want 1", n)
	}

	if n, _ := s.RateCount(ctx, "user-r", time.Minute, now); n != 2 {
		t.Fatalf("RateCount = %d, want 2", n)
	}
}

func TestStore_BreakerState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if state, err := s.BreakerState(ctx, "model_inference"); err != nil || state != "" {
		t.Fatalf("BreakerState = %q, %v; want empty, nil", state, err)
	}

	if err := s.SetBreakerState(ctx, "model_inference", "open"); err != nil {
		t.Fatalf("SetBreakerState: %v", err)
	}
	state, err := s.BreakerState(ctx, "model_inference")
	if err != nil {
		t.Fatalf("BreakerState: %v", err)
	}
	if state != "open" {
		t.Fatalf("state = %q, want open", state)
	}
}

func TestStore_AuditAppend(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rec := types.ToolInvocation{
		SessionID: "sess-1",
		UserID:    "user-1",
		ToolName:  "home_control",
		Outcome:   "ok",
	}
	if err := s.AppendAudit(ctx, day, rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := s.AppendAudit(ctx, day, rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	entries, err := s.AuditLog(ctx, day)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
}

func TestStore_PublishSubscribeEvents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := s.SubscribeEvents(ctx, "sess-ps")
	if err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}

	ev := types.Event{
		ID:        7,
		SessionID: "sess-ps",
		Type:      types.EventResponse,
		Payload:   map[string]any{"text": "hi"},
	}
	if err := s.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	select {
	case got := <-events:
		if got.ID != 7 || got.SessionID != "sess-ps" || got.Type != types.EventResponse {
			t.Fatalf("got = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
