// Package store implements the Redis-backed cache/persistence contract for the
// Hearth core: session records and per-user indexes, capped conversation
// lists, quota and rate-limit counters with window-anchored expiries, circuit
// breaker state, the append-only audit log, and optional pub/sub for
// cross-instance event fan-out.
//
// All methods are safe for concurrent use; the underlying go-redis client
// handles its own pooling and synchronisation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/pkg/types"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// auditRetention is how long daily audit logs are kept.
const auditRetention = 30 * 24 * time.Hour

// Key shapes used in the store. All cross-component references go through
// these helpers so the key schema lives in one place.
func sessionKey(id string) string           { return "ai:session:" + id }
func sessionIndexKey(userID string) string  { return "ai:session:index:" + userID }
func conversationKey(id string) string      { return "ai:conv:" + id }
func quotaHourlyKey(userID string) string   { return "ai:quota:hourly:" + userID }
func quotaDailyKey(userID string) string    { return "ai:quota:daily:" + userID }
func rateLimitKey(userID, w string) string  { return "ai:ratelimit:" + userID + ":" + w }
func breakerKey(name string) string         { return "ai:breaker:" + name }
func auditKey(date string) string           { return "ai:audit:" + date }
func eventChannelKey(sessionID string) string { return "ai:events:" + sessionID }

// Config holds Redis connection settings.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password authenticates the connection. Empty means no auth.
	Password string

	// DB selects the logical database number.
	DB int
}

// Store is the Redis-backed persistence layer.
type Store struct {
	client redis.UniversalClient
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping redis at %s: %w", cfg.Addr, err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// ── Sessions ────────────────────────────────────────────────────────────────

// SaveSession persists sess under its session key with the given TTL and adds
// its ID to the owner's session index.
func (s *Store) SaveSession(ctx context.Context, sess *types.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), data, ttl)
	pipe.SAdd(ctx, sessionIndexKey(sess.UserID), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession reads a session record. Missing or expired records yield a
// session-not-found fault.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.KindSessionNotFound, "session not found").
			WithHint("start a new session")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// DeleteSession removes the session record and drops its ID from the owner's
// index.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, sessionIndexKey(userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete session %s: %w", sessionID, err)
	}
	return nil
}

// SessionIndex returns the IDs recorded in the user's session index. Entries
// whose session record has expired may still be present; callers are expected
// to resolve each ID and prune stale entries via [Store.PruneSessionIndex].
func (s *Store) SessionIndex(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, sessionIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: session index for %s: %w", userID, err)
	}
	return ids, nil
}

// ScanSessionIndexes iterates all user session indexes and returns the user
// IDs that have one. Used by the session garbage collector.
func (s *Store) ScanSessionIndexes(ctx context.Context) ([]string, error) {
	const prefix = "ai:session:index:"
	var (
		users  []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: scan session indexes: %w", err)
		}
		for _, key := range keys {
			users = append(users, key[len(prefix):])
		}
		if next == 0 {
			return users, nil
		}
		cursor = next
	}
}

// PruneSessionIndex removes the given stale IDs from the user's index.
func (s *Store) PruneSessionIndex(ctx context.Context, userID string, staleIDs ...string) error {
	if len(staleIDs) == 0 {
		return nil
	}
	members := make([]any, len(staleIDs))
	for i, id := range staleIDs {
		members[i] = id
	}
	return s.client.SRem(ctx, sessionIndexKey(userID), members...).Err()
}

// ── Conversations ───────────────────────────────────────────────────────────

// AppendMessage appends msg to the conversation list, trimming it to the most
// recent maxMessages entries.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg types.Message, maxMessages int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, conversationKey(conversationID), data)
	if maxMessages > 0 {
		pipe.LTrim(ctx, conversationKey(conversationID), int64(-maxMessages), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append to conversation %s: %w", conversationID, err)
	}
	return nil
}

// Conversation returns up to limit most recent messages in order.
func (s *Store) Conversation(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, conversationKey(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read conversation %s: %w", conversationID, err)
	}
	msgs := make([]types.Message, 0, len(raw))
	for _, r := range raw {
		var m types.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("store: decode conversation %s: %w", conversationID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ExpireConversation sets the retention period for a conversation. A zero or
// negative retention deletes the conversation immediately (ephemeral mode).
func (s *Store) ExpireConversation(ctx context.Context, conversationID string, retention time.Duration) error {
	if retention <= 0 {
		return s.client.Del(ctx, conversationKey(conversationID)).Err()
	}
	return s.client.Expire(ctx, conversationKey(conversationID), retention).Err()
}

// ── Quota and rate limiting ─────────────────────────────────────────────────

// QuotaWindow identifies one of the two quota counters.
type QuotaWindow string

const (
	QuotaHourly QuotaWindow = "hourly"
	QuotaDaily  QuotaWindow = "daily"
)

// IncrQuota atomically increments the user's counter for the window and
// anchors its expiry to the end of the current clock window. Returns the
// post-increment value.
func (s *Store) IncrQuota(ctx context.Context, window QuotaWindow, userID string, now time.Time) (int64, error) {
	key, windowEnd := quotaWindowOf(window, userID, now)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr %s quota for %s: %w", window, userID, err)
	}
	// Anchor the expiry only when the counter is created so mid-window
	// increments never extend the window.
	if n == 1 {
		if err := s.client.ExpireAt(ctx, key, windowEnd).Err(); err != nil {
			return n, fmt.Errorf("store: anchor %s quota expiry for %s: %w", window, userID, err)
		}
	}
	return n, nil
}

// QuotaCount reads the user's current counter for the window without
// modifying it. A missing counter reads as zero.
func (s *Store) QuotaCount(ctx context.Context, window QuotaWindow, userID string, now time.Time) (int64, error) {
	key, _ := quotaWindowOf(window, userID, now)
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read %s quota for %s: %w", window, userID, err)
	}
	return n, nil
}

func quotaWindowOf(window QuotaWindow, userID string, now time.Time) (key string, windowEnd time.Time) {
	switch window {
	case QuotaDaily:
		day := now.UTC().Truncate(24 * time.Hour)
		return quotaDailyKey(userID), day.Add(24 * time.Hour)
	default:
		hour := now.UTC().Truncate(time.Hour)
		return quotaHourlyKey(userID), hour.Add(time.Hour)
	}
}

// IncrRateLimit increments the user's counter for the current fixed window of
// the given length and returns the post-increment value. The counter expires
// with its window.
func (s *Store) IncrRateLimit(ctx context.Context, userID string, window time.Duration, now time.Time) (int64, error) {
	bucket := now.UTC().Truncate(window)
	key := rateLimitKey(userID, bucket.Format("20060102T150405"))
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr rate limit for %s: %w", userID, err)
	}
	if n == 1 {
		if err := s.client.ExpireAt(ctx, key, bucket.Add(window)).Err(); err != nil {
			return n, fmt.Errorf("store: anchor rate window for %s: %w", userID, err)
		}
	}
	return n, nil
}

// RateCount reads the user's counter for the current window without
// modifying it.
func (s *Store) RateCount(ctx context.Context, userID string, window time.Duration, now time.Time) (int64, error) {
	bucket := now.UTC().Truncate(window)
	key := rateLimitKey(userID, bucket.Format("20060102T150405"))
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read rate limit for %s: %w", userID, err)
	}
	return n, nil
}

// ── Circuit breaker state ───────────────────────────────────────────────────

// SetBreakerState mirrors a breaker's state so that restarts inherit open
// breakers.
func (s *Store) SetBreakerState(ctx context.Context, name, state string) error {
	return s.client.Set(ctx, breakerKey(name), state, 0).Err()
}

// BreakerState reads a mirrored breaker state. Returns "" when unset.
func (s *Store) BreakerState(ctx context.Context, name string) (string, error) {
	state, err := s.client.Get(ctx, breakerKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read breaker %s: %w", name, err)
	}
	return state, nil
}

// ── Audit log ───────────────────────────────────────────────────────────────

// AppendAudit appends record to the append-only audit log for the given day.
// Each daily log expires after 30 days.
func (s *Store) AppendAudit(ctx context.Context, now time.Time, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal audit record: %w", err)
	}
	key := auditKey(now.UTC().Format("2006-01-02"))
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, auditRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AuditLog returns the raw audit entries for the given day. Used by the
// security agent and by tests.
func (s *Store) AuditLog(ctx context.Context, day time.Time) ([]string, error) {
	entries, err := s.client.LRange(ctx, auditKey(day.UTC().Format("2006-01-02")), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read audit log: %w", err)
	}
	return entries, nil
}

// ── Cross-instance event fan-out ────────────────────────────────────────────

// PublishEvent publishes an event on the session's pub/sub channel so other
// instances can fan it out to their local subscribers.
func (s *Store) PublishEvent(ctx context.Context, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	return s.client.Publish(ctx, eventChannelKey(ev.SessionID), data).Err()
}

// SubscribeEvents subscribes to a session's pub/sub channel and returns a
// channel of decoded events. The subscription ends when ctx is cancelled.
func (s *Store) SubscribeEvents(ctx context.Context, sessionID string) (<-chan types.Event, error) {
	sub := s.client.Subscribe(ctx, eventChannelKey(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("store: subscribe to session %s: %w", sessionID, err)
	}

	out := make(chan types.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev types.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
