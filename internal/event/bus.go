// Package event implements the per-session event bus: typed events fanned out
// to bounded subscriber channels, with a replay ring buffer so reconnecting
// clients can catch up.
//
// Events for a single session are delivered in FIFO order. A slow subscriber
// never blocks emission; its oldest undelivered event is dropped instead.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/pkg/types"
)

// Subscription is a live attachment to a session's event stream.
type Subscription struct {
	// C delivers events in emission order. Closed when the subscription is
	// cancelled or the session's stream is closed.
	C <-chan types.Event

	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus fans session events out to subscribers and retains a bounded replay
// window per session.
type Bus struct {
	ringSize  int
	subBuffer int
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*stream

	// now is swappable for tests.
	now func() time.Time
}

// stream holds one session's sequence counter, replay ring, and subscribers.
// All fields are guarded by the stream mutex; emission holds it across
// delivery so per-session FIFO order is structural.
type stream struct {
	mu      sync.Mutex
	nextID  uint64
	ring    []types.Event
	subs    map[int]chan types.Event
	nextSub int
	closed  bool
}

// NewBus constructs a bus with the configured ring and subscriber capacities.
func NewBus(cfg config.EventConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ringSize := cfg.BufferPerSession
	if ringSize <= 0 {
		ringSize = 256
	}
	subBuffer := cfg.SubscriberBuffer
	if subBuffer <= 0 {
		subBuffer = 128
	}
	return &Bus{
		ringSize:  ringSize,
		subBuffer: subBuffer,
		logger:    logger,
		sessions:  make(map[string]*stream),
		now:       time.Now,
	}
}

// Emit appends an event to the session's ring buffer and delivers it to every
// subscriber. Events on a closed stream are silently discarded.
func (b *Bus) Emit(sessionID string, agent types.AgentKind, typ types.EventType, payload map[string]any) {
	st := b.stream(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	st.nextID++
	ev := types.Event{
		ID:        st.nextID,
		SessionID: sessionID,
		AgentKind: agent,
		Type:      typ,
		Payload:   payload,
		Timestamp: b.now(),
	}

	st.ring = append(st.ring, ev)
	if len(st.ring) > b.ringSize {
		st.ring = st.ring[len(st.ring)-b.ringSize:]
	}

	for id, ch := range st.subs {
		b.deliver(sessionID, id, ch, ev)
	}
}

// deliver sends ev without blocking. On a full channel the subscriber's
// oldest undelivered event is dropped to make room.
func (b *Bus) deliver(sessionID string, subID int, ch chan types.Event, ev types.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case dropped := <-ch:
		b.logger.Warn("subscriber lagged, dropping oldest event",
			"session_id", sessionID,
			"subscriber", subID,
			"dropped_event_id", dropped.ID)
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Subscribe attaches a subscriber to the session's stream and immediately
// replays all buffered events with ID greater than lastEventID. When the
// requested position has been evicted from the ring, a single gap marker is
// delivered first.
func (b *Bus) Subscribe(sessionID string, lastEventID uint64) *Subscription {
	st := b.stream(sessionID)

	st.mu.Lock()

	// The channel is sized to hold the whole catch-up batch on top of the
	// live buffer, so replaying a full ring can never evict earlier replayed
	// events.
	replay := 0
	gapped := false
	if len(st.ring) > 0 {
		gapped = st.ring[0].ID > lastEventID+1
		for _, ev := range st.ring {
			if ev.ID > lastEventID {
				replay++
			}
		}
	}
	extra := replay
	if gapped {
		extra++
	}
	ch := make(chan types.Event, b.subBuffer+extra)

	// Replay happens before the subscriber is registered so live events
	// cannot interleave with the catch-up batch.
	if gapped {
		ch <- types.Event{
			SessionID: sessionID,
			Type:      types.EventGap,
			Payload: map[string]any{
				"missed_from": lastEventID + 1,
				"missed_to":   st.ring[0].ID - 1,
			},
			Timestamp: b.now(),
		}
	}
	for _, ev := range st.ring {
		if ev.ID > lastEventID {
			ch <- ev
		}
	}

	if st.closed {
		close(ch)
		st.mu.Unlock()
		return &Subscription{C: ch, cancel: func() {}}
	}

	id := st.nextSub
	st.nextSub++
	st.subs[id] = ch
	st.mu.Unlock()

	return &Subscription{
		C: ch,
		cancel: func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if _, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(ch)
			}
		},
	}
}

// Close ends a session's stream: a final session_end event is emitted unless
// one was already the last event, then all subscribers are detached and the
// stream is removed.
func (b *Bus) Close(sessionID string) {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	if n := len(st.ring); n == 0 || st.ring[n-1].Type != types.EventSessionEnd {
		st.nextID++
		ev := types.Event{
			ID:        st.nextID,
			SessionID: sessionID,
			Type:      types.EventSessionEnd,
			Timestamp: b.now(),
		}
		for id, ch := range st.subs {
			b.deliver(sessionID, id, ch, ev)
		}
	}

	for _, ch := range st.subs {
		close(ch)
	}
	st.subs = map[int]chan types.Event{}
	st.closed = true
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

func (b *Bus) stream(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &stream{subs: make(map[int]chan types.Event)}
		b.sessions[sessionID] = st
	}
	return st
}
