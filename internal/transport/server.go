// Package transport serves the WebSocket client interface. Each connection is
// bound to a single session stream: outbound frames are the session's events,
// inbound frames carry client messages (message, voice, resume, ping, end).
//
// The handshake authenticates twice: an opaque bearer token identifies the
// user, and the session's security token authorizes attachment to the stream.
// Either failing rejects the upgrade before the WebSocket is accepted.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/emberworks/hearth/internal/event"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/observe"
	"github.com/emberworks/hearth/internal/orchestrator"
	"github.com/emberworks/hearth/internal/session"
	"github.com/emberworks/hearth/pkg/types"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultFrameRate    = 10
	defaultFrameBurst   = 20
)

// framePong answers a client ping. It is a transport-level frame type and
// never appears on the event bus.
const framePong types.EventType = "pong"

// Authenticator resolves an opaque bearer token to a user context. It is
// supplied by the external auth layer; transport only carries the token.
type Authenticator func(ctx context.Context, token string) (types.UserContext, error)

// clientFrame is an inbound JSON frame.
type clientFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Format      string `json:"format,omitempty"`
	AgentKind   string `json:"agent_kind,omitempty"`
	LastEventID uint64 `json:"last_event_id,omitempty"`
}

// Options configures the transport server. Orchestrator, Sessions, and Auth
// are required.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Manager
	Auth         Authenticator

	// OriginPatterns restricts browser origins for the handshake. Empty means
	// all origins are accepted.
	OriginPatterns []string

	// FramesPerSecond and FrameBurst bound inbound frames per connection.
	FramesPerSecond float64
	FrameBurst      int

	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server upgrades HTTP requests to WebSocket connections and bridges them to
// the orchestrator's event streams.
type Server struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	auth     Authenticator

	origins      []string
	frameRate    rate.Limit
	frameBurst   int
	writeTimeout time.Duration

	metrics *observe.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// connection is one live WebSocket bound to a session stream.
type connection struct {
	id      string
	session string
	user    types.UserContext
	conn    *websocket.Conn
	limiter *rate.Limiter
	cancel  context.CancelFunc

	// writeMu serializes writes; the reader goroutine sends pongs and protocol
	// errors while the writer pumps events.
	writeMu sync.Mutex

	// mu guards sub, the subscription the writer currently pumps.
	mu  sync.Mutex
	sub *event.Subscription
}

func (c *connection) current() *event.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// swap installs a new subscription and returns the previous one.
func (c *connection) swap(sub *event.Subscription) *event.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.sub
	c.sub = sub
	return old
}

// NewServer validates the wiring and builds the transport server.
func NewServer(opts Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Sessions == nil || opts.Auth == nil {
		return nil, fmt.Errorf("transport: orchestrator, sessions, and auth are required")
	}
	frameRate := opts.FramesPerSecond
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}
	burst := opts.FrameBurst
	if burst <= 0 {
		burst = defaultFrameBurst
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:         opts.Orchestrator,
		sessions:     opts.Sessions,
		auth:         opts.Auth,
		origins:      opts.OriginPatterns,
		frameRate:    rate.Limit(frameRate),
		frameBurst:   burst,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		logger:       logger,
		conns:        make(map[string]*connection),
	}, nil
}

// Register adds the WebSocket route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{session}", s.ServeWS)
}

// ServeWS authenticates the handshake, upgrades the connection, and blocks
// until the WebSocket closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	user, err := s.auth(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.Resume(r.Context(), sessionID, user)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.KindSessionExpired:
			http.Error(w, "session expired", http.StatusGone)
		case fault.KindSessionNotFound:
			http.Error(w, "session not found", http.StatusNotFound)
		default:
			http.Error(w, "session unavailable", http.StatusInternalServerError)
		}
		return
	}
	if r.URL.Query().Get("security_token") != sess.SecurityToken {
		http.Error(w, "invalid security token", http.StatusForbidden)
		return
	}
	lastEventID, _ := strconv.ParseUint(r.URL.Query().Get("last_event_id"), 10, 64)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
		// Origin checking is skipped only when no allowlist is configured.
		InsecureSkipVerify: len(s.origins) == 0,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	s.handle(r.Context(), conn, user, sessionID, lastEventID)
}

// handle runs one connection: register, subscribe, pump events, read frames.
func (s *Server) handle(ctx context.Context, conn *websocket.Conn, user types.UserContext, sessionID string, lastEventID uint64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		id:      uuid.NewString(),
		session: sessionID,
		user:    user,
		conn:    conn,
		limiter: rate.NewLimiter(s.frameRate, s.frameBurst),
		cancel:  cancel,
	}

	sub, err := s.orch.Subscribe(ctx, user, sessionID, lastEventID)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "subscribe rejected")
		return
	}
	c.swap(sub)

	s.register(c)
	defer s.unregister(c)

	s.metrics.Subscribers.Add(ctx, 1)
	defer s.metrics.Subscribers.Add(context.Background(), -1)

	s.logger.Info("client connected",
		"connection_id", c.id,
		"session_id", sessionID,
		"user_id", user.UserID)

	go s.writeEvents(ctx, c, sub)

	s.readFrames(ctx, c)
}

// readFrames is the connection's blocking read loop.
func (s *Server) readFrames(ctx context.Context, c *connection) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.cancel()
			s.logger.Debug("read loop ended",
				"connection_id", c.id,
				"session_id", c.session,
				"error", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !c.limiter.Allow() {
			s.sendControl(ctx, c, types.EventWarning, map[string]any{
				"reason":       "rate_limited",
				"user_message": "too many frames, slow down",
			})
			continue
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendControl(ctx, c, types.EventError, map[string]any{
				"kind":         string(fault.KindValidation),
				"user_message": "malformed frame",
			})
			continue
		}
		s.dispatch(ctx, c, f)
	}
}

// dispatch routes one inbound frame. Message and voice processing run off the
// read loop so the client can keep pinging; they deliberately outlive the
// connection, since a disconnect must not cancel an in-flight generation.
func (s *Server) dispatch(ctx context.Context, c *connection, f clientFrame) {
	switch f.Type {
	case "ping":
		// Pings count as client activity and keep the idle TTL from expiring
		// a session the user still has open.
		s.sessions.Touch(ctx, c.session)
		s.sendControl(ctx, c, framePong, nil)

	case "message":
		if f.Content == "" {
			s.sendControl(ctx, c, types.EventError, map[string]any{
				"kind":         string(fault.KindValidation),
				"user_message": "message frames need content",
			})
			return
		}
		detached := context.WithoutCancel(ctx)
		go func() {
			if err := s.orch.ProcessMessage(detached, c.user, c.session, f.Content, types.AgentKind(f.AgentKind)); err != nil {
				s.logger.Debug("message failed", "session_id", c.session, "error", err)
			}
		}()

	case "voice":
		audio, err := base64.StdEncoding.DecodeString(f.Audio)
		if err != nil || len(audio) == 0 {
			s.sendControl(ctx, c, types.EventError, map[string]any{
				"kind":         string(fault.KindValidation),
				"user_message": "voice frames need base64 audio",
			})
			return
		}
		detached := context.WithoutCancel(ctx)
		format := f.Format
		go func() {
			if err := s.orch.ProcessVoice(detached, c.user, c.session, audio, format); err != nil {
				s.logger.Debug("voice failed", "session_id", c.session, "error", err)
			}
		}()

	case "resume":
		s.resubscribe(ctx, c, f.LastEventID)

	case "end":
		if err := s.orch.EndSession(ctx, c.user, c.session); err != nil {
			fe := fault.As(err)
			s.sendControl(ctx, c, types.EventError, map[string]any{
				"kind":         string(fe.Kind),
				"user_message": fe.UserMessage,
			})
		}

	default:
		s.sendControl(ctx, c, types.EventError, map[string]any{
			"kind":         string(fault.KindValidation),
			"user_message": "unknown frame type " + strconv.Quote(f.Type),
		})
	}
}

// resubscribe replaces the connection's subscription, replaying events after
// lastEventID. The old writer exits when its channel closes.
func (s *Server) resubscribe(ctx context.Context, c *connection, lastEventID uint64) {
	sub, err := s.orch.Subscribe(ctx, c.user, c.session, lastEventID)
	if err != nil {
		fe := fault.As(err)
		s.sendControl(ctx, c, types.EventError, map[string]any{
			"kind":         string(fe.Kind),
			"user_message": fe.UserMessage,
		})
		return
	}
	if old := c.swap(sub); old != nil {
		old.Cancel()
	}
	go s.writeEvents(ctx, c, sub)
}

// writeEvents pumps one subscription to the socket. When the bus closes the
// stream (session ended) and this is still the live subscription, the
// connection is closed cleanly.
func (s *Server) writeEvents(ctx context.Context, c *connection, sub *event.Subscription) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if c.current() == sub {
					c.conn.Close(websocket.StatusNormalClosure, "session ended")
					c.cancel()
				}
				return
			}
			if c.current() != sub {
				// Superseded by a resume; drop silently.
				return
			}
			if err := s.writeJSON(ctx, c, ev); err != nil {
				s.logger.Debug("write failed",
					"connection_id", c.id,
					"session_id", c.session,
					"error", err)
				c.cancel()
				return
			}
		}
	}
}

// sendControl emits a transport-level frame that never entered the bus. It
// carries no event_id so clients cannot mistake it for a replayable event.
func (s *Server) sendControl(ctx context.Context, c *connection, typ types.EventType, payload map[string]any) {
	frame := types.Event{
		SessionID: c.session,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := s.writeJSON(ctx, c, frame); err != nil {
		s.logger.Debug("control frame dropped", "connection_id", c.id, "type", typ, "error", err)
	}
}

func (s *Server) writeJSON(ctx context.Context, c *connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) register(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) unregister(c *connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if sub := c.swap(nil); sub != nil {
		sub.Cancel()
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "connection_id", c.id, "session_id", c.session)
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every live connection. In-flight generations continue until
// their own contexts end; only the transport is torn down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
	return ctx.Err()
}

// bearerToken extracts the handshake token from the Authorization header or,
// for browser clients that cannot set headers on WebSocket upgrades, from the
// access_token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
