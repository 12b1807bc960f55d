// Package orchestrator glues the core together behind the public entry
// points: process_message, process_voice, create_session, end_session, and
// subscribe. Every entry point passes the gate first; every message stream
// ends with exactly one response or error event.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberworks/hearth/internal/agent"
	"github.com/emberworks/hearth/internal/engine"
	"github.com/emberworks/hearth/internal/event"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/gate"
	"github.com/emberworks/hearth/internal/observe"
	"github.com/emberworks/hearth/internal/recovery"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/internal/session"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/internal/tool"
	"github.com/emberworks/hearth/pkg/backend"
	"github.com/emberworks/hearth/pkg/types"
	"github.com/emberworks/hearth/pkg/voice"
)

// maxToolRounds caps how many times a single message may bounce between the
// model and the tool dispatcher.
const maxToolRounds = 5

// Options wires the orchestrator's collaborators. Gate, Sessions, Router,
// Engine, Bus, and Model are required.
type Options struct {
	Gate     *gate.Gate
	Sessions *session.Manager
	Router   *agent.Router
	Engine   *engine.Engine
	Tools    *tool.Dispatcher
	Bus      *event.Bus
	Recovery *recovery.Coordinator
	Store    *store.Store

	// STT and TTS serve process_voice. Leaving them nil disables voice.
	STT voice.Transcriber
	TTS voice.Synthesizer

	// VoiceBulkhead caps concurrent voice pipelines.
	VoiceBulkhead *resilience.Bulkhead

	// Breakers supplies the voice_stt and voice_tts breakers. A nil set gets
	// defaults.
	Breakers *resilience.BreakerSet

	// Model is the logical model used for generation.
	Model string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Orchestrator is the façade over the Hearth core.
type Orchestrator struct {
	gate     *gate.Gate
	sessions *session.Manager
	router   *agent.Router
	engine   *engine.Engine
	tools    *tool.Dispatcher
	bus      *event.Bus
	recovery *recovery.Coordinator
	store    *store.Store

	stt           voice.Transcriber
	tts           voice.Synthesizer
	voiceBulkhead *resilience.Bulkhead
	sttBreaker    *resilience.CircuitBreaker
	ttsBreaker    *resilience.CircuitBreaker

	model   string
	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New validates the wiring and builds the orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Gate == nil, opts.Sessions == nil, opts.Router == nil,
		opts.Engine == nil, opts.Bus == nil:
		return nil, fmt.Errorf("orchestrator: gate, sessions, router, engine, and bus are required")
	case opts.Model == "":
		return nil, fmt.Errorf("orchestrator: a model name is required")
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.CircuitBreakerConfig{})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gate:          opts.Gate,
		sessions:      opts.Sessions,
		router:        opts.Router,
		engine:        opts.Engine,
		tools:         opts.Tools,
		bus:           opts.Bus,
		recovery:      opts.Recovery,
		store:         opts.Store,
		stt:           opts.STT,
		tts:           opts.TTS,
		voiceBulkhead: opts.VoiceBulkhead,
		sttBreaker:    breakers.Get(resilience.BreakerVoiceSTT),
		ttsBreaker:    breakers.Get(resilience.BreakerVoiceTTS),
		model:         opts.Model,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// CreateSession admits the user and allocates a session.
func (o *Orchestrator) CreateSession(ctx context.Context, user types.UserContext, kind types.AgentKind, mode types.SessionMode, opts session.CreateOptions) (*types.Session, error) {
	if err := o.gate.Admit(ctx, gate.Check{
		User: user, Operation: gate.OpCreateSession, AgentKind: kind,
	}); err != nil {
		o.metrics.RecordDenial(ctx, string(fault.KindOf(err)))
		return nil, err
	}
	sess, err := o.sessions.Create(ctx, user, kind, mode, opts)
	if err != nil {
		o.metrics.RecordRequest(ctx, gate.OpCreateSession, "error")
		return nil, err
	}
	o.metrics.RecordRequest(ctx, gate.OpCreateSession, "ok")
	o.metrics.ActiveSessions.Add(ctx, 1)
	return sess, nil
}

// EndSession terminates the session and detaches its subscribers.
func (o *Orchestrator) EndSession(ctx context.Context, user types.UserContext, sessionID string) error {
	if err := o.gate.Admit(ctx, gate.Check{
		User: user, Operation: gate.OpEndSession,
	}); err != nil {
		o.metrics.RecordDenial(ctx, string(fault.KindOf(err)))
		return err
	}
	if err := o.sessions.End(ctx, sessionID, user, "user request"); err != nil {
		o.metrics.RecordRequest(ctx, gate.OpEndSession, "error")
		return err
	}
	o.bus.Close(sessionID)
	o.metrics.RecordRequest(ctx, gate.OpEndSession, "ok")
	o.metrics.ActiveSessions.Add(ctx, -1)
	return nil
}

// Subscribe attaches a subscriber to the session's event stream, replaying
// buffered events newer than lastEventID.
func (o *Orchestrator) Subscribe(ctx context.Context, user types.UserContext, sessionID string, lastEventID uint64) (*event.Subscription, error) {
	sess, err := o.sessions.Resume(ctx, sessionID, user)
	if err != nil {
		return nil, err
	}
	if err := o.gate.Admit(ctx, gate.Check{
		User: user, Operation: gate.OpSubscribe, AgentKind: sess.AgentKind, Session: sess,
	}); err != nil {
		o.metrics.RecordDenial(ctx, string(fault.KindOf(err)))
		return nil, err
	}
	return o.bus.Subscribe(sessionID, lastEventID), nil
}

// ProcessMessage runs one user message through the full pipeline. Output is
// delivered as events on the session's stream; the returned error mirrors the
// stream's terminal error event, so callers without a subscription still see
// denials.
func (o *Orchestrator) ProcessMessage(ctx context.Context, user types.UserContext, sessionID, content string, explicit types.AgentKind) error {
	_, err := o.process(ctx, user, sessionID, content, explicit, gate.OpProcessMessage)
	return err
}

// ProcessVoice transcribes the audio frame, runs the text through the message
// pipeline, and synthesizes speech from the response.
func (o *Orchestrator) ProcessVoice(ctx context.Context, user types.UserContext, sessionID string, audio []byte, format string) error {
	if o.stt == nil || o.tts == nil {
		return fault.New(fault.KindValidation, "voice is not enabled on this server")
	}

	run := func() error {
		transcript, err := o.transcribe(ctx, sessionID, audio, format)
		if err != nil {
			return o.fail(ctx, user, sessionID, "", gate.OpProcessVoice, err)
		}

		response, err := o.process(ctx, user, sessionID, transcript.Text, types.AgentKind(""), gate.OpProcessVoice)
		if err != nil {
			return err
		}

		if err := o.synthesize(ctx, sessionID, response); err != nil {
			return o.fail(ctx, user, sessionID, "", gate.OpProcessVoice, err)
		}
		return nil
	}

	if o.voiceBulkhead != nil {
		if err := o.voiceBulkhead.Run(ctx, run); err != nil {
			if fault.IsKind(err, fault.KindBulkheadFull) {
				return o.fail(ctx, user, sessionID, "", gate.OpProcessVoice, err)
			}
			return err
		}
		return nil
	}
	return run()
}

func (o *Orchestrator) transcribe(ctx context.Context, sessionID string, audio []byte, format string) (*voice.Transcript, error) {
	var transcript *voice.Transcript
	start := o.now()
	err := o.sttBreaker.Execute(func() error {
		t, err := o.stt.Transcribe(ctx, audio, format)
		transcript = t
		return err
	})
	o.metrics.STTDuration.Record(ctx, o.now().Sub(start).Seconds())
	if err != nil {
		if fault.IsKind(err, fault.KindCircuitOpen) {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, "could not understand the audio", err).
			WithHint("try again or switch to text")
	}
	o.bus.Emit(sessionID, types.AgentVoice, types.EventSTT, map[string]any{
		"text":       transcript.Text,
		"confidence": transcript.Confidence,
	})
	return transcript, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, sessionID, text string) error {
	var audio *voice.Audio
	start := o.now()
	err := o.ttsBreaker.Execute(func() error {
		a, err := o.tts.Synthesize(ctx, text, "")
		audio = a
		return err
	})
	o.metrics.TTSDuration.Record(ctx, o.now().Sub(start).Seconds())
	if err != nil {
		if fault.IsKind(err, fault.KindCircuitOpen) {
			return err
		}
		return fault.Wrap(fault.KindInternal, "could not produce speech for the response", err).
			WithHint("read the text response instead")
	}
	o.bus.Emit(sessionID, types.AgentVoice, types.EventTTS, map[string]any{
		"audio":  base64.StdEncoding.EncodeToString(audio.Data),
		"format": audio.Format,
	})
	return nil
}

// process is the shared message pipeline: session resolve → gate → route →
// generate/tool loop → conversation append. It returns the assembled
// response text for the voice path.
func (o *Orchestrator) process(ctx context.Context, user types.UserContext, sessionID, content string, explicit types.AgentKind, operation string) (string, error) {
	sess, err := o.sessions.Resume(ctx, sessionID, user)
	if err != nil {
		return "", o.fail(ctx, user, sessionID, "", operation, err)
	}
	if sess.Status != types.SessionActive {
		err := fault.New(fault.KindValidation, "session is paused").
			WithHint("unpause the session first")
		return "", o.fail(ctx, user, sessionID, sess.AgentKind, operation, err)
	}

	serving, err := o.router.Route(explicit, content)
	if err != nil {
		return "", o.fail(ctx, user, sessionID, sess.AgentKind, operation, err)
	}

	if err := o.gate.Admit(ctx, gate.Check{
		User: user, Operation: operation, AgentKind: serving.Kind, Session: sess,
	}); err != nil {
		o.metrics.RecordDenial(ctx, string(fault.KindOf(err)))
		return "", o.fail(ctx, user, sessionID, serving.Kind, operation, err)
	}

	if serving.Kind != sess.AgentKind {
		o.bus.Emit(sessionID, serving.Kind, types.EventAgentSwitch, map[string]any{
			"from": string(sess.AgentKind),
			"to":   string(serving.Kind),
		})
	}

	userMsg := types.Message{Role: "user", Content: content, CreatedAt: o.now()}
	if err := o.sessions.AppendMessage(ctx, sess, userMsg); err != nil {
		return "", o.fail(ctx, user, sessionID, serving.Kind, operation, err)
	}

	response, err := o.generate(ctx, user, sess, serving)
	if err != nil {
		return "", o.fail(ctx, user, sessionID, serving.Kind, operation, err)
	}

	o.metrics.RecordRequest(ctx, operation, "ok")
	return response, nil
}

// generate drives the model/tool loop until the model produces a final
// response. Tool failures are fed back to the model as error results rather
// than aborting the stream.
func (o *Orchestrator) generate(ctx context.Context, user types.UserContext, sess *types.Session, serving *agent.Agent) (string, error) {
	o.bus.Emit(sess.ID, serving.Kind, types.EventThinking, nil)

	recovered := false
	for round := 0; round <= maxToolRounds; round++ {
		history, err := o.sessions.History(ctx, sess)
		if err != nil {
			return "", err
		}
		req := backend.Request{
			Messages:     history,
			SystemPrompt: serving.Prompt,
		}
		if o.tools != nil {
			req.Tools = o.tools.Definitions(serving)
		}

		resp, err := o.streamOnce(ctx, sess, serving, req)
		if err != nil {
			// One recovery pass per message for transient model faults.
			if !recovered && o.recovery != nil && fault.As(err).Retryable() {
				if rerr := o.recovery.Recover(ctx, recovery.Incident{
					SessionID: sess.ID, User: user, Model: o.model, Cause: err,
				}); rerr == nil {
					recovered = true
					round--
					continue
				}
			}
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			o.bus.Emit(sess.ID, serving.Kind, types.EventResponse, map[string]any{
				"content":    resp.Content,
				"agent_kind": string(serving.Kind),
			})
			msg := types.Message{Role: "assistant", Content: resp.Content, CreatedAt: o.now()}
			if err := o.sessions.AppendMessage(ctx, sess, msg); err != nil {
				o.logger.Warn("response append failed", "session_id", sess.ID, "error", err)
			}
			return resp.Content, nil
		}

		if err := o.runTools(ctx, user, sess, serving, resp); err != nil {
			return "", err
		}
	}
	return "", fault.New(fault.KindValidation, "the request needed too many tool steps").
		WithHint("break the request into smaller parts")
}

// streamOnce forwards one generation to the event stream, emitting a token
// event per chunk and returning the assembled response.
func (o *Orchestrator) streamOnce(ctx context.Context, sess *types.Session, serving *agent.Agent, req backend.Request) (*backend.Response, error) {
	start := o.now()
	ch, err := o.engine.Generate(ctx, o.model, req)
	if err != nil {
		o.metrics.RecordInference(ctx, o.model, "error", o.now().Sub(start))
		return nil, err
	}

	acc := &backend.Response{}
	for chunk := range ch {
		if chunk.Text != "" && chunk.FinishReason != backend.FinishError {
			o.bus.Emit(sess.ID, serving.Kind, types.EventToken, map[string]any{"text": chunk.Text})
			acc.Content += chunk.Text
		}
		acc.ToolCalls = append(acc.ToolCalls, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			acc.FinishReason = chunk.FinishReason
		}
		if ctx.Err() != nil {
			o.metrics.RecordInference(ctx, o.model, "cancelled", o.now().Sub(start))
			return nil, fault.Wrap(fault.KindTimeout, "the request was cancelled", ctx.Err())
		}
	}
	if acc.FinishReason == backend.FinishError {
		o.metrics.RecordInference(ctx, o.model, "error", o.now().Sub(start))
		return nil, fault.New(fault.KindModelUnavailable, "the response was interrupted").
			WithHint("retry in a moment")
	}
	o.metrics.RecordInference(ctx, o.model, "ok", o.now().Sub(start))
	return acc, nil
}

// runTools executes the model's tool calls and appends both sides of the
// exchange to the conversation so the next round can use the results.
func (o *Orchestrator) runTools(ctx context.Context, user types.UserContext, sess *types.Session, serving *agent.Agent, resp *backend.Response) error {
	assistantMsg := types.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		CreatedAt: o.now(),
	}
	if err := o.sessions.AppendMessage(ctx, sess, assistantMsg); err != nil {
		return err
	}

	results := make([]types.ToolResult, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		o.bus.Emit(sess.ID, serving.Kind, types.EventToolCall, map[string]any{
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
		})

		result := o.dispatchTool(ctx, user, sess, serving, call)
		results = append(results, result)

		o.bus.Emit(sess.ID, serving.Kind, types.EventToolResult, map[string]any{
			"call_id":  result.CallID,
			"content":  result.Content,
			"is_error": result.IsError,
		})
	}

	toolMsg := types.Message{Role: "tool", ToolResults: results, CreatedAt: o.now()}
	return o.sessions.AppendMessage(ctx, sess, toolMsg)
}

// dispatchTool runs one tool call. Failures become error results so the model
// is always informed, including the unknown-outcome case after a timeout.
func (o *Orchestrator) dispatchTool(ctx context.Context, user types.UserContext, sess *types.Session, serving *agent.Agent, call types.ToolCall) types.ToolResult {
	if o.tools == nil {
		return types.ToolResult{CallID: call.ID, Content: "tool execution is not enabled", IsError: true}
	}
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return types.ToolResult{CallID: call.ID, Content: "tool arguments were not valid JSON", IsError: true}
		}
	}
	start := o.now()
	res, err := o.tools.Dispatch(ctx, tool.Invocation{
		Tool:      call.Name,
		Args:      args,
		User:      user,
		SessionID: sess.ID,
		Agent:     serving,
	})
	if err != nil {
		fe := fault.As(err)
		o.metrics.RecordToolCall(ctx, call.Name, string(fe.Kind), o.now().Sub(start))
		return types.ToolResult{CallID: call.ID, Content: fe.UserMessage, IsError: true}
	}
	o.metrics.RecordToolCall(ctx, call.Name, "ok", o.now().Sub(start))
	return types.ToolResult{CallID: call.ID, Content: res.Content, IsError: res.IsError}
}

// errorRecord is the audit entry written for each surfaced pipeline error.
type errorRecord struct {
	Time      time.Time `json:"time"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Operation string    `json:"operation"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
}

// fail surfaces an error: exactly one error event on the stream, an audit
// record, and the sanitized fault back to the caller.
func (o *Orchestrator) fail(ctx context.Context, user types.UserContext, sessionID string, kind types.AgentKind, operation string, err error) error {
	fe := fault.As(err)

	o.bus.Emit(sessionID, kind, types.EventError, map[string]any{
		"kind":          string(fe.Kind),
		"severity":      string(fe.Severity()),
		"user_message":  fe.UserMessage,
		"recovery_hint": fe.RecoveryHint,
	})
	if o.store != nil {
		rec := errorRecord{
			Time:      o.now(),
			UserID:    user.UserID,
			SessionID: sessionID,
			Operation: operation,
			Kind:      string(fe.Kind),
			Severity:  string(fe.Severity()),
		}
		if aerr := o.store.AppendAudit(ctx, rec.Time, rec); aerr != nil {
			o.logger.Warn("audit write failed", "session_id", sessionID, "error", aerr)
		}
	}
	o.metrics.RecordRequest(ctx, operation, "error")
	o.logger.Error("request failed",
		"operation", operation,
		"session_id", sessionID,
		"user_id", user.UserID,
		"kind", fe.Kind,
		"error", err)
	return fe
}
