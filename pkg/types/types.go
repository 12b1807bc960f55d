// Package types defines the shared types used across all Hearth packages.
//
// These types form the lingua franca between the gate, the session manager, the
// event bus, the model engine, and the orchestrator. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// UserContext is the stable identity carrier for a single request or session.
// It is created by the external auth layer and passed in; Hearth never mutates
// it. All fields are value types so a UserContext can be shared freely.
type UserContext struct {
	// UserID is the opaque identifier assigned by the auth layer.
	UserID string

	// Roles is the set of role tags (e.g., "member", "admin") granted to the user.
	Roles []string

	// Permissions is the set of permission tags granted directly to the user,
	// in addition to any permissions implied by Roles.
	Permissions []string

	// Families lists the family group IDs the user belongs to.
	Families []string

	// Workspaces lists the workspace IDs the user belongs to.
	Workspaces []string
}

// HasRole reports whether the user carries the given role tag.
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the user carries the given permission tag
// directly. Role-implied permissions are resolved by the gate, not here.
func (u UserContext) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// InFamily reports whether the user is a member of the given family.
func (u UserContext) InFamily(familyID string) bool {
	for _, f := range u.Families {
		if f == familyID {
			return true
		}
	}
	return false
}

// AgentKind identifies one of the specialized agent roles.
type AgentKind string

const (
	AgentFamily    AgentKind = "family"
	AgentPersonal  AgentKind = "personal"
	AgentWorkspace AgentKind = "workspace"
	AgentCommerce  AgentKind = "commerce"
	AgentSecurity  AgentKind = "security"
	AgentVoice     AgentKind = "voice"
)

// IsValid reports whether k is a recognised agent kind.
func (k AgentKind) IsValid() bool {
	switch k {
	case AgentFamily, AgentPersonal, AgentWorkspace, AgentCommerce, AgentSecurity, AgentVoice:
		return true
	}
	return false
}

// SessionMode selects the interaction channel for a session.
type SessionMode string

const (
	ModeChat  SessionMode = "chat"
	ModeVoice SessionMode = "voice"
)

// IsValid reports whether m is a recognised session mode.
func (m SessionMode) IsValid() bool {
	return m == ModeChat || m == ModeVoice
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionPaused     SessionStatus = "paused"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// PrivacyMode determines visibility, retention, and encryption semantics of
// conversation content for a session.
type PrivacyMode string

const (
	PrivacyPublic       PrivacyMode = "public"
	PrivacyPrivate      PrivacyMode = "private"
	PrivacyFamilyShared PrivacyMode = "family_shared"
	PrivacyEncrypted    PrivacyMode = "encrypted"
	PrivacyEphemeral    PrivacyMode = "ephemeral"
)

// IsValid reports whether p is a recognised privacy mode.
func (p PrivacyMode) IsValid() bool {
	switch p {
	case PrivacyPublic, PrivacyPrivate, PrivacyFamilyShared, PrivacyEncrypted, PrivacyEphemeral:
		return true
	}
	return false
}

// Session is a bounded-lifetime conversational context tying a user to an
// agent and a conversation history. The session manager owns the lifecycle;
// all other components reference sessions by ID only.
type Session struct {
	// ID is a UUID v4 assigned at creation. Sessions with identical IDs never
	// coexist.
	ID string `json:"session_id"`

	// UserID is the owning user. Resume validates ownership against it.
	UserID string `json:"user_id"`

	// AgentKind is the agent currently serving this session. May change via an
	// in-session agent switch.
	AgentKind AgentKind `json:"agent_kind"`

	// Mode is the interaction channel (chat or voice). Fixed at creation.
	Mode SessionMode `json:"mode"`

	// Privacy controls visibility and retention of conversation content.
	Privacy PrivacyMode `json:"privacy_mode"`

	// SecurityToken is 32 random bytes, hex-encoded. It authenticates stream
	// resumption and must never appear in logs.
	SecurityToken string `json:"security_token"`

	Status         SessionStatus `json:"status"`
	ConversationID string        `json:"conversation_id"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExpiresAt      time.Time     `json:"expires_at"`

	// Metadata carries opaque client-supplied key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults holds the outputs of executed tool calls when Role is "tool".
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the unique identifier for this tool call.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments object.
	Arguments string `json:"arguments"`
}

// ToolResult holds the outcome of an executed tool call.
type ToolResult struct {
	// CallID matches the ToolCall.ID this result responds to.
	CallID string `json:"call_id"`

	// Content is the tool's textual output, typically JSON.
	Content string `json:"content"`

	// IsError indicates an application-level tool failure; Content then holds
	// the error message.
	IsError bool `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool that can be offered to an agent.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in agent prompts).
	Description string

	// Parameters maps parameter names to their declared specifications.
	Parameters map[string]ParameterSpec

	// Dangerous marks tools whose effects require the ai:admin permission and
	// critical-level audit logging.
	Dangerous bool

	// TimeoutMs overrides the dispatcher's default per-tool timeout when > 0.
	TimeoutMs int
}

// ParameterSpec declares the type and bounds of a single tool parameter.
type ParameterSpec struct {
	// Type is one of "string", "number", "integer", "boolean", "object", "array".
	Type string

	// Required marks parameters that must be present.
	Required bool

	// MaxLength bounds string parameters (0 = unbounded up to the global cap).
	MaxLength int

	// Min and Max bound numeric parameters. Both zero means unbounded.
	Min, Max float64
}

// EventType enumerates the typed events fanned out to session subscribers.
type EventType string

const (
	EventToken        EventType = "token"
	EventResponse     EventType = "response"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventTTS          EventType = "tts"
	EventSTT          EventType = "stt"
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventAgentSwitch  EventType = "agent_switch"
	EventThinking     EventType = "thinking"
	EventTyping       EventType = "typing"
	EventWaiting      EventType = "waiting"
	EventError        EventType = "error"
	EventWarning      EventType = "warning"

	// EventGap is emitted to a resuming subscriber when its last seen event has
	// been evicted from the session's replay buffer.
	EventGap EventType = "gap"
)

// Event is a value emitted once by the core and fanned out to zero or more
// subscribers. Events must not be mutated after emission.
type Event struct {
	// ID is a monotonically increasing sequence number within the session.
	ID uint64 `json:"event_id"`

	SessionID string    `json:"session_id"`
	AgentKind AgentKind `json:"agent_kind,omitempty"`
	Type      EventType `json:"type"`

	// Payload is the event-type-specific body, already JSON-serializable.
	Payload map[string]any `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ToolInvocation is the audit record for a single tool dispatch. Records are
// append-only and never mutated.
type ToolInvocation struct {
	ToolName    string    `json:"tool_name"`
	AgentKind   AgentKind `json:"agent_kind"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Outcome is one of "ok", "denied", "error", "timeout".
	Outcome string `json:"outcome"`

	DurationMs int64 `json:"duration_ms"`
}
