// Package agent holds the static agent registry and the intent router.
//
// Agents are configuration, not behaviour: one entry per kind, process-wide,
// never mutated after construction. Behaviour differences live in data (prompt
// templates, tool allowlists, permission tags) plus the router's
// classification keywords.
package agent

import (
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/gate"
	"github.com/emberworks/hearth/pkg/types"
)

// Agent is one static registry entry.
type Agent struct {
	// Kind identifies the agent.
	Kind types.AgentKind

	// Capabilities names what the agent can do, for prompts and diagnostics.
	Capabilities []string

	// Prompt is the default system prompt.
	Prompt string

	// ToolAllowlist names the tools this agent may dispatch.
	ToolAllowlist []string

	// Permission is the tag a user needs to address this agent.
	Permission string

	// Priority breaks classification ties deterministically; lower wins.
	Priority int

	// Keywords feed the router's fuzzy intent classifier. Empty keeps the
	// agent out of classification (it is then only reachable explicitly).
	Keywords []string
}

// AllowsTool reports whether the tool is on this agent's allowlist.
func (a *Agent) AllowsTool(name string) bool {
	for _, t := range a.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

// Registry is the static table of agent kinds.
type Registry struct {
	agents map[types.AgentKind]*Agent
}

// NewRegistry builds the registry with the built-in agent table.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[types.AgentKind]*Agent)}
	for _, a := range builtinAgents() {
		r.agents[a.Kind] = a
	}
	return r
}

// Get returns the agent for the given kind.
func (r *Registry) Get(kind types.AgentKind) (*Agent, error) {
	a, ok := r.agents[kind]
	if !ok {
		return nil, fault.New(fault.KindValidation, "unknown agent kind")
	}
	return a, nil
}

// All returns every registered agent. The slice order is unspecified.
func (r *Registry) All() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

func builtinAgents() []*Agent {
	return []*Agent{
		{
			Kind:         types.AgentFamily,
			Capabilities: []string{"family lifecycle", "member invitations", "token requests"},
			Prompt: "You are the family assistant. You help with family membership, " +
				"invitations, and shared family resources. Be warm and concise.",
			ToolAllowlist: []string{"family_invite", "member_list", "token_request"},
			Permission:    gate.PermFamily,
			Priority:      2,
			Keywords: []string{
				"family", "invite", "invitation", "member", "household",
				"parent", "child", "allowance",
			},
		},
		{
			Kind:         types.AgentPersonal,
			Capabilities: []string{"profile", "security settings", "personal asset queries"},
			Prompt: "You are a personal assistant. You help the user manage their " +
				"profile, settings, and personal assets. Answer directly.",
			ToolAllowlist: []string{"profile_update", "asset_query", "reminder_set"},
			Permission:    gate.PermBasicChat,
			Priority:      5,
			Keywords: []string{
				"profile", "password", "settings", "account", "assets",
				"reminder", "preferences",
			},
		},
		{
			Kind:         types.AgentWorkspace,
			Capabilities: []string{"team coordination", "project tracking", "budget coordination"},
			Prompt: "You are the workspace assistant. You coordinate teams, projects, " +
				"tasks, and budgets. Keep answers actionable.",
			ToolAllowlist: []string{"project_status", "task_create", "budget_report"},
			Permission:    gate.PermWorkspace,
			Priority:      3,
			Keywords: []string{
				"team", "project", "task", "deadline", "sprint",
				"workspace", "milestone", "budget",
			},
		},
		{
			Kind:         types.AgentCommerce,
			Capabilities: []string{"catalog browse", "budget advice", "purchase assistance"},
			Prompt: "You are the commerce assistant. You help browse the catalog, " +
				"compare prices, and assist with purchases. Never place an order " +
				"without explicit confirmation.",
			ToolAllowlist: []string{"catalog_search", "price_check", "purchase_order"},
			Permission:    gate.PermCommerce,
			Priority:      4,
			Keywords: []string{
				"buy", "purchase", "catalog", "price", "shop", "order",
				"cart", "checkout",
			},
		},
		{
			Kind:         types.AgentSecurity,
			Capabilities: []string{"monitoring", "audit", "administration"},
			Prompt: "You are the security assistant for administrators. You answer " +
				"from audit logs and system state only; never speculate.",
			ToolAllowlist: []string{"audit_query", "system_status", "user_suspend"},
			Permission:    gate.PermAdmin,
			Priority:      1,
			Keywords: []string{
				"audit", "monitor", "alert", "breach", "logs", "suspicious",
				"security",
			},
		},
		{
			// Voice captures audio and routes to another agent; it is never a
			// classification target itself.
			Kind:          types.AgentVoice,
			Capabilities:  []string{"voice capture", "routing to another agent"},
			Prompt:        "",
			ToolAllowlist: nil,
			Permission:    gate.PermVoice,
			Priority:      6,
		},
	}
}
