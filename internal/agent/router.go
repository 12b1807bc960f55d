package agent

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/pkg/types"
)

// defaultThreshold is the minimum keyword similarity for a classification
// candidate.
const defaultThreshold = 0.88

// scoreEpsilon treats near-identical scores as a tie, resolved by priority.
const scoreEpsilon = 1e-9

// Router picks the agent for a request: an explicit kind wins, otherwise a
// fuzzy keyword classifier over the first user message decides.
type Router struct {
	registry  *Registry
	threshold float64
}

// RouterOption is a functional option for Router.
type RouterOption func(*Router)

// WithThreshold overrides the classifier similarity threshold. Default: 0.88.
func WithThreshold(threshold float64) RouterOption {
	return func(r *Router) {
		r.threshold = threshold
	}
}

// NewRouter constructs a router over the registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{registry: registry, threshold: defaultThreshold}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route resolves the serving agent. When explicit is non-empty it is
// validated and returned; otherwise the message is classified. A message that
// matches no agent falls back to the personal agent.
func (r *Router) Route(explicit types.AgentKind, message string) (*Agent, error) {
	if explicit != "" {
		if !explicit.IsValid() {
			return nil, fault.New(fault.KindValidation, "unknown agent kind")
		}
		return r.registry.Get(explicit)
	}
	return r.registry.Get(r.Classify(message))
}

// Classify scores the message against each agent's keywords and returns the
// best candidate above the threshold. Ties are broken by agent priority,
// lower first. With no candidate the personal agent is returned.
func (r *Router) Classify(message string) types.AgentKind {
	tokens := strings.Fields(strings.ToLower(message))
	if len(tokens) == 0 {
		return types.AgentPersonal
	}

	best := types.AgentPersonal
	bestScore := 0.0
	bestPriority := 0
	found := false

	for _, a := range r.registry.All() {
		if len(a.Keywords) == 0 {
			continue
		}
		score := r.score(tokens, a.Keywords)
		if score < r.threshold {
			continue
		}
		switch {
		case !found,
			score > bestScore+scoreEpsilon,
			score > bestScore-scoreEpsilon && a.Priority < bestPriority:
			best = a.Kind
			bestScore = score
			bestPriority = a.Priority
			found = true
		}
	}
	return best
}

// score returns the best similarity between any message token and any
// keyword. Exact containment scores 1.0; otherwise Jaro-Winkler handles
// misspellings and inflections.
func (r *Router) score(tokens []string, keywords []string) float64 {
	best := 0.0
	for _, kw := range keywords {
		for _, tok := range tokens {
			if tok == kw || strings.HasPrefix(tok, kw) {
				return 1.0
			}
			if s := matchr.JaroWinkler(tok, kw, false); s > best {
				best = s
			}
		}
	}
	return best
}
