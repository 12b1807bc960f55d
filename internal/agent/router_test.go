package agent

import (
	"testing"

	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/pkg/types"
)

func TestRegistry_AllKindsPresent(t *testing.T) {
	r := NewRegistry()
	for _, kind := range []types.AgentKind{
		types.AgentFamily, types.AgentPersonal, types.AgentWorkspace,
		types.AgentCommerce, types.AgentSecurity, types.AgentVoice,
	} {
		a, err := r.Get(kind)
		if err != nil {
			t.Fatalf("Get(%s): %v", kind, err)
		}
		if a.Permission == "" {
			t.Fatalf("%s has no permission requirement", kind)
		}
	}

	if _, err := r.Get("robot"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatal("expected validation fault for unknown kind")
	}
}

func TestAgent_AllowsTool(t *testing.T) {
	r := NewRegistry()
	commerce, _ := r.Get(types.AgentCommerce)

	if !commerce.AllowsTool("catalog_search") {
		t.Fatal("commerce should allow catalog_search")
	}
	if commerce.AllowsTool("user_suspend") {
		t.Fatal("commerce must not allow security tools")
	}
}

func TestRouter_ExplicitKindWins(t *testing.T) {
	router := NewRouter(NewRegistry())

	// Message screams commerce, but the explicit kind is honored.
	a, err := router.Route(types.AgentFamily, "I want to buy something from the catalog")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if a.Kind != types.AgentFamily {
		t.Fatalf("kind = %s, want family", a.Kind)
	}

	if _, err := router.Route("robot", "hello"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatal("expected validation fault for bad explicit kind")
	}
}

func TestRouter_Classify(t *testing.T) {
	router := NewRouter(NewRegistry())

	tests := []struct {
		message string
		want    types.AgentKind
	}{
		{"please invite my sister to the family", types.AgentFamily},
		{"what is the status of the alpha project", types.AgentWorkspace},
		{"I want to buy a new kettle", types.AgentCommerce},
		{"show me the audit logs for yesterday", types.AgentSecurity},
		{"update my profile picture", types.AgentPersonal},
		{"hello there", types.AgentPersonal},
		{"", types.AgentPersonal},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := router.Classify(tt.message); got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
			}
		})
	}
}

func TestRouter_ClassifyHandlesMisspellings(t *testing.T) {
	router := NewRouter(NewRegistry())

	// "projct" is close enough to "project" for the fuzzy matcher.
	if got := router.Classify("how is the projct going"); got != types.AgentWorkspace {
		t.Fatalf("Classify = %s, want workspace", got)
	}
}

func TestRouter_TieBreaksByPriority(t *testing.T) {
	router := NewRouter(NewRegistry())

	// "audit" (security, priority 1) and "budget" (workspace, priority 3)
	// both score 1.0; security wins deterministically.
	got := router.Classify("audit the budget")
	if got != types.AgentSecurity {
		t.Fatalf("Classify = %s, want security on priority tie-break", got)
	}
}

func TestRouter_VoiceNeverClassified(t *testing.T) {
	router := NewRouter(NewRegistry())

	// No keyword set routes to the voice agent; it is explicit-only.
	if got := router.Classify("voice voice voice"); got == types.AgentVoice {
		t.Fatal("voice agent must not be a classification target")
	}
}
