package tool

import (
	"strings"
	"testing"

	"github.com/emberworks/hearth/internal/fault"
)

func TestScanParams_AcceptsNormalInput(t *testing.T) {
	args := map[string]any{
		"query": "how much did I spend on groceries",
		"limit": 10,
		"filters": map[string]any{
			"category": "food",
			"tags":     []any{"weekly", "household"},
		},
	}
	if err := scanParams(args); err != nil {
		t.Fatalf("scanParams: %v", err)
	}
}

func TestScanParams_RejectsInjectionSignatures(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"script tag", `<script>alert(1)</script>`},
		{"javascript url", "javascript:alert(1)"},
		{"command substitution", "foo $(rm -rf /)"},
		{"backtick", "foo `id`"},
		{"chained command", "ls && cat /etc/passwd"},
		{"or command", "x || true"},
		{"semicolon", "name; drop table"},
		{"path traversal", "../../etc/shadow"},
		{"windows traversal", `..\..\windows`},
		{"null byte", "abc\x00def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scanParams(map[string]any{"p": tt.value})
			if !fault.IsKind(err, fault.KindUnsafeParameters) {
				t.Fatalf("err = %v, want unsafe-parameters", err)
			}
		})
	}
}

func TestScanParams_RejectsNestedPayloads(t *testing.T) {
	args := map[string]any{
		"outer": map[string]any{
			"inner": []any{"fine", "also fine", "`whoami`"},
		},
	}
	if err := scanParams(args); !fault.IsKind(err, fault.KindUnsafeParameters) {
		t.Fatalf("err = %v, want unsafe-parameters for nested value", err)
	}
}

func TestScanParams_RejectsOversizePayload(t *testing.T) {
	err := scanParams(map[string]any{"p": strings.Repeat("ab", 5000)})
	if !fault.IsKind(err, fault.KindUnsafeParameters) {
		t.Fatalf("err = %v, want unsafe-parameters", err)
	}
}

func TestScanParams_RejectsDegenerateRuns(t *testing.T) {
	err := scanParams(map[string]any{"p": strings.Repeat("a", 200)})
	if !fault.IsKind(err, fault.KindUnsafeParameters) {
		t.Fatalf("err = %v, want unsafe-parameters", err)
	}

	if err := scanParams(map[string]any{"p": strings.Repeat("a", 50)}); err != nil {
		t.Fatalf("short run should pass: %v", err)
	}
}

func TestScanParams_RejectsDeepNesting(t *testing.T) {
	inner := any("leaf")
	for i := 0; i < 12; i++ {
		inner = map[string]any{"n": inner}
	}
	err := scanParams(map[string]any{"p": inner})
	if !fault.IsKind(err, fault.KindUnsafeParameters) {
		t.Fatalf("err = %v, want unsafe-parameters", err)
	}
}
