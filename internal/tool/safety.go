package tool

import (
	"strings"

	"github.com/emberworks/hearth/internal/fault"
)

// Safety scan bounds. Values above these are rejected before any execution.
const (
	maxStringParamBytes = 8 << 10
	maxRepeatedRun      = 128
	maxScanDepth        = 8
)

// injectionSignatures are substrings that never belong in legitimate tool
// parameters.
var injectionSignatures = []string{
	"<script",
	"</script",
	"javascript:",
	"$(",
	"`",
	"&&",
	"||",
	";",
	"../",
	"..\\",
	"\x00",
}

// scanParams walks all string values in the argument tree and rejects
// injection signatures, path traversal, oversize payloads, and degenerate
// repeated content.
func scanParams(args map[string]any) error {
	return scanValue(args, 0)
}

func scanValue(val any, depth int) error {
	if depth > maxScanDepth {
		return fault.New(fault.KindUnsafeParameters, "parameters are nested too deeply")
	}
	switch v := val.(type) {
	case string:
		return scanString(v)
	case map[string]any:
		for _, inner := range v {
			if err := scanValue(inner, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range v {
			if err := scanValue(inner, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanString(s string) error {
	if len(s) > maxStringParamBytes {
		return fault.New(fault.KindUnsafeParameters, "a parameter value is too large")
	}
	lower := strings.ToLower(s)
	for _, sig := range injectionSignatures {
		if strings.Contains(lower, sig) {
			return fault.New(fault.KindUnsafeParameters, "parameters contain disallowed content")
		}
	}
	if hasDegenerateRun(s) {
		return fault.New(fault.KindUnsafeParameters, "parameters contain degenerate repeated content")
	}
	return nil
}

// hasDegenerateRun reports a run of one character longer than maxRepeatedRun.
func hasDegenerateRun(s string) bool {
	run := 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
			if run >= maxRepeatedRun {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}
