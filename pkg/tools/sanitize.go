package tools

import (
	"fmt"
	"strings"
)

// maxDisplayLen bounds string values in the display snapshot.
const maxDisplayLen = 200

// truncationMarker is appended to clipped display values.
const truncationMarker = "... [truncated]"

// internalKeys are framework plumbing that never belongs in a permission
// prompt.
var internalKeys = map[string]struct{}{
	"config":          {},
	"configurable":    {},
	"callbacks":       {},
	"callback":        {},
	"run_manager":     {},
	"run_id":          {},
	"metadata":        {},
	"tags":            {},
	"__arg_context":   {},
	"session_context": {},
}

// positionalKeys are the conventional holders of a tool's primary input,
// probed in order when arguments arrive positionally.
var positionalKeys = []string{"input", "query", "text", "data", "params", "parameters"}

// SanitizeArgs produces the display snapshot of tool arguments for
// permission prompts and status events. The snapshot is for display only;
// the original map remains the call payload.
func SanitizeArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return map[string]any{}
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, internal := internalKeys[strings.ToLower(k)]; internal {
			continue
		}
		out[k] = sanitizeValue(v)
	}

	// Positional form: a single opaque argument list. Recover a name from
	// the conventional fields inside, or keep the positional shape.
	if len(out) == 1 {
		if list, ok := out["args"].([]any); ok {
			return recoverPositional(list)
		}
	}
	return out
}

func recoverPositional(list []any) map[string]any {
	if len(list) == 1 {
		if m, ok := list[0].(map[string]any); ok {
			for _, key := range positionalKeys {
				if v, found := m[key]; found {
					return map[string]any{key: sanitizeValue(v)}
				}
			}
		}
	}
	out := make(map[string]any, len(list))
	for i, v := range list {
		out[fmt.Sprintf("arg%d", i)] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxDisplayLen {
			return val[:maxDisplayLen] + truncationMarker
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, internal := internalKeys[strings.ToLower(k)]; internal {
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}
