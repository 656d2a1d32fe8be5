package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ShapeResult renders a raw tool result as the text handed to the LLM.
// MCP content lists are concatenated, success/result envelopes unwrapped,
// anything else serialized compactly.
func ShapeResult(raw any) string {
	switch val := raw.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		if text, ok := shapeContentList(val); ok {
			return text
		}
		if inner, ok := unwrapEnvelope(val); ok {
			return ShapeResult(inner)
		}
		return compact(val)
	default:
		return compact(val)
	}
}

// shapeContentList concatenates the textual items of an MCP content list.
func shapeContentList(m map[string]any) (string, bool) {
	content, ok := m["content"].([]any)
	if !ok {
		return "", false
	}
	var parts []string
	for _, item := range content {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := entry["type"].(string); t != "" && t != "text" {
			continue
		}
		if text, ok := entry["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// unwrapEnvelope peels {"success": ..., "result": ...} wrappers.
func unwrapEnvelope(m map[string]any) (any, bool) {
	if _, hasSuccess := m["success"]; !hasSuccess {
		if _, hasResult := m["result"]; !hasResult {
			return nil, false
		}
	}
	if result, ok := m["result"]; ok {
		return result, true
	}
	if errText, ok := m["error"].(string); ok {
		return "error: " + errText, true
	}
	return nil, false
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
