package tools

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeStripsInternalKeys(t *testing.T) {
	got := SanitizeArgs(map[string]any{
		"query":       "weather in Oslo",
		"config":      map[string]any{"api_key": "secret"},
		"callbacks":   []any{"cb"},
		"run_manager": "rm",
	})
	assert.Equal(t, map[string]any{"query": "weather in Oslo"}, got)
}

func TestSanitizeTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := SanitizeArgs(map[string]any{"text": long})

	val := got["text"].(string)
	assert.True(t, strings.HasSuffix(val, truncationMarker))
	assert.Len(t, val, maxDisplayLen+len(truncationMarker))
}

func TestSanitizeNestedValues(t *testing.T) {
	got := SanitizeArgs(map[string]any{
		"payload": map[string]any{
			"config": "hidden",
			"body":   strings.Repeat("y", 300),
		},
	})
	inner := got["payload"].(map[string]any)
	assert.NotContains(t, inner, "config")
	assert.True(t, strings.HasSuffix(inner["body"].(string), truncationMarker))
}

func TestSanitizePositionalRecovery(t *testing.T) {
	got := SanitizeArgs(map[string]any{
		"args": []any{map[string]any{"query": "find invoices"}},
	})
	assert.Equal(t, map[string]any{"query": "find invoices"}, got)
}

func TestSanitizePositionalFallback(t *testing.T) {
	got := SanitizeArgs(map[string]any{
		"args": []any{"first", 2},
	})
	assert.Equal(t, map[string]any{"arg0": "first", "arg1": 2}, got)
}

func TestSanitizeEmpty(t *testing.T) {
	assert.Empty(t, SanitizeArgs(nil))
	assert.Empty(t, SanitizeArgs(map[string]any{}))
}

func TestShapeContentList(t *testing.T) {
	raw := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "line one"},
			map[string]any{"type": "image", "data": "..."},
			map[string]any{"type": "text", "text": "line two"},
		},
	}
	assert.Equal(t, "line one\nline two", ShapeResult(raw))
}

func TestShapeEnvelope(t *testing.T) {
	assert.Equal(t, "42", ShapeResult(map[string]any{"success": true, "result": "42"}))
	assert.Equal(t, "error: boom", ShapeResult(map[string]any{"success": false, "error": "boom"}))
}

func TestShapeNestedEnvelope(t *testing.T) {
	raw := map[string]any{
		"result": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "inner"}},
		},
	}
	assert.Equal(t, "inner", ShapeResult(raw))
}

func TestShapeFallbackCompact(t *testing.T) {
	assert.Equal(t, `{"temp":21}`, ShapeResult(map[string]any{"temp": 21}))
	assert.Equal(t, "plain", ShapeResult("plain"))
	assert.Equal(t, "[1,2]", ShapeResult([]any{1, 2}))
	assert.Equal(t, "", ShapeResult(nil))
}
