package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parley-ai/parley/pkg/tools"
)

const basePrompt = `You are a helpful assistant. Answer from conversation context when you can.
When a task needs external data or side effects, call the matching tool and wait for its result before answering.
If a tool call is declined or unavailable, say so briefly and continue without it.`

// buildSystemPrompt assembles the turn's system message from the base
// instructions, the bound tool set, and any session context values.
func buildSystemPrompt(toolset []tools.ToolInfo, sessionContext map[string]any) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if len(toolset) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		for _, info := range toolset {
			b.WriteString("- ")
			b.WriteString(info.Name)
			if info.Description != "" {
				b.WriteString(": ")
				b.WriteString(info.Description)
			}
			b.WriteString("\n")
		}
	}

	if len(sessionContext) > 0 {
		keys := make([]string, 0, len(sessionContext))
		for k := range sessionContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nSession context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, sessionContext[k])
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
