// Package llms presents heterogeneous LLM providers behind one streaming
// call surface. Each provider adapter turns a chat turn into a lazy chunk
// sequence; tool-call announcements partition the stream so the consumer can
// answer each call before the next turn.
package llms

import (
	"context"

	"github.com/parley-ai/parley/pkg/protocol"
)

// Chunk types emitted on a provider stream.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk is one element of a provider's lazy response sequence.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *protocol.ToolCall
	Tokens   int
	Err      error
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Provider is the uniform call surface over one (provider, model) binding.
type Provider interface {
	// ProviderID returns the configured provider id.
	ProviderID() string

	// ModelName returns the bound model id.
	ModelName() string

	// ContextWindow returns the model's declared context window in tokens.
	ContextWindow() int

	// Multimodal reports whether the binding accepts image input.
	Multimodal() bool

	// GenerateStreaming runs one chat turn in streaming mode. The returned
	// channel is closed after a ChunkDone or ChunkError element.
	GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// Generate runs one chat turn in non-streaming mode. Used as fallback
	// when streaming fails or is disabled.
	Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error)

	// Close releases provider resources.
	Close() error
}
