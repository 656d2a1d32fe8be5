package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/httpclient"
	"github.com/parley-ai/parley/pkg/protocol"
)

// OllamaProvider adapts a local Ollama server's native chat API to the
// Provider interface.
type OllamaProvider struct {
	id         string
	cfg        *config.ProviderConfig
	httpClient *httpclient.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	EvalCount       int           `json:"eval_count,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaProvider creates an adapter for a local Ollama server.
func NewOllamaProvider(id string, cfg *config.ProviderConfig) *OllamaProvider {
	return &OllamaProvider{
		id:  id,
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

func (p *OllamaProvider) ProviderID() string { return p.id }
func (p *OllamaProvider) ModelName() string  { return p.cfg.Model }
func (p *OllamaProvider) ContextWindow() int { return p.cfg.ContextWindow }
func (p *OllamaProvider) Multimodal() bool   { return p.cfg.Multimodal }
func (p *OllamaProvider) Close() error       { return nil }

// Generate runs a non-streaming chat turn.
func (p *OllamaProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	body, err := json.Marshal(p.buildRequest(messages, tools, false))
	if err != nil {
		return "", nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := p.httpClient.PostJSON(ctx, p.cfg.BaseURL+"/api/chat", body, nil)
	if err != nil {
		return "", nil, 0, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != "" {
		return "", nil, 0, fmt.Errorf("ollama API error: %s", parsed.Error)
	}

	var calls []*protocol.ToolCall
	for _, tc := range parsed.Message.ToolCalls {
		calls = append(calls, decodeOllamaToolCall(tc))
	}
	return parsed.Message.Content, calls, parsed.PromptEvalCount + parsed.EvalCount, nil
}

// GenerateStreaming runs a streaming chat turn over Ollama's NDJSON stream.
func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(messages, tools, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		if err := p.streamChat(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OllamaProvider) streamChat(ctx context.Context, body []byte, out chan<- StreamChunk) error {
	resp, err := p.httpClient.PostJSON(ctx, p.cfg.BaseURL+"/api/chat", body, nil)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var calls []*protocol.ToolCall
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}
		}
		for _, tc := range chunk.Message.ToolCalls {
			calls = append(calls, decodeOllamaToolCall(tc))
		}
		if chunk.Done {
			totalTokens = chunk.PromptEvalCount + chunk.EvalCount
			break
		}
	}

	for _, call := range calls {
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: call}
	}
	out <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

func (p *OllamaProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, stream bool) ollamaRequest {
	request := ollamaRequest{
		Model:  p.cfg.Model,
		Stream: stream,
	}
	if p.cfg.Temperature > 0 || p.cfg.MaxTokens > 0 {
		request.Options = map[string]any{}
		if p.cfg.Temperature > 0 {
			request.Options["temperature"] = p.cfg.Temperature
		}
		if p.cfg.MaxTokens > 0 {
			request.Options["num_predict"] = p.cfg.MaxTokens
		}
	}

	for _, m := range messages {
		msg := ollamaMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == protocol.RoleTool {
			// Ollama has no tool_call_id plumbing; tool results go back as
			// plain tool-role content.
			msg.Role = "tool"
		}
		if p.cfg.Multimodal {
			for _, att := range m.Attachments {
				if att.Data != "" {
					msg.Images = append(msg.Images, att.Data)
				}
			}
		}
		request.Messages = append(request.Messages, msg)
	}

	for _, t := range tools {
		request.Tools = append(request.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return request
}

func decodeOllamaToolCall(tc ollamaToolCall) *protocol.ToolCall {
	return &protocol.ToolCall{
		ID:        "call_" + uuid.NewString()[:8],
		Name:      tc.Function.Name,
		Arguments: tc.Function.Arguments,
	}
}
