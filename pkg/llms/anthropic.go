package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/httpclient"
	"github.com/parley-ai/parley/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider adapts the Anthropic messages API to the Provider
// interface.
type AnthropicProvider struct {
	id         string
	cfg        *config.ProviderConfig
	apiKey     string
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    map[string]any `json:"source,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates an adapter for the Anthropic messages API.
func NewAnthropicProvider(id string, cfg *config.ProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{
		id:     id,
		cfg:    cfg,
		apiKey: os.Getenv(cfg.APIKeyEnv),
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

func (p *AnthropicProvider) ProviderID() string { return p.id }
func (p *AnthropicProvider) ModelName() string  { return p.cfg.Model }
func (p *AnthropicProvider) ContextWindow() int { return p.cfg.ContextWindow }
func (p *AnthropicProvider) Multimodal() bool   { return p.cfg.Multimodal }
func (p *AnthropicProvider) Close() error       { return nil }

// Generate runs a non-streaming chat turn.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	body, err := json.Marshal(p.buildRequest(messages, tools, false))
	if err != nil {
		return "", nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := p.httpClient.PostJSON(ctx, p.cfg.BaseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return "", nil, 0, p.wrapHTTPError(resp, err)
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", nil, 0, fmt.Errorf("anthropic API error: %s", parsed.Error.Message)
	}

	var text string
	var calls []*protocol.ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			calls = append(calls, &protocol.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return text, calls, parsed.Usage.InputTokens + parsed.Usage.OutputTokens, nil
}

// GenerateStreaming runs a streaming chat turn.
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(messages, tools, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		if err := p.streamMessages(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

// pendingToolUse accumulates a tool_use block across input_json_delta
// events.
type pendingToolUse struct {
	id   string
	name string
	json string
}

func (p *AnthropicProvider) streamMessages(ctx context.Context, body []byte, out chan<- StreamChunk) error {
	resp, err := p.httpClient.PostJSON(ctx, p.cfg.BaseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return p.wrapHTTPError(resp, err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	blocks := make(map[int]*pendingToolUse)
	order := []int{}
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
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal(line[6:], &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic API error: %s", event.Error.Message)
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				blocks[event.Index] = &pendingToolUse{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				order = append(order, event.Index)
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					out <- StreamChunk{Type: ChunkText, Text: event.Delta.Text}
				}
			case "input_json_delta":
				if block, ok := blocks[event.Index]; ok {
					block.json += event.Delta.PartialJSON
				}
			}
		case "message_delta":
			if event.Usage != nil {
				totalTokens += event.Usage.OutputTokens
			}
		case "message_stop":
			// handled after the loop
		}
	}

	for _, idx := range order {
		block := blocks[idx]
		args := map[string]any{}
		if block.json != "" {
			if err := json.Unmarshal([]byte(block.json), &args); err != nil {
				args = map[string]any{"_raw": block.json}
			}
		}
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &protocol.ToolCall{
			ID:        block.id,
			Name:      block.name,
			Arguments: args,
		}}
	}
	out <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *AnthropicProvider) wrapHTTPError(resp *http.Response, err error) error {
	if resp != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		var wrapper anthropicResponse
		if jsonErr := json.Unmarshal(body, &wrapper); jsonErr == nil && wrapper.Error != nil {
			return fmt.Errorf("anthropic API error (HTTP %d): %s", resp.StatusCode, wrapper.Error.Message)
		}
		return fmt.Errorf("anthropic request failed (HTTP %d): %w", resp.StatusCode, err)
	}
	return fmt.Errorf("anthropic request failed: %w", err)
}

func (p *AnthropicProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, stream bool) anthropicRequest {
	request := anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			request.System += m.Content
		case protocol.RoleTool:
			request.Messages = append(request.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case protocol.RoleAssistant:
			request.Messages = append(request.Messages, p.convertAssistant(m))
		default:
			request.Messages = append(request.Messages, p.convertUser(m))
		}
	}

	for _, t := range tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return request
}

func (p *AnthropicProvider) convertAssistant(m *protocol.Message) anthropicMessage {
	if len(m.ToolCalls) == 0 {
		return anthropicMessage{Role: "assistant", Content: m.Content}
	}
	blocks := []anthropicContentBlock{}
	if m.Content != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Arguments,
		})
	}
	return anthropicMessage{Role: "assistant", Content: blocks}
}

func (p *AnthropicProvider) convertUser(m *protocol.Message) anthropicMessage {
	if !p.cfg.Multimodal || len(m.Attachments) == 0 {
		return anthropicMessage{Role: "user", Content: m.Content}
	}
	blocks := []anthropicContentBlock{{Type: "text", Text: m.Content}}
	for _, att := range m.Attachments {
		switch {
		case att.Data != "":
			blocks = append(blocks, anthropicContentBlock{
				Type: "image",
				Source: map[string]any{
					"type":       "base64",
					"media_type": att.MIMEType,
					"data":       att.Data,
				},
			})
		case att.URL != "":
			blocks = append(blocks, anthropicContentBlock{
				Type: "image",
				Source: map[string]any{
					"type": "url",
					"url":  att.URL,
				},
			})
		}
	}
	return anthropicMessage{Role: "user", Content: blocks}
}
