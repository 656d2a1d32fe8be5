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
	"strconv"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/httpclient"
	"github.com/parley-ai/parley/pkg/protocol"
)

// OpenAIProvider adapts the OpenAI chat completions API (and compatible
// gateways) to the Provider interface.
type OpenAIProvider struct {
	id         string
	cfg        *config.ProviderConfig
	apiKey     string
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

// NewOpenAIProvider creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIProvider(id string, cfg *config.ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{
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

func (p *OpenAIProvider) ProviderID() string { return p.id }
func (p *OpenAIProvider) ModelName() string  { return p.cfg.Model }
func (p *OpenAIProvider) ContextWindow() int { return p.cfg.ContextWindow }
func (p *OpenAIProvider) Multimodal() bool   { return p.cfg.Multimodal }
func (p *OpenAIProvider) Close() error       { return nil }

// Generate runs a non-streaming chat turn.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	request := p.buildRequest(messages, tools, false)

	body, err := json.Marshal(request)
	if err != nil {
		return "", nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := p.httpClient.PostJSON(ctx, p.cfg.BaseURL+"/chat/completions", body, p.headers())
	if err != nil {
		return "", nil, 0, p.wrapHTTPError(resp, err)
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", nil, 0, fmt.Errorf("openai API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, 0, fmt.Errorf("openai returned no choices")
	}

	choice := parsed.Choices[0]
	text, _ := choice.Message.Content.(string)

	var calls []*protocol.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, decodeOpenAIToolCall(tc))
	}

	return text, calls, parsed.Usage.TotalTokens, nil
}

// GenerateStreaming runs a streaming chat turn. Tool calls are accumulated
// across deltas and emitted once complete, before the done marker.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, tools, true)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		if err := p.streamCompletions(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) streamCompletions(ctx context.Context, body []byte, out chan<- StreamChunk) error {
	resp, err := p.httpClient.PostJSON(ctx, p.cfg.BaseURL+"/chat/completions", body, p.headers())
	if err != nil {
		return p.wrapHTTPError(resp, err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	partials := make(map[int]*openAIToolCall)
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
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			partial, ok := partials[tc.Index]
			if !ok {
				partial = &openAIToolCall{Index: tc.Index}
				partials[tc.Index] = partial
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				partial.ID = tc.ID
			}
			if tc.Function.Name != "" {
				partial.Function.Name = tc.Function.Name
			}
			partial.Function.Arguments += tc.Function.Arguments
		}
	}

	for _, idx := range order {
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: decodeOpenAIToolCall(*partials[idx])}
	}
	out <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

func (p *OpenAIProvider) headers() map[string]string {
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers
}

func (p *OpenAIProvider) wrapHTTPError(resp *http.Response, err error) error {
	if resp != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		var wrapper struct {
			Error *openAIError `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &wrapper); jsonErr == nil && wrapper.Error != nil {
			return fmt.Errorf("openai API error (HTTP %d): %s", resp.StatusCode, wrapper.Error.Message)
		}
		return fmt.Errorf("openai request failed (HTTP %d): %w", resp.StatusCode, err)
	}
	return fmt.Errorf("openai request failed: %w", err)
}

func (p *OpenAIProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, stream bool) openAIRequest {
	request := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    make([]openAIMessage, 0, len(messages)),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}

	for _, m := range messages {
		request.Messages = append(request.Messages, p.convertMessage(m))
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

func (p *OpenAIProvider) convertMessage(m *protocol.Message) openAIMessage {
	msg := openAIMessage{Role: string(m.Role)}

	switch m.Role {
	case protocol.RoleTool:
		msg.Content = m.Content
		msg.ToolCallID = m.ToolCallID
	case protocol.RoleAssistant:
		msg.Content = m.Content
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
	default:
		if p.cfg.Multimodal && len(m.Attachments) > 0 {
			parts := []openAIContentPart{{Type: "text", Text: m.Content}}
			for _, att := range m.Attachments {
				url := att.URL
				if url == "" && att.Data != "" {
					url = fmt.Sprintf("data:%s;base64,%s", att.MIMEType, att.Data)
				}
				if url != "" {
					parts = append(parts, openAIContentPart{
						Type:     "image_url",
						ImageURL: &openAIImageURL{URL: url},
					})
				}
			}
			msg.Content = parts
		} else {
			msg.Content = m.Content
		}
	}
	return msg
}

func decodeOpenAIToolCall(tc openAIToolCall) *protocol.ToolCall {
	call := &protocol.ToolCall{
		ID:        tc.ID,
		Name:      tc.Function.Name,
		Arguments: map[string]any{},
	}
	if call.ID == "" {
		call.ID = "call_" + strconv.Itoa(tc.Index)
	}
	if tc.Function.Arguments != "" {
		// Malformed argument JSON is passed through raw so the tool layer
		// can surface a useful error.
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.Arguments = map[string]any{"_raw": tc.Function.Arguments}
		}
	}
	return call
}
