package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/protocol"
)

func TestRegistryGet(t *testing.T) {
	cfg := &config.LLMConfig{
		DefaultProvider: "main",
		Providers: map[string]*config.ProviderConfig{
			"main":  {Type: "openai", Model: "gpt-4o-mini"},
			"local": {Type: "ollama", Model: "llama3.2"},
			"weird": {Type: "carrier-pigeon"},
		},
	}
	cfg.SetDefaults()
	r := NewRegistry(cfg)

	p, err := r.Get("", "")
	require.NoError(t, err)
	assert.Equal(t, "main", p.ProviderID())
	assert.Equal(t, "gpt-4o-mini", p.ModelName())

	p, err = r.Get("local", "mistral")
	require.NoError(t, err)
	assert.Equal(t, "mistral", p.ModelName())
	assert.Equal(t, "llama3.2", cfg.Providers["local"].Model, "override must not mutate config")

	_, err = r.Get("missing", "")
	assert.ErrorContains(t, err, "unknown LLM provider")

	_, err = r.Get("weird", "")
	assert.ErrorContains(t, err, "unsupported provider type")
}

func TestOpenAIStreamingText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}],\"usage\":{\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	p := NewOpenAIProvider("main", &config.ProviderConfig{
		Type: "openai", Model: "gpt-4o-mini", BaseURL: ts.URL,
	})

	ch, err := p.GenerateStreaming(context.Background(),
		[]*protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)

	var text string
	var done *StreamChunk
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			c := chunk
			done = &c
		case ChunkError:
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
	}
	assert.Equal(t, "Hello", text)
	require.NotNil(t, done)
	assert.Equal(t, 7, done.Tokens)
}

func TestOpenAIStreamingAccumulatesToolCall(t *testing.T) {
	// Argument JSON arrives split across deltas; the adapter reassembles it
	// and emits one complete call before the done marker.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"function\":{\"name\":\"srv::time\",\"arguments\":\"{\\\"tz\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"UTC\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	p := NewOpenAIProvider("main", &config.ProviderConfig{
		Type: "openai", Model: "gpt-4o-mini", BaseURL: ts.URL,
	})

	ch, err := p.GenerateStreaming(context.Background(),
		[]*protocol.Message{{Role: protocol.RoleUser, Content: "time?"}}, nil)
	require.NoError(t, err)

	var calls []*protocol.ToolCall
	for chunk := range ch {
		if chunk.Type == ChunkToolCall {
			calls = append(calls, chunk.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "srv::time", calls[0].Name)
	assert.Equal(t, map[string]any{"tz": "UTC"}, calls[0].Arguments)
}

func TestOpenAIStreamingSurfacesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"rate limited\"}}\n\n")
	}))
	defer ts.Close()

	p := NewOpenAIProvider("main", &config.ProviderConfig{
		Type: "openai", Model: "gpt-4o-mini", BaseURL: ts.URL,
	})

	ch, err := p.GenerateStreaming(context.Background(),
		[]*protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)

	var streamErr error
	for chunk := range ch {
		if chunk.Type == ChunkError {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "rate limited")
}

func TestTokenEstimator(t *testing.T) {
	e := NewTokenEstimator("some-unknown-model")

	assert.Equal(t, 0, e.Count(""))
	short := e.Count("hi")
	long := e.Count("a considerably longer sentence with many more words in it")
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)

	msg := &protocol.Message{Role: protocol.RoleUser, Content: "hello world"}
	assert.Greater(t, e.CountMessage(msg), e.Count(msg.Content), "framing overhead counts")

	msgs := []*protocol.Message{msg, msg, msg}
	assert.Equal(t, 3*e.CountMessage(msg), e.CountMessages(msgs))
}
