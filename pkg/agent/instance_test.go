package agent

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/llms"
	"github.com/parley-ai/parley/pkg/permission"
	"github.com/parley-ai/parley/pkg/presence"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/tools"
)

// scriptedProvider replays canned chunk rounds, one per streaming call.
// Chunk-mode calls answer with chunkText/chunkErr.
type scriptedProvider struct {
	rounds     [][]llms.StreamChunk
	calls      int
	seen       [][]*protocol.Message
	window     int
	multimodal bool

	chunkText   string
	chunkErr    error
	streamCalls int
	chunkCalls  int
	closes      int
}

func (p *scriptedProvider) ProviderID() string { return "scripted" }
func (p *scriptedProvider) ModelName() string  { return "scripted-1" }
func (p *scriptedProvider) ContextWindow() int {
	if p.window == 0 {
		return 8192
	}
	return p.window
}
func (p *scriptedProvider) Multimodal() bool { return p.multimodal }

func (p *scriptedProvider) Close() error {
	p.closes++
	return nil
}

func (p *scriptedProvider) GenerateStreaming(_ context.Context, msgs []*protocol.Message, _ []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	p.streamCalls++
	p.seen = append(p.seen, msgs)
	round := p.rounds[p.calls]
	if p.calls < len(p.rounds)-1 {
		p.calls++
	}
	ch := make(chan llms.StreamChunk, len(round)+1)
	for _, chunk := range round {
		ch <- chunk
	}
	ch <- llms.StreamChunk{Type: llms.ChunkDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Generate(_ context.Context, msgs []*protocol.Message, _ []llms.ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	p.chunkCalls++
	p.seen = append(p.seen, msgs)
	return p.chunkText, nil, 0, p.chunkErr
}

// fakeSource is an in-process tool server.
type fakeSource struct {
	id    string
	tools []tools.ToolInfo
	calls []string
}

func (f *fakeSource) ID() string                                { return f.id }
func (f *fakeSource) Discover(context.Context) ([]tools.ToolInfo, error) { return f.tools, nil }
func (f *fakeSource) Close() error                              { return nil }

func (f *fakeSource) Call(_ context.Context, name string, _ map[string]any) (any, error) {
	f.calls = append(f.calls, name)
	return map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "12:00"}},
	}, nil
}

type instanceFixture struct {
	inst     *Instance
	desc     *session.Descriptor
	hist     history.Store
	events   *stream.Coordinator
	contexts *ContextRegistry
	provider *scriptedProvider
	source   *fakeSource
	sub      *stream.Subscriber
}

func newInstanceFixture(t *testing.T, provider *scriptedProvider) *instanceFixture {
	t.Helper()
	ctx := context.Background()

	hist, err := history.NewSQLStore(&config.HistoryConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	pres := presence.NewMemoryStore()
	sessions := session.NewManager(hist, pres, &config.SessionConfig{TimeoutSeconds: 3600})
	desc, err := sessions.Create(ctx, "alice", "", nil)
	require.NoError(t, err)

	toolsCfg := &config.ToolsConfig{}
	toolsCfg.SetDefaults()
	registry := tools.NewRegistry(toolsCfg)
	t.Cleanup(registry.Close)

	source := &fakeSource{id: "srv", tools: []tools.ToolInfo{
		{Name: "time", Risk: protocol.RiskLow},
	}}
	require.NoError(t, registry.RegisterSource(ctx,
		&config.ToolServerConfig{ID: "srv", URL: "http://example"}, source))

	permCfg := &config.PermissionConfig{}
	permCfg.SetDefaults()
	consent := permission.NewCoordinator(permCfg)
	t.Cleanup(consent.Close)

	events := stream.NewCoordinator(&config.StreamConfig{SubscriberQueueSize: 100, HeartbeatSeconds: 3600})
	t.Cleanup(events.Close)

	contexts := NewContextRegistry()
	adapter := tools.NewAdapter(registry, consent, events, contexts, time.Minute)

	inst := &Instance{
		SessionID:   desc.SessionID,
		UserID:      desc.UserID,
		ThreadID:    desc.ThreadID,
		binding:     Binding{ProviderID: "scripted", ModelID: "scripted-1"},
		provider:    provider,
		streaming:   true,
		estimator:   llms.NewTokenEstimator("scripted-1"),
		hist:        hist,
		pres:        pres,
		sessions:    sessions,
		adapter:     adapter,
		events:      events,
		contexts:    contexts,
		historyMax:  10,
		budget:      int(0.6 * float64(provider.ContextWindow())),
		msgCacheTTL: time.Hour,
		toolset:     registry.ToolsFor(nil),
		servers:     []string{"srv"},
		createdAt:   time.Now(),
		lastUsed:    time.Now(),
		logger:      slog.Default(),
	}

	return &instanceFixture{
		inst:     inst,
		desc:     desc,
		hist:     hist,
		events:   events,
		contexts: contexts,
		provider: provider,
		source:   source,
		sub:      events.Subscribe(desc.SessionID),
	}
}

func (f *instanceFixture) drain() []stream.Event {
	var out []stream.Event
	for {
		select {
		case ev := <-f.sub.C:
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestRunPlainTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llms.StreamChunk{{
		{Type: llms.ChunkText, Text: "Hello "},
		{Type: llms.ChunkText, Text: "world."},
	}}}
	f := newInstanceFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, f.inst.Run(ctx, f.desc, "hi", nil, TurnOptions{}))

	msgs, err := f.hist.Messages(ctx, f.desc.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world.", msgs[1].Content)

	ec, ok := f.contexts.Get(f.desc.SessionID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, ec.State)

	var contents []string
	for _, ev := range f.drain() {
		if ev.Type == stream.EventContent {
			contents = append(contents, ev.Content)
		}
	}
	assert.Equal(t, []string{"Hello ", "world."}, contents)
}

func TestRunToolRound(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkText, Text: "Let me check the clock."},
			{Type: llms.ChunkToolCall, ToolCall: &protocol.ToolCall{ID: "c1", Name: "srv::time"}},
		},
		{
			{Type: llms.ChunkText, Text: "It is noon."},
		},
	}}
	f := newInstanceFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, f.inst.Run(ctx, f.desc, "what time is it?", nil, TurnOptions{}))

	assert.Equal(t, []string{"time"}, f.source.calls)

	// The tool result fed back to the model carries the shaped text.
	require.Len(t, provider.seen, 2)
	secondRound := provider.seen[1]
	last := secondRound[len(secondRound)-1]
	assert.Equal(t, protocol.RoleTool, last.Role)
	assert.Equal(t, "12:00", last.Content)
	assert.Equal(t, "c1", last.ToolCallID)

	// History holds one post-hoc assistant record spanning both rounds.
	msgs, err := f.hist.Messages(ctx, f.desc.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Let me check the clock.")
	assert.Contains(t, msgs[1].Content, "It is noon.")

	var statuses []string
	for _, ev := range f.drain() {
		if ev.Type == stream.EventToolExecutionStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []string{stream.StatusExecuting, stream.StatusCompleted}, statuses)
}

func TestRunStreamErrorFallsBackToChunkMode(t *testing.T) {
	provider := &scriptedProvider{
		rounds:    [][]llms.StreamChunk{{{Type: llms.ChunkError, Err: assert.AnError}}},
		chunkText: "recovered answer",
	}
	f := newInstanceFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, f.inst.Run(ctx, f.desc, "hi", nil, TurnOptions{}))
	assert.Equal(t, 1, provider.streamCalls)
	assert.Equal(t, 1, provider.chunkCalls)

	msgs, err := f.hist.Messages(ctx, f.desc.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "recovered answer", msgs[1].Content)

	ec, _ := f.contexts.Get(f.desc.SessionID)
	assert.Equal(t, StateCompleted, ec.State)

	// The chunk-mode answer still reaches stream subscribers.
	var contents []string
	for _, ev := range f.drain() {
		if ev.Type == stream.EventContent {
			contents = append(contents, ev.Content)
		}
	}
	assert.Equal(t, []string{"recovered answer"}, contents)
}

func TestRunFailsWhenChunkRetryAlsoFails(t *testing.T) {
	provider := &scriptedProvider{
		rounds:   [][]llms.StreamChunk{{{Type: llms.ChunkText, Text: "partial"}, {Type: llms.ChunkError, Err: assert.AnError}}},
		chunkErr: assert.AnError,
	}
	f := newInstanceFixture(t, provider)

	err := f.inst.Run(context.Background(), f.desc, "hi", nil, TurnOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, provider.chunkCalls)

	ec, _ := f.contexts.Get(f.desc.SessionID)
	assert.Equal(t, StateError, ec.State)

	var sawError bool
	for _, ev := range f.drain() {
		if ev.Type == stream.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestRunChunkModeWhenStreamingDisabled(t *testing.T) {
	provider := &scriptedProvider{chunkText: "chunked answer"}
	f := newInstanceFixture(t, provider)
	f.inst.streaming = false
	ctx := context.Background()

	require.NoError(t, f.inst.Run(ctx, f.desc, "hi", nil, TurnOptions{}))
	assert.Zero(t, provider.streamCalls)
	assert.Equal(t, 1, provider.chunkCalls)

	msgs, err := f.hist.Messages(ctx, f.desc.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "chunked answer", msgs[1].Content)
}

func TestAttachmentsDroppedWithoutMultimodal(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llms.StreamChunk{{
		{Type: llms.ChunkText, Text: "ok"},
	}}}
	f := newInstanceFixture(t, provider)

	att := []protocol.Attachment{{MIMEType: "image/png", Data: "aGk="}}
	require.NoError(t, f.inst.Run(context.Background(), f.desc, "look", att, TurnOptions{}))

	prompt := provider.seen[0]
	userMsg := prompt[len(prompt)-1]
	assert.Empty(t, userMsg.Attachments)
}

func TestAssembleHistoryBudget(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llms.StreamChunk{{}}}
	f := newInstanceFixture(t, provider)
	ctx := context.Background()

	old := strings.Repeat("old words here ", 50)
	recent := "recent short message"
	for _, content := range []string{old, recent} {
		require.NoError(t, f.hist.AppendMessage(ctx, &protocol.Message{
			ID:        uuid.NewString(),
			SessionID: f.desc.SessionID,
			Role:      protocol.RoleUser,
			Content:   content,
			Timestamp: time.Now().UTC(),
		}))
	}

	// Budget covers only the newest message.
	f.inst.budget = f.inst.estimator.CountMessage(&protocol.Message{Content: recent}) + 2
	msgs, err := f.inst.assembleHistory(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, recent, msgs[0].Content)
}

func TestAssembleHistoryClipsOversizedMessage(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llms.StreamChunk{{}}}
	f := newInstanceFixture(t, provider)
	ctx := context.Background()

	huge := strings.Repeat("tokens and more tokens ", 200)
	require.NoError(t, f.hist.AppendMessage(ctx, &protocol.Message{
		ID:        uuid.NewString(),
		SessionID: f.desc.SessionID,
		Role:      protocol.RoleUser,
		Content:   huge,
		Timestamp: time.Now().UTC(),
	}))

	f.inst.budget = 20
	msgs, err := f.inst.assembleHistory(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasSuffix(msgs[0].Content, historyTruncationMarker))
	assert.Less(t, len(msgs[0].Content), len(huge))
}
