package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/agent"
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

type serverFixture struct {
	server   *Server
	handler  http.Handler
	sessions *session.Manager
	consent  *permission.Coordinator
	events   *stream.Coordinator
	registry *tools.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	hist, err := history.NewSQLStore(&config.HistoryConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	pres := presence.NewMemoryStore()
	sessions := session.NewManager(hist, pres, &config.SessionConfig{TimeoutSeconds: 3600})

	llmCfg := &config.LLMConfig{
		DefaultProvider: "local",
		Providers: map[string]*config.ProviderConfig{
			"local": {Type: "ollama"},
		},
	}
	llmCfg.SetDefaults()

	toolsCfg := &config.ToolsConfig{}
	toolsCfg.SetDefaults()
	registry := tools.NewRegistry(toolsCfg)
	t.Cleanup(registry.Close)

	permCfg := &config.PermissionConfig{}
	permCfg.SetDefaults()
	consent := permission.NewCoordinator(permCfg)
	t.Cleanup(consent.Close)

	events := stream.NewCoordinator(&config.StreamConfig{SubscriberQueueSize: 100, HeartbeatSeconds: 3600})
	t.Cleanup(events.Close)

	contexts := agent.NewContextRegistry()
	adapter := tools.NewAdapter(registry, consent, events, contexts, time.Minute)

	mgrCfg := &config.AgentManagerConfig{}
	mgrCfg.SetDefaults()
	agents := agent.NewManager(llms.NewRegistry(llmCfg), registry, adapter,
		hist, pres, sessions, events, contexts, mgrCfg, llmCfg, time.Hour)
	t.Cleanup(agents.Close)

	srvCfg := &config.ServerConfig{}
	srvCfg.SetDefaults()
	srv := New(srvCfg, sessions, agents, consent, events, registry, adapter, hist, nil)

	return &serverFixture{
		server:   srv,
		handler:  srv.Router(),
		sessions: sessions,
		consent:  consent,
		events:   events,
		registry: registry,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) createSession(t *testing.T, userID string) *session.Descriptor {
	t.Helper()
	desc, err := f.sessions.Create(context.Background(), userID, "", nil)
	require.NoError(t, err)
	return desc
}

func (f *serverFixture) seedTool(t *testing.T, serverID, toolName string, risk protocol.RiskLevel) {
	t.Helper()
	require.NoError(t, f.registry.RegisterSource(context.Background(),
		&config.ToolServerConfig{ID: serverID, URL: "http://example"},
		&stubSource{id: serverID, tools: []tools.ToolInfo{{Name: toolName, Risk: risk}}}))
}

type stubSource struct {
	id    string
	tools []tools.ToolInfo
}

func (s *stubSource) ID() string                                         { return s.id }
func (s *stubSource) Discover(context.Context) ([]tools.ToolInfo, error) { return s.tools, nil }
func (s *stubSource) Call(context.Context, string, map[string]any) (any, error) {
	return "42 degrees", nil
}
func (s *stubSource) Close() error { return nil }

func TestMissingUserRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, "GET", "/api/sessions/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeMissingUser)
}

func TestHealthIsPublic(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestSessionLifecycle(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "POST", "/api/sessions/", "alice", createSessionRequest{
		WindowID: "w1", Context: map[string]any{"lang": "en"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var desc session.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.NotEmpty(t, desc.SessionID)
	assert.Equal(t, "alice", desc.UserID)

	rec = f.do(t, "GET", "/api/sessions/"+desc.SessionID, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = f.do(t, "GET", "/api/sessions/", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), desc.SessionID)

	rec = f.do(t, "DELETE", "/api/sessions/"+desc.SessionID, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/sessions/"+desc.SessionID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionOwnershipEnforced(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")

	rec := f.do(t, "GET", "/api/sessions/"+desc.SessionID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign sessions look missing")
}

func TestUpdateContextMerges(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")

	rec := f.do(t, "PATCH", "/api/sessions/"+desc.SessionID+"/context", "alice",
		map[string]any{"tone": "formal"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tone":"formal"`)
}

func TestDecisionNotFoundAndGone(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "POST", "/api/permissions/nope/decision", "alice", decisionRequest{Approved: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := f.consent.Create("s1", "alice", "srv::wipe", nil, "high", time.Minute)
	rec = f.do(t, "POST", fmt.Sprintf("/api/permissions/%s/decision", req.ID), "alice", decisionRequest{Approved: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"approved"`)

	rec = f.do(t, "POST", fmt.Sprintf("/api/permissions/%s/decision", req.ID), "alice", decisionRequest{Approved: false})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeAlreadyResolved)
}

func TestDecisionOwnershipEnforced(t *testing.T) {
	f := newServerFixture(t)
	req := f.consent.Create("s1", "alice", "srv::wipe", nil, "high", time.Minute)

	rec := f.do(t, "POST", fmt.Sprintf("/api/permissions/%s/decision", req.ID), "mallory", decisionRequest{Approved: true})
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign requests look missing")

	// Still pending for the owner.
	_, err := f.consent.Lookup(req.ID)
	assert.NoError(t, err)
}

func TestPendingPermissionsListed(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")
	f.consent.Create(desc.SessionID, "alice", "srv::wipe", nil, "high", time.Minute)

	rec := f.do(t, "GET", "/api/sessions/"+desc.SessionID+"/permissions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "srv::wipe")
}

func TestListToolsAndServers(t *testing.T) {
	f := newServerFixture(t)
	f.seedTool(t, "weather", "current", protocol.RiskLow)

	rec := f.do(t, "GET", "/api/tools/", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weather::current")

	rec = f.do(t, "GET", "/api/tools/servers", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"weather"`)
}

func TestRegisterServerValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "POST", "/api/tools/servers", "alice", registerServerRequest{ID: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "needs exactly one of command or url")
}

func TestUnregisterUnknownServer(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, "DELETE", "/api/tools/servers/ghost", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteLowRiskTool(t *testing.T) {
	f := newServerFixture(t)
	f.seedTool(t, "weather", "current", protocol.RiskLow)
	desc := f.createSession(t, "alice")

	rec := f.do(t, "POST", "/api/tools/execute", "alice", executeToolRequest{
		SessionID: desc.SessionID,
		ToolName:  "weather::current",
		Arguments: map[string]any{"city": "Oslo"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42 degrees")
}

func TestExecuteGatedToolWaitsForDecision(t *testing.T) {
	f := newServerFixture(t)
	f.seedTool(t, "fs", "delete", protocol.RiskHigh)
	desc := f.createSession(t, "alice")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- f.do(t, "POST", "/api/tools/execute", "alice", executeToolRequest{
			SessionID: desc.SessionID,
			ToolName:  "fs::delete",
			Arguments: map[string]any{"path": "/tmp/x"},
		})
	}()

	// Wait for the consent request to appear, then reject it.
	var pending []*permission.Request
	require.Eventually(t, func() bool {
		pending = f.consent.PendingFor(desc.SessionID)
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.consent.Resolve(pending[0].ID, false, "not today"))

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"cancelled":true`)
		assert.Contains(t, rec.Body.String(), "not today")
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")

	rec := f.do(t, "POST", "/api/tools/execute", "alice", executeToolRequest{
		SessionID: desc.SessionID,
		ToolName:  "ghost::tool",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeToolNotFound)
}

func TestChatValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "POST", "/api/chat", "alice", chatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/api/chat", "alice", chatRequest{SessionID: "ghost", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")

	hist := f.server.hist
	require.NoError(t, hist.AppendMessage(context.Background(), &protocol.Message{
		ID: "m1", SessionID: desc.SessionID, Role: protocol.RoleUser,
		Content: "what is the weather", Timestamp: time.Now(),
	}))

	rec := f.do(t, "GET", "/api/sessions/"+desc.SessionID+"/history?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "what is the weather")
}

func TestSearchEndpoint(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")

	require.NoError(t, f.server.hist.AppendMessage(context.Background(), &protocol.Message{
		ID: "m1", SessionID: desc.SessionID, Role: protocol.RoleUser,
		Content: "tell me about glaciers", Timestamp: time.Now(),
	}))

	rec := f.do(t, "GET", "/api/search?q=glaciers", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "glaciers")

	rec = f.do(t, "GET", "/api/search", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsSSE(t *testing.T) {
	f := newServerFixture(t)
	desc := f.createSession(t, "alice")

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/sessions/"+desc.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(userHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscriber to attach before publishing.
	require.Eventually(t, func() bool {
		return f.events.SubscriberCount(desc.SessionID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.events.Publish(desc.SessionID, stream.ContentEvent(desc.SessionID, "hello there"))

	reader := bufio.NewReader(resp.Body)
	var data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var ev stream.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, stream.EventContent, ev.Type)
	assert.Equal(t, "hello there", ev.Content)
}

func TestCoalescerMergesFragments(t *testing.T) {
	var out []string
	c := newCoalescer(func(text, _ string) { out = append(out, text) })

	c.Add("a", "default")
	c.Add("b", "default")
	assert.Empty(t, out, "below minimum, no sentence end")

	c.Add("cde", "default")
	assert.Equal(t, []string{"abcde"}, out)

	c.Add("ok.", "default")
	assert.Equal(t, []string{"abcde", "ok."}, out, "sentence delimiter flushes early")

	c.Add("tail", "default")
	c.Flush()
	assert.Equal(t, []string{"abcde", "ok.", "tail"}, out)
}
