package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/httpclient"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/version"
)

const mcpProtocolVersion = "2024-11-05"

// NewSource builds the right transport for a server config: a subprocess
// speaking stdio when a command is declared, JSON-RPC over HTTP otherwise.
func NewSource(cfg *config.ToolServerConfig, callTimeout time.Duration) (Source, error) {
	if cfg.Command != "" {
		return newStdioSource(cfg)
	}
	return newHTTPSource(cfg, callTimeout), nil
}

// riskFor resolves a tool's declared risk from the server config.
func riskFor(cfg *config.ToolServerConfig, toolName string) protocol.RiskLevel {
	if override, ok := cfg.RiskOverrides[toolName]; ok {
		return protocol.ParseRisk(override, protocol.RiskMedium)
	}
	return protocol.ParseRisk(cfg.DefaultRisk, protocol.RiskMedium)
}

// stdioSource runs the tool server as a subprocess and speaks MCP over its
// stdin/stdout.
type stdioSource struct {
	cfg    *config.ToolServerConfig
	client *client.Client
	mu     sync.Mutex
}

func newStdioSource(cfg *config.ToolServerConfig) (*stdioSource, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn tool server %s: %w", cfg.ID, err)
	}
	return &stdioSource{cfg: cfg, client: mcpClient}, nil
}

func (s *stdioSource) ID() string { return s.cfg.ID }

func (s *stdioSource) Discover(ctx context.Context) ([]ToolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start tool server %s: %w", s.cfg.ID, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "parley", Version: version.Version}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := s.client.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("failed to initialize tool server %s: %w", s.cfg.ID, err)
	}

	listResp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", s.cfg.ID, err)
	}

	infos := make([]ToolInfo, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schemaToMap(t.InputSchema),
			Risk:        riskFor(s.cfg, t.Name),
			ServerID:    s.cfg.ID,
		})
	}

	slog.Info("connected to tool server",
		"server_id", s.cfg.ID, "transport", "stdio", "command", s.cfg.Command, "tools", len(infos))
	return infos, nil
}

func (s *stdioSource) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool call %s on %s failed: %w", name, s.cfg.ID, err)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return raw, nil
}

func (s *stdioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// httpSource speaks JSON-RPC 2.0 over HTTP, handling both plain JSON and
// SSE-framed responses. Remote servers that issue an mcp-session-id header
// get it echoed on subsequent calls.
type httpSource struct {
	cfg        *config.ToolServerConfig
	httpClient *httpclient.Client
	timeout    time.Duration

	mu        sync.Mutex
	sessionID string
	nextID    int
}

func newHTTPSource(cfg *config.ToolServerConfig, callTimeout time.Duration) *httpSource {
	return &httpSource{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: callTimeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
		timeout: callTimeout,
		nextID:  1,
	}
}

func (s *httpSource) ID() string { return s.cfg.ID }

func (s *httpSource) Discover(ctx context.Context) ([]ToolInfo, error) {
	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "parley", "version": version.Version},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tool server %s: %w", s.cfg.ID, err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("tool server %s rejected initialize: %s", s.cfg.ID, initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", s.cfg.ID, err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("tools/list on %s: %s", s.cfg.ID, listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result from %s", s.cfg.ID)
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response from %s", s.cfg.ID)
	}

	var infos []ToolInfo
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		infos = append(infos, ToolInfo{
			Name:        name,
			Description: desc,
			Schema:      schema,
			Risk:        riskFor(s.cfg, name),
			ServerID:    s.cfg.ID,
		})
	}

	slog.Info("connected to tool server",
		"server_id", s.cfg.ID, "transport", "http", "url", s.cfg.URL, "tools", len(infos))
	return infos, nil
}

func (s *httpSource) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tool call %s on %s failed: %w", name, s.cfg.ID, err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}
	return resp.Result, nil
}

func (s *httpSource) Close() error {
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *httpSource) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sessionID := s.sessionID
	s.mu.Unlock()

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newID := resp.Header.Get("mcp-session-id"); newID != "" {
		s.mu.Lock()
		s.sessionID = newID
		s.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, s.cfg.URL, strings.TrimSpace(string(data)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out jsonRPCResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an
// SSE-framed body.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder

	flush := func() (*jsonRPCResponse, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
			return &resp, true
		}
		data.Reset()
		return nil, false
	}

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
		} else if after, found := strings.CutPrefix(trimmed, "data:"); found {
			data.WriteString(strings.TrimSpace(after))
		}
		if err != nil {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			return nil, fmt.Errorf("event stream ended without a complete message")
		}
	}
}
