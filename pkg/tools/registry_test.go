package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/protocol"
)

// fakeSource is an in-process tool server for tests.
type fakeSource struct {
	id     string
	tools  []ToolInfo
	calls  []string
	result any
	err    error
	closed bool
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Discover(context.Context) ([]ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeSource) Call(_ context.Context, name string, _ map[string]any) (any, error) {
	f.calls = append(f.calls, name)
	return f.result, f.err
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := &config.ToolsConfig{}
	cfg.SetDefaults()
	r := NewRegistry(cfg)
	t.Cleanup(r.Close)
	return r
}

func seedServer(t *testing.T, r *Registry, id string, infos ...ToolInfo) *fakeSource {
	t.Helper()
	src := &fakeSource{id: id, tools: infos, result: map[string]any{"ok": true}}
	require.NoError(t, r.RegisterSource(context.Background(), &config.ToolServerConfig{ID: id, URL: "http://example"}, src))
	return src
}

func TestCatalogQualifiedNames(t *testing.T) {
	r := newTestRegistry(t)
	seedServer(t, r, "srv",
		ToolInfo{Name: "time", Risk: protocol.RiskLow},
		ToolInfo{Name: "write_file", Risk: protocol.RiskMedium},
	)

	infos := r.ToolsFor([]string{"srv"})
	require.Len(t, infos, 2)
	assert.Equal(t, "srv::time", infos[0].Name)
	assert.Equal(t, "srv::write_file", infos[1].Name)

	info, ok := r.Lookup("srv::time")
	require.True(t, ok)
	assert.Equal(t, "srv", info.ServerID)
}

func TestRiskDefaultsToMedium(t *testing.T) {
	r := newTestRegistry(t)
	seedServer(t, r, "srv", ToolInfo{Name: "mystery"})

	assert.Equal(t, protocol.RiskMedium, r.RiskOf("srv::mystery"))
	assert.Equal(t, protocol.RiskMedium, r.RiskOf("srv::not_even_registered"))
}

func TestDuplicateServerRejected(t *testing.T) {
	r := newTestRegistry(t)
	seedServer(t, r, "srv", ToolInfo{Name: "time"})

	src := &fakeSource{id: "srv", tools: []ToolInfo{{Name: "time"}}}
	err := r.RegisterSource(context.Background(), &config.ToolServerConfig{ID: "srv", URL: "http://example"}, src)
	assert.Error(t, err)
}

func TestUnregisterEvictsAndNotifies(t *testing.T) {
	r := newTestRegistry(t)
	src := seedServer(t, r, "srv", ToolInfo{Name: "time", Risk: protocol.RiskLow})

	var notified []string
	r.OnChange(func(serverID string) { notified = append(notified, serverID) })

	require.NoError(t, r.Unregister("srv"))
	assert.True(t, src.closed)
	assert.Empty(t, r.ToolsFor(nil))
	assert.Equal(t, []string{"srv"}, notified)

	_, ok := r.Lookup("srv::time")
	assert.False(t, ok)

	assert.Error(t, r.Unregister("srv"))
}

func TestCallRoutesToOwningServer(t *testing.T) {
	r := newTestRegistry(t)
	a := seedServer(t, r, "a", ToolInfo{Name: "search", Risk: protocol.RiskLow})
	b := seedServer(t, r, "b", ToolInfo{Name: "search", Risk: protocol.RiskLow})

	_, err := r.Call(context.Background(), "b::search", nil)
	require.NoError(t, err)
	assert.Empty(t, a.calls)
	assert.Equal(t, []string{"search"}, b.calls)
}

func TestCallUnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	seedServer(t, r, "srv", ToolInfo{Name: "time", Risk: protocol.RiskLow})

	_, err := r.Call(context.Background(), "srv::absent", nil)
	assert.Error(t, err)
	_, err = r.Call(context.Background(), "ghost::time", nil)
	assert.Error(t, err)
	_, err = r.Call(context.Background(), "unqualified", nil)
	assert.Error(t, err)
}

func TestToolsForAllServersSorted(t *testing.T) {
	r := newTestRegistry(t)
	seedServer(t, r, "zeta", ToolInfo{Name: "one"})
	seedServer(t, r, "alpha", ToolInfo{Name: "two"})

	infos := r.ToolsFor(nil)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha::two", infos[0].Name)
	assert.Equal(t, "zeta::one", infos[1].Name)
}

func TestServerConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ToolServerConfig
		ok   bool
	}{
		{"command mode", config.ToolServerConfig{ID: "a", Command: "server-bin"}, true},
		{"url mode", config.ToolServerConfig{ID: "a", URL: "http://example"}, true},
		{"both modes", config.ToolServerConfig{ID: "a", Command: "bin", URL: "http://example"}, false},
		{"neither mode", config.ToolServerConfig{ID: "a"}, false},
		{"missing id", config.ToolServerConfig{URL: "http://example"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSplitName(t *testing.T) {
	server, tool, ok := SplitName("srv::write_file")
	require.True(t, ok)
	assert.Equal(t, "srv", server)
	assert.Equal(t, "write_file", tool)

	_, _, ok = SplitName("bare")
	assert.False(t, ok)

	assert.Equal(t, "srv::t", QualifiedName("srv", "t"))
}
