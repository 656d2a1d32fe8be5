package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/protocol"
)

// QualifiedName joins a server id and tool name into the catalog form.
func QualifiedName(serverID, toolName string) string {
	return serverID + "::" + toolName
}

// SplitName splits a qualified name back into server id and tool name.
func SplitName(qualified string) (serverID, toolName string, ok bool) {
	serverID, toolName, ok = strings.Cut(qualified, "::")
	return
}

// Registry owns the declared tool servers and the derived flat catalog.
// Catalog entries are keyed by qualified name ("server::tool").
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	catalog map[string]ToolInfo

	defaultRisk protocol.RiskLevel
	callTimeout time.Duration
	onChange    func(serverID string)
	logger      *slog.Logger
}

type serverEntry struct {
	cfg    *config.ToolServerConfig
	source Source
	tools  []string // qualified names
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.ToolsConfig) *Registry {
	return &Registry{
		servers:     make(map[string]*serverEntry),
		catalog:     make(map[string]ToolInfo),
		defaultRisk: protocol.ParseRisk(cfg.DefaultRisk, protocol.RiskMedium),
		callTimeout: cfg.CallTimeout(),
		logger:      slog.Default().With("component", "tool_registry"),
	}
}

// OnChange installs a callback fired after a server's catalog changes
// (register, unregister, reload). Used to refresh bound agent instances.
func (r *Registry) OnChange(fn func(serverID string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register validates the server config, connects, probes the tool list,
// and populates the catalog under qualified names.
func (r *Registry) Register(ctx context.Context, cfg *config.ToolServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid tool server config: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.servers[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool server %q already registered", cfg.ID)
	}
	r.mu.Unlock()

	if cfg.DefaultRisk == "" {
		cfg.DefaultRisk = string(r.defaultRisk)
	}

	source, err := NewSource(cfg, r.callTimeout)
	if err != nil {
		return err
	}

	infos, err := source.Discover(ctx)
	if err != nil {
		source.Close()
		return err
	}

	entry := &serverEntry{cfg: cfg, source: source}
	r.mu.Lock()
	if _, exists := r.servers[cfg.ID]; exists {
		r.mu.Unlock()
		source.Close()
		return fmt.Errorf("tool server %q already registered", cfg.ID)
	}
	for _, info := range infos {
		qualified := QualifiedName(cfg.ID, info.Name)
		info.Name = qualified
		r.catalog[qualified] = info
		entry.tools = append(entry.tools, qualified)
	}
	r.servers[cfg.ID] = entry
	onChange := r.onChange
	r.mu.Unlock()

	r.logger.Info("tool server registered", "server_id", cfg.ID, "tools", len(infos))
	if onChange != nil {
		onChange(cfg.ID)
	}
	return nil
}

// Unregister removes a server, evicts its catalog entries, and fires the
// change callback so bound sessions drop the vanished tools.
func (r *Registry) Unregister(serverID string) error {
	r.mu.Lock()
	entry, ok := r.servers[serverID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tool server %q not registered", serverID)
	}
	delete(r.servers, serverID)
	for _, qualified := range entry.tools {
		delete(r.catalog, qualified)
	}
	onChange := r.onChange
	r.mu.Unlock()

	if err := entry.source.Close(); err != nil {
		r.logger.Warn("failed to close tool server", "server_id", serverID, "error", err)
	}
	r.logger.Info("tool server unregistered", "server_id", serverID)
	if onChange != nil {
		onChange(serverID)
	}
	return nil
}

// Reload re-probes a registered server and replaces its catalog entries.
func (r *Registry) Reload(ctx context.Context, serverID string) error {
	r.mu.RLock()
	entry, ok := r.servers[serverID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool server %q not registered", serverID)
	}

	infos, err := entry.source.Discover(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, qualified := range entry.tools {
		delete(r.catalog, qualified)
	}
	entry.tools = entry.tools[:0]
	for _, info := range infos {
		qualified := QualifiedName(serverID, info.Name)
		info.Name = qualified
		r.catalog[qualified] = info
		entry.tools = append(entry.tools, qualified)
	}
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(serverID)
	}
	return nil
}

// ToolsFor returns the catalog entries for the given server ids, sorted by
// name. An empty id list means every registered server.
func (r *Registry) ToolsFor(serverIDs []string) []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolInfo
	if len(serverIDs) == 0 {
		for _, info := range r.catalog {
			out = append(out, info)
		}
	} else {
		for _, id := range serverIDs {
			entry, ok := r.servers[id]
			if !ok {
				continue
			}
			for _, qualified := range entry.tools {
				out = append(out, r.catalog[qualified])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RiskOf looks a tool's declared risk up by qualified name; unknown tools
// default to medium so they never bypass consent.
func (r *Registry) RiskOf(qualified string) protocol.RiskLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.catalog[qualified]; ok {
		return info.Risk
	}
	return r.defaultRisk
}

// Lookup fetches one catalog entry by qualified name.
func (r *Registry) Lookup(qualified string) (ToolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.catalog[qualified]
	return info, ok
}

// Servers lists the registered server configs, sorted by id.
func (r *Registry) Servers() []*config.ToolServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*config.ToolServerConfig, 0, len(r.servers))
	for _, entry := range r.servers {
		out = append(out, entry.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Call invokes a tool by qualified name on its owning server.
func (r *Registry) Call(ctx context.Context, qualified string, args map[string]any) (any, error) {
	serverID, toolName, ok := SplitName(qualified)
	if !ok {
		return nil, fmt.Errorf("malformed tool name %q", qualified)
	}

	r.mu.RLock()
	entry, registered := r.servers[serverID]
	_, known := r.catalog[qualified]
	r.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("tool server %q not registered", serverID)
	}
	if !known {
		return nil, fmt.Errorf("unknown tool %q", qualified)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return entry.source.Call(callCtx, toolName, args)
}

// Close tears every server connection down.
func (r *Registry) Close() {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*serverEntry)
	r.catalog = make(map[string]ToolInfo)
	r.mu.Unlock()

	for id, entry := range servers {
		if err := entry.source.Close(); err != nil {
			r.logger.Warn("failed to close tool server", "server_id", id, "error", err)
		}
	}
}

// RegisterSource installs a pre-built source, bypassing transport
// construction. Used for in-process tool servers and tests.
func (r *Registry) RegisterSource(ctx context.Context, cfg *config.ToolServerConfig, source Source) error {
	infos, err := source.Discover(ctx)
	if err != nil {
		return err
	}
	entry := &serverEntry{cfg: cfg, source: source}
	r.mu.Lock()
	if _, exists := r.servers[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool server %q already registered", cfg.ID)
	}
	for _, info := range infos {
		qualified := QualifiedName(cfg.ID, info.Name)
		info.Name = qualified
		if info.Risk == "" {
			info.Risk = r.defaultRisk
		}
		r.catalog[qualified] = info
		entry.tools = append(entry.tools, qualified)
	}
	r.servers[cfg.ID] = entry
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(cfg.ID)
	}
	return nil
}
