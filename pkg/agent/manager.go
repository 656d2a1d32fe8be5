package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/llms"
	"github.com/parley-ai/parley/pkg/presence"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/tools"
)

// Stats is the manager's point-in-time census.
type Stats struct {
	Total        int           `json:"total"`
	ActiveRecent int           `json:"active_recent"`
	Idle         int           `json:"idle"`
	MaxInstances int           `json:"max_instances"`
	InstanceTTL  time.Duration `json:"instance_ttl"`
}

// activeWindow is the recency horizon for the stats "active" bucket.
const activeWindow = 5 * time.Minute

// Manager hands out one agent instance per session and bounds the total.
// The map lock covers only lookups, inserts, and the double-checked
// creation path, never an agent turn.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance

	providers *llms.Registry
	registry  *tools.Registry
	adapter   *tools.Adapter
	hist      history.Store
	pres      presence.Store
	sessions  *session.Manager
	events    *stream.Coordinator
	contexts  *ContextRegistry

	cfg    *config.AgentManagerConfig
	llmCfg *config.LLMConfig
	msgTTL time.Duration

	onEvict func()

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewManager wires the agent manager and starts the TTL sweeper.
func NewManager(
	providers *llms.Registry,
	registry *tools.Registry,
	adapter *tools.Adapter,
	hist history.Store,
	pres presence.Store,
	sessions *session.Manager,
	events *stream.Coordinator,
	contexts *ContextRegistry,
	cfg *config.AgentManagerConfig,
	llmCfg *config.LLMConfig,
	msgCacheTTL time.Duration,
) *Manager {
	m := &Manager{
		instances: make(map[string]*Instance),
		providers: providers,
		registry:  registry,
		adapter:   adapter,
		hist:      hist,
		pres:      pres,
		sessions:  sessions,
		events:    events,
		contexts:  contexts,
		cfg:       cfg,
		llmCfg:    llmCfg,
		msgTTL:    msgCacheTTL,
		stop:      make(chan struct{}),
		logger:    slog.Default().With("component", "agent_manager"),
	}
	go m.sweep()
	return m
}

// Contexts exposes the execution-context registry.
func (m *Manager) Contexts() *ContextRegistry {
	return m.contexts
}

// OnEvict installs a callback fired once per evicted instance, for metrics.
func (m *Manager) OnEvict(fn func()) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// Acquire returns the session's instance, creating it on first use. A
// binding mismatch (provider or model) evicts and recreates; acquiring
// with a matching binding just touches last_used.
func (m *Manager) Acquire(ctx context.Context, desc *session.Descriptor, binding Binding) (*Instance, error) {
	if binding.ProviderID == "" {
		binding.ProviderID = m.llmCfg.DefaultProvider
	}
	if binding.ModelID == "" {
		if p, ok := m.llmCfg.Providers[binding.ProviderID]; ok {
			binding.ModelID = p.Model
		}
	}

	m.mu.Lock()
	if inst, ok := m.instances[desc.SessionID]; ok {
		if inst.binding == binding {
			inst.lastUsed = time.Now()
			m.mu.Unlock()
			return inst, nil
		}
		// Rebind: the LLM binding is immutable per instance.
		delete(m.instances, desc.SessionID)
		m.mu.Unlock()
		inst.provider.Close()
		m.logger.Info("rebinding agent instance",
			"session_id", desc.SessionID, "provider", binding.ProviderID, "model", binding.ModelID)
		m.mu.Lock()
	}

	if _, ok := m.instances[desc.SessionID]; !ok && len(m.instances) >= m.cfg.MaxInstances {
		m.evictLRULocked(m.cfg.EvictBatch)
	}

	// Double check under the lock: a concurrent first-acquire may have won.
	if inst, ok := m.instances[desc.SessionID]; ok && inst.binding == binding {
		inst.lastUsed = time.Now()
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	inst, err := m.build(desc, binding)
	if err != nil {
		return nil, err
	}
	return m.store(inst), nil
}

// store publishes a freshly built instance. A concurrent first-acquire
// with the same binding wins; either loser gets its provider closed.
func (m *Manager) store(inst *Instance) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.instances[inst.SessionID]; ok {
		if existing.binding == inst.binding {
			inst.provider.Close()
			existing.lastUsed = time.Now()
			return existing
		}
		existing.provider.Close()
	}
	m.instances[inst.SessionID] = inst
	return inst
}

// build constructs an instance bound to every registered tool server.
func (m *Manager) build(desc *session.Descriptor, binding Binding) (*Instance, error) {
	provider, err := m.providers.Get(binding.ProviderID, binding.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind model: %w", err)
	}
	binding.ModelID = provider.ModelName()

	streaming := true
	if p, ok := m.llmCfg.Providers[binding.ProviderID]; ok {
		streaming = p.StreamingEnabled()
	}

	budget := int(m.llmCfg.ContextBudgetFraction * float64(provider.ContextWindow()))

	var serverIDs []string
	for _, srv := range m.registry.Servers() {
		serverIDs = append(serverIDs, srv.ID)
	}

	now := time.Now()
	inst := &Instance{
		SessionID:   desc.SessionID,
		UserID:      desc.UserID,
		ThreadID:    desc.ThreadID,
		binding:     binding,
		provider:    provider,
		streaming:   streaming,
		estimator:   llms.NewTokenEstimator(provider.ModelName()),
		hist:        m.hist,
		pres:        m.pres,
		sessions:    m.sessions,
		adapter:     m.adapter,
		events:      m.events,
		contexts:    m.contexts,
		historyMax:  m.llmCfg.HistoryMessagesMax,
		budget:      budget,
		msgCacheTTL: m.msgTTL,
		toolset:     m.registry.ToolsFor(serverIDs),
		servers:     serverIDs,
		createdAt:   now,
		lastUsed:    now,
		logger:      slog.Default().With("component", "agent", "session_id", desc.SessionID),
	}
	m.logger.Info("agent instance created",
		"session_id", desc.SessionID, "provider", binding.ProviderID, "model", binding.ModelID,
		"tools", len(inst.toolset))
	return inst, nil
}

// Release removes the session's instance and execution context.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	delete(m.instances, sessionID)
	m.mu.Unlock()

	if ok {
		inst.provider.Close()
		m.contexts.Remove(sessionID)
		m.logger.Info("agent instance released", "session_id", sessionID)
	}
}

// SetTools retargets the instance's tool set to the named servers. The
// instance itself, and with it the conversation memory handle, survives.
func (m *Manager) SetTools(sessionID string, serverIDs []string) error {
	inst, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	inst.SetToolset(m.registry.ToolsFor(serverIDs), serverIDs)
	return nil
}

// AddToolServer adds one server to the instance's tool set.
func (m *Manager) AddToolServer(sessionID, serverID string) error {
	inst, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	servers := inst.Servers()
	for _, id := range servers {
		if id == serverID {
			return nil
		}
	}
	servers = append(servers, serverID)
	inst.SetToolset(m.registry.ToolsFor(servers), servers)
	return nil
}

// RemoveToolServer removes one server from the instance's tool set.
func (m *Manager) RemoveToolServer(sessionID, serverID string) error {
	inst, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	var servers []string
	for _, id := range inst.Servers() {
		if id != serverID {
			servers = append(servers, id)
		}
	}
	inst.SetToolset(m.registry.ToolsFor(servers), servers)
	return nil
}

// ReloadForServer refreshes the tool set of every instance bound to the
// server and returns the affected session ids. Instances bound to a
// server that vanished from the registry keep their remaining servers.
func (m *Manager) ReloadForServer(serverID string) []string {
	m.mu.Lock()
	var bound []*Instance
	for _, inst := range m.instances {
		if inst.BoundTo(serverID) {
			bound = append(bound, inst)
		}
	}
	m.mu.Unlock()

	var affected []string
	registered := make(map[string]struct{})
	for _, srv := range m.registry.Servers() {
		registered[srv.ID] = struct{}{}
	}

	for _, inst := range bound {
		var servers []string
		for _, id := range inst.Servers() {
			if _, ok := registered[id]; ok {
				servers = append(servers, id)
			}
		}
		inst.SetToolset(m.registry.ToolsFor(servers), servers)
		affected = append(affected, inst.SessionID)
	}
	sort.Strings(affected)

	if len(affected) > 0 {
		m.logger.Info("reloaded tool sets", "server_id", serverID, "sessions", len(affected))
	}
	return affected
}

// Stats reports the instance census.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-activeWindow)
	stats := Stats{
		Total:        len(m.instances),
		MaxInstances: m.cfg.MaxInstances,
		InstanceTTL:  m.cfg.InstanceTTL(),
	}
	for _, inst := range m.instances {
		if inst.lastUsed.After(cutoff) {
			stats.ActiveRecent++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// Close stops the sweeper and releases every instance.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		instances := m.instances
		m.instances = make(map[string]*Instance)
		m.mu.Unlock()
		for id, inst := range instances {
			inst.provider.Close()
			m.contexts.Remove(id)
		}
	})
}

func (m *Manager) lookup(sessionID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[sessionID]
	if !ok {
		return nil, fmt.Errorf("no agent instance for session %s", sessionID)
	}
	return inst, nil
}

// evictLRULocked frees up to n least-recently-used instances. Callers
// hold the map lock.
func (m *Manager) evictLRULocked(n int) {
	type aged struct {
		id       string
		lastUsed time.Time
	}
	candidates := make([]aged, 0, len(m.instances))
	for id, inst := range m.instances {
		candidates = append(candidates, aged{id, inst.lastUsed})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	for _, victim := range candidates[:n] {
		inst := m.instances[victim.id]
		delete(m.instances, victim.id)
		inst.provider.Close()
		m.contexts.Remove(victim.id)
		if m.onEvict != nil {
			m.onEvict()
		}
		m.logger.Info("evicted agent instance", "session_id", victim.id, "reason", "capacity")
	}
}

// sweep evicts instances idle past the TTL.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.InstanceTTL())
			m.mu.Lock()
			var expired []string
			for id, inst := range m.instances {
				if inst.lastUsed.Before(cutoff) {
					expired = append(expired, id)
				}
			}
			var victims []*Instance
			for _, id := range expired {
				victims = append(victims, m.instances[id])
				delete(m.instances, id)
				if m.onEvict != nil {
					m.onEvict()
				}
			}
			m.mu.Unlock()

			for idx, inst := range victims {
				inst.provider.Close()
				m.contexts.Remove(expired[idx])
			}
			if len(expired) > 0 {
				m.logger.Info("evicted idle agent instances", "count", len(expired))
			}
		}
	}
}
