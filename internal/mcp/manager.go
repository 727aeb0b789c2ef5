package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/amcp-io/amcp/internal/agent"
)

// Config is the mcp section of the application config.
type Config struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Servers []*ServerConfig `yaml:"servers" json:"servers"`
}

// Manager owns the configured server connections and mirrors their tools
// into the agent registry.
type Manager struct {
	config   *Config
	logger   *slog.Logger
	registry *agent.Registry

	mu         sync.RWMutex
	clients    map[string]*Client
	registered map[string][]string // server name -> bridge tool names
}

// NewManager creates a manager. The registry may be nil when tool bridging
// is not wanted.
func NewManager(cfg *Config, registry *agent.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     cfg,
		logger:     logger.With("component", "mcp"),
		registry:   registry,
		clients:    make(map[string]*Client),
		registered: make(map[string][]string),
	}
}

// Start connects every auto-start server. Failures are logged and skipped
// so one bad server does not block the rest.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, serverCfg.Name); err != nil {
			m.logger.Error("failed to connect to MCP server",
				"server", serverCfg.Name,
				"error", err)
		}
	}
	return nil
}

// Stop disconnects every server.
func (m *Manager) Stop() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Disconnect(name); err != nil {
			m.logger.Error("failed to disconnect MCP server", "server", name, "error", err)
		}
	}
	return nil
}

// Connect connects one configured server and registers its tools.
func (m *Manager) Connect(ctx context.Context, serverName string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.Name == serverName {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverName)
	}
	if err := serverCfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.clients[serverName]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[serverName] = client
	m.mu.Unlock()

	m.registerTools(serverName, client.Tools())
	m.logger.Info("connected to MCP server",
		"server", serverName,
		"name", client.ServerInfo().Name,
		"tools", len(client.Tools()))
	return nil
}

// Disconnect closes one server connection and unregisters its tools.
func (m *Manager) Disconnect(serverName string) error {
	m.mu.Lock()
	client, exists := m.clients[serverName]
	if exists {
		delete(m.clients, serverName)
	}
	names := m.registered[serverName]
	delete(m.registered, serverName)
	m.mu.Unlock()

	if !exists {
		return nil
	}

	if m.registry != nil {
		for _, name := range names {
			m.registry.Unregister(name)
		}
	}

	if err := client.Close(); err != nil {
		return err
	}
	m.logger.Info("disconnected from MCP server", "server", serverName)
	return nil
}

// registerTools mirrors a server's tools into the agent registry.
func (m *Manager) registerTools(serverName string, tools []*Tool) {
	if m.registry == nil {
		return
	}

	var names []string
	for _, tool := range tools {
		bridge := NewToolBridge(m, serverName, tool)
		if err := m.registry.Register(bridge); err != nil {
			m.logger.Warn("failed to register MCP tool",
				"server", serverName,
				"tool", tool.Name,
				"error", err)
			continue
		}
		names = append(names, bridge.Name())
	}

	m.mu.Lock()
	m.registered[serverName] = names
	m.mu.Unlock()
}

// Client returns the client for a server.
func (m *Manager) Client(serverName string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverName]
	return client, exists
}

// AllTools returns every connected server's tools keyed by server name.
func (m *Manager) AllTools() map[string][]*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*Tool)
	for name, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[name] = tools
		}
	}
	return result
}

// CallTool invokes a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverName)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverName)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// FindTool locates a tool by bare name across servers.
func (m *Manager) FindTool(name string) (serverName string, tool *Tool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for server, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return server, t
			}
		}
	}
	return "", nil
}

// ServerStatus is one server's connection summary.
type ServerStatus struct {
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
	Resources int        `json:"resources"`
	Prompts   int        `json:"prompts"`
}

// Status reports every configured server, connected or not, sorted by
// name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	if m.config == nil {
		return statuses
	}
	for _, cfg := range m.config.Servers {
		status := ServerStatus{Name: cfg.Name}
		if client, exists := m.clients[cfg.Name]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
