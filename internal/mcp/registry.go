// Package mcp maintains connections to configured MCP servers. The
// gateway does not call MCP tools itself; the registry exists so the
// closed capability set (channels, agents, MCP servers) is uniformly
// registered, health-checked, and reportable via /status.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// ServerStatus reports one MCP server connection.
type ServerStatus struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

type serverState struct {
	name      string
	addr      string
	client    *mcpclient.Client
	connected bool
	toolNames []string
	lastErr   string
}

// Registry holds MCP server connections keyed by name.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverState
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*serverState)}
}

// Connect registers and connects one server. Connection failures are
// recorded, not fatal: the server shows up as disconnected in /status.
func (r *Registry) Connect(ctx context.Context, name, addr string) error {
	state := &serverState{name: name, addr: addr}
	r.mu.Lock()
	if _, exists := r.servers[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("mcp server %q already registered", name)
	}
	r.servers[name] = state
	r.mu.Unlock()

	client, toolNames, err := dial(ctx, addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		state.lastErr = err.Error()
		slog.Warn("mcp server connect failed", "server", name, "error", err)
		return nil
	}
	state.client = client
	state.connected = true
	state.toolNames = toolNames
	slog.Info("mcp server connected", "server", name, "tools", len(toolNames))
	return nil
}

func dial(ctx context.Context, addr string) (*mcpclient.Client, []string, error) {
	client, err := mcpclient.NewStreamableHttpClient(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "larkcode", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(toolsResult.Tools))
	for _, t := range toolsResult.Tools {
		names = append(names, t.Name)
	}
	return client, names, nil
}

// Get returns the status of one server by id.
func (r *Registry) Get(name string) (ServerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return ServerStatus{}, false
	}
	return statusOf(s), true
}

// Status lists all servers, sorted by name.
func (r *Registry) Status() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerStatus, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, statusOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close shuts down all connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range r.servers {
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				slog.Debug("mcp server close", "server", name, "error", err)
			}
		}
		s.connected = false
	}
}

func statusOf(s *serverState) ServerStatus {
	return ServerStatus{
		Name:      s.name,
		Addr:      s.addr,
		Connected: s.connected,
		ToolCount: len(s.toolNames),
		Error:     s.lastErr,
	}
}
