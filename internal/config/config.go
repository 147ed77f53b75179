// Package config loads the gateway's TOML configuration, overlays
// LARKCODE_* environment variables, and validates the result before
// anything starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration.
type Config struct {
	LogLevel string `toml:"log_level"`

	Gateway   Gateway         `toml:"gateway"`
	Telemetry Telemetry       `toml:"telemetry"`
	Channels  []ChannelConfig `toml:"channels"`
	Agents    []AgentConfig   `toml:"agents"`
	Bindings  []BindingConfig `toml:"bindings"`
	MCP       []MCPServer     `toml:"mcp_servers"`
}

// Gateway tunes the core pipeline.
type Gateway struct {
	DefaultAgent   string `toml:"default_agent"`
	MaxConcurrency int    `toml:"max_concurrency"` // lane queue cap, default 10
	ThrottleMs     int    `toml:"throttle_ms"`     // streamer debounce, default 500

	PersistPath string `toml:"persist_path"` // session snapshot JSON
	RecallDB    string `toml:"recall_db"`    // sqlite recall mapping

	IdleTimeoutMin int `toml:"idle_timeout_min"` // default 30
	IdleGraceMin   int `toml:"idle_grace_min"`   // default 30
}

// Telemetry enables OTLP trace export.
type Telemetry struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // host:port of the OTLP/HTTP collector
}

// ChannelConfig configures one messaging channel.
type ChannelConfig struct {
	ID          string  `toml:"id"`
	Type        string  `toml:"type"` // only "lark" today
	AppID       string  `toml:"app_id"`
	AppSecret   string  `toml:"app_secret"`
	Domain      string  `toml:"domain"` // "feishu", "lark" or a base URL
	VerifyToken string  `toml:"verify_token"`
	Mode        string  `toml:"mode"` // "websocket" (default) or "webhook"
	WebhookAddr string  `toml:"webhook_addr"`
	WebhookPath string  `toml:"webhook_path"`
	QPS         float64 `toml:"qps"`
}

// AgentConfig configures one coding-agent backend.
type AgentConfig struct {
	ID        string `toml:"id"`
	Type      string `toml:"type"` // only "opencode" today
	BaseURL   string `toml:"base_url"`
	Directory string `toml:"directory"` // default project path
	Model     string `toml:"model"`     // "provider/model"
}

// BindingConfig is the TOML form of a routing binding.
type BindingConfig struct {
	ID             string       `toml:"id"`
	AgentID        string       `toml:"agent_id"`
	Priority       int          `toml:"priority"`
	Disabled       bool         `toml:"disabled"`
	ChannelID      StringOrList `toml:"channel"`
	ChannelType    StringOrList `toml:"channel_type"`
	ChatType       string       `toml:"chat_type"`
	ChatID         StringOrList `toml:"chat_id"`
	UserID         StringOrList `toml:"user_id"`
	MessagePattern string       `toml:"message_pattern"`
}

// MCPServer declares one MCP server exposing gateway capabilities.
type MCPServer struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"` // SSE listen address, e.g. ":8470"
}

// StringOrList accepts either a bare string or an array of strings.
type StringOrList []string

// UnmarshalTOML implements toml.Unmarshaler.
func (s *StringOrList) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string:
		*s = StringOrList{val}
		return nil
	case []interface{}:
		out := make(StringOrList, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string list, got %T", item)
			}
			out = append(out, str)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("expected string or list, got %T", v)
	}
}

// Throttle returns the streamer debounce as a duration.
func (g Gateway) Throttle() time.Duration {
	return time.Duration(g.ThrottleMs) * time.Millisecond
}

// IdleTimeout returns the session idle timeout.
func (g Gateway) IdleTimeout() time.Duration {
	return time.Duration(g.IdleTimeoutMin) * time.Minute
}

// IdleGrace returns the post-idle eviction grace.
func (g Gateway) IdleGrace() time.Duration {
	return time.Duration(g.IdleGraceMin) * time.Minute
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Gateway.MaxConcurrency <= 0 {
		c.Gateway.MaxConcurrency = 10
	}
	if c.Gateway.ThrottleMs < 500 {
		c.Gateway.ThrottleMs = 500
	}
	if c.Gateway.IdleTimeoutMin <= 0 {
		c.Gateway.IdleTimeoutMin = 30
	}
	if c.Gateway.IdleGraceMin <= 0 {
		c.Gateway.IdleGraceMin = 30
	}
	home, _ := os.UserHomeDir()
	if c.Gateway.PersistPath == "" {
		c.Gateway.PersistPath = filepath.Join(home, ".larkcode", "sessions.json")
	}
	if c.Gateway.RecallDB == "" {
		c.Gateway.RecallDB = filepath.Join(home, ".larkcode", "recall.db")
	}
	if c.Gateway.DefaultAgent == "" && len(c.Agents) > 0 {
		c.Gateway.DefaultAgent = c.Agents[0].ID
	}
	for i := range c.Channels {
		if c.Channels[i].Type == "" {
			c.Channels[i].Type = "lark"
		}
		if c.Channels[i].ID == "" {
			c.Channels[i].ID = c.Channels[i].Type
		}
	}
	for i := range c.Agents {
		if c.Agents[i].Type == "" {
			c.Agents[i].Type = "opencode"
		}
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}
	agentIDs := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config: agent without id")
		}
		if agentIDs[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		if a.Type != "opencode" {
			return fmt.Errorf("config: agent %q: unknown type %q", a.ID, a.Type)
		}
		if a.BaseURL == "" {
			return fmt.Errorf("config: agent %q: base_url is required", a.ID)
		}
		agentIDs[a.ID] = true
	}
	if !agentIDs[c.Gateway.DefaultAgent] {
		return fmt.Errorf("config: default agent %q not defined", c.Gateway.DefaultAgent)
	}

	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one channel is required")
	}
	channelIDs := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Type != "lark" {
			return fmt.Errorf("config: channel %q: unknown type %q", ch.ID, ch.Type)
		}
		if channelIDs[ch.ID] {
			return fmt.Errorf("config: duplicate channel id %q", ch.ID)
		}
		if ch.AppID == "" || ch.AppSecret == "" {
			return fmt.Errorf("config: channel %q: app_id and app_secret are required", ch.ID)
		}
		if ch.Mode == "webhook" && ch.WebhookAddr == "" {
			return fmt.Errorf("config: channel %q: webhook mode needs webhook_addr", ch.ID)
		}
		channelIDs[ch.ID] = true
	}

	for _, b := range c.Bindings {
		if b.AgentID == "" {
			return fmt.Errorf("config: binding %q: agent_id is required", b.ID)
		}
		if !agentIDs[b.AgentID] {
			return fmt.Errorf("config: binding %q: unknown agent %q", b.ID, b.AgentID)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config: telemetry enabled without endpoint")
	}
	return nil
}
