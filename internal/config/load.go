package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// DefaultPath is used when neither --config-file nor $LARKCODE_CONFIG
// is set.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".larkcode", "config.toml")
}

// Load reads the TOML file at path (or the default location), applies
// the LARKCODE_* environment overlay and defaults, and validates. A
// missing file at the default location yields an env-only config.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("LARKCODE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			// No file: the env overlay may still supply everything.
		} else {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays LARKCODE_* variables onto the file config. The
// single-channel / single-agent variables create entries when the file
// defined none.
func (c *Config) applyEnv() {
	if v := os.Getenv("LARKCODE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LARKCODE_DEFAULT_AGENT"); v != "" {
		c.Gateway.DefaultAgent = v
	}
	if v := os.Getenv("LARKCODE_PERSIST_PATH"); v != "" {
		c.Gateway.PersistPath = v
	}
	if v := os.Getenv("LARKCODE_RECALL_DB"); v != "" {
		c.Gateway.RecallDB = v
	}
	if v := os.Getenv("LARKCODE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gateway.MaxConcurrency = n
		}
	}

	if v := os.Getenv("LARKCODE_LARK_APP_ID"); v != "" {
		ch := c.firstLarkChannel()
		ch.AppID = v
	}
	if v := os.Getenv("LARKCODE_LARK_APP_SECRET"); v != "" {
		ch := c.firstLarkChannel()
		ch.AppSecret = v
	}
	if v := os.Getenv("LARKCODE_LARK_DOMAIN"); v != "" {
		ch := c.firstLarkChannel()
		ch.Domain = v
	}

	if v := os.Getenv("LARKCODE_OPENCODE_URL"); v != "" {
		a := c.firstOpencodeAgent()
		a.BaseURL = v
	}
	if v := os.Getenv("LARKCODE_OPENCODE_MODEL"); v != "" {
		a := c.firstOpencodeAgent()
		a.Model = v
	}
}

func (c *Config) firstLarkChannel() *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].Type == "" || c.Channels[i].Type == "lark" {
			return &c.Channels[i]
		}
	}
	c.Channels = append(c.Channels, ChannelConfig{ID: "lark", Type: "lark"})
	return &c.Channels[len(c.Channels)-1]
}

func (c *Config) firstOpencodeAgent() *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].Type == "" || c.Agents[i].Type == "opencode" {
			return &c.Agents[i]
		}
	}
	c.Agents = append(c.Agents, AgentConfig{ID: "opencode", Type: "opencode"})
	return &c.Agents[len(c.Agents)-1]
}
