// Package opencode implements the agent.Agent surface against an
// opencode-style HTTP server: plain JSON endpoints plus a server-sent
// event stream for session output.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

const defaultHTTPTimeout = 120 * time.Second

// Config describes one opencode backend.
type Config struct {
	ID        string
	BaseURL   string
	Directory string // default project directory for new sessions
	Model     string // default model (empty = backend default)
}

// Client talks to one opencode server.
type Client struct {
	id         string
	baseURL    string
	directory  string
	model      string
	httpClient *http.Client

	mu          sync.Mutex
	initialized bool
}

// New creates an opencode client. The connection is verified lazily in
// Initialize.
func New(cfg Config) (*Client, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("opencode: agent id is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("opencode: base url is required for agent %s", cfg.ID)
	}
	return &Client{
		id:         cfg.ID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		directory:  cfg.Directory,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// ID returns the agent id.
func (c *Client) ID() string { return c.id }

// DefaultModel returns the configured default model (may be empty).
func (c *Client) DefaultModel() string { return c.model }

// DefaultDirectory returns the configured project directory.
func (c *Client) DefaultDirectory() string { return c.directory }

// Initialize probes the backend. Idempotent.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.doJSON(ctx, "GET", "/app", nil, nil); err != nil {
		return fmt.Errorf("opencode %s: probe: %w", c.id, err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	slog.Info("opencode backend connected", "agent", c.id, "url", c.baseURL)
	return nil
}

// Shutdown releases idle connections. Idempotent.
func (c *Client) Shutdown(_ context.Context) error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}

// CreateSession creates a backend session rooted at dir (falls back to
// the configured default directory).
func (c *Client) CreateSession(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = c.directory
	}
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"directory": dir}
	if err := c.doJSON(ctx, "POST", "/session", body, &resp); err != nil {
		return "", fmt.Errorf("opencode %s: create session: %w", c.id, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("opencode %s: create session: empty id", c.id)
	}
	return resp.ID, nil
}

// SendPrompt submits a prompt. The call returns once the backend accepts
// the message; output arrives on the event stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID string, parts []agent.PromptPart, opts agent.SendOptions) error {
	body := map[string]interface{}{"parts": parts}
	model := opts.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		body["model"] = splitModelRef(model)
	}
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.doJSON(ctx, "POST", path, body, nil); err != nil {
		return fmt.Errorf("opencode %s: send prompt: %w", c.id, err)
	}
	return nil
}

// Abort cancels the session's in-flight work.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/abort"
	if err := c.doJSON(ctx, "POST", path, nil, nil); err != nil {
		return fmt.Errorf("opencode %s: abort: %w", c.id, err)
	}
	return nil
}

// ExecuteCommand runs a named backend command inside a session.
func (c *Client) ExecuteCommand(ctx context.Context, sessionID, command string, args []string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/command"
	body := map[string]interface{}{"command": command, "arguments": strings.Join(args, " ")}
	if err := c.doJSON(ctx, "POST", path, body, nil); err != nil {
		return fmt.Errorf("opencode %s: command %s: %w", c.id, command, err)
	}
	return nil
}

// ExecuteShell runs a shell command inside the session's project and
// returns the captured output.
func (c *Client) ExecuteShell(ctx context.Context, sessionID, command, model string) (string, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/shell"
	body := map[string]interface{}{"command": command}
	if model != "" {
		body["model"] = splitModelRef(model)
	}
	var resp struct {
		Output string `json:"output"`
	}
	if err := c.doJSON(ctx, "POST", path, body, &resp); err != nil {
		return "", fmt.Errorf("opencode %s: shell: %w", c.id, err)
	}
	return resp.Output, nil
}

// Summarize asks the backend to compact the session context.
func (c *Client) Summarize(ctx context.Context, sessionID, model string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/summarize"
	body := map[string]interface{}{}
	if model != "" {
		body["model"] = splitModelRef(model)
	}
	if err := c.doJSON(ctx, "POST", path, body, nil); err != nil {
		return fmt.Errorf("opencode %s: summarize: %w", c.id, err)
	}
	return nil
}

// ListModels flattens the backend's provider catalogue.
func (c *Client) ListModels(ctx context.Context) ([]agent.Model, error) {
	var resp struct {
		Providers []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Models map[string]struct {
				Name string `json:"name"`
			} `json:"models"`
		} `json:"providers"`
	}
	if err := c.doJSON(ctx, "GET", "/config/providers", nil, &resp); err != nil {
		return nil, fmt.Errorf("opencode %s: list models: %w", c.id, err)
	}

	var models []agent.Model
	for _, p := range resp.Providers {
		for id, m := range p.Models {
			name := m.Name
			if name == "" {
				name = id
			}
			// ID stays bare; renderers compose provider/model themselves.
			models = append(models, agent.Model{
				ID:         id,
				Name:       name,
				ProviderID: p.ID,
			})
		}
	}
	agent.SortModels(models)
	return models, nil
}

// GetSessionDetail fetches one session's metadata.
func (c *Client) GetSessionDetail(ctx context.Context, sessionID string) (*agent.SessionDetail, error) {
	var detail agent.SessionDetail
	path := "/session/" + url.PathEscape(sessionID)
	if err := c.doJSON(ctx, "GET", path, nil, &detail); err != nil {
		return nil, fmt.Errorf("opencode %s: session detail: %w", c.id, err)
	}
	return &detail, nil
}

// GetChildSessions lists sessions spawned under parentID.
func (c *Client) GetChildSessions(ctx context.Context, parentID string) ([]agent.SessionDetail, error) {
	var children []agent.SessionDetail
	path := "/session/" + url.PathEscape(parentID) + "/children"
	if err := c.doJSON(ctx, "GET", path, nil, &children); err != nil {
		return nil, fmt.Errorf("opencode %s: child sessions: %w", c.id, err)
	}
	return children, nil
}

// ReplyQuestion submits answers for a pending question request.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	path := "/question/" + url.PathEscape(requestID) + "/reply"
	body := map[string]interface{}{"answers": answers}
	if err := c.doJSON(ctx, "POST", path, body, nil); err != nil {
		return fmt.Errorf("opencode %s: reply question: %w", c.id, err)
	}
	return nil
}

// RejectQuestion dismisses a pending question request.
func (c *Client) RejectQuestion(ctx context.Context, requestID string) error {
	path := "/question/" + url.PathEscape(requestID) + "/reject"
	if err := c.doJSON(ctx, "POST", path, nil, nil); err != nil {
		return fmt.Errorf("opencode %s: reject question: %w", c.id, err)
	}
	return nil
}

// --- HTTP plumbing ---

// doJSON performs one JSON API call. A nil out discards the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// splitModelRef converts "provider/model-id" into the backend's
// {providerID, modelID} shape. A bare id leaves providerID empty.
func splitModelRef(ref string) map[string]string {
	if idx := strings.Index(ref, "/"); idx > 0 {
		return map[string]string{
			"providerID": ref[:idx],
			"modelID":    ref[idx+1:],
		}
	}
	return map[string]string{"modelID": ref}
}

// Ensure Client implements the agent surface at compile time.
var _ agent.Agent = (*Client)(nil)
