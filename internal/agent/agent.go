// Package agent defines the coding-agent backend capability surface and a
// string-id keyed registry, mirroring the channel registry: registration
// by id, lookup returns an optional handle, no global singletons.
package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a registry lookup misses.
var ErrNotFound = errors.New("agent: not found")

// Model describes a backend model choice.
type Model struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ProviderID string `json:"providerId"`
}

// SessionSummary is the change summary of a finished session.
type SessionSummary struct {
	Files     int `json:"files"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// SessionDetail is the backend's view of one session.
type SessionDetail struct {
	ID       string          `json:"id"`
	ParentID string          `json:"parentID,omitempty"`
	Title    string          `json:"title,omitempty"`
	Summary  *SessionSummary `json:"summary,omitempty"`
}

// PromptPart is one piece of an outbound prompt (text or file reference).
type PromptPart struct {
	Type string `json:"type"` // "text" or "file"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// TextPrompt wraps plain text as a single-part prompt.
func TextPrompt(text string) []PromptPart {
	return []PromptPart{{Type: "text", Text: text}}
}

// SendOptions tunes a SendPrompt call.
type SendOptions struct {
	Model string
}

// CompactResult reports a summarize call.
type CompactResult struct {
	Success      bool
	BeforeTokens int
	AfterTokens  int
	Err          error
}

// Agent is the RPC surface of one coding-agent backend.
//
// All blocking operations take a context; SubscribeEvents yields until the
// context is cancelled or the backend stream closes (the channel is then
// closed by the implementation).
type Agent interface {
	ID() string

	// Initialize prepares the backend connection; Shutdown releases it.
	// Both are idempotent.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	CreateSession(ctx context.Context, dir string) (string, error)
	SendPrompt(ctx context.Context, sessionID string, parts []PromptPart, opts SendOptions) error
	Abort(ctx context.Context, sessionID string) error
	ExecuteCommand(ctx context.Context, sessionID, command string, args []string) error
	ExecuteShell(ctx context.Context, sessionID, command, model string) (string, error)
	Summarize(ctx context.Context, sessionID, model string) error
	ListModels(ctx context.Context) ([]Model, error)
	GetSessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error)
	GetChildSessions(ctx context.Context, parentID string) ([]SessionDetail, error)
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error
	RejectQuestion(ctx context.Context, requestID string) error

	// SubscribeEvents streams backend events. An empty sessionID subscribes
	// to all sessions; filtering to a session and its children is the
	// caller's concern (child ids are only known as they appear).
	SubscribeEvents(ctx context.Context, sessionID string) (<-chan Event, error)
}

// Registry keys agents by string id.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under its ID. Re-registering replaces the handle
// but keeps the original insertion position.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID()]; !ok {
		r.order = append(r.order, a.ID())
	}
	r.agents[a.ID()] = a
}

// Get looks up an agent by id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns registered ids in insertion order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns the agents in insertion order.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// SortModels orders models by provider then name, for stable listings.
func SortModels(models []Model) {
	sort.Slice(models, func(i, j int) bool {
		if models[i].ProviderID != models[j].ProviderID {
			return models[i].ProviderID < models[j].ProviderID
		}
		return models[i].Name < models[j].Name
	})
}
