// Package routing resolves inbound message context to a target agent via a
// priority-ordered bindings list.
//
// Each binding carries a match block; present fields are ANDed, absent
// fields are wildcards. The highest-priority enabled binding that matches
// wins; ties keep insertion order. When nothing matches, a synthetic
// default binding routes to the configured default agent.
package routing

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Context carries the message attributes a binding can match on.
type Context struct {
	ChannelID   string
	ChannelType string
	ChatType    string // "p2p", "group", or "*" on the binding side
	ChatID      string
	UserID      string
	MessageText string
}

// StringOrList accepts a single string or a list in config; a value
// matches when it equals any entry.
type StringOrList []string

// Contains reports whether v matches the list (empty list = wildcard).
func (s StringOrList) Contains(v string) bool {
	if len(s) == 0 {
		return true
	}
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// CustomPredicate is an application-supplied match hook.
type CustomPredicate func(Context) bool

// Match is the predicate block of a binding. Zero-valued fields are
// wildcards; ChatType "*" is an explicit wildcard.
type Match struct {
	ChannelID      StringOrList
	ChannelType    StringOrList
	ChatType       string
	ChatID         StringOrList
	UserID         StringOrList
	MessagePattern string
	Custom         CustomPredicate

	pattern *regexp.Regexp
}

// Binding maps a match block to an agent.
type Binding struct {
	ID       string
	AgentID  string
	Priority int
	Enabled  bool
	Match    Match

	seq int // insertion order, for stable priority ties
}

// Decision is the routing result. MatchedBy lists the match fields that
// fired, in evaluation order; empty for the default fallback.
type Decision struct {
	Binding   *Binding
	AgentID   string
	MatchedBy []string
}

// Router holds the bindings list sorted by descending priority.
type Router struct {
	mu             sync.RWMutex
	bindings       []*Binding
	defaultAgentID string
	nextSeq        int
}

// NewRouter creates a Router that falls back to defaultAgentID.
func NewRouter(defaultAgentID string) *Router {
	return &Router{defaultAgentID: defaultAgentID}
}

// Add registers a binding. Returns an error when the message pattern is
// not a valid regexp — invalid bindings never enter the list.
func (r *Router) Add(b Binding) error {
	if b.Match.MessagePattern != "" {
		re, err := regexp.Compile(b.Match.MessagePattern)
		if err != nil {
			return fmt.Errorf("binding %s: message pattern: %w", b.ID, err)
		}
		b.Match.pattern = re
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b.seq = r.nextSeq
	r.nextSeq++
	r.bindings = append(r.bindings, &b)
	sort.SliceStable(r.bindings, func(i, j int) bool {
		if r.bindings[i].Priority != r.bindings[j].Priority {
			return r.bindings[i].Priority > r.bindings[j].Priority
		}
		return r.bindings[i].seq < r.bindings[j].seq
	})
	return nil
}

// Replace swaps the whole bindings list (hot reload). Invalid patterns
// reject the entire replacement, keeping the previous list intact.
func (r *Router) Replace(bindings []Binding) error {
	compiled := make([]*Binding, 0, len(bindings))
	for i := range bindings {
		b := bindings[i]
		if b.Match.MessagePattern != "" {
			re, err := regexp.Compile(b.Match.MessagePattern)
			if err != nil {
				return fmt.Errorf("binding %s: message pattern: %w", b.ID, err)
			}
			b.Match.pattern = re
		}
		b.seq = i
		compiled = append(compiled, &b)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].seq < compiled[j].seq
	})

	r.mu.Lock()
	r.bindings = compiled
	r.nextSeq = len(compiled)
	r.mu.Unlock()
	return nil
}

// DefaultAgentID returns the fallback agent.
func (r *Router) DefaultAgentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultAgentID
}

// Route resolves ctx to an agent. Always returns a Decision: a routing
// miss is not an error, it falls back to the default agent with a
// synthetic binding.
func (r *Router) Route(ctx Context) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bindings {
		if !b.Enabled {
			continue
		}
		if matched, by := matches(&b.Match, ctx); matched {
			return Decision{Binding: b, AgentID: b.AgentID, MatchedBy: by}
		}
	}

	return Decision{
		Binding: &Binding{ID: "default", AgentID: r.defaultAgentID, Enabled: true},
		AgentID: r.defaultAgentID,
	}
}

// matches ANDs the present fields of m against ctx and reports which
// fields fired.
func matches(m *Match, ctx Context) (bool, []string) {
	var by []string

	if len(m.ChannelID) > 0 {
		if !m.ChannelID.Contains(ctx.ChannelID) {
			return false, nil
		}
		by = append(by, "channelId")
	}
	if len(m.ChannelType) > 0 {
		if !m.ChannelType.Contains(ctx.ChannelType) {
			return false, nil
		}
		by = append(by, "channelType")
	}
	if m.ChatType != "" && m.ChatType != "*" {
		if m.ChatType != ctx.ChatType {
			return false, nil
		}
		by = append(by, "chatType")
	}
	if len(m.ChatID) > 0 {
		if !m.ChatID.Contains(ctx.ChatID) {
			return false, nil
		}
		by = append(by, "chatId")
	}
	if len(m.UserID) > 0 {
		if !m.UserID.Contains(ctx.UserID) {
			return false, nil
		}
		by = append(by, "userId")
	}
	if m.pattern != nil {
		if !m.pattern.MatchString(ctx.MessageText) {
			return false, nil
		}
		by = append(by, "messagePattern")
	}
	if m.Custom != nil {
		if !m.Custom(ctx) {
			return false, nil
		}
		by = append(by, "custom")
	}

	return true, by
}
