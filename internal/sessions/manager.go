package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

// Session status values.
const (
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusError      = "error"
)

// Errors surfaced by manager operations.
var (
	ErrAgentNotFound   = errors.New("sessions: agent not found")
	ErrSessionNotFound = errors.New("sessions: session not found")
)

// State is the mutable record of one session. It is mutated only by
// Manager operations; callers receive copies.
type State struct {
	Key            Key       `json:"-"`
	KeyStr         string    `json:"key"`
	AgentSessionID string    `json:"agentSessionId"`
	AgentID        string    `json:"agentId"`
	Status         string    `json:"status"`
	ProjectPath    string    `json:"projectPath,omitempty"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
	MessageCount   int       `json:"messageCount"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// NeedsNewCard forces the next part-update to allocate a fresh
	// streamer (set after a question interrupts the current one).
	NeedsNewCard bool `json:"-"`
}

// GroupInfo tracks a chat the bot participates in.
type GroupInfo struct {
	ChatID        string    `json:"chatId"`
	Name          string    `json:"name,omitempty"`
	AddedAt       time.Time `json:"addedAt"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// Task is the at-most-one in-flight processing task of a session.
type Task struct {
	SessionKeyStr string
	MessageID     string
	StartTime     time.Time
	cancel        context.CancelFunc
}

type eventRecord struct {
	seenAt time.Time
}

// Options tunes the Manager.
type Options struct {
	DedupWindow time.Duration // event id suppression window (default 5m)
	IdleTimeout time.Duration // inactivity before a session turns idle (default 30m)
	IdleGrace   time.Duration // extra inactivity before eviction (default 30m)
	SweepPeriod time.Duration // sweeper tick (default 60s)
}

func (o *Options) applyDefaults() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 30 * time.Minute
	}
	if o.SweepPeriod <= 0 {
		o.SweepPeriod = 60 * time.Second
	}
}

// Manager owns all session state. Map mutations happen under the mutex;
// the mutex is never held across agent (network) calls.
type Manager struct {
	agents *agent.Registry
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*State
	groups   map[string]*GroupInfo
	events   map[string]eventRecord
	tasks    map[string]*Task
	subtasks map[string]map[string]struct{} // keyStr → set of child session ids
	children map[string]childRef            // child session id → parent attribution

	now func() time.Time // test hook
}

type childRef struct {
	parentKeyStr string
	partID       string
}

// NewManager creates a session manager backed by the agent registry.
func NewManager(agents *agent.Registry, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		agents:   agents,
		opts:     opts,
		sessions: make(map[string]*State),
		groups:   make(map[string]*GroupInfo),
		events:   make(map[string]eventRecord),
		tasks:    make(map[string]*Task),
		subtasks: make(map[string]map[string]struct{}),
		children: make(map[string]childRef),
		now:      time.Now,
	}
}

// GetOrCreateSession returns the session for key, creating a backend
// session on agentID when none exists. Exactly one State exists per
// canonical key; a concurrent create race keeps the first stored state.
func (m *Manager) GetOrCreateSession(ctx context.Context, key Key, agentID, projectPath, model string) (State, error) {
	if err := key.Validate(); err != nil {
		return State{}, err
	}
	keyStr := key.String()

	m.mu.Lock()
	if s, ok := m.sessions[keyStr]; ok {
		s.LastActiveAt = m.now()
		st := *s
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	backend, ok := m.agents.Get(agentID)
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	sessionID, err := backend.CreateSession(ctx, projectPath)
	if err != nil {
		return State{}, fmt.Errorf("create backend session for %s: %w", keyStr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[keyStr]; ok {
		// Lost the race; the stored state wins, the extra backend
		// session falls to the backend's own idle reaping.
		s.LastActiveAt = m.now()
		return *s, nil
	}
	now := m.now()
	s := &State{
		Key:            key,
		KeyStr:         keyStr,
		AgentSessionID: sessionID,
		AgentID:        agentID,
		Status:         StatusActive,
		ProjectPath:    projectPath,
		Model:          model,
		CreatedAt:      now,
		LastActiveAt:   now,
		Metadata:       make(map[string]string),
	}
	m.sessions[keyStr] = s
	slog.Info("session created", "key", keyStr, "agent", agentID, "backend_session", sessionID)
	return *s, nil
}

// Get returns a copy of the session state.
func (m *Manager) Get(keyStr string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[keyStr]; ok {
		return *s, true
	}
	return State{}, false
}

// BySessionID finds the session owning a backend session id.
func (m *Manager) BySessionID(agentSessionID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.AgentSessionID == agentSessionID {
			return *s, true
		}
	}
	return State{}, false
}

// UpdateSession applies fn to the state under the lock and refreshes
// LastActiveAt. Returns ErrSessionNotFound for unknown keys.
func (m *Manager) UpdateSession(keyStr string, fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[keyStr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, keyStr)
	}
	fn(s)
	s.LastActiveAt = m.now()
	return nil
}

// SetStatus updates the status without touching LastActiveAt (idle
// marking must not refresh the activity clock).
func (m *Manager) SetStatus(keyStr, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[keyStr]; ok {
		s.Status = status
	}
}

// DeleteSession removes the session and all derived state atomically.
func (m *Manager) DeleteSession(keyStr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(keyStr)
}

func (m *Manager) deleteLocked(keyStr string) {
	delete(m.sessions, keyStr)
	delete(m.tasks, keyStr)
	if kids, ok := m.subtasks[keyStr]; ok {
		for id := range kids {
			delete(m.children, id)
		}
		delete(m.subtasks, keyStr)
	}
}

// SwitchModel calls the backend (best-effort validation via listModels
// is the caller's concern) and records the model locally. On backend
// failure the session is left unchanged.
func (m *Manager) SwitchModel(ctx context.Context, keyStr, model string) error {
	s, ok := m.Get(keyStr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, keyStr)
	}
	backend, ok := m.agents.Get(s.AgentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, s.AgentID)
	}
	// The backend has no dedicated "set model" call; the model rides on
	// the next prompt. A command round-trip verifies the session still
	// exists so a stale key fails here instead of mid-prompt.
	if _, err := backend.GetSessionDetail(ctx, s.AgentSessionID); err != nil {
		return fmt.Errorf("switch model: %w", err)
	}
	return m.UpdateSession(keyStr, func(st *State) { st.Model = model })
}

// SwitchProject destroys the backend session and recreates it at path,
// preserving the model.
func (m *Manager) SwitchProject(ctx context.Context, keyStr, path string) error {
	s, ok := m.Get(keyStr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, keyStr)
	}
	backend, ok := m.agents.Get(s.AgentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, s.AgentID)
	}

	newID, err := backend.CreateSession(ctx, path)
	if err != nil {
		return fmt.Errorf("switch project: %w", err)
	}
	return m.UpdateSession(keyStr, func(st *State) {
		st.AgentSessionID = newID
		st.ProjectPath = path
		st.Status = StatusActive
	})
}

// SwitchAgent creates a backend session on the new agent and repoints
// the state at it.
func (m *Manager) SwitchAgent(ctx context.Context, keyStr, agentID string) error {
	s, ok := m.Get(keyStr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, keyStr)
	}
	backend, ok := m.agents.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	newID, err := backend.CreateSession(ctx, s.ProjectPath)
	if err != nil {
		return fmt.Errorf("switch agent: %w", err)
	}
	return m.UpdateSession(keyStr, func(st *State) {
		st.AgentSessionID = newID
		st.AgentID = agentID
		st.Status = StatusActive
	})
}

// Compact delegates to the backend's summarize.
func (m *Manager) Compact(ctx context.Context, keyStr string) agent.CompactResult {
	s, ok := m.Get(keyStr)
	if !ok {
		return agent.CompactResult{Err: fmt.Errorf("%w: %s", ErrSessionNotFound, keyStr)}
	}
	backend, ok := m.agents.Get(s.AgentID)
	if !ok {
		return agent.CompactResult{Err: fmt.Errorf("%w: %s", ErrAgentNotFound, s.AgentID)}
	}
	if err := backend.Summarize(ctx, s.AgentSessionID, s.Model); err != nil {
		return agent.CompactResult{Err: fmt.Errorf("compact: %w", err)}
	}
	_ = m.UpdateSession(keyStr, func(st *State) {})
	return agent.CompactResult{Success: true}
}

// --- Event dedup ---

// IsDuplicateEvent reports whether eventID was already marked within the
// dedup window.
func (m *Manager) IsDuplicateEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.events[eventID]
	return ok && m.now().Sub(rec.seenAt) < m.opts.DedupWindow
}

// MarkEventProcessed records eventID. The first mark wins: a second mark
// within the window returns false.
func (m *Manager) MarkEventProcessed(eventID string) bool {
	if eventID == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.events[eventID]; ok && m.now().Sub(rec.seenAt) < m.opts.DedupWindow {
		return false
	}
	m.events[eventID] = eventRecord{seenAt: m.now()}
	return true
}

// --- Processing tasks ---

// StartTask registers the processing task for a session and flips it to
// processing. At most one task per key: an existing task is aborted
// first so the new prompt takes over cleanly.
func (m *Manager) StartTask(keyStr, messageID string) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	if prev, ok := m.tasks[keyStr]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.tasks[keyStr] = &Task{
		SessionKeyStr: keyStr,
		MessageID:     messageID,
		StartTime:     m.now(),
		cancel:        cancel,
	}
	if s, ok := m.sessions[keyStr]; ok {
		s.Status = StatusProcessing
		s.LastActiveAt = m.now()
	}
	m.mu.Unlock()
	return ctx, cancel
}

// CompleteTask clears the task and increments the message count.
func (m *Manager) CompleteTask(keyStr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, keyStr)
	if s, ok := m.sessions[keyStr]; ok {
		s.MessageCount++
		s.LastActiveAt = m.now()
		if s.Status == StatusProcessing {
			s.Status = StatusActive
		}
	}
}

// AbortTask cancels the in-flight task, if any. Reports whether a task
// was aborted.
func (m *Manager) AbortTask(keyStr string) bool {
	m.mu.Lock()
	task, ok := m.tasks[keyStr]
	if ok {
		delete(m.tasks, keyStr)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	return true
}

// ActiveTask returns a copy of the in-flight task.
func (m *Manager) ActiveTask(keyStr string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[keyStr]; ok {
		return *t, true
	}
	return Task{}, false
}

// --- Subtask attribution ---

// RegisterSubtask maps a child backend session to the parent part that
// spawned it.
func (m *Manager) RegisterSubtask(parentKeyStr, childSessionID, partID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subtasks[parentKeyStr]
	if !ok {
		set = make(map[string]struct{})
		m.subtasks[parentKeyStr] = set
	}
	set[childSessionID] = struct{}{}
	m.children[childSessionID] = childRef{parentKeyStr: parentKeyStr, partID: partID}
}

// LookupSubtask resolves a child session id to its parent session key
// and attribution part id.
func (m *Manager) LookupSubtask(childSessionID string) (parentKeyStr, partID string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.children[childSessionID]
	return ref.parentKeyStr, ref.partID, ok
}

// IsChildSession reports whether the backend session id belongs to a
// tracked subtask.
func (m *Manager) IsChildSession(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.children[sessionID]
	return ok
}

// ClearSubtasks drops all child attribution for a parent session.
func (m *Manager) ClearSubtasks(parentKeyStr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kids, ok := m.subtasks[parentKeyStr]; ok {
		for id := range kids {
			delete(m.children, id)
		}
		delete(m.subtasks, parentKeyStr)
	}
}

// --- Groups ---

// TrackGroup records (or refreshes) a chat the bot participates in.
func (m *Manager) TrackGroup(chatID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[chatID]; ok {
		if name != "" {
			g.Name = name
		}
		g.LastMessageAt = m.now()
		return
	}
	m.groups[chatID] = &GroupInfo{ChatID: chatID, Name: name, AddedAt: m.now()}
}

// ForgetGroup removes a chat (bot removed or chat disbanded).
func (m *Manager) ForgetGroup(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, chatID)
}

// --- Listing / snapshot ---

// List returns copies of all session states, sorted by key for stable
// output.
func (m *Manager) List() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyStr < out[j].KeyStr })
	return out
}

// Snapshot is the persisted form of the manager's durable state.
type Snapshot struct {
	Sessions []State     `json:"sessions"`
	Groups   []GroupInfo `json:"groups"`
}

// Snapshot captures sessions and groups for persistence, sorted for
// stable (human-inspectable) output.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		Sessions: make([]State, 0, len(m.sessions)),
		Groups:   make([]GroupInfo, 0, len(m.groups)),
	}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, *s)
	}
	for _, g := range m.groups {
		snap.Groups = append(snap.Groups, *g)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].KeyStr < snap.Sessions[j].KeyStr })
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].ChatID < snap.Groups[j].ChatID })
	return snap
}

// Restore loads a snapshot, dropping entries whose keys no longer parse.
// Processing status does not survive a restart.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		key, err := ParseKey(s.KeyStr)
		if err != nil {
			slog.Warn("dropping persisted session with invalid key", "key", s.KeyStr, "error", err)
			continue
		}
		s.Key = key
		if s.Status == StatusProcessing {
			s.Status = StatusActive
		}
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		m.sessions[s.KeyStr] = &s
	}
	for i := range snap.Groups {
		g := snap.Groups[i]
		m.groups[g.ChatID] = &g
	}
}
