// Package parts folds the agent's part-update event stream into the
// ordered rendering model the card streamer consumes, and attributes
// child-session activity back onto the parent's delegation tool-call.
//
// A Folder is owned by a single processing task and is not safe for
// concurrent use; the gateway drives it from the event loop goroutine
// and hands copies to the streamer.
package parts

import (
	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

// OrderedPart is one rendering unit. Parts keep arrival order; updates
// to a known id replace in place (append-or-replace-by-id).
type OrderedPart struct {
	ID   string
	Type string // agent.PartText, PartReasoning or PartToolCall
	Text string
	Tool *ToolCall
}

// ToolCall is the rendering view of a tool-call part.
type ToolCall struct {
	Name      string
	Status    string
	Input     map[string]interface{}
	Output    string
	Error     string
	TimeStart int64 // unix milliseconds
	TimeEnd   int64
	Subtask   *Subtask
}

// Subtask is the attributed state of a delegated child session,
// rendered inside the parent's tool-call panel.
type Subtask struct {
	AgentType     string
	Description   string
	Prompt        string
	ToolCount     int
	CurrentTool   string
	StreamingText string
	Summary       *agent.SessionSummary
	Conclusion    string

	sawChildEvent bool
}

// Folder reduces part events to the ordered part list.
type Folder struct {
	parts []*OrderedPart
	index map[string]int // part id → position in parts

	// The backend echoes the user prompt as the first text part on the
	// parent session; that part (and its later updates) is dropped.
	skipFirstText bool
	firstTextID   string
	sawFirstText  bool
}

// NewFolder creates a folder. skipFirstText is set for parent sessions.
func NewFolder(skipFirstText bool) *Folder {
	return &Folder{
		index:         make(map[string]int),
		skipFirstText: skipFirstText,
	}
}

// Apply folds one part event. Reports whether the rendering changed.
func (f *Folder) Apply(p agent.Part) bool {
	if p.ID == "" {
		return false
	}
	switch p.Type {
	case agent.PartText:
		if f.skipFirstText {
			if !f.sawFirstText {
				f.sawFirstText = true
				f.firstTextID = p.ID
				return false
			}
			if p.ID == f.firstTextID {
				return false
			}
		}
		f.upsert(&OrderedPart{ID: p.ID, Type: agent.PartText, Text: p.Text})
		return true

	case agent.PartReasoning:
		f.upsert(&OrderedPart{ID: p.ID, Type: agent.PartReasoning, Text: p.Text})
		return true

	case agent.PartToolCall:
		tc := &ToolCall{Name: p.Tool}
		if p.State != nil {
			tc.Status = p.State.Status
			tc.Input = p.State.Input
			tc.Output = p.State.Output
			tc.Error = p.State.Error
			tc.TimeStart = p.State.TimeStart
			tc.TimeEnd = p.State.TimeEnd
		}
		if pos, ok := f.index[p.ID]; ok {
			// Replacing a delegation keeps its attributed subtask.
			tc.Subtask = f.parts[pos].Tool.Subtask
		}
		// A backgrounded delegation completes on the parent before its
		// child reports anything — possibly before the child's
		// session.created has even bound a subtask. Show it as still
		// pending until child activity arrives.
		if tc.Status == agent.PartStateCompleted && IsDelegation(tc.Name) &&
			runsInBackground(tc.Input) &&
			(tc.Subtask == nil || !tc.Subtask.sawChildEvent) {
			tc.Status = agent.PartStatePending
		}
		f.upsert(&OrderedPart{ID: p.ID, Type: agent.PartToolCall, Tool: tc})
		return true
	}
	return false
}

func (f *Folder) upsert(p *OrderedPart) {
	if pos, ok := f.index[p.ID]; ok {
		f.parts[pos] = p
		return
	}
	f.index[p.ID] = len(f.parts)
	f.parts = append(f.parts, p)
}

// AttachSubtask attaches sub to the nearest in-progress delegation
// tool-call, or appends a synthetic placeholder part under subtaskID
// when none is running. Returns the id of the part carrying the subtask.
func (f *Folder) AttachSubtask(subtaskID string, sub *Subtask) string {
	for i := len(f.parts) - 1; i >= 0; i-- {
		p := f.parts[i]
		if p.Type != agent.PartToolCall || !IsDelegation(p.Tool.Name) {
			continue
		}
		if p.Tool.Status == agent.PartStateRunning || p.Tool.Status == agent.PartStatePending {
			p.Tool.Subtask = sub
			return p.ID
		}
	}
	f.upsert(&OrderedPart{
		ID:   subtaskID,
		Type: agent.PartToolCall,
		Tool: &ToolCall{
			Name:    "delegate_task",
			Status:  agent.PartStateRunning,
			Subtask: sub,
		},
	})
	return subtaskID
}

// subtaskOf returns the subtask attached to the part, if any.
func (f *Folder) subtaskOf(partID string) (*ToolCall, *Subtask) {
	pos, ok := f.index[partID]
	if !ok {
		return nil, nil
	}
	p := f.parts[pos]
	if p.Type != agent.PartToolCall || p.Tool == nil {
		return nil, nil
	}
	return p.Tool, p.Tool.Subtask
}

// Len returns the number of rendered parts.
func (f *Folder) Len() int { return len(f.parts) }

// Parts returns a deep copy of the ordered part list, safe to hand to
// the streamer's render goroutine.
func (f *Folder) Parts() []OrderedPart {
	out := make([]OrderedPart, len(f.parts))
	for i, p := range f.parts {
		cp := *p
		if p.Tool != nil {
			tool := *p.Tool
			if p.Tool.Subtask != nil {
				sub := *p.Tool.Subtask
				tool.Subtask = &sub
			}
			cp.Tool = &tool
		}
		out[i] = cp
	}
	return out
}

// IsDelegation reports whether a tool name spawns a child session.
func IsDelegation(name string) bool {
	return name == "delegate_task" || name == "task"
}

func runsInBackground(input map[string]interface{}) bool {
	v, ok := input["run_in_background"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
