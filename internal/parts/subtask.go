package parts

import (
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

// streamingTextLimit caps the child's live text shown in the parent
// panel, in characters.
const streamingTextLimit = 500

// Tracker attributes child-session activity onto the parent folder's
// delegation tool-call parts. Like Folder, it is driven from a single
// event-loop goroutine.
type Tracker struct {
	folder *Folder

	reserved string            // part id of the most recent running delegation
	bound    map[string]string // child session id → part id
}

// NewTracker wraps a folder with child-session attribution.
func NewTracker(folder *Folder) *Tracker {
	return &Tracker{folder: folder, bound: make(map[string]string)}
}

// Observe inspects a parent part before folding. A delegation tool-call
// entering the running state reserves its part id as the attribution
// target for the next child session.
func (t *Tracker) Observe(p agent.Part) {
	if p.Type != agent.PartToolCall || !IsDelegation(p.Tool) {
		return
	}
	if p.State != nil && p.State.Status == agent.PartStateRunning {
		t.reserved = p.ID
	}
}

// BindChild registers a freshly created child session against the
// reserved delegation part (or a synthetic placeholder) and returns the
// part id carrying the subtask.
func (t *Tracker) BindChild(childSessionID string, info agent.SessionInfo) string {
	sub := &Subtask{Description: info.Title}
	partID := t.reserved
	if partID != "" {
		if tool, existing := t.folder.subtaskOf(partID); tool != nil {
			if existing == nil {
				tool.Subtask = sub
				if v, ok := tool.Input["description"].(string); ok {
					sub.Description = v
				}
				if v, ok := tool.Input["prompt"].(string); ok {
					sub.Prompt = v
				}
				if v, ok := tool.Input["agent_type"].(string); ok {
					sub.AgentType = v
				}
			}
		} else {
			partID = ""
		}
	}
	if partID == "" {
		partID = t.folder.AttachSubtask(childSessionID, sub)
	}
	t.bound[childSessionID] = partID
	t.reserved = ""
	return partID
}

// IsChild reports whether a session id belongs to a bound child.
func (t *Tracker) IsChild(sessionID string) bool {
	_, ok := t.bound[sessionID]
	return ok
}

// ApplyChildPart folds a child part into the parent's subtask metadata.
// Child parts never appear as top-level parts of the parent rendering.
// Reports whether the rendering changed.
func (t *Tracker) ApplyChildPart(childSessionID string, p agent.Part) bool {
	partID, ok := t.bound[childSessionID]
	if !ok {
		return false
	}
	_, sub := t.folder.subtaskOf(partID)
	if sub == nil {
		return false
	}
	sub.sawChildEvent = true

	switch p.Type {
	case agent.PartToolCall:
		if p.State == nil {
			return false
		}
		switch p.State.Status {
		case agent.PartStateCompleted:
			sub.ToolCount++
			if sub.CurrentTool == p.Tool {
				sub.CurrentTool = ""
			}
		case agent.PartStateRunning:
			sub.CurrentTool = p.Tool
		default:
			return false
		}
		return true

	case agent.PartText:
		sub.StreamingText = truncateChars(p.Text, streamingTextLimit)
		return true
	}
	return false
}

// CompleteChild finalizes the subtask from the child's session detail
// and flips the parent tool-call to completed.
func (t *Tracker) CompleteChild(childSessionID string, detail *agent.SessionDetail) bool {
	partID, ok := t.bound[childSessionID]
	if !ok {
		return false
	}
	tool, sub := t.folder.subtaskOf(partID)
	if tool == nil || sub == nil {
		return false
	}
	if detail != nil {
		sub.Conclusion = detail.Title
		sub.Summary = detail.Summary
	}
	sub.CurrentTool = ""
	sub.StreamingText = ""
	tool.Status = agent.PartStateCompleted
	return true
}

func truncateChars(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "…"
}
