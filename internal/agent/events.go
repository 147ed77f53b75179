package agent

import "encoding/json"

// Backend event types the gateway handles.
const (
	EventMessagePartUpdated = "message.part.updated"
	EventMessageUpdated     = "message.updated"
	EventSessionIdle        = "session.idle"
	EventSessionCreated     = "session.created"
	EventSessionUpdated     = "session.updated"
	EventSessionError       = "session.error"
	EventQuestionAsked      = "question.asked"
	EventQuestionReplied    = "question.replied"
	EventQuestionRejected   = "question.rejected"
)

// Part state values for tool-call parts.
const (
	PartStatePending   = "pending"
	PartStateRunning   = "running"
	PartStateCompleted = "completed"
	PartStateError     = "error"
)

// Part kinds.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartToolCall  = "tool"
)

// ToolState carries the lifecycle of a tool-call part.
type ToolState struct {
	Status string                 `json:"status,omitempty"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output string                 `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
	// Time fields are unix milliseconds.
	TimeStart int64 `json:"timeStart,omitempty"`
	TimeEnd   int64 `json:"timeEnd,omitempty"`
}

// Part is one unit of agent output, identified by a stable ID.
type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID,omitempty"`
	MessageID string     `json:"messageID,omitempty"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// SessionInfo is the session-level payload of session.* events.
type SessionInfo struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	ParentID  string `json:"parentID,omitempty"`
	Title     string `json:"title,omitempty"`
}

// ErrorInfo is the payload of session.error.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// Question is one question inside a question.asked request.
type Question struct {
	Header   string           `json:"header,omitempty"`
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options,omitempty"`
	Multiple bool             `json:"multiple,omitempty"`
}

// QuestionRequest is the payload of question.asked.
type QuestionRequest struct {
	RequestID string     `json:"id"`
	SessionID string     `json:"sessionID,omitempty"`
	Questions []Question `json:"questions"`
}

// Properties is the union payload of a backend event. Different event
// types populate different fields; unrecognized shapes stay in Raw.
type Properties struct {
	EventID  string           `json:"eventID,omitempty"`
	Info     *SessionInfo     `json:"info,omitempty"`
	Part     *Part            `json:"part,omitempty"`
	Error    *ErrorInfo       `json:"error,omitempty"`
	Question *QuestionRequest `json:"question,omitempty"`
	Raw      json.RawMessage  `json:"-"`
}

// Event is one backend event: a type tag plus a union payload.
type Event struct {
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
}

// SessionID extracts the session id from whichever field this event type
// carries it in. The backend is inconsistent here: part events use
// part.sessionID, session events use info.id or info.sessionID. The
// union is authoritative; first non-empty wins.
func (e Event) SessionID() string {
	if p := e.Properties.Part; p != nil && p.SessionID != "" {
		return p.SessionID
	}
	if i := e.Properties.Info; i != nil {
		if i.SessionID != "" {
			return i.SessionID
		}
		if i.ID != "" {
			return i.ID
		}
	}
	if q := e.Properties.Question; q != nil && q.SessionID != "" {
		return q.SessionID
	}
	return ""
}
