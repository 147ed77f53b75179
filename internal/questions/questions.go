// Package questions implements the interactive question protocol: the
// agent pauses mid-task to ask the user something; the gateway renders
// a form card and holds a pending record until an answer (form submit
// or plain text) or a rejection clears it. At most one question is
// pending per chat.
package questions

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

// Pending is one outstanding question in a chat.
type Pending struct {
	RequestID     string
	ChatID        string
	SessionKeyStr string
	AgentID       string
	MessageID     string // the question card
	Questions     []agent.Question
	AskedAt       time.Time
}

// Store holds pending questions keyed by chat. A new question in the
// same chat replaces the old one.
type Store struct {
	mu     sync.Mutex
	byChat map[string]*Pending
}

func NewStore() *Store {
	return &Store{byChat: make(map[string]*Pending)}
}

// Set records the pending question for its chat, returning the one it
// replaced, if any.
func (s *Store) Set(p Pending) (replaced Pending, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.byChat[p.ChatID]
	s.byChat[p.ChatID] = &p
	if had {
		return *old, true
	}
	return Pending{}, false
}

// Get returns the pending question for a chat.
func (s *Store) Get(chatID string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byChat[chatID]; ok {
		return *p, true
	}
	return Pending{}, false
}

// Clear removes and returns the pending question. Submissions and
// rejections both go through here, so an answer can win at most once.
func (s *Store) Clear(chatID string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byChat[chatID]
	if !ok {
		return Pending{}, false
	}
	delete(s.byChat, chatID)
	return *p, true
}

// ClearByRequest removes the pending question matching requestID, used
// when the backend reports question.replied/rejected from elsewhere.
func (s *Store) ClearByRequest(requestID string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID, p := range s.byChat {
		if p.RequestID == requestID {
			delete(s.byChat, chatID)
			return *p, true
		}
	}
	return Pending{}, false
}

// MapFormValues converts a card action's form_value back to answer
// labels, one slice per question in order. Select values carry option
// indices as strings.
func MapFormValues(p Pending, formValue map[string]interface{}) ([][]string, error) {
	answers := make([][]string, len(p.Questions))
	for i, q := range p.Questions {
		raw, ok := formValue[fieldName(i)]
		if !ok {
			answers[i] = []string{}
			continue
		}
		labels, err := mapValue(q, raw)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		answers[i] = labels
	}
	return answers, nil
}

func mapValue(q agent.Question, raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		label, err := optionLabel(q, v)
		if err != nil {
			return nil, err
		}
		return []string{label}, nil
	case []interface{}:
		labels := make([]string, 0, len(v))
		for _, item := range v {
			idx, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected option value %T", item)
			}
			label, err := optionLabel(q, idx)
			if err != nil {
				return nil, err
			}
			labels = append(labels, label)
		}
		return labels, nil
	case nil:
		return []string{}, nil
	default:
		return nil, fmt.Errorf("unexpected form value %T", raw)
	}
}

func optionLabel(q agent.Question, idxStr string) (string, error) {
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(q.Options) {
		return "", fmt.Errorf("option index %q out of range", idxStr)
	}
	return q.Options[idx].Label, nil
}

// optionLabels flattens a question's options to their display labels,
// in option order; select indices map back through the same order.
func optionLabels(q agent.Question) []string {
	labels := make([]string, len(q.Options))
	for i, opt := range q.Options {
		labels[i] = opt.Label
	}
	return labels
}

// TextAnswers treats a plain text message as the global answer: the
// same text fills every question slot.
func TextAnswers(p Pending, text string) [][]string {
	answers := make([][]string, len(p.Questions))
	for i := range answers {
		answers[i] = []string{text}
	}
	return answers
}

func fieldName(i int) string { return fmt.Sprintf("q%d", i) }
