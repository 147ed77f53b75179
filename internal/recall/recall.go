// Package recall reacts to users recalling (deleting) their own
// messages: the bot's responses to that message are deleted too, and
// any in-flight task for the chat is aborted.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/sessions"
	"github.com/nextlevelbuilder/larkcode/internal/store"
)

// Deleter is the platform surface recall needs.
type Deleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// Result reports what a recall did.
type Result struct {
	Aborted            bool
	BotMessagesDeleted int
}

// Handler owns the user-message → bot-messages mapping.
type Handler struct {
	store    store.RecallStore
	sessions *sessions.Manager
	agents   *agent.Registry
}

func NewHandler(st store.RecallStore, mgr *sessions.Manager, agents *agent.Registry) *Handler {
	return &Handler{store: st, sessions: mgr, agents: agents}
}

// RecordUserMessage opens a recall record when a prompt is accepted.
func (h *Handler) RecordUserMessage(ctx context.Context, userMessageID, chatID string, at time.Time) error {
	return h.store.Put(ctx, store.RecallRecord{
		UserMessageID: userMessageID,
		ChatID:        chatID,
		SentAt:        at,
	})
}

// RecordBotMessage attributes a bot message to the prompt that caused
// it. Failures are logged, not fatal: losing a mapping only weakens a
// later recall.
func (h *Handler) RecordBotMessage(userMessageID, botMessageID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.AddBotMessage(ctx, userMessageID, store.BotMessage{MessageID: botMessageID, SentAt: at}); err != nil {
		slog.Warn("record bot message for recall", "user_message", userMessageID, "error", err)
	}
}

// HandleRecall processes a message.recalled event: aborts the chat's
// active task and deletes every bot message sent at or after the
// recalled message.
func (h *Handler) HandleRecall(ctx context.Context, deleter Deleter, channelID, userMessageID string) (Result, error) {
	rec, ok, err := h.store.Get(ctx, userMessageID)
	if err != nil {
		return Result{}, fmt.Errorf("recall lookup: %w", err)
	}
	if !ok {
		return Result{}, nil
	}

	var res Result
	keyStr := sessions.NewChatKey(channelID, rec.ChatID).String()
	if h.sessions.AbortTask(keyStr) {
		res.Aborted = true
		if s, ok := h.sessions.Get(keyStr); ok {
			if backend, ok := h.agents.Get(s.AgentID); ok {
				if err := backend.Abort(ctx, s.AgentSessionID); err != nil {
					slog.Warn("abort backend session on recall", "session", s.AgentSessionID, "error", err)
				}
			}
		}
	}

	for _, msg := range rec.BotMessages {
		if msg.SentAt.Before(rec.SentAt) {
			continue
		}
		if err := deleter.DeleteMessage(ctx, msg.MessageID); err != nil {
			slog.Warn("delete bot message on recall", "message", msg.MessageID, "error", err)
			continue
		}
		res.BotMessagesDeleted++
	}

	if err := h.store.Delete(ctx, userMessageID); err != nil {
		slog.Warn("drop recall record", "user_message", userMessageID, "error", err)
	}
	slog.Info("handled message recall", "chat", rec.ChatID, "aborted", res.Aborted, "deleted", res.BotMessagesDeleted)
	return res, nil
}
