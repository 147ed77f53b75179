// Package store defines the persistence interfaces the gateway uses:
// a snapshot store for session state and a recall store mapping user
// messages to the bot messages they produced.
package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/sessions"
)

// SnapshotStore persists the session manager's durable state across
// restarts.
type SnapshotStore interface {
	Save(snap sessions.Snapshot) error
	Load() (sessions.Snapshot, error)
}

// BotMessage is one bot-sent message recorded for recall handling.
type BotMessage struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// RecallRecord maps a user message to everything the bot sent in
// response.
type RecallRecord struct {
	UserMessageID string       `json:"userMessageId"`
	ChatID        string       `json:"chatId"`
	SentAt        time.Time    `json:"sentAt"`
	BotMessages   []BotMessage `json:"botMessages"`
}

// RecallStore is the persistent userMessageId → botMessageIds mapping.
type RecallStore interface {
	Put(ctx context.Context, rec RecallRecord) error
	AddBotMessage(ctx context.Context, userMessageID string, msg BotMessage) error
	Get(ctx context.Context, userMessageID string) (RecallRecord, bool, error)
	Delete(ctx context.Context, userMessageID string) error
	Close() error
}
