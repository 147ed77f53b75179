// Package channels abstracts the messaging platform: inbound events
// (messages, card actions, membership changes, recalls) delivered to
// handler callbacks, and the outbound send/update/delete surface.
package channels

import (
	"context"
	"time"
)

// Chat types as reported by the platform.
const (
	ChatTypeP2P   = "p2p"
	ChatTypeGroup = "group"
)

// InboundMessage is a user message delivered to the gateway.
type InboundMessage struct {
	EventID   string
	MessageID string
	ChatID    string
	ChatType  string
	UserID    string
	Text      string
	Timestamp time.Time
}

// CardAction is a user interacting with a card (button, form submit).
type CardAction struct {
	EventID   string
	MessageID string // the card message acted on
	ChatID    string
	UserID    string
	Value     map[string]string
	FormValue map[string]interface{}
}

// Handlers receives inbound events. Nil fields are skipped.
type Handlers struct {
	OnMessage         func(ctx context.Context, msg InboundMessage)
	OnCardAction      func(ctx context.Context, action CardAction)
	OnBotAdded        func(ctx context.Context, chatID, chatName string)
	OnBotRemoved      func(ctx context.Context, chatID string)
	OnMessageRecalled func(ctx context.Context, chatID, messageID string)
	OnUserLeft        func(ctx context.Context, chatID, userID string)
	OnChatDisbanded   func(ctx context.Context, chatID string)
	OnMenuClick       func(ctx context.Context, userID, eventKey string)
}

// Sender is the outbound platform surface.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
	SendCard(ctx context.Context, chatID, cardJSON string) (messageID string, err error)
	// UpdateCard reports rateLimited when the platform throttled the
	// call; callers back off and retry.
	UpdateCard(ctx context.Context, messageID, cardJSON string) (rateLimited bool, err error)
	DeleteMessage(ctx context.Context, messageID string) error
	CreateChat(ctx context.Context, name string, userIDs []string) (chatID string, err error)
	UpdateChatName(ctx context.Context, chatID, name string) error
	DeleteChat(ctx context.Context, chatID string) error
}

// Channel is one connected messaging platform account.
type Channel interface {
	Sender

	// ID is the channel's routing identifier (the first segment of a
	// session key).
	ID() string

	// Connect starts event delivery into h. Non-blocking after setup.
	Connect(ctx context.Context, h Handlers) error

	// Disconnect stops event delivery.
	Disconnect(ctx context.Context) error
}
