// Package sessions owns session lifecycle for the gateway: canonical
// session keys, per-key state, processing tasks, event dedup, and the
// child-session attribution map.
//
// Session keys follow the canonical format:
//
//	{channelId}:{kind}:{chatId}[:{userId}]
//
// Where {kind} selects the scope:
//
//	channel:   {channelId}:channel            one session per channel
//	chat:      {channelId}:chat:{chatId}      one session per chat (default)
//	user:      {channelId}:user::{userId}     one session per user
//	user_chat: {channelId}:user_chat:{chatId}:{userId}
//
// No segment may contain a colon; parsers reject such keys.
package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects the scoping of a session key.
type Kind string

const (
	KindChannel  Kind = "channel"
	KindChat     Kind = "chat"
	KindUser     Kind = "user"
	KindUserChat Kind = "user_chat"
)

// ErrInvalidKey is wrapped by all key parse/build failures.
var ErrInvalidKey = errors.New("sessions: invalid session key")

// Key identifies a session across the chat platform and the agent backend.
type Key struct {
	ChannelID string
	Kind      Kind
	ChatID    string
	UserID    string
}

// NewChatKey builds a per-chat key, the default scope.
func NewChatKey(channelID, chatID string) Key {
	return Key{ChannelID: channelID, Kind: KindChat, ChatID: chatID}
}

// NewUserKey builds a per-user key.
func NewUserKey(channelID, userID string) Key {
	return Key{ChannelID: channelID, Kind: KindUser, UserID: userID}
}

// NewUserChatKey builds a per-user-per-chat key.
func NewUserChatKey(channelID, chatID, userID string) Key {
	return Key{ChannelID: channelID, Kind: KindUserChat, ChatID: chatID, UserID: userID}
}

// NewChannelKey builds a channel-wide key.
func NewChannelKey(channelID string) Key {
	return Key{ChannelID: channelID, Kind: KindChannel}
}

// Validate enforces the per-kind field invariants and the no-colon rule.
func (k Key) Validate() error {
	if k.ChannelID == "" {
		return fmt.Errorf("%w: empty channelId", ErrInvalidKey)
	}
	for _, seg := range []string{k.ChannelID, string(k.Kind), k.ChatID, k.UserID} {
		if strings.Contains(seg, ":") {
			return fmt.Errorf("%w: segment %q contains colon", ErrInvalidKey, seg)
		}
	}
	switch k.Kind {
	case KindChannel:
		// No further requirements.
	case KindChat:
		if k.ChatID == "" {
			return fmt.Errorf("%w: kind chat requires chatId", ErrInvalidKey)
		}
	case KindUser:
		if k.UserID == "" {
			return fmt.Errorf("%w: kind user requires userId", ErrInvalidKey)
		}
	case KindUserChat:
		if k.ChatID == "" || k.UserID == "" {
			return fmt.Errorf("%w: kind user_chat requires chatId and userId", ErrInvalidKey)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

// String serializes the key to its canonical form. Invalid keys
// serialize to "" — callers should Validate first.
func (k Key) String() string {
	if err := k.Validate(); err != nil {
		return ""
	}
	switch k.Kind {
	case KindChannel:
		return k.ChannelID + ":channel"
	case KindChat:
		return k.ChannelID + ":chat:" + k.ChatID
	case KindUser:
		return k.ChannelID + ":user::" + k.UserID
	default: // KindUserChat
		return k.ChannelID + ":user_chat:" + k.ChatID + ":" + k.UserID
	}
}

// ParseKey parses a canonical key string. parse(serialize(k)) == k for
// all valid keys.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	k := Key{ChannelID: parts[0], Kind: Kind(parts[1])}
	switch k.Kind {
	case KindChannel:
		if len(parts) != 2 {
			return Key{}, fmt.Errorf("%w: %q: channel kind takes no extra segments", ErrInvalidKey, s)
		}
	case KindChat:
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("%w: %q: chat kind takes exactly one chatId", ErrInvalidKey, s)
		}
		k.ChatID = parts[2]
	case KindUser:
		if len(parts) != 4 || parts[2] != "" {
			return Key{}, fmt.Errorf("%w: %q: user kind takes an empty chatId slot and a userId", ErrInvalidKey, s)
		}
		k.UserID = parts[3]
	case KindUserChat:
		if len(parts) != 4 {
			return Key{}, fmt.Errorf("%w: %q: user_chat kind takes chatId and userId", ErrInvalidKey, s)
		}
		k.ChatID = parts[2]
		k.UserID = parts[3]
	default:
		return Key{}, fmt.Errorf("%w: %q: unknown kind %q", ErrInvalidKey, s, parts[1])
	}

	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
