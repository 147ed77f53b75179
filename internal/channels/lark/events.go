package lark

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/channels"
)

// Event types delivered on the 2.0 envelope.
const (
	eventMessageReceive = "im.message.receive_v1"
	eventMessageRecall  = "im.message.recalled_v1"
	eventBotAdded       = "im.chat.member.bot.added_v1"
	eventBotDeleted     = "im.chat.member.bot.deleted_v1"
	eventUserDeleted    = "im.chat.member.user.deleted_v1"
	eventChatDisbanded  = "im.chat.disbanded_v1"
	eventMenuClick      = "application.bot.menu_v6"
	eventCardAction     = "card.action.trigger"
)

type envelope struct {
	Schema string `json:"schema"`
	Header struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
		Token      string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

// dedup suppresses Lark webhook redeliveries of the same event_id.
type dedup struct {
	seen sync.Map
}

// isDuplicate returns true if eventID was already delivered within the
// last five minutes.
func (d *dedup) isDuplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	_, loaded := d.seen.LoadOrStore(eventID, struct{}{})
	if !loaded {
		go func() {
			time.Sleep(5 * time.Minute)
			d.seen.Delete(eventID)
		}()
	}
	return loaded
}

var mentionKeyPattern = regexp.MustCompile(`@_user_\d+\s?`)

// dispatch parses one envelope and invokes the matching handler.
func (ch *Channel) dispatch(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("lark event parse failed", "error", err)
		return
	}
	if ch.verifyToken != "" && env.Header.Token != ch.verifyToken {
		slog.Warn("lark event token mismatch", "event", env.Header.EventID)
		return
	}
	if ch.dedup.isDuplicate(env.Header.EventID) {
		slog.Debug("lark event redelivered, skipping", "event", env.Header.EventID)
		return
	}

	h := ch.handlers
	switch env.Header.EventType {
	case eventMessageReceive:
		ch.dispatchMessage(ctx, env, h)
	case eventMessageRecall:
		if h.OnMessageRecalled == nil {
			return
		}
		var ev struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
		}
		if json.Unmarshal(env.Event, &ev) == nil {
			h.OnMessageRecalled(ctx, ev.ChatID, ev.MessageID)
		}
	case eventBotAdded:
		if h.OnBotAdded == nil {
			return
		}
		var ev struct {
			ChatID string `json:"chat_id"`
			Name   string `json:"name"`
		}
		if json.Unmarshal(env.Event, &ev) == nil {
			h.OnBotAdded(ctx, ev.ChatID, ev.Name)
		}
	case eventBotDeleted:
		if h.OnBotRemoved == nil {
			return
		}
		var ev struct {
			ChatID string `json:"chat_id"`
		}
		if json.Unmarshal(env.Event, &ev) == nil {
			h.OnBotRemoved(ctx, ev.ChatID)
		}
	case eventChatDisbanded:
		if h.OnChatDisbanded == nil {
			return
		}
		var ev struct {
			ChatID string `json:"chat_id"`
		}
		if json.Unmarshal(env.Event, &ev) == nil {
			h.OnChatDisbanded(ctx, ev.ChatID)
		}
	case eventUserDeleted:
		if h.OnUserLeft == nil {
			return
		}
		var ev struct {
			ChatID string `json:"chat_id"`
			Users  []struct {
				UserID struct {
					OpenID string `json:"open_id"`
				} `json:"user_id"`
			} `json:"users"`
		}
		if json.Unmarshal(env.Event, &ev) == nil {
			for _, u := range ev.Users {
				h.OnUserLeft(ctx, ev.ChatID, u.UserID.OpenID)
			}
		}
	case eventMenuClick:
		if h.OnMenuClick == nil {
			return
		}
		var ev struct {
			Operator struct {
				OperatorID struct {
					OpenID string `json:"open_id"`
				} `json:"operator_id"`
			} `json:"operator"`
			EventKey string `json:"event_key"`
		}
		if json.Unmarshal(env.Event, &ev) == nil {
			h.OnMenuClick(ctx, ev.Operator.OperatorID.OpenID, ev.EventKey)
		}
	case eventCardAction:
		ch.dispatchCardAction(ctx, env, h)
	default:
		slog.Debug("lark event ignored", "type", env.Header.EventType)
	}
}

func (ch *Channel) dispatchMessage(ctx context.Context, env envelope, h channels.Handlers) {
	if h.OnMessage == nil {
		return
	}
	var ev struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
		} `json:"message"`
	}
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		slog.Warn("lark message parse failed", "error", err)
		return
	}

	text := extractText(ev.Message.MessageType, ev.Message.Content)
	if text == "" {
		if isMediaMessage(ev.Message.MessageType) {
			// The agent only takes text; tell the sender instead of
			// dropping their message on the floor.
			if _, err := ch.SendText(ctx, ev.Message.ChatID, mediaUnsupportedReply); err != nil {
				slog.Warn("lark unsupported-media notice failed",
					"chat", ev.Message.ChatID, "error", err)
			}
			return
		}
		slog.Debug("lark message without text content, skipping",
			"type", ev.Message.MessageType, "message", ev.Message.MessageID)
		return
	}

	h.OnMessage(ctx, channels.InboundMessage{
		EventID:   env.Header.EventID,
		MessageID: ev.Message.MessageID,
		ChatID:    ev.Message.ChatID,
		ChatType:  ev.Message.ChatType,
		UserID:    ev.Sender.SenderID.OpenID,
		Text:      text,
		Timestamp: parseMillis(ev.Message.CreateTime),
	})
}

func (ch *Channel) dispatchCardAction(ctx context.Context, env envelope, h channels.Handlers) {
	if h.OnCardAction == nil {
		return
	}
	var ev struct {
		Operator struct {
			OpenID string `json:"open_id"`
		} `json:"operator"`
		Context struct {
			OpenMessageID string `json:"open_message_id"`
			OpenChatID    string `json:"open_chat_id"`
		} `json:"context"`
		Action struct {
			Value     map[string]string      `json:"value"`
			FormValue map[string]interface{} `json:"form_value"`
		} `json:"action"`
	}
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		slog.Warn("lark card action parse failed", "error", err)
		return
	}
	h.OnCardAction(ctx, channels.CardAction{
		EventID:   env.Header.EventID,
		MessageID: ev.Context.OpenMessageID,
		ChatID:    ev.Context.OpenChatID,
		UserID:    ev.Operator.OpenID,
		Value:     ev.Action.Value,
		FormValue: ev.Action.FormValue,
	})
}

const mediaUnsupportedReply = "暂不支持图片、文件等消息，请用文字描述你的需求。"

// isMediaMessage reports whether the message type carries media
// payloads we cannot forward to the agent.
func isMediaMessage(messageType string) bool {
	switch messageType {
	case "image", "file", "audio", "media", "sticker":
		return true
	}
	return false
}

// extractText pulls plain text out of a message payload. Mentions of
// the bot are stripped so "@bot do this" routes as "do this".
func extractText(messageType, content string) string {
	switch messageType {
	case "text":
		var c struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &c); err != nil {
			return ""
		}
		return strings.TrimSpace(mentionKeyPattern.ReplaceAllString(c.Text, ""))
	case "post":
		var c struct {
			Content [][]struct {
				Tag  string `json:"tag"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal([]byte(content), &c); err != nil {
			return ""
		}
		var b strings.Builder
		for _, line := range c.Content {
			for _, seg := range line {
				if seg.Tag == "text" || seg.Tag == "md" {
					b.WriteString(seg.Text)
				}
			}
			b.WriteString("\n")
		}
		return strings.TrimSpace(b.String())
	default:
		return ""
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
