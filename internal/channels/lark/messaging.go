package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// --- IM API: messages ---

type sendMessageResp struct {
	MessageID string `json:"message_id"`
}

func (c *Client) sendMessage(ctx context.Context, receiveID, msgType, content string) (string, error) {
	path := "/open-apis/im/v1/messages?receive_id_type=" + resolveReceiveIDType(receiveID)
	resp, err := c.doJSON(ctx, "POST", path, map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	})
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("send message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data sendMessageResp
	json.Unmarshal(resp.Data, &data)
	return data.MessageID, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.sendMessage(ctx, chatID, "text", string(content))
}

// SendCard sends an interactive card.
func (c *Client) SendCard(ctx context.Context, chatID, cardJSON string) (string, error) {
	return c.sendMessage(ctx, chatID, "interactive", cardJSON)
}

// UpdateCard replaces a card message's content in place. Lark code
// 230020 means the card is being updated too fast; the caller backs
// off and retries.
func (c *Client) UpdateCard(ctx context.Context, messageID, cardJSON string) (bool, error) {
	path := "/open-apis/im/v1/messages/" + messageID
	resp, err := c.doJSON(ctx, "PATCH", path, map[string]string{"content": cardJSON})
	if err != nil {
		return false, err
	}
	if resp.Code == codeRateLimited {
		return true, nil
	}
	if resp.Code != 0 {
		return false, fmt.Errorf("update card: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return false, nil
}

// DeleteMessage recalls a bot message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	resp, err := c.doJSON(ctx, "DELETE", "/open-apis/im/v1/messages/"+messageID, nil)
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("delete message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// --- IM API: chat administration ---

// CreateChat creates a group chat with the given members.
func (c *Client) CreateChat(ctx context.Context, name string, userIDs []string) (string, error) {
	resp, err := c.doJSON(ctx, "POST", "/open-apis/im/v1/chats?user_id_type=open_id", map[string]interface{}{
		"name":         name,
		"user_id_list": userIDs,
	})
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("create chat: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data struct {
		ChatID string `json:"chat_id"`
	}
	json.Unmarshal(resp.Data, &data)
	return data.ChatID, nil
}

// UpdateChatName renames a group chat.
func (c *Client) UpdateChatName(ctx context.Context, chatID, name string) error {
	resp, err := c.doJSON(ctx, "PUT", "/open-apis/im/v1/chats/"+chatID, map[string]string{"name": name})
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("update chat name: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// DeleteChat disbands a group chat.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	resp, err := c.doJSON(ctx, "DELETE", "/open-apis/im/v1/chats/"+chatID, nil)
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("delete chat: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// GetBotInfo returns the bot's open_id, used to strip self-mentions.
func (c *Client) GetBotInfo(ctx context.Context) (openID string, err error) {
	resp, err := c.doJSON(ctx, "GET", "/open-apis/bot/v3/info", nil)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("bot info: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data struct {
		Bot struct {
			OpenID string `json:"open_id"`
		} `json:"bot"`
	}
	json.Unmarshal(resp.Data, &data)
	return data.Bot.OpenID, nil
}

func resolveReceiveIDType(id string) string {
	if strings.HasPrefix(id, "ou_") {
		return "open_id"
	}
	if strings.HasPrefix(id, "on_") {
		return "union_id"
	}
	return "chat_id"
}
