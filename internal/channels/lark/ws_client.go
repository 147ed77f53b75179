package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const wsReconnectDelay = 3 * time.Second

// runWebsocket maintains the long connection, reconnecting until the
// context is cancelled. Closes ch.stopped on exit.
func (ch *Channel) runWebsocket(ctx context.Context) {
	defer close(ch.stopped)
	for {
		if err := ch.streamOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("lark ws connection lost, reconnecting",
				"channel", ch.id, "delay", wsReconnectDelay, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

// wsEndpoint asks the API for the long-connection URL. The URL is
// single-use and carries its own auth ticket.
func (ch *Channel) wsEndpoint(ctx context.Context) (string, error) {
	resp, err := ch.doJSON(ctx, "POST", "/callback/ws/endpoint", nil)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("ws endpoint: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data struct {
		URL string `json:"URL"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.URL == "" {
		return "", fmt.Errorf("ws endpoint: missing URL in response")
	}
	return data.URL, nil
}

type wsFrame struct {
	Type    string          `json:"type"` // "event", "ping", "pong"
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (ch *Channel) streamOnce(ctx context.Context) error {
	url, err := ch.wsEndpoint(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("lark ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	slog.Debug("lark ws connected", "channel", ch.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("lark ws read: %w", err)
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("lark ws frame parse failed", "error", err)
			continue
		}
		switch frame.Type {
		case "ping":
			pong, _ := json.Marshal(wsFrame{Type: "pong"})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				return fmt.Errorf("lark ws pong: %w", err)
			}
		case "event":
			ch.dispatch(ctx, frame.Payload)
		}
	}
}
