package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

const (
	// eventBufferSize bounds the decoupling buffer between the SSE reader
	// and the consumer. A full buffer drops the oldest pending event and
	// logs, so a stalled consumer cannot back up the TCP stream.
	eventBufferSize = 256

	reconnectDelay = 2 * time.Second
)

// SubscribeEvents opens the backend's SSE stream and yields decoded
// events until ctx is cancelled. The stream reconnects on abrupt close;
// the returned channel is closed only when ctx ends.
func (c *Client) SubscribeEvents(ctx context.Context, sessionID string) (<-chan agent.Event, error) {
	path := "/event"
	if sessionID != "" {
		path += "?sessionID=" + url.QueryEscape(sessionID)
	}

	out := make(chan agent.Event, eventBufferSize)
	go func() {
		defer close(out)
		for {
			if err := c.streamOnce(ctx, path, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("opencode event stream closed, reconnecting",
					"agent", c.id, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
	return out, nil
}

// streamOnce runs a single SSE connection until EOF or cancellation.
func (c *Client) streamOnce(ctx context.Context, path string, out chan agent.Event) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client has a request timeout; SSE must live forever.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one SSE event.
			if data.Len() > 0 {
				c.dispatch(data.String(), out)
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id:/event:/retry:/comment lines are not used by the backend.
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream read: %w", err)
	}
	return fmt.Errorf("event stream: EOF")
}

// dispatch decodes one SSE data payload and forwards it. When the
// consumer buffer is full the oldest pending event is evicted (with a
// log) so the stream stays current.
func (c *Client) dispatch(payload string, out chan agent.Event) {
	var ev agent.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Debug("opencode: undecodable event", "agent", c.id, "error", err)
		return
	}
	if ev.Type == "" {
		return
	}
	ev.Properties.Raw = json.RawMessage(payload)

	select {
	case out <- ev:
	default:
		select {
		case dropped := <-out:
			slog.Warn("opencode: event buffer full, dropping oldest event",
				"agent", c.id, "type", dropped.Type)
		default:
		}
		select {
		case out <- ev:
		default:
		}
	}
}
