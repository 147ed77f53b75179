package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/larkcode/internal/channels"
)

func testChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := New(Config{ID: "lark", AppID: "app", AppSecret: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func messageEnvelope(eventID, text string) []byte {
	content, _ := json.Marshal(map[string]string{"text": text})
	env := map[string]interface{}{
		"schema": "2.0",
		"header": map[string]string{
			"event_id":   eventID,
			"event_type": "im.message.receive_v1",
		},
		"event": map[string]interface{}{
			"sender": map[string]interface{}{
				"sender_id": map[string]string{"open_id": "ou_alice"},
			},
			"message": map[string]interface{}{
				"message_id":   "om_1",
				"chat_id":      "oc_1",
				"chat_type":    "group",
				"message_type": "text",
				"content":      string(content),
				"create_time":  "1724500000000",
			},
		},
	}
	data, _ := json.Marshal(env)
	return data
}

func TestDispatchMessage(t *testing.T) {
	ch := testChannel(t)
	var got channels.InboundMessage
	ch.handlers = channels.Handlers{
		OnMessage: func(_ context.Context, msg channels.InboundMessage) { got = msg },
	}

	ch.dispatch(context.Background(), messageEnvelope("ev1", "@_user_1 run the tests"))

	if got.ChatID != "oc_1" || got.UserID != "ou_alice" || got.ChatType != "group" {
		t.Fatalf("msg = %+v", got)
	}
	if got.Text != "run the tests" {
		t.Fatalf("mention not stripped: %q", got.Text)
	}
	if got.Timestamp.UnixMilli() != 1724500000000 {
		t.Fatalf("timestamp = %v", got.Timestamp)
	}
}

func TestDispatchDedup(t *testing.T) {
	ch := testChannel(t)
	count := 0
	ch.handlers = channels.Handlers{
		OnMessage: func(context.Context, channels.InboundMessage) { count++ },
	}

	payload := messageEnvelope("ev-same", "hi")
	ch.dispatch(context.Background(), payload)
	ch.dispatch(context.Background(), payload)
	if count != 1 {
		t.Fatalf("handler ran %d times, want 1", count)
	}
}

func TestDispatchTokenMismatch(t *testing.T) {
	ch := testChannel(t)
	ch.verifyToken = "expected"
	called := false
	ch.handlers = channels.Handlers{
		OnMessage: func(context.Context, channels.InboundMessage) { called = true },
	}
	ch.dispatch(context.Background(), messageEnvelope("ev2", "hi"))
	if called {
		t.Fatal("mismatched token must drop the event")
	}
}

func TestDispatchMediaMessageReplies(t *testing.T) {
	var gotContent string
	_, client := apiServer(t, map[string]http.HandlerFunc{
		"/open-apis/im/v1/messages": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotContent = body["content"]
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 0, "data": map[string]string{"message_id": "om_notice"},
			})
		},
	})
	ch := testChannel(t)
	ch.Client = client
	called := false
	ch.handlers = channels.Handlers{
		OnMessage: func(context.Context, channels.InboundMessage) { called = true },
	}

	env := map[string]interface{}{
		"schema": "2.0",
		"header": map[string]string{"event_id": "ev-img", "event_type": "im.message.receive_v1"},
		"event": map[string]interface{}{
			"sender": map[string]interface{}{
				"sender_id": map[string]string{"open_id": "ou_alice"},
			},
			"message": map[string]interface{}{
				"message_id":   "om_img",
				"chat_id":      "oc_1",
				"chat_type":    "p2p",
				"message_type": "image",
				"content":      `{"image_key":"img_v2_x"}`,
				"create_time":  "1724500000000",
			},
		},
	}
	data, _ := json.Marshal(env)
	ch.dispatch(context.Background(), data)

	if called {
		t.Fatal("image message must not reach the message handler")
	}
	if !strings.Contains(gotContent, "暂不支持") {
		t.Fatalf("notice reply = %q, want unsupported-media text", gotContent)
	}
}

func TestDispatchCardAction(t *testing.T) {
	ch := testChannel(t)
	var got channels.CardAction
	ch.handlers = channels.Handlers{
		OnCardAction: func(_ context.Context, a channels.CardAction) { got = a },
	}

	env := map[string]interface{}{
		"schema": "2.0",
		"header": map[string]string{"event_id": "ev3", "event_type": "card.action.trigger"},
		"event": map[string]interface{}{
			"operator": map[string]string{"open_id": "ou_bob"},
			"context": map[string]string{
				"open_message_id": "om_card",
				"open_chat_id":    "oc_1",
			},
			"action": map[string]interface{}{
				"value":      map[string]string{"requestId": "req-1"},
				"form_value": map[string]interface{}{"q0": "1"},
			},
		},
	}
	data, _ := json.Marshal(env)
	ch.dispatch(context.Background(), data)

	if got.MessageID != "om_card" || got.Value["requestId"] != "req-1" {
		t.Fatalf("action = %+v", got)
	}
	if got.FormValue["q0"] != "1" {
		t.Fatalf("form_value = %+v", got.FormValue)
	}
}

func TestDispatchRecall(t *testing.T) {
	ch := testChannel(t)
	var chatID, messageID string
	ch.handlers = channels.Handlers{
		OnMessageRecalled: func(_ context.Context, c, m string) { chatID, messageID = c, m },
	}
	env := `{"schema":"2.0","header":{"event_id":"ev4","event_type":"im.message.recalled_v1"},
		"event":{"message_id":"om_9","chat_id":"oc_1"}}`
	ch.dispatch(context.Background(), []byte(env))
	if chatID != "oc_1" || messageID != "om_9" {
		t.Fatalf("recall = %q %q", chatID, messageID)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name        string
		messageType string
		content     string
		want        string
	}{
		{"plain", "text", `{"text":"hello"}`, "hello"},
		{"mention", "text", `{"text":"@_user_1 hello"}`, "hello"},
		{"post", "post", `{"content":[[{"tag":"text","text":"line one"}],[{"tag":"text","text":"line two"}]]}`, "line one\nline two"},
		{"image", "image", `{"image_key":"k"}`, ""},
		{"bad json", "text", `{`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.messageType, tt.content); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebhookURLVerification(t *testing.T) {
	ch := testChannel(t)
	req := httptest.NewRequest("POST", "/lark/events",
		strings.NewReader(`{"type":"url_verification","challenge":"c123","token":""}`))
	w := httptest.NewRecorder()
	ch.handleWebhook(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["challenge"] != "c123" {
		t.Fatalf("challenge = %q", resp["challenge"])
	}
}

func TestResolveReceiveIDType(t *testing.T) {
	tests := []struct{ id, want string }{
		{"oc_chat", "chat_id"},
		{"ou_user", "open_id"},
		{"on_union", "union_id"},
		{"other", "chat_id"},
	}
	for _, tt := range tests {
		if got := resolveReceiveIDType(tt.id); got != tt.want {
			t.Errorf("resolveReceiveIDType(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestResolveDomain(t *testing.T) {
	tests := []struct{ in, want string }{
		{"feishu", "https://open.feishu.cn"},
		{"", "https://open.larksuite.com"},
		{"lark", "https://open.larksuite.com"},
		{"example.com", "https://example.com"},
		{"https://custom", "https://custom"},
	}
	for _, tt := range tests {
		if got := resolveDomain(tt.in); got != tt.want {
			t.Errorf("resolveDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
