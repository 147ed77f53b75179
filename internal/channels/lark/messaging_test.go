package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// apiServer fakes the Lark open API: token endpoint plus a per-path
// handler table.
func apiServer(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "tenant_access_token": "tok", "expire": 7200,
		})
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, NewClient("app", "secret", srv.URL, 1000)
}

func TestSendTextReturnsMessageID(t *testing.T) {
	var gotAuth, gotBody string
	_, c := apiServer(t, map[string]http.HandlerFunc{
		"/open-apis/im/v1/messages": func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotBody = body["content"]
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 0, "data": map[string]string{"message_id": "om_42"},
			})
		},
	})

	id, err := c.SendText(context.Background(), "oc_1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "om_42" {
		t.Fatalf("message id = %q", id)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody != `{"text":"hello"}` {
		t.Fatalf("content = %q", gotBody)
	}
}

func TestUpdateCardRateLimited(t *testing.T) {
	calls := 0
	_, c := apiServer(t, map[string]http.HandlerFunc{
		"/open-apis/im/v1/messages/om_1": func(w http.ResponseWriter, r *http.Request) {
			calls++
			code := 0
			if calls == 1 {
				code = codeRateLimited
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"code": code})
		},
	})

	rateLimited, err := c.UpdateCard(context.Background(), "om_1", "{}")
	if err != nil || !rateLimited {
		t.Fatalf("first call: rateLimited=%v err=%v", rateLimited, err)
	}
	rateLimited, err = c.UpdateCard(context.Background(), "om_1", "{}")
	if err != nil || rateLimited {
		t.Fatalf("second call: rateLimited=%v err=%v", rateLimited, err)
	}
}

func TestUpdateCardPermanentError(t *testing.T) {
	_, c := apiServer(t, map[string]http.HandlerFunc{
		"/open-apis/im/v1/messages/om_1": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 230001, "msg": "no permission"})
		},
	})
	if _, err := c.UpdateCard(context.Background(), "om_1", "{}"); err == nil {
		t.Fatal("permanent errors must surface")
	}
}

func TestTokenRefreshOnExpiry(t *testing.T) {
	calls := 0
	_, c := apiServer(t, map[string]http.HandlerFunc{
		"/open-apis/im/v1/messages": func(w http.ResponseWriter, r *http.Request) {
			calls++
			code := 0
			if calls == 1 {
				code = 99991663 // token invalid
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": code, "data": map[string]string{"message_id": "om_1"},
			})
		},
	})

	if _, err := c.SendText(context.Background(), "oc_1", "hi"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want retry after token refresh", calls)
	}
}

func TestCreateChat(t *testing.T) {
	_, c := apiServer(t, map[string]http.HandlerFunc{
		"/open-apis/im/v1/chats": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Name    string   `json:"name"`
				UserIDs []string `json:"user_id_list"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.Name != "Project X" || len(body.UserIDs) != 2 {
				t.Errorf("body = %+v", body)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 0, "data": map[string]string{"chat_id": "oc_new"},
			})
		},
	})

	chatID, err := c.CreateChat(context.Background(), "Project X", []string{"ou_a", "ou_b"})
	if err != nil {
		t.Fatal(err)
	}
	if chatID != "oc_new" {
		t.Fatalf("chatID = %q", chatID)
	}
}
