package lark

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// startWebhook serves the event callback endpoint. Lark verifies the
// URL with a challenge request before delivering events.
func (ch *Channel) startWebhook(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(ch.webhookPath, ch.handleWebhook)

	ch.server = &http.Server{
		Addr:              ch.webhookAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(ch.stopped)
		err := ch.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("lark webhook server failed", "channel", ch.id, "error", err)
			errCh <- err
		}
	}()

	// Give a bad listen address a moment to fail fast.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (ch *Channel) stopWebhook(ctx context.Context) {
	if ch.server == nil {
		return
	}
	if err := ch.server.Shutdown(ctx); err != nil {
		slog.Warn("lark webhook shutdown", "channel", ch.id, "error", err)
	}
}

func (ch *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	// URL verification handshake.
	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.Type == "url_verification" {
		if ch.verifyToken != "" && probe.Token != ch.verifyToken {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": probe.Challenge})
		return
	}

	// Dispatch asynchronously; Lark retries on slow responses.
	go ch.dispatch(context.Background(), body)
	w.WriteHeader(http.StatusOK)
}
