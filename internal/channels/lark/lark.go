package lark

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nextlevelbuilder/larkcode/internal/channels"
)

// Event delivery modes.
const (
	ModeWebsocket = "websocket"
	ModeWebhook   = "webhook"
)

// Config configures one Lark channel.
type Config struct {
	ID          string // routing identifier, e.g. "lark"
	AppID       string
	AppSecret   string
	Domain      string // "feishu", "lark" or a full base URL
	VerifyToken string // event verification token; empty disables the check
	Mode        string // websocket (default) or webhook
	WebhookAddr string // listen address in webhook mode, e.g. ":8466"
	WebhookPath string // default "/lark/events"
	QPS         float64
}

// Channel connects one Lark app to the gateway.
type Channel struct {
	*Client

	id          string
	verifyToken string
	mode        string
	webhookAddr string
	webhookPath string

	dedup    dedup
	handlers channels.Handlers

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
	server  *http.Server
}

// New creates a Lark channel from config.
func New(cfg Config) (*Channel, error) {
	if cfg.ID == "" || cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("lark channel %q: appId and appSecret are required", cfg.ID)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeWebsocket
	}
	if mode != ModeWebsocket && mode != ModeWebhook {
		return nil, fmt.Errorf("lark channel %q: unknown mode %q", cfg.ID, cfg.Mode)
	}
	path := cfg.WebhookPath
	if path == "" {
		path = "/lark/events"
	}
	return &Channel{
		Client:      NewClient(cfg.AppID, cfg.AppSecret, cfg.Domain, cfg.QPS),
		id:          cfg.ID,
		verifyToken: cfg.VerifyToken,
		mode:        mode,
		webhookAddr: cfg.WebhookAddr,
		webhookPath: path,
	}, nil
}

// ID returns the channel's routing identifier.
func (ch *Channel) ID() string { return ch.id }

// Connect starts event delivery. Idempotent: a second connect while
// running is a no-op.
func (ch *Channel) Connect(ctx context.Context, h channels.Handlers) error {
	ch.mu.Lock()
	if ch.running {
		ch.mu.Unlock()
		return nil
	}
	ch.handlers = h
	runCtx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	ch.stopped = make(chan struct{})
	ch.running = true
	ch.mu.Unlock()

	switch ch.mode {
	case ModeWebhook:
		if err := ch.startWebhook(runCtx); err != nil {
			ch.markStopped()
			return err
		}
	default:
		go ch.runWebsocket(runCtx)
	}
	slog.Info("lark channel connected", "channel", ch.id, "mode", ch.mode)
	return nil
}

// Disconnect stops event delivery and waits for the event loop to
// exit. Idempotent.
func (ch *Channel) Disconnect(ctx context.Context) error {
	ch.mu.Lock()
	if !ch.running {
		ch.mu.Unlock()
		return nil
	}
	cancel := ch.cancel
	stopped := ch.stopped
	ch.mu.Unlock()

	cancel()
	if ch.mode == ModeWebhook {
		ch.stopWebhook(ctx)
	}
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	ch.markStopped()
	slog.Info("lark channel disconnected", "channel", ch.id)
	return nil
}

func (ch *Channel) markStopped() {
	ch.mu.Lock()
	ch.running = false
	ch.mu.Unlock()
}

var _ channels.Channel = (*Channel)(nil)
