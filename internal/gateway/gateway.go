// Package gateway wires the messaging channels to the coding-agent
// backends: inbound messages are routed to an agent, serialized per
// chat, executed against a backend session, and streamed back as live
// cards.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/channels"
	"github.com/nextlevelbuilder/larkcode/internal/config"
	"github.com/nextlevelbuilder/larkcode/internal/lane"
	"github.com/nextlevelbuilder/larkcode/internal/mcp"
	"github.com/nextlevelbuilder/larkcode/internal/questions"
	"github.com/nextlevelbuilder/larkcode/internal/recall"
	"github.com/nextlevelbuilder/larkcode/internal/routing"
	"github.com/nextlevelbuilder/larkcode/internal/sessions"
	"github.com/nextlevelbuilder/larkcode/internal/store"
	"github.com/nextlevelbuilder/larkcode/internal/tracing"

	"go.opentelemetry.io/otel/trace"
)

// Options assembles a Gateway. Channels and Agents are constructed by
// the caller (the CLI builds them from config) so tests can inject
// fakes.
type Options struct {
	Config   *config.Config
	Channels []channels.Channel
	Agents   *agent.Registry

	// Snapshots persists session state across restarts; nil disables.
	Snapshots store.SnapshotStore
	// Recall maps user messages to the bot messages they produced;
	// nil disables recall propagation.
	Recall store.RecallStore

	// ConfigPath, when set, is watched for edits; binding changes take
	// effect without a restart.
	ConfigPath string
}

// Gateway is the long-running core: it owns the router, the per-chat
// lane queue, the session manager, and the pending-question store.
type Gateway struct {
	cfg      *config.Config
	chans    []channels.Channel
	chanType map[string]string // channel id → platform type
	agents   *agent.Registry
	agentCfg map[string]config.AgentConfig

	router    *routing.Router
	lanes     *lane.Queue
	sessions  *sessions.Manager
	questions *questions.Store
	recall    *recall.Handler
	snapshots store.SnapshotStore
	mcp       *mcp.Registry
	tracer    trace.Tracer

	configPath string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New builds a Gateway from pre-constructed parts. It validates the
// bindings against the agent registry and compiles the router.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("gateway: at least one channel is required")
	}
	if opts.Agents == nil || len(opts.Agents.List()) == 0 {
		return nil, fmt.Errorf("gateway: at least one agent is required")
	}

	cfg := opts.Config
	g := &Gateway{
		cfg:        cfg,
		chans:      opts.Channels,
		chanType:   make(map[string]string, len(cfg.Channels)),
		agents:     opts.Agents,
		agentCfg:   make(map[string]config.AgentConfig, len(cfg.Agents)),
		router:     routing.NewRouter(cfg.Gateway.DefaultAgent),
		lanes:      lane.New(cfg.Gateway.MaxConcurrency),
		questions:  questions.NewStore(),
		snapshots:  opts.Snapshots,
		mcp:        mcp.NewRegistry(),
		tracer:     tracing.Tracer("gateway"),
		configPath: opts.ConfigPath,
	}
	for _, c := range cfg.Channels {
		g.chanType[c.ID] = c.Type
	}
	for _, a := range cfg.Agents {
		g.agentCfg[a.ID] = a
	}
	g.sessions = sessions.NewManager(opts.Agents, sessions.Options{
		IdleTimeout: cfg.Gateway.IdleTimeout(),
		IdleGrace:   cfg.Gateway.IdleGrace(),
	})
	if opts.Recall != nil {
		g.recall = recall.NewHandler(opts.Recall, g.sessions, opts.Agents)
	}

	if err := g.router.Replace(Bindings(cfg.Bindings)); err != nil {
		return nil, fmt.Errorf("gateway: compile bindings: %w", err)
	}
	return g, nil
}

// Bindings converts config bindings to router bindings. Invalid message
// patterns surface when the result is handed to Router.Replace.
func Bindings(bcs []config.BindingConfig) []routing.Binding {
	out := make([]routing.Binding, 0, len(bcs))
	for _, bc := range bcs {
		out = append(out, routing.Binding{
			ID:       bc.ID,
			AgentID:  bc.AgentID,
			Priority: bc.Priority,
			Enabled:  !bc.Disabled,
			Match: routing.Match{
				ChannelID:      routing.StringOrList(bc.ChannelID),
				ChannelType:    routing.StringOrList(bc.ChannelType),
				ChatType:       bc.ChatType,
				ChatID:         routing.StringOrList(bc.ChatID),
				UserID:         routing.StringOrList(bc.UserID),
				MessagePattern: bc.MessagePattern,
			},
		})
	}
	return out
}

// Start restores persisted sessions, initializes agents and connects
// channels in insertion order, then connects MCP servers. Idempotent.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.mu.Unlock()

	if g.snapshots != nil {
		snap, err := g.snapshots.Load()
		if err != nil {
			slog.Warn("session snapshot load failed", "error", err)
		} else {
			g.sessions.Restore(snap)
		}
	}

	for _, a := range g.agents.All() {
		if err := a.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize agent %s: %w", a.ID(), err)
		}
		slog.Info("agent initialized", "agent", a.ID())
	}

	g.sessions.StartSweeper(runCtx)

	for _, ch := range g.chans {
		if err := ch.Connect(runCtx, g.handlers(ch)); err != nil {
			return fmt.Errorf("connect channel %s: %w", ch.ID(), err)
		}
		slog.Info("channel connected", "channel", ch.ID())
	}

	// MCP servers are independent of each other; connect concurrently.
	// Failures degrade to a disconnected /status entry, never abort
	// startup.
	eg, egCtx := errgroup.WithContext(ctx)
	for _, srv := range g.cfg.MCP {
		srv := srv
		eg.Go(func() error {
			return g.mcp.Connect(egCtx, srv.Name, srv.Addr)
		})
	}
	if err := eg.Wait(); err != nil {
		slog.Warn("mcp registration", "error", err)
	}

	if g.configPath != "" {
		if err := config.Watch(runCtx, g.configPath, g.applyReload); err != nil {
			slog.Warn("config watch unavailable", "path", g.configPath, "error", err)
		}
	}

	slog.Info("gateway started",
		"channels", len(g.chans),
		"agents", len(g.agents.List()),
		"bindings", len(g.cfg.Bindings))
	return nil
}

// applyReload swaps the bindings list on a config file change. Only
// bindings hot-reload; channel and agent changes need a restart.
func (g *Gateway) applyReload(next *config.Config) {
	for _, bc := range next.Bindings {
		if _, ok := g.agents.Get(bc.AgentID); !ok {
			slog.Warn("binding reload skipped", "binding", bc.ID, "agent", bc.AgentID, "reason", "unknown agent")
			return
		}
	}
	if err := g.router.Replace(Bindings(next.Bindings)); err != nil {
		slog.Warn("binding reload skipped", "error", err)
		return
	}
	slog.Info("bindings reloaded", "count", len(next.Bindings))
}

// Stop disconnects channels and shuts agents down in reverse insertion
// order, then persists the session snapshot. Idempotent.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var firstErr error
	for i := len(g.chans) - 1; i >= 0; i-- {
		if err := g.chans[i].Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect channel %s: %w", g.chans[i].ID(), err)
		}
	}

	all := g.agents.All()
	for i := len(all) - 1; i >= 0; i-- {
		if err := all[i].Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown agent %s: %w", all[i].ID(), err)
		}
	}

	g.mcp.Close()
	g.lanes.Close()

	if g.snapshots != nil {
		if err := g.snapshots.Save(g.sessions.Snapshot()); err != nil {
			slog.Warn("session snapshot save failed", "error", err)
		}
	}

	slog.Info("gateway stopped")
	return firstErr
}

// Sessions exposes the session manager for the CLI's status output.
func (g *Gateway) Sessions() *sessions.Manager { return g.sessions }

// handlers builds the per-channel callback set.
func (g *Gateway) handlers(ch channels.Channel) channels.Handlers {
	return channels.Handlers{
		OnMessage: func(ctx context.Context, msg channels.InboundMessage) {
			g.handleMessage(ctx, ch, msg)
		},
		OnCardAction: func(ctx context.Context, action channels.CardAction) {
			g.handleCardAction(ctx, ch, action)
		},
		OnBotAdded: func(ctx context.Context, chatID, chatName string) {
			g.handleBotAdded(ctx, ch, chatID, chatName)
		},
		OnBotRemoved: func(ctx context.Context, chatID string) {
			g.forgetChat(ch.ID(), chatID, "bot removed")
		},
		OnMessageRecalled: func(ctx context.Context, chatID, messageID string) {
			g.handleRecall(ctx, ch, messageID)
		},
		OnUserLeft: func(ctx context.Context, chatID, userID string) {
			slog.Debug("user left chat", "channel", ch.ID(), "chat", chatID, "user", userID)
		},
		OnChatDisbanded: func(ctx context.Context, chatID string) {
			g.forgetChat(ch.ID(), chatID, "chat disbanded")
		},
		OnMenuClick: func(ctx context.Context, userID, eventKey string) {
			slog.Debug("menu click", "channel", ch.ID(), "user", userID, "key", eventKey)
		},
	}
}

// forgetChat drops group tracking and all session state scoped to a
// chat the bot can no longer reach.
func (g *Gateway) forgetChat(channelID, chatID, reason string) {
	g.sessions.ForgetGroup(chatID)
	for _, st := range g.sessions.List() {
		if st.Key.ChannelID == channelID && st.Key.ChatID == chatID {
			g.sessions.AbortTask(st.KeyStr)
			g.sessions.DeleteSession(st.KeyStr)
		}
	}
	g.questions.Clear(chatID)
	slog.Info("chat forgotten", "channel", channelID, "chat", chatID, "reason", reason)
}

// handleRecall propagates a user recall: abort the task it triggered and
// delete the bot's responses.
func (g *Gateway) handleRecall(ctx context.Context, ch channels.Channel, messageID string) {
	if g.recall == nil {
		return
	}
	res, err := g.recall.HandleRecall(ctx, ch, ch.ID(), messageID)
	if err != nil {
		slog.Warn("recall handling failed", "message", messageID, "error", err)
		return
	}
	slog.Info("recall handled",
		"message", messageID,
		"aborted", res.Aborted,
		"deleted", res.BotMessagesDeleted)
}
