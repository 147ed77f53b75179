package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/agent/opencode"
	"github.com/nextlevelbuilder/larkcode/internal/channels"
	"github.com/nextlevelbuilder/larkcode/internal/channels/lark"
	"github.com/nextlevelbuilder/larkcode/internal/config"
	"github.com/nextlevelbuilder/larkcode/internal/gateway"
	"github.com/nextlevelbuilder/larkcode/internal/store"
	"github.com/nextlevelbuilder/larkcode/internal/store/file"
	"github.com/nextlevelbuilder/larkcode/internal/store/sqlite"
	"github.com/nextlevelbuilder/larkcode/internal/tracing"
)

const stopTimeout = 15 * time.Second

// runGateway is the main entrypoint: build everything from config, run
// until SIGINT/SIGTERM, shut down cleanly.
func runGateway(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	applyFlagOverrides(cfg)

	if cfg.Telemetry.Enabled {
		if err := tracing.Init(ctx, cfg.Telemetry.Endpoint); err != nil {
			slog.Warn("tracing disabled", "error", err)
		}
	}

	chans, err := buildChannels(cfg)
	if err != nil {
		return err
	}
	agents, err := buildAgents(cfg)
	if err != nil {
		return err
	}

	var snapshots store.SnapshotStore
	if cfg.Gateway.PersistPath != "" {
		snapshots, err = file.NewSnapshotStore(cfg.Gateway.PersistPath)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
	}
	var recallStore store.RecallStore
	if cfg.Gateway.RecallDB != "" {
		rs, err := sqlite.Open(cfg.Gateway.RecallDB)
		if err != nil {
			return fmt.Errorf("open recall store: %w", err)
		}
		defer rs.Close()
		recallStore = rs
	}

	g, err := gateway.New(gateway.Options{
		Config:     cfg,
		Channels:   chans,
		Agents:     agents,
		Snapshots:  snapshots,
		Recall:     recallStore,
		ConfigPath: cfgFile,
	})
	if err != nil {
		return err
	}

	if err := g.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := g.Stop(stopCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	if err := tracing.Shutdown(stopCtx); err != nil {
		slog.Debug("tracing shutdown", "error", err)
	}
	return nil
}

// applyFlagOverrides lets --model and --project override the default
// agent's config, highest-precedence layer after flags > env > file.
func applyFlagOverrides(cfg *config.Config) {
	if modelFlag == "" && projectFlag == "" {
		return
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].ID != cfg.Gateway.DefaultAgent {
			continue
		}
		if modelFlag != "" {
			cfg.Agents[i].Model = modelFlag
		}
		if projectFlag != "" {
			cfg.Agents[i].Directory = projectFlag
		}
	}
}

func buildChannels(cfg *config.Config) ([]channels.Channel, error) {
	out := make([]channels.Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		switch cc.Type {
		case "lark":
			ch, err := lark.New(lark.Config{
				ID:          cc.ID,
				AppID:       cc.AppID,
				AppSecret:   cc.AppSecret,
				Domain:      cc.Domain,
				VerifyToken: cc.VerifyToken,
				Mode:        cc.Mode,
				WebhookAddr: cc.WebhookAddr,
				WebhookPath: cc.WebhookPath,
				QPS:         cc.QPS,
			})
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", cc.ID, err)
			}
			out = append(out, ch)
		default:
			return nil, fmt.Errorf("channel %s: unsupported type %q", cc.ID, cc.Type)
		}
	}
	return out, nil
}

func buildAgents(cfg *config.Config) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	for _, ac := range cfg.Agents {
		switch ac.Type {
		case "opencode":
			c, err := opencode.New(opencode.Config{
				ID:        ac.ID,
				BaseURL:   ac.BaseURL,
				Directory: ac.Directory,
				Model:     ac.Model,
			})
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
			}
			reg.Register(c)
		default:
			return nil, fmt.Errorf("agent %s: unsupported type %q", ac.ID, ac.Type)
		}
	}
	return reg, nil
}
