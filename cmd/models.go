package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/config"
)

func modelsCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models an agent backend offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListModels(cmd.Context(), agentID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: the configured default agent)")
	return cmd
}

func runListModels(ctx context.Context, agentID string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	applyFlagOverrides(cfg)

	agents, err := buildAgents(cfg)
	if err != nil {
		return err
	}
	if agentID == "" {
		agentID = cfg.Gateway.DefaultAgent
	}
	backend, ok := agents.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %q is not configured", agentID)
	}

	if err := backend.Initialize(ctx); err != nil {
		return fmt.Errorf("connect to agent %s: %w", agentID, err)
	}
	defer backend.Shutdown(ctx)

	models, err := backend.ListModels(ctx)
	if err != nil {
		return err
	}
	agent.SortModels(models)

	for _, m := range models {
		if m.Name != "" {
			fmt.Printf("%s/%s\t%s\n", m.ProviderID, m.ID, m.Name)
		} else {
			fmt.Printf("%s/%s\n", m.ProviderID, m.ID)
		}
	}
	return nil
}
