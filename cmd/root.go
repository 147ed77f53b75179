// Package cmd holds the larkcode CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time via
// -ldflags "-X github.com/nextlevelbuilder/larkcode/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile  string
	logLevel string

	modelFlag   string
	projectFlag string
	listModels  bool
)

var rootCmd = &cobra.Command{
	Use:   "larkcode",
	Short: "LarkCode — Feishu/Lark gateway for coding agents",
	Long: "LarkCode bridges Feishu/Lark chats to opencode-style coding-agent\n" +
		"backends: prompts route to an agent per chat, and the agent's output\n" +
		"streams back as live-updated interactive cards.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listModels {
			return runListModels(cmd.Context(), "")
		}
		return runGateway(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file (default: ~/.larkcode/config.toml or $LARKCODE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "override the default agent's model (provider/model)")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "override the default agent's project directory")
	rootCmd.Flags().BoolVar(&listModels, "list-models", false, "list the default agent's models and exit")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(modelsCmd())
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setupLogging configures the process-wide slog default. The flag wins
// over the config file.
func setupLogging(configLevel string) {
	level := configLevel
	if logLevel != "" {
		level = logLevel
	}
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the larkcode version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("larkcode", Version)
		},
	}
}
