// Command agentrtd is the tool-server daemon: it owns long-lived child
// tool-server processes behind a Unix socket, serving list_tools/call_tool
// requests from agentrt's pool until a configured idle_timeout evicts a
// child or a signal shuts the whole process down. Grounded on cmd/nexus's
// buildServeCmd/runServe graceful-shutdown pattern (signal.NotifyContext,
// structured startup logging, config-first then construct-then-serve).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentrt/agentrt/internal/cmdinfra"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/stdiolauncher"
	"github.com/agentrt/agentrt/internal/toolsdaemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentrtd",
		Short:        "agentrtd - tool-server daemon",
		Long:         "agentrtd owns long-lived tool-server child processes behind a Unix domain socket, serving list_tools/call_tool requests until idle_timeout evicts a child or a signal shuts the daemon down.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon in the foreground",
		Long: `Start the tool-server daemon in the foreground.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = cmdinfra.DefaultConfigPath()
			}
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting agentrt daemon", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	launcher := &stdiolauncher.DaemonLauncher{Logger: logger}
	daemon, err := toolsdaemon.New(
		cfg.Daemon.SocketPath,
		cfg.Daemon.IdleTimeoutSecs,
		cfg.Daemon.HealthTickSecs,
		cfg.ToolServers.Servers,
		launcher,
		logger,
	)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("listening", "socket", cfg.Daemon.SocketPath, "servers", len(cfg.ToolServers.Servers))
	if err := daemon.Serve(ctx); err != nil {
		return fmt.Errorf("daemon serve: %w", err)
	}
	logger.Info("daemon stopped")
	return nil
}
