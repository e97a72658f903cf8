// Command agentrt is the interactive entry point for the agent runtime: a
// single-turn chat command, the workflow engine, and the benchmark
// runner, all sharing one configuration file. Grounded on cmd/nexus's
// buildRootCmd/buildXCmd layout: subcommand constructors are standalone
// functions returning a *cobra.Command, flags are plain local variables
// captured by RunE closures, and output goes through cmd.OutOrStdout()
// rather than directly to os.Stdout so tests can capture it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentrt/agentrt/internal/agentloop"
	"github.com/agentrt/agentrt/internal/bench"
	"github.com/agentrt/agentrt/internal/cmdinfra"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/recorder"
	"github.com/agentrt/agentrt/internal/selfheal"
	"github.com/agentrt/agentrt/internal/workflow"
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
		Use:          "agentrt",
		Short:        "agentrt - local-first agent runtime",
		Long:         "agentrt drives a chat LLM through a tool-calling loop, a workflow engine, and a benchmark runner against a configured tool-server pool.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildChatCmd(),
		buildWorkflowCmd(),
		buildBenchCmd(),
		buildSelfhealCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return cmdinfra.DefaultConfigPath()
	}
	return path
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newPoolFactory returns a workflow.PoolFactory/bench.PoolFactory-shaped
// closure building a fresh pool from cfg on every call, the construction
// each multi-pool caller (workflow steps, bench cases) needs one of per
// run rather than one shared pool for the whole process.
func newPoolFactory(cfg *config.Config, logger *slog.Logger) func(ctx context.Context) (agentloop.ToolPool, error) {
	return func(ctx context.Context) (agentloop.ToolPool, error) {
		return cmdinfra.NewPool(cfg, logger)
	}
}

// buildChatCmd sends one message, or loops reading lines from stdin with
// --interactive, against a single persistent Agent so history accumulates
// across turns.
func buildChatCmd() *cobra.Command {
	var (
		configPath   string
		provider     string
		model        string
		systemPrompt string
		servers      []string
		interactive  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message to the agent, or run an interactive session with --interactive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !interactive && len(args) == 0 {
				return fmt.Errorf("a message is required unless --interactive is set")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.LLM.Model = model
			}

			logger := slog.Default().With("component", "cmd.chat")
			pool, err := cmdinfra.NewPool(cfg, logger)
			if err != nil {
				return fmt.Errorf("build tool pool: %w", err)
			}
			llm, err := cmdinfra.NewLLMClient(provider, cfg)
			if err != nil {
				return err
			}

			agent := agentloop.New(cfg.LLM.Endpoint, cfg.LLM.Model, pool,
				agentloop.WithLimits(cfg.AgentLimits),
				agentloop.WithLogger(logger),
				agentloop.WithLLMClient(llm),
			)
			if systemPrompt != "" {
				agent.SetSystemPrompt(systemPrompt)
			}

			out := cmd.OutOrStdout()

			chatTurn := func(ctx context.Context, message string) (string, error) {
				if len(servers) > 0 {
					return agent.ChatWithServers(ctx, message, servers)
				}
				return agent.Chat(ctx, message)
			}

			if interactive {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					reply, err := chatTurn(cmd.Context(), line)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
						continue
					}
					fmt.Fprintln(out, reply)
				}
				return scanner.Err()
			}

			reply, err := chatTurn(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&provider, "provider", "ollama", "Chat transport: ollama, openai, or anthropic")
	cmd.Flags().StringVar(&model, "model", "", "Override the configured model")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "System prompt for the session")
	cmd.Flags().StringSliceVar(&servers, "servers", nil, "Restrict tool discovery to these server names (default: all)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Read messages from stdin until EOF")
	return cmd
}

// buildWorkflowCmd groups the `workflow run` subcommand.
func buildWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run the multi-agent workflow engine",
	}
	cmd.AddCommand(buildWorkflowRunCmd())
	return cmd
}

func buildWorkflowRunCmd() *cobra.Command {
	var (
		configPath  string
		provider    string
		recordRun   bool
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-name> <task>",
		Short: "Run a named workflow against a task description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := slog.Default().With("component", "cmd.workflow")

			agents, err := workflow.LoadAgents(cfg.Workflow.CustomDir)
			if err != nil {
				return err
			}
			workflows, err := workflow.LoadWorkflows(cfg.Workflow.CustomDir)
			if err != nil {
				return err
			}
			llm, err := cmdinfra.NewLLMClient(provider, cfg)
			if err != nil {
				return err
			}

			engineOpts := []workflow.Option{
				workflow.WithLimits(cfg.AgentLimits),
				workflow.WithLogger(logger),
				workflow.WithLLMClient(llm),
			}
			if autoApprove {
				engineOpts = append(engineOpts, workflow.WithCheckpointHandler(workflow.AutoApprove{}))
			} else {
				engineOpts = append(engineOpts, workflow.WithCheckpointHandler(workflow.InteractivePrompt{
					In:  cmd.InOrStdin(),
					Out: cmd.OutOrStdout(),
				}))
			}

			var store *recorder.Store
			if recordRun && cfg.Recorder.Enabled {
				store, err = recorder.Open(cmd.Context(), cfg.Recorder.DatabasePath, recorder.WithLogger(logger))
				if err != nil {
					return fmt.Errorf("open recorder: %w", err)
				}
				defer store.Close()
				engineOpts = append(engineOpts, workflow.WithRecorder(store))
			}

			engine := workflow.NewEngine(cfg.LLM.Endpoint, cfg.LLM.Model, agents, workflows,
				newPoolFactory(cfg, logger), engineOpts...)

			result, err := engine.Run(cmd.Context(), args[0], args[1])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s\n", result.RunID, result.Status)
			if result.Error != "" {
				fmt.Fprintf(out, "error at step %d: %s\n", result.FailedStep, result.Error)
			}
			for key, value := range result.Context {
				fmt.Fprintf(out, "%s:\n%s\n\n", key, value)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&provider, "provider", "ollama", "Chat transport: ollama, openai, or anthropic")
	cmd.Flags().BoolVar(&recordRun, "record", true, "Persist this run to the configured recorder store")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Auto-approve every checkpoint instead of prompting")
	return cmd
}

// buildBenchCmd groups the `bench run` subcommand.
func buildBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the benchmark suite against a set of cases",
	}
	cmd.AddCommand(buildBenchRunCmd())
	return cmd
}

func buildBenchRunCmd() *cobra.Command {
	var (
		configPath string
		casesPath  string
		provider   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every case in a cases file and print a pass-rate summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cases, err := bench.LoadCases(casesPath)
			if err != nil {
				return err
			}
			logger := slog.Default().With("component", "cmd.bench")
			llm, err := cmdinfra.NewLLMClient(provider, cfg)
			if err != nil {
				return err
			}

			runner := bench.NewRunner(cfg.LLM.Endpoint, cfg.LLM.Model,
				newPoolFactory(cfg, logger),
				bench.WithLLMClient(llm),
				bench.WithLimits(cfg.AgentLimits),
				bench.WithLogger(logger),
			)

			suite := runner.RunSuite(cmd.Context(), cases)
			printSuiteResult(cmd, suite)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&casesPath, "cases", "f", "", "Path to a YAML cases file")
	cmd.Flags().StringVar(&provider, "provider", "ollama", "Chat transport: ollama, openai, or anthropic")
	_ = cmd.MarkFlagRequired("cases")
	return cmd
}

// buildSelfhealCmd groups the detect/apply/verify subcommands that drive
// the improvement lifecycle over the configured recorder store.
func buildSelfhealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selfheal",
		Short: "Detect recurring tool failures and manage their improvement lifecycle",
	}
	cmd.AddCommand(
		buildSelfhealDetectCmd(),
		buildSelfhealApplyCmd(),
		buildSelfhealVerifyCmd(),
	)
	return cmd
}

func openRecorderStore(ctx context.Context, cfg *config.Config) (*recorder.Store, error) {
	if !cfg.Recorder.Enabled {
		return nil, fmt.Errorf("recorder is disabled in config")
	}
	return recorder.Open(ctx, cfg.Recorder.DatabasePath, recorder.WithLogger(slog.Default().With("component", "cmd.selfheal")))
}

func buildSelfhealDetectCmd() *cobra.Command {
	var (
		configPath     string
		sinceDays      int
		minOccurrences int
		propose        bool
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Group recent tool failures into patterns and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openRecorderStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			patterns, err := selfheal.DetectPatterns(cmd.Context(), store, sinceDays, minOccurrences)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(patterns) == 0 {
				fmt.Fprintln(out, "no patterns at or above the minimum occurrence count")
				return nil
			}
			for _, p := range patterns {
				fmt.Fprintf(out, "[%s] %s x%d on %s (priority=%s, impact=%s)\n  fix: %s\n",
					p.ID, p.ErrorKind, p.Occurrences, toolOrWorkflowLabel(p.ToolName), p.Priority, p.ExpectedImpact, p.SuggestedFix)
			}

			if propose {
				ids, err := selfheal.ProposeImprovements(cmd.Context(), store, patterns)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintf(out, "proposed improvement %s\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().IntVar(&sinceDays, "since-days", 7, "Look back this many days for failed tool events")
	cmd.Flags().IntVar(&minOccurrences, "min-occurrences", 3, "Minimum occurrences for a pattern to be reported")
	cmd.Flags().BoolVar(&propose, "propose", false, "Also persist a Proposed improvement row per detected pattern")
	return cmd
}

func toolOrWorkflowLabel(toolName string) string {
	if toolName == "" {
		return "workflow"
	}
	return toolName
}

func buildSelfhealApplyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "apply <improvement-id> <changes-made>",
		Short: "Transition a Proposed improvement to Applied",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openRecorderStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := selfheal.ApplyImprovement(cmd.Context(), store, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildSelfhealVerifyCmd() *cobra.Command {
	var (
		configPath string
		windowDays int
	)

	cmd := &cobra.Command{
		Use:   "verify <improvement-id>",
		Short: "Compare success rates before/after an Applied improvement and transition it to Verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openRecorderStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := selfheal.VerifyImprovement(cmd.Context(), store, args[0], windowDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: before=%.1f%% after=%.1f%% (%d runs)\n%s\n",
				result.ImprovementID, result.SuccessRateBefore*100, result.SuccessRateAfter*100,
				result.RunsAnalyzed, result.Recommendation)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", cmdinfra.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().IntVar(&windowDays, "window-days", 7, "Size of the before/after comparison window in days")
	return cmd
}

func printSuiteResult(cmd *cobra.Command, suite bench.SuiteResult) {
	out := cmd.OutOrStdout()
	for _, r := range suite.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(out, "[%s] tier=%d %s (%s)\n", status, r.Tier, r.CaseID, r.Duration)
		if len(r.MissingExpectedTools) > 0 {
			fmt.Fprintf(out, "  missing tools: %v\n", r.MissingExpectedTools)
		}
		if len(r.UnexpectedForbiddenTools) > 0 {
			fmt.Fprintf(out, "  forbidden tools used: %v\n", r.UnexpectedForbiddenTools)
		}
		if r.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", r.Error)
		}
	}
	fmt.Fprintln(out, "---")
	for tier, stats := range suite.TierStats {
		fmt.Fprintf(out, "tier %d: %d/%d passed (%.0f%%), p50=%s p95=%s\n",
			tier, stats.Passed, stats.Total, stats.PassRate*100, stats.P50, stats.P95)
	}
}
