// Package cmdinfra wires a loaded Config into the concrete pieces the CLI
// entry points (cmd/agentrt, cmd/agentrtd) need but don't construct
// themselves: a tool pool over the configured servers and a chat
// transport selected by provider name. Grounded on the teacher's
// cmd/nexus main.go, which likewise keeps construction-from-config out of
// buildXCmd functions in favor of small shared helpers.
package cmdinfra

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/agentrt/agentrt/internal/agentloop"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/daemonproto"
	"github.com/agentrt/agentrt/internal/providers"
	"github.com/agentrt/agentrt/internal/stdiolauncher"
	"github.com/agentrt/agentrt/internal/toolpool"
	"github.com/agentrt/agentrt/pkg/toolserver"
)

// DefaultConfigPath is where both binaries look for a configuration file
// when --config is not given, mirroring internal/config's own
// XDG_RUNTIME_DIR/home-directory fallback style for default paths.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.agentrt/config.yaml"
}

// NewPool builds a tool pool over cfg.ToolServers, reaching the daemon at
// cfg.Daemon.SocketPath and falling back to a per-call stdio spawn for any
// server the daemon doesn't own. No embedded handlers are registered here;
// this binary carries no built-in tool implementations.
func NewPool(cfg *config.Config, logger *slog.Logger) (*toolpool.Pool, error) {
	daemonClient := daemonproto.NewClient(
		cfg.Daemon.SocketPath,
		cfg.Daemon.ConnectTimeoutSecs,
		cfg.Daemon.ReadTimeoutSecs,
	)
	spawner := &stdiolauncher.PerCallSpawner{Logger: logger}

	return toolpool.New(
		map[string]toolserver.Server{},
		cfg.ToolServers.Servers,
		daemonClient,
		spawner,
		cfg.ToolServers.StartupTimeoutSecs,
		toolpool.WithLogger(logger),
	)
}

// NewLLMClient selects a chat transport by provider name: "ollama" (the
// default, a generic Ollama-shaped HTTP client), "openai", or "anthropic".
// The latter two read their API key from OPENAI_API_KEY/ANTHROPIC_API_KEY.
func NewLLMClient(provider string, cfg *config.Config) (agentloop.LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "ollama":
		return agentloop.NewHTTPLLMClient(cfg.LLM.Endpoint, cfg.AgentLimits.LLMTimeoutSecs), nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("cmdinfra: OPENAI_API_KEY is required for the openai provider")
		}
		return providers.NewOpenAIProvider(apiKey, cfg.LLM.Endpoint, cfg.LLM.Model), nil
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("cmdinfra: ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return providers.NewAnthropicProvider(apiKey, cfg.LLM.Endpoint), nil
	default:
		return nil, fmt.Errorf("cmdinfra: unknown provider %q (want ollama, openai, or anthropic)", provider)
	}
}
