// Package config decodes the runtime's YAML configuration tree: agent
// limits, the tool-server catalog, the daemon socket, the recorder store,
// and workflow sources. It follows the teacher's internal/config.Load
// pattern (os.ExpandEnv, strict yaml.v3 decoding, a single defaults pass).
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentLimitsConfig holds the agent loop's configurable limits.
type AgentLimitsConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	LLMTimeoutSecs     time.Duration `yaml:"llm_timeout_secs"`
	ToolTimeoutSecs    time.Duration `yaml:"tool_timeout_secs"`
	MaxHistoryMessages int           `yaml:"max_history_messages"`
}

// LaunchSpec is the command line and environment used to start a
// configured tool server, whether by the daemon or a spawn-per-call
// fallback.
type LaunchSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// ExpandEnv resolves shell-style ${VAR} / $VAR references in every env
// value against the current process environment, the way
// internal/mcp/transport_stdio.go expands child-process env vars.
func (l LaunchSpec) ExpandEnv() []string {
	out := make([]string, 0, len(l.Env))
	for k, v := range l.Env {
		out = append(out, k+"="+os.Expand(v, os.Getenv))
	}
	return out
}

// ToolServerConfig is one entry in the catalog: name → {launch_spec, tier}.
// The reserved name "agent" must never appear here; config loading
// rejects it.
type ToolServerConfig struct {
	Name       string     `yaml:"name"`
	LaunchSpec LaunchSpec `yaml:"launch_spec"`
	Tier       int        `yaml:"tier"`
}

// ReservedServerName is excluded from client-visible listings and
// rejected by the pool and by config loading.
const ReservedServerName = "agent"

// ToolServersConfig is the full configured catalog plus pool-level
// timeouts.
type ToolServersConfig struct {
	Servers            []ToolServerConfig `yaml:"servers"`
	StartupTimeoutSecs time.Duration      `yaml:"startup_timeout_secs"`
}

// DaemonConfig controls the tool-server daemon's socket and eviction
// policy.
type DaemonConfig struct {
	SocketPath        string        `yaml:"socket_path"`
	IdleTimeoutSecs   time.Duration `yaml:"idle_timeout_secs"`
	HealthTickSecs    time.Duration `yaml:"health_tick_secs"`
	ConnectTimeoutSecs time.Duration `yaml:"connect_timeout_secs"`
	ReadTimeoutSecs   time.Duration `yaml:"read_timeout_secs"`
}

// RecorderConfig names the sqlite store backing the run recorder and
// conversation store.
type RecorderConfig struct {
	DatabasePath string `yaml:"database_path"`
	Enabled      bool   `yaml:"enabled"`
}

// WorkflowConfig names the custom workflow directory, which overrides
// built-in workflows of the same name.
type WorkflowConfig struct {
	CustomDir string `yaml:"custom_dir"`
}

// LLMConfig names the chat endpoint base and default model.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// Config is the root configuration tree.
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	AgentLimits AgentLimitsConfig `yaml:"agent_limits"`
	ToolServers ToolServersConfig `yaml:"tool_servers"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
}

// Load reads, expands, strictly decodes, defaults, and validates a
// configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AgentLimits.MaxIterations == 0 {
		cfg.AgentLimits.MaxIterations = 10
	}
	if cfg.AgentLimits.LLMTimeoutSecs == 0 {
		cfg.AgentLimits.LLMTimeoutSecs = 300 * time.Second
	}
	if cfg.AgentLimits.ToolTimeoutSecs == 0 {
		cfg.AgentLimits.ToolTimeoutSecs = 60 * time.Second
	}
	if cfg.AgentLimits.MaxHistoryMessages == 0 {
		cfg.AgentLimits.MaxHistoryMessages = 100
	}
	if cfg.ToolServers.StartupTimeoutSecs == 0 {
		cfg.ToolServers.StartupTimeoutSecs = 10 * time.Second
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = defaultSocketPath()
	}
	if cfg.Daemon.IdleTimeoutSecs == 0 {
		cfg.Daemon.IdleTimeoutSecs = 5 * time.Minute
	}
	if cfg.Daemon.HealthTickSecs == 0 {
		cfg.Daemon.HealthTickSecs = 30 * time.Second
	}
	if cfg.Daemon.ConnectTimeoutSecs == 0 {
		cfg.Daemon.ConnectTimeoutSecs = 2 * time.Second
	}
	if cfg.Daemon.ReadTimeoutSecs == 0 {
		cfg.Daemon.ReadTimeoutSecs = 10 * time.Second
	}
	if cfg.Recorder.DatabasePath == "" {
		cfg.Recorder.DatabasePath = defaultDatabasePath()
	}
}

func defaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return dir + "/agentrt/daemon.sock"
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.agentrt/agentrt.db"
}

func validate(cfg *Config) error {
	for _, s := range cfg.ToolServers.Servers {
		if s.Name == ReservedServerName {
			return fmt.Errorf("tool_servers.servers: %q is a reserved name", ReservedServerName)
		}
		if s.Tier < 1 || s.Tier > 4 {
			return fmt.Errorf("tool_servers.servers[%s]: tier must be in 1..=4, got %d", s.Name, s.Tier)
		}
	}
	return nil
}
