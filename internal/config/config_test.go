package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  endpoint: http://localhost:11434
  model: qwen2.5:7b
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentLimits.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.AgentLimits.MaxIterations)
	}
	if cfg.AgentLimits.MaxHistoryMessages != 100 {
		t.Errorf("MaxHistoryMessages = %d, want 100", cfg.AgentLimits.MaxHistoryMessages)
	}
	if cfg.Daemon.IdleTimeoutSecs.String() != "5m0s" {
		t.Errorf("IdleTimeoutSecs = %v, want 5m0s", cfg.Daemon.IdleTimeoutSecs)
	}
}

func TestLoadRejectsReservedServerName(t *testing.T) {
	path := writeConfig(t, `
tool_servers:
  servers:
    - name: agent
      tier: 1
      launch_spec:
        command: /bin/true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for reserved server name")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
llm:
  endpoint: http://localhost:11434
  bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRejectsOutOfRangeTier(t *testing.T) {
	path := writeConfig(t, `
tool_servers:
  servers:
    - name: fs
      tier: 9
      launch_spec:
        command: /bin/true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for out-of-range tier")
	}
}

func TestLaunchSpecExpandEnv(t *testing.T) {
	os.Setenv("AGENTRT_TEST_TOKEN", "secret123")
	defer os.Unsetenv("AGENTRT_TEST_TOKEN")

	spec := LaunchSpec{Env: map[string]string{"TOKEN": "${AGENTRT_TEST_TOKEN}"}}
	got := spec.ExpandEnv()
	if len(got) != 1 || got[0] != "TOKEN=secret123" {
		t.Errorf("ExpandEnv = %v, want [TOKEN=secret123]", got)
	}
}
