package cmdinfra

import (
	"strings"
	"testing"
	"time"

	"github.com/agentrt/agentrt/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{Endpoint: "http://localhost:11434", Model: "llama3"},
		AgentLimits: config.AgentLimitsConfig{
			LLMTimeoutSecs: 30 * time.Second,
		},
	}
}

func TestNewLLMClientDefaultsToOllama(t *testing.T) {
	client, err := NewLLMClient("", testConfig())
	if err != nil {
		t.Fatalf("NewLLMClient: %v", err)
	}
	if client == nil {
		t.Fatal("client is nil")
	}
}

func TestNewLLMClientOllamaExplicit(t *testing.T) {
	client, err := NewLLMClient("Ollama", testConfig())
	if err != nil {
		t.Fatalf("NewLLMClient: %v", err)
	}
	if client == nil {
		t.Fatal("client is nil")
	}
}

func TestNewLLMClientOpenAIRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewLLMClient("openai", testConfig())
	if err == nil {
		t.Fatal("expected an error when OPENAI_API_KEY is unset")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("error = %q, want mention of OPENAI_API_KEY", err)
	}
}

func TestNewLLMClientOpenAIWithAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	client, err := NewLLMClient("openai", testConfig())
	if err != nil {
		t.Fatalf("NewLLMClient: %v", err)
	}
	if client == nil {
		t.Fatal("client is nil")
	}
}

func TestNewLLMClientAnthropicRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewLLMClient("anthropic", testConfig())
	if err == nil {
		t.Fatal("expected an error when ANTHROPIC_API_KEY is unset")
	}
	if !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("error = %q, want mention of ANTHROPIC_API_KEY", err)
	}
}

func TestNewLLMClientUnknownProvider(t *testing.T) {
	_, err := NewLLMClient("bogus", testConfig())
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error = %q, want mention of the bad provider name", err)
	}
}

func TestDefaultConfigPathIsNonEmpty(t *testing.T) {
	if DefaultConfigPath() == "" {
		t.Fatal("DefaultConfigPath returned empty string")
	}
}
