package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentrt/agentrt/internal/agentloop"
	"github.com/agentrt/agentrt/internal/recorder"
	"github.com/agentrt/agentrt/internal/wire"
)

type fakePool struct{}

func (fakePool) ListToolsFrom(ctx context.Context, server string) ([]wire.ToolDescriptor, error) {
	return nil, nil
}
func (fakePool) ListAllTools(ctx context.Context) []wire.ToolDescriptor { return nil }
func (fakePool) ServerForTool(toolName string) (string, bool)           { return "", false }
func (fakePool) CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (wire.ToolResult, error) {
	return wire.ToolResult{}, nil
}

func newTestPoolFactory() PoolFactory {
	return func(ctx context.Context) (agentloop.ToolPool, error) { return fakePool{}, nil }
}

// echoLLM answers with the last user message's content verbatim, so
// tests can assert on substituted task text without a real endpoint.
type echoLLM struct {
	lastReq wire.ChatRequest
	err     error
}

func (e *echoLLM) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	e.lastReq = req
	if e.err != nil {
		return wire.ChatResponse{}, e.err
	}
	last := req.Messages[len(req.Messages)-1]
	return wire.ChatResponse{Message: wire.Message{Role: wire.RoleAssistant, Content: last.Content}}, nil
}

type scriptedCheckpoint struct {
	outcome CheckpointOutcome
}

func (s scriptedCheckpoint) Handle(ctx context.Context, message, contextValue string) (CheckpointOutcome, error) {
	return s.outcome, nil
}

func TestRunAgentOnlyWorkflow(t *testing.T) {
	workflows := map[string]Workflow{
		"echo": {
			Name: "echo",
			Steps: []Step{
				{Kind: StepKindAgent, AgentName: "echoer", TaskTemplate: "do: {task}"},
			},
		},
	}
	agents := map[string]AgentDescriptor{
		"echoer": {Name: "echoer", SystemPrompt: "you echo"},
	}
	llm := &echoLLM{}
	e := NewEngine("http://x", "qwen2.5", agents, workflows, newTestPoolFactory(), WithLLMClient(llm))

	result, err := e.Run(context.Background(), "echo", "the task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != recorder.StatusCompleted {
		t.Errorf("status = %v, want Completed", result.Status)
	}
	if result.Context["echoer"] != "do: the task" {
		t.Errorf("context[echoer] = %q, want substituted task", result.Context["echoer"])
	}
}

func TestRunConventionalContextKeys(t *testing.T) {
	workflows := map[string]Workflow{
		"plan": {
			Name: "plan",
			Steps: []Step{
				{Kind: StepKindAgent, AgentName: "planner", TaskTemplate: "{task}"},
			},
		},
	}
	agents := DefaultAgents()
	llm := &echoLLM{}
	e := NewEngine("http://x", "qwen2.5", agents, workflows, newTestPoolFactory(), WithLLMClient(llm))

	result, err := e.Run(context.Background(), "plan", "build a widget")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Context["plan"] != "build a widget" {
		t.Errorf("context[plan] = %q, want the planner output under the conventional key", result.Context["plan"])
	}
}

func TestRunCheckpointRejectedCancelsWorkflow(t *testing.T) {
	workflows := map[string]Workflow{
		"plan-then-stop": {
			Name: "plan-then-stop",
			Steps: []Step{
				{Kind: StepKindAgent, AgentName: "planner", TaskTemplate: "{task}"},
				{Kind: StepKindCheckpoint, Message: "ok?", ShowContextKey: "plan"},
			},
		},
	}
	agents := DefaultAgents()
	llm := &echoLLM{}
	e := NewEngine("http://x", "qwen2.5", agents, workflows, newTestPoolFactory(),
		WithLLMClient(llm),
		WithCheckpointHandler(scriptedCheckpoint{outcome: CheckpointOutcome{Kind: CheckpointRejected}}),
	)

	result, err := e.Run(context.Background(), "plan-then-stop", "PLAN")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != recorder.StatusCancelled {
		t.Errorf("status = %v, want Cancelled", result.Status)
	}
	if result.FailedStep != 1 {
		t.Errorf("failedStep = %d, want 1", result.FailedStep)
	}
	if result.Context["plan"] != "PLAN" {
		t.Errorf("context[plan] = %q, want PLAN", result.Context["plan"])
	}
}

func TestRunAgentStepFailureFailsWorkflow(t *testing.T) {
	workflows := map[string]Workflow{
		"broken": {
			Name: "broken",
			Steps: []Step{
				{Kind: StepKindAgent, AgentName: "planner", TaskTemplate: "{task}"},
			},
		},
	}
	agents := DefaultAgents()
	llm := &echoLLM{err: context.DeadlineExceeded}
	e := NewEngine("http://x", "qwen2.5", agents, workflows, newTestPoolFactory(), WithLLMClient(llm))

	result, err := e.Run(context.Background(), "broken", "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != recorder.StatusFailed {
		t.Errorf("status = %v, want Failed", result.Status)
	}
	if result.FailedStep != 0 {
		t.Errorf("failedStep = %d, want 0", result.FailedStep)
	}
	if result.Error == "" {
		t.Errorf("expected a non-empty error message")
	}
}

func TestRunUnknownWorkflowReturnsError(t *testing.T) {
	e := NewEngine("http://x", "qwen2.5", DefaultAgents(), builtinWorkflows(), newTestPoolFactory())
	if _, err := e.Run(context.Background(), "does-not-exist", "task"); err == nil {
		t.Errorf("expected an error for an unknown workflow name")
	}
}

func TestRunWithRecorderPersistsRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "recorder.db")
	store, err := recorder.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}
	defer store.Close()

	workflows := map[string]Workflow{
		"echo": {
			Name:  "echo",
			Steps: []Step{{Kind: StepKindAgent, AgentName: "echoer", TaskTemplate: "{task}"}},
		},
	}
	agents := map[string]AgentDescriptor{"echoer": {Name: "echoer"}}
	llm := &echoLLM{}
	e := NewEngine("http://x", "qwen2.5", agents, workflows, newTestPoolFactory(), WithLLMClient(llm), WithRecorder(store))

	result, err := e.Run(context.Background(), "echo", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RunID == "" {
		t.Fatalf("expected a run id when a recorder is attached")
	}

	var status string
	row := store.DB().QueryRowContext(context.Background(), `SELECT status FROM runs WHERE id = ?`, result.RunID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan run status: %v", err)
	}
	if status != string(recorder.StatusCompleted) {
		t.Errorf("persisted status = %q, want Completed", status)
	}
}

func TestSubstituteLiteralReplacement(t *testing.T) {
	out := substitute("plan for {task} using {investigation}", map[string]string{
		"task":          "fix the bug",
		"investigation": "root cause is X",
	})
	want := "plan for fix the bug using root cause is X"
	if out != want {
		t.Errorf("substitute = %q, want %q", out, want)
	}
}

func TestLoadWorkflowsOverridesBuiltinByName(t *testing.T) {
	dir := t.TempDir()
	workflowsDir := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(workflowsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	override := `
name: plan-review
description: custom override
steps:
  - kind: agent
    agent_name: planner
    task_template: "custom: {task}"
`
	if err := os.WriteFile(filepath.Join(workflowsDir, "plan-review.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	workflows, err := LoadWorkflows(dir)
	if err != nil {
		t.Fatalf("LoadWorkflows: %v", err)
	}
	wf, ok := workflows["plan-review"]
	if !ok {
		t.Fatalf("expected plan-review workflow to be present")
	}
	if wf.Description != "custom override" {
		t.Errorf("description = %q, want custom override to take precedence over the built-in", wf.Description)
	}
	if _, ok := workflows["implement-review"]; !ok {
		t.Errorf("expected the untouched built-in implement-review workflow to still be present")
	}
}

func TestLoadAgentsOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	doc := `
agents:
  - name: planner
    system_prompt: "custom planner prompt"
`
	if err := os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	agents, err := LoadAgents(dir)
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	if agents["planner"].SystemPrompt != "custom planner prompt" {
		t.Errorf("planner system prompt = %q, want override", agents["planner"].SystemPrompt)
	}
	if _, ok := agents["reviewer"]; !ok {
		t.Errorf("expected untouched default agent reviewer to still be present")
	}
}
