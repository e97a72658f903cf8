package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/events"
	"github.com/agentrt/agentrt/internal/wire"
)

type fakePool struct {
	tools       []wire.ToolDescriptor
	callResults map[string]wire.ToolResult
	callErr     map[string]error
	owners      map[string]string
	calls       []string
}

func (p *fakePool) ListToolsFrom(ctx context.Context, server string) ([]wire.ToolDescriptor, error) {
	var out []wire.ToolDescriptor
	for _, t := range p.tools {
		if t.Server == server {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *fakePool) ListAllTools(ctx context.Context) []wire.ToolDescriptor { return p.tools }

func (p *fakePool) ServerForTool(toolName string) (string, bool) {
	s, ok := p.owners[toolName]
	return s, ok
}

func (p *fakePool) CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (wire.ToolResult, error) {
	p.calls = append(p.calls, toolName)
	if err, ok := p.callErr[toolName]; ok {
		return wire.ToolResult{}, err
	}
	if res, ok := p.callResults[toolName]; ok {
		return res, nil
	}
	return wire.TextResult("", false), nil
}

// fakeLLM replays a scripted sequence of responses, one per Chat call.
type fakeLLM struct {
	responses []wire.ChatResponse
	errs      []error
	calls     int
	lastReq   []wire.ChatRequest
}

func (f *fakeLLM) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	f.lastReq = append(f.lastReq, req)
	idx := f.calls
	f.calls++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if err != nil {
		return wire.ChatResponse{}, err
	}
	if idx >= len(f.responses) {
		return wire.ChatResponse{Message: wire.Message{Role: wire.RoleAssistant, Content: "done"}}, nil
	}
	return f.responses[idx], nil
}

func testLimits() config.AgentLimitsConfig {
	return config.AgentLimitsConfig{
		MaxIterations:      3,
		LLMTimeoutSecs:     time.Second,
		ToolTimeoutSecs:    time.Second,
		MaxHistoryMessages: 100,
	}
}

func TestChat_TerminalNoToolCalls(t *testing.T) {
	llm := &fakeLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "hello there"}},
	}}
	pool := &fakePool{}
	a := New("http://x", "qwen2.5", pool, WithLLMClient(llm), WithLimits(testLimits()))

	out, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "hello there" {
		t.Errorf("out = %q, want %q", out, "hello there")
	}
	hist := a.GetHistory()
	if len(hist) != 2 || hist[0].Role != wire.RoleUser || hist[1].Role != wire.RoleAssistant {
		t.Errorf("history = %+v, want [user, assistant]", hist)
	}
}

func TestChat_StripsReasoningTraceForThinkingModels(t *testing.T) {
	llm := &fakeLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "<think>pondering</think>the answer is 4"}},
	}}
	pool := &fakePool{}
	a := New("http://x", "deepseek-r1", pool, WithLLMClient(llm), WithLimits(testLimits()))

	out, err := a.Chat(context.Background(), "what is 2+2")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "the answer is 4" {
		t.Errorf("out = %q, want stripped content", out)
	}
}

func TestChat_ExecutesStructuredToolCall(t *testing.T) {
	llm := &fakeLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{
			Role:      wire.RoleAssistant,
			ToolCalls: []wire.ToolCall{{ID: "1", Name: "add", Arguments: json.RawMessage(`{"a":1,"b":2}`)}},
		}},
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "the sum is 3"}},
	}}
	pool := &fakePool{
		owners:      map[string]string{"add": "math"},
		callResults: map[string]wire.ToolResult{"add": wire.TextResult("3", false)},
	}
	a := New("http://x", "qwen2.5", pool, WithLLMClient(llm), WithLimits(testLimits()))

	var captured []events.AgentEvent
	bus := events.NewBus()
	sender := bus.NewSender()
	a.SetEventSender(sender)
	recv := bus.Receiver()
	done := make(chan struct{})
	go func() {
		for {
			e, ok := recv.Recv()
			if !ok {
				close(done)
				return
			}
			captured = append(captured, e)
		}
	}()

	out, err := a.Chat(context.Background(), "add 1 and 2")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "the sum is 3" {
		t.Errorf("out = %q, want final content", out)
	}
	if len(pool.calls) != 1 || pool.calls[0] != "add" {
		t.Errorf("pool.calls = %v, want [add]", pool.calls)
	}
	sender.Close()
	<-done

	var sawToolStart, sawToolComplete bool
	for _, e := range captured {
		if e.Kind == events.KindToolStart && e.ToolName == "add" {
			sawToolStart = true
		}
		if e.Kind == events.KindToolComplete && e.ToolName == "add" && !e.ToolIsError {
			sawToolComplete = true
		}
	}
	if !sawToolStart || !sawToolComplete {
		t.Errorf("missing expected events, captured=%+v", captured)
	}
}

func TestChat_RecoversToolCallFromFreeformText(t *testing.T) {
	llm := &fakeLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "```json\n{\"name\": \"add\", \"arguments\": {\"a\": 1}}\n```"}},
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "done"}},
	}}
	pool := &fakePool{owners: map[string]string{"add": "math"}}
	a := New("http://x", "qwen2.5", pool, WithLLMClient(llm), WithLimits(testLimits()))

	out, err := a.Chat(context.Background(), "add")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "done" {
		t.Errorf("out = %q, want done", out)
	}
	if len(pool.calls) != 1 || pool.calls[0] != "add" {
		t.Errorf("pool.calls = %v, want recovered [add]", pool.calls)
	}
}

func TestChat_ToolErrorProducesErrorMessageNotFailure(t *testing.T) {
	llm := &fakeLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{
			Role:      wire.RoleAssistant,
			ToolCalls: []wire.ToolCall{{Name: "broken"}},
		}},
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "recovered"}},
	}}
	pool := &fakePool{
		owners:  map[string]string{"broken": "sys"},
		callErr: map[string]error{"broken": errors.New("boom")},
	}
	a := New("http://x", "qwen2.5", pool, WithLLMClient(llm), WithLimits(testLimits()))

	out, err := a.Chat(context.Background(), "break things")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "recovered" {
		t.Errorf("out = %q, want recovered", out)
	}
}

func TestChat_ReachesMaxIterations(t *testing.T) {
	toolCallResp := wire.ChatResponse{Message: wire.Message{
		Role:      wire.RoleAssistant,
		ToolCalls: []wire.ToolCall{{Name: "loop"}},
	}}
	llm := &fakeLLM{responses: []wire.ChatResponse{toolCallResp, toolCallResp, toolCallResp}}
	pool := &fakePool{owners: map[string]string{"loop": "sys"}}
	limits := testLimits()
	limits.MaxIterations = 2
	a := New("http://x", "qwen2.5", pool, WithLLMClient(llm), WithLimits(limits))

	out, err := a.Chat(context.Background(), "spin")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "reached maximum iterations (2)" {
		t.Errorf("out = %q, want max-iterations message", out)
	}
}

func TestChat_NoToolCallingModelGetsEmptyToolSet(t *testing.T) {
	llm := &fakeLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "plain answer"}},
	}}
	pool := &fakePool{tools: []wire.ToolDescriptor{{Server: "math", Name: "add"}}}
	a := New("http://x", "o1-preview", pool, WithLLMClient(llm), WithLimits(testLimits()))

	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(llm.lastReq) != 1 || len(llm.lastReq[0].Tools) != 0 {
		t.Errorf("expected empty tool set for non-tool-calling model, got %+v", llm.lastReq[0].Tools)
	}
}

func TestSetHistoryAndClearHistory(t *testing.T) {
	pool := &fakePool{}
	a := New("http://x", "qwen2.5", pool, WithLimits(testLimits()))
	a.SetHistory([]wire.Message{{Role: wire.RoleUser, Content: "hi"}})
	if len(a.GetHistory()) != 1 {
		t.Fatalf("expected 1 history entry after SetHistory")
	}
	a.ClearHistory()
	if len(a.GetHistory()) != 0 {
		t.Errorf("expected empty history after ClearHistory")
	}
}

func TestPruneHistoryDropsOldest(t *testing.T) {
	history := []wire.Message{
		{Role: wire.RoleUser, Content: "1"},
		{Role: wire.RoleAssistant, Content: "2"},
		{Role: wire.RoleUser, Content: "3"},
	}
	pruned := pruneHistory(history, 2)
	if len(pruned) != 2 || pruned[0].Content != "2" || pruned[1].Content != "3" {
		t.Errorf("pruned = %+v, want last 2 entries", pruned)
	}
}
