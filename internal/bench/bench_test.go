package bench

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentrt/agentrt/internal/agentloop"
	"github.com/agentrt/agentrt/internal/wire"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestCriterionEvaluateLeaves(t *testing.T) {
	out := Outcome{Output: "the answer is 5", ToolCalls: []string{"add"}, HadError: false}

	if !(Criterion{ContainsText: strPtr("answer")}).Evaluate(out) {
		t.Errorf("contains_text should match")
	}
	if (Criterion{ContainsText: strPtr("nope")}).Evaluate(out) {
		t.Errorf("contains_text should not match")
	}
	if !(Criterion{ToolsCalled: []string{"add"}}).Evaluate(out) {
		t.Errorf("tools_called should be satisfied")
	}
	if (Criterion{ToolsCalled: []string{"subtract"}}).Evaluate(out) {
		t.Errorf("tools_called should not be satisfied")
	}
	if !(Criterion{NoErrors: boolPtr(true)}).Evaluate(out) {
		t.Errorf("no_errors should be satisfied when HadError is false")
	}
	errOut := Outcome{HadError: true}
	if (Criterion{NoErrors: boolPtr(true)}).Evaluate(errOut) {
		t.Errorf("no_errors should fail when HadError is true")
	}
}

func TestCriterionEvaluateNestedAllAny(t *testing.T) {
	out := Outcome{Output: "done", ToolCalls: []string{"add"}, HadError: false}

	all := Criterion{All: []Criterion{
		{ContainsText: strPtr("done")},
		{ToolsCalled: []string{"add"}},
	}}
	if !all.Evaluate(out) {
		t.Errorf("All criterion should be satisfied when every sub-criterion matches")
	}

	allFailing := Criterion{All: []Criterion{
		{ContainsText: strPtr("done")},
		{ToolsCalled: []string{"subtract"}},
	}}
	if allFailing.Evaluate(out) {
		t.Errorf("All criterion should fail when any sub-criterion fails")
	}

	any := Criterion{Any: []Criterion{
		{ContainsText: strPtr("nope")},
		{ToolsCalled: []string{"add"}},
	}}
	if !any.Evaluate(out) {
		t.Errorf("Any criterion should be satisfied when one sub-criterion matches")
	}
}

type scriptedLLM struct {
	responses []wire.ChatResponse
	idx       int
}

func (s *scriptedLLM) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	if s.idx >= len(s.responses) {
		return wire.ChatResponse{Message: wire.Message{Role: wire.RoleAssistant, Content: "done"}}, nil
	}
	resp := s.responses[s.idx]
	s.idx++
	return resp, nil
}

type fakePool struct {
	owner string
}

func (p *fakePool) ListToolsFrom(ctx context.Context, server string) ([]wire.ToolDescriptor, error) {
	return nil, nil
}
func (p *fakePool) ListAllTools(ctx context.Context) []wire.ToolDescriptor { return nil }
func (p *fakePool) ServerForTool(toolName string) (string, bool) {
	if p.owner == "" {
		return "", false
	}
	return p.owner, true
}
func (p *fakePool) CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (wire.ToolResult, error) {
	return wire.TextResult("5", false), nil
}

func newToolCallThenDoneLLM() *scriptedLLM {
	return &scriptedLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, ToolCalls: []wire.ToolCall{{Name: "add"}}}},
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "the answer is 5"}},
	}}
}

func TestRunCasePassesWithExpectedTool(t *testing.T) {
	llm := newToolCallThenDoneLLM()
	pool := &fakePool{owner: "calc"}
	r := NewRunner("http://x", "qwen2.5", func(ctx context.Context) (agentloop.ToolPool, error) {
		return pool, nil
	}, WithLLMClient(llm))

	result := r.RunCase(context.Background(), Case{
		ID:              "c1",
		Prompt:          "what is 2+3?",
		ExpectedTools:   []string{"add"},
		SuccessCriteria: Criterion{ContainsText: strPtr("5")},
		Tier:            1,
	})

	if !result.Passed {
		t.Fatalf("result = %+v, want Passed", result)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0] != "add" {
		t.Errorf("toolCalls = %v, want [add]", result.ToolCalls)
	}
}

func TestRunCaseFailsOnForbiddenTool(t *testing.T) {
	llm := newToolCallThenDoneLLM()
	pool := &fakePool{owner: "calc"}
	r := NewRunner("http://x", "qwen2.5", func(ctx context.Context) (agentloop.ToolPool, error) {
		return pool, nil
	}, WithLLMClient(llm))

	result := r.RunCase(context.Background(), Case{
		ID:             "c2",
		Prompt:         "what is 2+3?",
		ForbiddenTools: []string{"add"},
		Tier:           1,
	})

	if result.Passed {
		t.Errorf("expected failure when a forbidden tool is called")
	}
	if len(result.UnexpectedForbiddenTools) != 1 || result.UnexpectedForbiddenTools[0] != "add" {
		t.Errorf("unexpectedForbiddenTools = %v, want [add]", result.UnexpectedForbiddenTools)
	}
}

func TestRunCaseFailsOnMissingExpectedTool(t *testing.T) {
	llm := &scriptedLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "no tools needed"}},
	}}
	pool := &fakePool{}
	r := NewRunner("http://x", "qwen2.5", func(ctx context.Context) (agentloop.ToolPool, error) {
		return pool, nil
	}, WithLLMClient(llm))

	result := r.RunCase(context.Background(), Case{
		ID:            "c3",
		Prompt:        "what is 2+3?",
		ExpectedTools: []string{"add"},
		Tier:          1,
	})

	if result.Passed {
		t.Errorf("expected failure when an expected tool is never called")
	}
	if len(result.MissingExpectedTools) != 1 || result.MissingExpectedTools[0] != "add" {
		t.Errorf("missingExpectedTools = %v, want [add]", result.MissingExpectedTools)
	}
}

func TestRunSuiteAggregatesTierStats(t *testing.T) {
	pool := &fakePool{}
	// Each case only needs one plain, tool-free response.
	llm := &scriptedLLM{responses: []wire.ChatResponse{
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "ok"}},
		{Message: wire.Message{Role: wire.RoleAssistant, Content: "ok"}},
	}}
	r := NewRunner("http://x", "qwen2.5", func(ctx context.Context) (agentloop.ToolPool, error) {
		return pool, nil
	}, WithLLMClient(llm))

	cases := []Case{
		{ID: "pass", Tier: 1, Prompt: "p", SuccessCriteria: Criterion{ContainsText: strPtr("")}},
		{ID: "fail", Tier: 1, Prompt: "p", ExpectedTools: []string{"never-called"}},
	}

	suite := r.RunSuite(context.Background(), cases)
	stats, ok := suite.TierStats[1]
	if !ok {
		t.Fatalf("expected tier 1 stats")
	}
	if stats.Total != 2 || stats.Passed != 1 {
		t.Errorf("stats = %+v, want Total=2 Passed=1", stats)
	}
	if stats.PassRate != 0.5 {
		t.Errorf("passRate = %v, want 0.5", stats.PassRate)
	}
}

func TestPercentileEmptyIsZero(t *testing.T) {
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if got := percentile(durations, 0); got != 10*time.Millisecond {
		t.Errorf("p0 = %v, want 10ms", got)
	}
}
