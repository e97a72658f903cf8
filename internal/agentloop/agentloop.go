// Package agentloop implements the agent loop: a single-conversation state
// machine that discovers tools from the pool, drives a
// chat completion loop against an LLM endpoint, executes recovered tool
// calls, and emits AgentEvents describing every step. Grounded on the
// teacher's internal/agent.AgenticLoop state machine (Init → Stream →
// Execute Tools → Continue/Complete), generalized from the teacher's
// streaming multi-provider design to this protocol's single non-streaming
// HTTP round trip per iteration.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrt/agentrt/internal/apperrors"
	"github.com/agentrt/agentrt/internal/capabilities"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/events"
	"github.com/agentrt/agentrt/internal/toolparse"
	"github.com/agentrt/agentrt/internal/wire"
)

// ToolPool is the subset of *toolpool.Pool the loop depends on, kept as a
// local interface so tests can substitute a fake without standing up a
// real pool.
type ToolPool interface {
	ListToolsFrom(ctx context.Context, server string) ([]wire.ToolDescriptor, error)
	ListAllTools(ctx context.Context) []wire.ToolDescriptor
	ServerForTool(toolName string) (string, bool)
	CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (wire.ToolResult, error)
}

// Agent is one conversation: endpoint, model, tool pool, system prompt,
// limits, and mutable history. Two concurrent Chat calls on the same
// Agent are not supported; callers must serialize.
type Agent struct {
	pool   ToolPool
	llm    LLMClient
	limits config.AgentLimitsConfig
	logger *slog.Logger

	mu           sync.Mutex
	model        string
	systemPrompt string
	history      []wire.Message
	eventSender  *events.Sender
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithSystemPrompt sets the initial system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithLimits overrides the default AgentLimitsConfig.
func WithLimits(limits config.AgentLimitsConfig) Option {
	return func(a *Agent) { a.limits = limits }
}

// WithLogger overrides the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l.With("component", "agentloop") }
}

// WithLLMClient overrides the default HTTP LLM client, e.g. with a fake
// in tests.
func WithLLMClient(c LLMClient) Option {
	return func(a *Agent) { a.llm = c }
}

func defaultLimits() config.AgentLimitsConfig {
	return config.AgentLimitsConfig{
		MaxIterations:      10,
		LLMTimeoutSecs:     300 * time.Second,
		ToolTimeoutSecs:    60 * time.Second,
		MaxHistoryMessages: 100,
	}
}

// New builds an Agent talking to endpoint with the given model and pool.
func New(endpoint, model string, pool ToolPool, opts ...Option) *Agent {
	a := &Agent{
		pool:   pool,
		model:  model,
		limits: defaultLimits(),
		logger: slog.Default().With("component", "agentloop"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.llm == nil {
		a.llm = NewHTTPLLMClient(endpoint, a.limits.LLMTimeoutSecs)
	}
	return a
}

// SetSystemPrompt replaces the system prompt used on future Chat calls.
func (a *Agent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemPrompt = prompt
}

// SetModel replaces the model used on future Chat calls.
func (a *Agent) SetModel(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
}

// SetEventSender attaches an events.Sender; every Chat call emits onto it
// until replaced. Passing nil makes emission a no-op.
func (a *Agent) SetEventSender(sender *events.Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventSender = sender
}

// GetHistory returns a copy of the current conversation history.
func (a *Agent) GetHistory() []wire.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.Message, len(a.history))
	copy(out, a.history)
	return out
}

// SetHistory replaces the conversation history wholesale.
func (a *Agent) SetHistory(history []wire.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append([]wire.Message(nil), history...)
}

// ClearHistory empties the conversation history.
func (a *Agent) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}

func (a *Agent) emit(e events.AgentEvent) {
	a.mu.Lock()
	sender := a.eventSender
	a.mu.Unlock()
	if sender != nil {
		sender.Send(e)
	}
}

// Chat runs the loop with no server filter: every configured tool server
// is in scope.
func (a *Agent) Chat(ctx context.Context, userMessage string) (string, error) {
	return a.run(ctx, userMessage, nil)
}

// ChatWithServers runs the loop restricted to the given server names.
func (a *Agent) ChatWithServers(ctx context.Context, userMessage string, servers []string) (string, error) {
	return a.run(ctx, userMessage, servers)
}

func (a *Agent) run(ctx context.Context, userMessage string, serverFilter []string) (string, error) {
	start := time.Now()
	a.emit(events.ProcessingStart(userMessage))

	a.mu.Lock()
	model := a.model
	systemPrompt := a.systemPrompt
	historySnapshot := append([]wire.Message(nil), a.history...)
	limits := a.limits
	a.mu.Unlock()

	vector := capabilities.Detect(model)

	tools, err := a.discoverTools(ctx, serverFilter)
	if err != nil {
		return "", &apperrors.LoopError{Phase: apperrors.PhaseDiscoverTools, Iteration: 0, Cause: err}
	}
	if !vector.ToolCalling {
		tools = nil
	}

	workingMessages := make([]wire.Message, 0, len(historySnapshot)+2)
	if systemPrompt != "" {
		workingMessages = append(workingMessages, wire.Message{Role: wire.RoleSystem, Content: systemPrompt})
	}
	workingMessages = append(workingMessages, historySnapshot...)
	workingMessages = append(workingMessages, wire.Message{Role: wire.RoleUser, Content: userMessage})

	parsers := toolparse.WithPreferredFormat(vector.FunctionFormat)

	for n := 1; ; n++ {
		a.emit(events.Iteration(n, 0))

		req := wire.ChatRequest{Model: model, Messages: workingMessages, Tools: tools, Stream: false}
		reqStart := time.Now()
		resp, err := a.llm.Chat(ctx, req)
		sharedLoopMetrics().llmRequestDuration.WithLabelValues(model).Observe(time.Since(reqStart).Seconds())
		if err != nil {
			sharedLoopMetrics().llmRequestsTotal.WithLabelValues(model, "error").Inc()
			return "", &apperrors.LoopError{Phase: apperrors.PhaseLLMCall, Iteration: n, Cause: err}
		}
		sharedLoopMetrics().llmRequestsTotal.WithLabelValues(model, "ok").Inc()

		assistantMsg := resp.Message
		toolCalls := assistantMsg.ToolCalls
		if len(toolCalls) == 0 {
			if tc, _, ok := parsers.Parse(assistantMsg.Content); ok {
				toolCalls = []wire.ToolCall{tc}
			}
		}

		if len(toolCalls) == 0 {
			finalContent := assistantMsg.Content
			if vector.Thinking {
				finalContent = capabilities.StripReasoningTrace(finalContent)
			}
			totalElapsed := time.Since(start)
			a.emit(events.ResponseComplete(finalContent, n, totalElapsed))
			sharedLoopMetrics().iterationsTotal.Observe(float64(n))

			a.mu.Lock()
			a.history = append(a.history, wire.Message{Role: wire.RoleUser, Content: userMessage})
			a.history = append(a.history, wire.Message{Role: wire.RoleAssistant, Content: finalContent})
			a.history = pruneHistory(a.history, limits.MaxHistoryMessages)
			a.mu.Unlock()

			return finalContent, nil
		}

		workingMessages = append(workingMessages, wire.Message{
			Role:      wire.RoleAssistant,
			Content:   assistantMsg.Content,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			workingMessages = a.executeToolCall(ctx, call, limits.ToolTimeoutSecs, workingMessages)
		}

		if n >= limits.MaxIterations {
			msg := fmt.Sprintf("reached maximum iterations (%d)", limits.MaxIterations)
			a.emit(events.Error(msg))
			return msg, nil
		}
	}
}

// executeToolCall runs one tool call bounded by toolTimeout, emits
// ToolStart/ToolComplete, and appends the tool-role result message to
// messages, returning the extended slice.
func (a *Agent) executeToolCall(ctx context.Context, call wire.ToolCall, toolTimeout time.Duration, messages []wire.Message) []wire.Message {
	a.emit(events.ToolStart(call.Name, call.Arguments))

	server, _ := a.pool.ServerForTool(call.Name)
	if server == "" {
		server = "unknown"
	}

	callCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := a.pool.CallTool(callCtx, call.Name, call.Arguments)
	duration := time.Since(start)

	var resultText string
	var isError bool
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		resultText = fmt.Sprintf("Tool %s timed out after %s", call.Name, toolTimeout)
		isError = true
	case err != nil:
		resultText = fmt.Sprintf("Error calling tool %s: %s", call.Name, err)
		isError = true
	default:
		resultText = result.Text()
		isError = result.IsError
	}

	var errorKind events.ErrorKind
	outcome := "ok"
	if isError {
		errorKind = events.ClassifyError(resultText, isError)
		outcome = "error"
	}

	sharedLoopMetrics().toolCallDuration.WithLabelValues(server, call.Name).Observe(duration.Seconds())
	sharedLoopMetrics().toolCallsTotal.WithLabelValues(server, call.Name, outcome).Inc()

	a.emit(events.ToolComplete(call.Name, resultText, duration, isError, errorKind))

	return append(messages, wire.Message{Role: wire.RoleTool, Content: resultText, ToolCallID: call.ID})
}

func (a *Agent) discoverTools(ctx context.Context, serverFilter []string) ([]wire.ToolDescriptor, error) {
	if len(serverFilter) == 0 {
		return a.pool.ListAllTools(ctx), nil
	}
	var tools []wire.ToolDescriptor
	for _, server := range serverFilter {
		serverTools, err := a.pool.ListToolsFrom(ctx, server)
		if err != nil {
			return nil, err
		}
		tools = append(tools, serverTools...)
	}
	return tools, nil
}

// pruneHistory drops the oldest entries until len(history) <= max. A
// non-positive max disables pruning.
func pruneHistory(history []wire.Message, max int) []wire.Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	drop := len(history) - max
	return append([]wire.Message(nil), history[drop:]...)
}
