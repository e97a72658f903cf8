package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentrt/agentrt/internal/wire"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider is an agentloop.LLMClient driving Claude's native tool
// calling instead of the generic Ollama-shaped HTTP transport. Grounded on
// the teacher's providers.AnthropicProvider and toolconv.ToAnthropicTool,
// generalized from the teacher's streaming Complete to one non-streaming
// Messages.New call per Chat invocation.
type AnthropicProvider struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicProvider builds a provider against apiKey. A non-empty
// baseURL overrides the default Anthropic API base URL.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		maxTokens: defaultAnthropicMaxTokens,
	}
}

// Chat implements agentloop.LLMClient.
func (p *AnthropicProvider) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	system, messages := splitSystemMessages(req.Messages)
	anthropicMessages, err := toAnthropicMessages(messages)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return wire.ChatResponse{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	return wire.ChatResponse{Message: fromAnthropicMessage(msg)}, nil
}

// splitSystemMessages pulls every system-role message's content out (joined
// with blank lines, Anthropic's system prompt is a separate request field,
// not a message) and returns the remaining conversation in order.
func splitSystemMessages(messages []wire.Message) (string, []wire.Message) {
	var system []string
	rest := make([]wire.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == wire.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// toAnthropicMessages converts the non-system conversation to Anthropic
// message params. Consecutive tool-role messages (one per tool call the
// preceding assistant turn made) are folded into a single user turn
// carrying one tool_result block per call, matching how Claude expects
// tool results for a multi-tool-call assistant turn.
func toAnthropicMessages(messages []wire.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for i := 0; i < len(messages); i++ {
		m := messages[i]

		if m.Role == wire.RoleTool {
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == wire.RoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, false))
				i++
			}
			i--
			out = append(out, anthropic.NewUserMessage(blocks...))
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid arguments for tool call %s: %w", tc.Name, err)
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if m.Role == wire.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func fromAnthropicMessage(msg *anthropic.Message) wire.Message {
	out := wire.Message{Role: wire.RoleAssistant}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tu := block.AsToolUse()
			input, _ := json.Marshal(tu.Input)
			out.ToolCalls = append(out.ToolCalls, wire.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: input,
			})
		}
	}
	out.Content = text.String()
	return out
}
