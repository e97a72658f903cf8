package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentrt/agentrt/internal/wire"
)

// OpenAIProvider is an agentloop.LLMClient talking to an OpenAI-compatible
// /v1/chat/completions endpoint, an alternative to the generic Ollama-shaped
// HTTPLLMClient for backends that only speak the OpenAI wire format.
// Grounded on the teacher's providers.OpenAIProvider, generalized from its
// streaming Complete to one non-streaming round trip per Chat call.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider against apiKey. A non-empty baseURL
// points the client at an OpenAI-compatible alternative (e.g. a local
// proxy) instead of api.openai.com.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  defaultModel,
	}
}

// Chat implements agentloop.LLMClient.
func (p *OpenAIProvider) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("openai: convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return wire.ChatResponse{}, errors.New("openai: response had no choices")
	}

	return wire.ChatResponse{Message: fromOpenAIMessage(resp.Choices[0].Message)}, nil
}

func toOpenAIMessages(messages []wire.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role, err := toOpenAIRole(m.Role)
		if err != nil {
			return nil, err
		}
		msg := openai.ChatCompletionMessage{
			Role:       role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out[i] = msg
	}
	return out, nil
}

func toOpenAIRole(r wire.Role) (string, error) {
	switch r {
	case wire.RoleSystem:
		return openai.ChatMessageRoleSystem, nil
	case wire.RoleUser:
		return openai.ChatMessageRoleUser, nil
	case wire.RoleAssistant:
		return openai.ChatMessageRoleAssistant, nil
	case wire.RoleTool:
		return openai.ChatMessageRoleTool, nil
	default:
		return "", fmt.Errorf("unknown role %q", r)
	}
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) wire.Message {
	out := wire.Message{Role: wire.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, wire.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}
