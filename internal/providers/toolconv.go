// Package providers implements alternate agentloop.LLMClient transports
// for chat backends other than the generic Ollama-shaped /api/chat
// endpoint: an OpenAI-compatible provider and a native Anthropic
// provider. Grounded on the teacher's internal/agent/providers (openai.go,
// anthropic.go) and internal/agent/toolconv (openai.go, anthropic.go),
// generalized from the teacher's streaming multi-chunk Complete to a
// single non-streaming Chat call matching this runtime's agentloop.LLMClient.
package providers

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agentrt/agentrt/internal/wire"
)

// toOpenAITools converts tool descriptors to OpenAI function schema,
// falling back to an empty object schema for a tool whose InputSchema
// doesn't parse as a JSON object (mirrors the teacher's
// toolconv.ToOpenAITools).
func toOpenAITools(tools []wire.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

// toAnthropicTools converts tool descriptors to Anthropic tool
// definitions (mirrors the teacher's toolconv.ToAnthropicTools).
func toAnthropicTools(tools []wire.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param, err := toAnthropicTool(tool)
		if err != nil {
			return nil, err
		}
		out = append(out, param)
	}
	return out, nil
}

func toAnthropicTool(tool wire.ToolDescriptor) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
	}
	param.OfTool.Description = anthropic.String(tool.Description)
	return param, nil
}
