// Package toolparse recovers tool calls embedded in an assistant's free-form
// text when the model omits the structured tool_calls field, mirroring the
// fallback recovery the teacher applies to raw provider text in
// internal/agent/tape and internal/agent/toolconv before a loop iteration
// gives up and treats the turn as plain content.
package toolparse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/agentrt/agentrt/internal/capabilities"
	"github.com/agentrt/agentrt/internal/wire"
)

// Parser attempts to recover a single tool call from assistant text. It
// returns ok=false to abstain rather than erroring; a malformed match that
// the parser recognizes as "its" format but can't fully decode still counts
// as an abstention so a later parser gets a chance.
type Parser struct {
	Name string
	Try  func(text string) (wire.ToolCall, bool)
}

// Registry holds an ordered list of parsers; the first to succeed wins.
type Registry struct {
	parsers []Parser
}

// NewRegistry builds a registry with the default parser order: native JSON
// fenced block first, then XML-tag, then Hermes-tag.
func NewRegistry() *Registry {
	return &Registry{parsers: []Parser{
		nativeJSONParser,
		xmlToolCallParser,
		hermesToolCallParser,
	}}
}

// WithPreferredFormat returns a registry with the parser matching fmt moved
// to the front, preserving the relative order of the rest.
func WithPreferredFormat(fmt capabilities.FunctionFormat) *Registry {
	r := NewRegistry()
	var preferred Parser
	idx := -1
	for i, p := range r.parsers {
		if parserFormat(p.Name) == fmt {
			preferred = p
			idx = i
			break
		}
	}
	if idx <= 0 {
		return r
	}
	reordered := make([]Parser, 0, len(r.parsers))
	reordered = append(reordered, preferred)
	for i, p := range r.parsers {
		if i != idx {
			reordered = append(reordered, p)
		}
	}
	r.parsers = reordered
	return r
}

func parserFormat(name string) capabilities.FunctionFormat {
	switch name {
	case nativeJSONParser.Name:
		return capabilities.Native
	case xmlToolCallParser.Name:
		return capabilities.Xml
	case hermesToolCallParser.Name:
		return capabilities.Hermes
	default:
		return capabilities.Native
	}
}

// Parse runs every parser in order and returns the first successful
// recovery along with the name of the parser that produced it.
func (r *Registry) Parse(text string) (wire.ToolCall, string, bool) {
	for _, p := range r.parsers {
		if tc, ok := p.Try(text); ok {
			return tc, p.Name, true
		}
	}
	return wire.ToolCall{}, "", false
}

var nativeJSONBlockRE = regexp.MustCompile("(?s)```(?:json|tool_call)?\\s*(\\{.*?\\})\\s*```")

type nativeJSONCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

var nativeJSONParser = Parser{
	Name: "native_json",
	Try: func(text string) (wire.ToolCall, bool) {
		m := nativeJSONBlockRE.FindStringSubmatch(text)
		if m == nil {
			return wire.ToolCall{}, false
		}
		var call nativeJSONCall
		if err := json.Unmarshal([]byte(m[1]), &call); err != nil || call.Name == "" {
			return wire.ToolCall{}, false
		}
		return wire.ToolCall{Name: call.Name, Arguments: call.Arguments}, true
	},
}

var xmlToolCallRE = regexp.MustCompile(`(?s)<tool_call>\s*<name>(.*?)</name>\s*<arguments>(.*?)</arguments>\s*</tool_call>`)

var xmlToolCallParser = Parser{
	Name: "xml_tool_call",
	Try: func(text string) (wire.ToolCall, bool) {
		m := xmlToolCallRE.FindStringSubmatch(text)
		if m == nil {
			return wire.ToolCall{}, false
		}
		name := strings.TrimSpace(m[1])
		args := strings.TrimSpace(m[2])
		if name == "" {
			return wire.ToolCall{}, false
		}
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		return wire.ToolCall{Name: name, Arguments: json.RawMessage(args)}, true
	},
}

var hermesToolCallRE = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

var hermesToolCallParser = Parser{
	Name: "hermes_tool_call",
	Try: func(text string) (wire.ToolCall, bool) {
		m := hermesToolCallRE.FindStringSubmatch(text)
		if m == nil {
			return wire.ToolCall{}, false
		}
		var call nativeJSONCall
		if err := json.Unmarshal([]byte(m[1]), &call); err != nil || call.Name == "" {
			return wire.ToolCall{}, false
		}
		return wire.ToolCall{Name: call.Name, Arguments: call.Arguments}, true
	},
}
