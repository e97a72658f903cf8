// Package capabilities derives a model's capability vector from its name,
// the way internal/agent/providers in the teacher repo special-cases model
// families per provider. Detection here is provider-agnostic: a single
// ordered pattern table, matched by case-insensitive substring.
package capabilities

import (
	"regexp"
	"strings"
)

// FunctionFormat identifies how a model expects/emits tool calls when it
// lacks a native structured tool-calling channel.
type FunctionFormat string

const (
	Native FunctionFormat = "native"
	Xml    FunctionFormat = "xml"
	Hermes FunctionFormat = "hermes"
)

// Vector is the capability set derived for a given model name.
type Vector struct {
	ToolCalling    bool
	Thinking       bool
	FunctionFormat FunctionFormat
	Vision         bool
}

// reasoningMarkers short-circuit detection: any model whose name contains
// one of these is treated as a reasoning model regardless of family
// patterns below.
var reasoningMarkers = []string{
	"deepseek-r1", "qwq", "o1", "-r1", "reasoning",
}

type patternEntry struct {
	pattern string
	vector  Vector
}

// patternTable is the ordered list of (substring, defaults) pairs. Order is
// part of the contract: more specific family patterns precede shorter,
// more general ones (e.g. "deepseek-r1" is handled by reasoningMarkers
// before the generic "deepseek" would ever be consulted, and "llama3" /
// "llama-3" precede bare "llama" — which this table does not define at
// all, so an unadorned "llama" model name falls through to the zero
// vector, matching the glossary's pattern table exactly).
var patternTable = []patternEntry{
	{"qwen", Vector{ToolCalling: true, FunctionFormat: Native}},
	{"llama3", Vector{ToolCalling: true, FunctionFormat: Xml}},
	{"llama-3", Vector{ToolCalling: true, FunctionFormat: Xml}},
	{"mistral", Vector{ToolCalling: true, FunctionFormat: Native}},
	{"mixtral", Vector{ToolCalling: true, FunctionFormat: Native}},
	{"phi", Vector{ToolCalling: true, FunctionFormat: Native}},
	{"gemma", Vector{ToolCalling: true, FunctionFormat: Native}},
	{"command-r", Vector{ToolCalling: true, FunctionFormat: Native}},
	{"hermes", Vector{ToolCalling: true, FunctionFormat: Hermes}},
	{"llava", Vector{Vision: true, FunctionFormat: Native}},
	{"bakllava", Vector{Vision: true, FunctionFormat: Native}},
}

// Detect derives a model's capability vector from its name. Reasoning
// markers win outright; otherwise the first matching pattern-table entry
// wins; no match yields the zero vector with FunctionFormat Native.
func Detect(model string) Vector {
	lower := strings.ToLower(model)

	for _, marker := range reasoningMarkers {
		if strings.Contains(lower, marker) {
			return Vector{ToolCalling: false, Thinking: true, FunctionFormat: Native, Vision: false}
		}
	}

	for _, entry := range patternTable {
		if strings.Contains(lower, entry.pattern) {
			return entry.vector
		}
	}

	return Vector{FunctionFormat: Native}
}

var thinkTraceRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripReasoningTrace removes <think>...</think> spans (non-greedy,
// multi-line) without touching any other content.
func StripReasoningTrace(text string) string {
	return thinkTraceRE.ReplaceAllString(text, "")
}
