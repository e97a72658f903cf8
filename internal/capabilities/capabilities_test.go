package capabilities

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		model string
		want  Vector
	}{
		{"deepseek-r1:32b", Vector{Thinking: true, FunctionFormat: Native}},
		{"QwQ-32B-Preview", Vector{Thinking: true, FunctionFormat: Native}},
		{"o1-mini", Vector{Thinking: true, FunctionFormat: Native}},
		{"some-reasoning-model", Vector{Thinking: true, FunctionFormat: Native}},
		{"qwen2.5:7b", Vector{ToolCalling: true, FunctionFormat: Native}},
		{"llama3:8b", Vector{ToolCalling: true, FunctionFormat: Xml}},
		{"llama-3.1-70b", Vector{ToolCalling: true, FunctionFormat: Xml}},
		{"mistral-nemo", Vector{ToolCalling: true, FunctionFormat: Native}},
		{"mixtral:8x7b", Vector{ToolCalling: true, FunctionFormat: Native}},
		{"phi3:mini", Vector{ToolCalling: true, FunctionFormat: Native}},
		{"gemma2:27b", Vector{ToolCalling: true, FunctionFormat: Native}},
		{"command-r-plus", Vector{ToolCalling: true, FunctionFormat: Native}},
		{"nous-hermes2", Vector{ToolCalling: true, FunctionFormat: Hermes}},
		{"llava:13b", Vector{Vision: true, FunctionFormat: Native}},
		{"bakllava", Vector{Vision: true, FunctionFormat: Native}},
		{"unknown-model", Vector{FunctionFormat: Native}},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := Detect(tt.model)
			if got != tt.want {
				t.Errorf("Detect(%q) = %+v, want %+v", tt.model, got, tt.want)
			}
		})
	}
}

func TestDetect_ReasoningMarkerWinsOverFamily(t *testing.T) {
	// A name that would otherwise match "qwen" but also carries a reasoning
	// marker must short-circuit to the reasoning vector.
	got := Detect("qwen-qwq-reasoning-variant")
	want := Vector{Thinking: true, FunctionFormat: Native}
	if got != want {
		t.Errorf("Detect = %+v, want %+v", got, want)
	}
}

func TestStripReasoningTrace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"basic", "<think>calc 2+2</think>hello", "hello"},
		{"multiline", "<think>line1\nline2</think>result", "result"},
		{"no trace", "just text", "just text"},
		{"multiple traces", "<think>a</think>mid<think>b</think>end", "midend"},
		{"leaves other tags", "<think>x</think><b>bold</b>", "<b>bold</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripReasoningTrace(tt.input); got != tt.want {
				t.Errorf("StripReasoningTrace(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
