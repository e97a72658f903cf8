package wire

import "testing"

func TestToolResultText(t *testing.T) {
	r := ToolResult{Content: []ContentBlock{
		{Type: "text", Text: "hello "},
		{Type: "text", Text: "world"},
	}}
	if got, want := r.Text(), "hello world"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestToolResultTextEmpty(t *testing.T) {
	var r ToolResult
	if got := r.Text(); got != "" {
		t.Errorf("Text() on empty result = %q, want empty string", got)
	}
}

func TestTextResult(t *testing.T) {
	r := TextResult("oops", true)
	if !r.IsError {
		t.Errorf("IsError = false, want true")
	}
	if got, want := r.Text(), "oops"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
	if len(r.Content) != 1 || r.Content[0].Type != "text" {
		t.Errorf("Content = %+v, want single text block", r.Content)
	}
}

func TestChatHTTPErrorMessage(t *testing.T) {
	err := &ChatHTTPError{Status: 503, Body: "service unavailable"}
	want := "llm endpoint returned status 503: service unavailable"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
