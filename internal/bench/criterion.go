package bench

import "strings"

// Outcome is what a Criterion is evaluated against: the collected result
// of one case run.
type Outcome struct {
	Output    string
	ToolCalls []string
	HadError  bool
}

// Criterion is a tagged union: exactly one of the leaf fields
// (ContainsText, ToolsCalled, NoErrors) or one of the combinator fields
// (All, Any) is set. Nested AND/OR combinators let a case require, e.g.,
// "contains some text AND called one of two tools".
type Criterion struct {
	ContainsText *string  `yaml:"contains_text,omitempty" json:"contains_text,omitempty"`
	ToolsCalled  []string `yaml:"tools_called,omitempty" json:"tools_called,omitempty"`
	NoErrors     *bool    `yaml:"no_errors,omitempty" json:"no_errors,omitempty"`

	All []Criterion `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Criterion `yaml:"any,omitempty" json:"any,omitempty"`
}

// Evaluate reports whether o satisfies c. An empty Criterion (no variant
// set) is vacuously satisfied.
func (c Criterion) Evaluate(o Outcome) bool {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !sub.Evaluate(o) {
				return false
			}
		}
		return true

	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if sub.Evaluate(o) {
				return true
			}
		}
		return false

	case c.ContainsText != nil:
		return strings.Contains(o.Output, *c.ContainsText)

	case c.ToolsCalled != nil:
		for _, want := range c.ToolsCalled {
			if !containsString(o.ToolCalls, want) {
				return false
			}
		}
		return true

	case c.NoErrors != nil:
		if *c.NoErrors {
			return !o.HadError
		}
		return true

	default:
		return true
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
