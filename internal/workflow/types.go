// Package workflow implements the workflow engine: a small sequential
// step runner that drives one or more single-shot agents
// through a shared context map, pausing at checkpoints for external
// approval. Grounded on the teacher's jobs.Store (status enum, in-memory
// record keeping) generalized from async tool-call bookkeeping to
// multi-step run bookkeeping, and on internal/recorder for the run
// lifecycle a workflow drives.
package workflow

// AgentDescriptor is a configuration input to the loop: a named role with
// its model, system prompt, and server allowlist. The loop itself has no
// built-in notion of "agent role" — the descriptor is resolved entirely
// inside the workflow engine.
type AgentDescriptor struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	ToolServers  []string `yaml:"tool_servers"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	CanHandoffTo []string `yaml:"can_handoff_to"`
}

// StepKind tags which variant a Step carries.
type StepKind string

const (
	StepKindAgent      StepKind = "agent"
	StepKindCheckpoint StepKind = "checkpoint"
)

// Step is a tagged union over the workflow's step variants. Parallel and
// Branch are reserved for a future extension; they are not dispatched by
// this engine.
type Step struct {
	Kind StepKind `yaml:"kind"`

	// Agent step
	AgentName     string `yaml:"agent_name"`
	TaskTemplate  string `yaml:"task_template"`
	ModelOverride string `yaml:"model_override"`

	// Checkpoint step
	Message        string `yaml:"message"`
	ShowContextKey string `yaml:"show_context_key"`
}

func (s Step) label() string {
	if s.Kind == StepKindAgent {
		return s.AgentName
	}
	return "checkpoint"
}

// Workflow is a named, ordered sequence of steps.
type Workflow struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// conventionalContextKey maps a well-known agent role name to the context
// key its output is recorded under. An agent name outside this table
// records under its own name.
func conventionalContextKey(agentName string) string {
	switch agentName {
	case "planner":
		return "plan"
	case "investigator":
		return "investigation"
	case "implementer":
		return "changes"
	case "reviewer":
		return "review"
	case "tester":
		return "test_results"
	default:
		return agentName
	}
}
