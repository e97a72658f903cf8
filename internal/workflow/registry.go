package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAgents returns the five conventional roles the built-in
// workflows dispatch against. A custom agents.yaml overrides any subset
// of these by name.
func DefaultAgents() map[string]AgentDescriptor {
	return map[string]AgentDescriptor{
		"planner": {
			Name: "planner", DisplayName: "Planner",
			SystemPrompt: "You turn a task description into a concrete, numbered implementation plan. Do not write code.",
			Temperature:  0.2,
		},
		"investigator": {
			Name: "investigator", DisplayName: "Investigator",
			SystemPrompt: "You investigate a codebase to gather the context needed to act on a task. Report findings, not a plan.",
			Temperature:  0.2,
		},
		"implementer": {
			Name: "implementer", DisplayName: "Implementer",
			SystemPrompt: "You carry out an approved plan by making the described changes.",
			Temperature:  0.1,
		},
		"reviewer": {
			Name: "reviewer", DisplayName: "Reviewer",
			SystemPrompt: "You review a set of changes for correctness and completeness.",
			Temperature:  0.2,
		},
		"tester": {
			Name: "tester", DisplayName: "Tester",
			SystemPrompt: "You run and interpret tests covering the change under review.",
			Temperature:  0.1,
		},
	}
}

// builtinWorkflows are always available, regardless of custom directory
// configuration.
func builtinWorkflows() map[string]Workflow {
	return map[string]Workflow{
		"plan-review": {
			Name:        "plan-review",
			Description: "Plan a change and checkpoint before returning it.",
			Steps: []Step{
				{Kind: StepKindAgent, AgentName: "planner", TaskTemplate: "{task}"},
				{Kind: StepKindCheckpoint, Message: "Approve this plan?", ShowContextKey: "plan"},
			},
		},
		"implement-review": {
			Name:        "implement-review",
			Description: "Investigate, plan, implement, and review a change end to end.",
			Steps: []Step{
				{Kind: StepKindAgent, AgentName: "investigator", TaskTemplate: "{task}"},
				{Kind: StepKindAgent, AgentName: "planner", TaskTemplate: "Plan a fix for: {task}\n\nInvestigation:\n{investigation}"},
				{Kind: StepKindCheckpoint, Message: "Approve this plan before implementing?", ShowContextKey: "plan"},
				{Kind: StepKindAgent, AgentName: "implementer", TaskTemplate: "Implement this plan:\n{plan}"},
				{Kind: StepKindAgent, AgentName: "reviewer", TaskTemplate: "Review these changes:\n{changes}"},
				{Kind: StepKindAgent, AgentName: "tester", TaskTemplate: "Run and summarize tests for these changes:\n{changes}"},
			},
		},
	}
}

// LoadAgents overlays DefaultAgents with any entries found in
// customDir/agents.yaml. A missing file or empty customDir is not an
// error; the defaults are returned unmodified.
func LoadAgents(customDir string) (map[string]AgentDescriptor, error) {
	agents := DefaultAgents()
	if customDir == "" {
		return agents, nil
	}

	path := filepath.Join(customDir, "agents.yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return agents, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: read agents file %s: %w", path, err)
	}

	var doc struct {
		Agents []AgentDescriptor `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow: parse agents file %s: %w", path, err)
	}
	for _, a := range doc.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("workflow: %s: agent entry missing name", path)
		}
		agents[a.Name] = a
	}
	return agents, nil
}

// LoadWorkflows overlays builtinWorkflows with every *.yaml file found in
// customDir/workflows, each decoded as one Workflow keyed by its own
// Name field. A missing directory or empty customDir is not an error.
func LoadWorkflows(customDir string) (map[string]Workflow, error) {
	workflows := builtinWorkflows()
	if customDir == "" {
		return workflows, nil
	}

	dir := filepath.Join(customDir, "workflows")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return workflows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: read custom workflows dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		var wf Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("workflow: parse %s: %w", path, err)
		}
		if wf.Name == "" {
			return nil, fmt.Errorf("workflow: %s: missing name", path)
		}
		workflows[wf.Name] = wf
	}
	return workflows, nil
}
