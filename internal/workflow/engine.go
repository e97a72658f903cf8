package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentrt/agentrt/internal/agentloop"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/events"
	"github.com/agentrt/agentrt/internal/recorder"
)

// PoolFactory builds a fresh tool pool bound to the global tool-server
// configuration, the way each agent step needs one of its own. The engine
// never constructs a pool itself since that requires wiring a daemon
// client and spawner the workflow package has no business owning.
type PoolFactory func(ctx context.Context) (agentloop.ToolPool, error)

// Result is what Run returns: the terminal status, the accumulated
// context map, and, on failure or rejection, which step stopped the run.
type Result struct {
	RunID      string
	Status     recorder.Status
	Context    map[string]string
	FailedStep int
	Error      string
}

// Engine runs workflows: a named sequence of agent and checkpoint steps
// sharing one context map.
type Engine struct {
	agents       map[string]AgentDescriptor
	workflows    map[string]Workflow
	newPool      PoolFactory
	llmEndpoint  string
	defaultModel string
	llm          agentloop.LLMClient
	checkpoints  CheckpointHandler
	recorder     *recorder.Store
	limits       config.AgentLimitsConfig
	logger       *slog.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithCheckpointHandler overrides the default auto-approve handler.
func WithCheckpointHandler(h CheckpointHandler) Option {
	return func(e *Engine) { e.checkpoints = h }
}

// WithRecorder attaches a run recorder; every Run call then produces a
// persisted run record and event stream.
func WithRecorder(s *recorder.Store) Option {
	return func(e *Engine) { e.recorder = s }
}

// WithLimits overrides the AgentLimitsConfig applied to every agent step.
func WithLimits(limits config.AgentLimitsConfig) Option {
	return func(e *Engine) { e.limits = limits }
}

// WithLogger overrides the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "workflow") }
}

// WithLLMClient shares one LLMClient across every agent step instead of
// each step's Agent building its own HTTP client against llmEndpoint.
// Tests use this to inject a fake; production callers use it to reuse
// one connection pool across a multi-step workflow.
func WithLLMClient(c agentloop.LLMClient) Option {
	return func(e *Engine) { e.llm = c }
}

// NewEngine builds a workflow Engine. defaultModel is recorded as a run's
// model field and used for any agent step whose descriptor omits one.
func NewEngine(llmEndpoint, defaultModel string, agents map[string]AgentDescriptor, workflows map[string]Workflow, newPool PoolFactory, opts ...Option) *Engine {
	e := &Engine{
		agents:       agents,
		workflows:    workflows,
		newPool:      newPool,
		llmEndpoint:  llmEndpoint,
		defaultModel: defaultModel,
		checkpoints:  AutoApprove{},
		logger:       slog.Default().With("component", "workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes workflowName against task, returning once every step has
// run, a checkpoint rejected the run, or a step failed.
func (e *Engine) Run(ctx context.Context, workflowName, task string) (Result, error) {
	wf, ok := e.workflows[workflowName]
	if !ok {
		return Result{}, fmt.Errorf("workflow: unknown workflow %q", workflowName)
	}

	wfContext := map[string]string{"task": task}

	var runID string
	var sender *events.Sender
	var consumeDone chan error
	if e.recorder != nil {
		id, err := e.recorder.StartRun(ctx, workflowName, task, e.defaultModel)
		if err != nil {
			return Result{}, fmt.Errorf("workflow: start run: %w", err)
		}
		runID = id

		bus := events.NewBus()
		sender = bus.NewSender()
		recv := bus.Receiver()
		consumeDone = make(chan error, 1)
		go func() { consumeDone <- e.recorder.Consume(context.Background(), runID, recv) }()
	}

	status := recorder.StatusCompleted
	failedStep := -1
	var runErr string

stepLoop:
	for i, step := range wf.Steps {
		if sender != nil {
			sender.Send(events.StepStarted(i, step.label()))
		}

		if ctx.Err() != nil {
			status = recorder.StatusCancelled
			runErr = ctx.Err().Error()
			break stepLoop
		}

		switch step.Kind {
		case StepKindAgent:
			if err := e.runAgentStep(ctx, step, wfContext, sender); err != nil {
				status = recorder.StatusFailed
				failedStep = i
				runErr = err.Error()
				break stepLoop
			}

		case StepKindCheckpoint:
			outcome, err := e.runCheckpointStep(ctx, step, wfContext)
			if err != nil {
				status = recorder.StatusFailed
				failedStep = i
				runErr = err.Error()
				break stepLoop
			}
			switch outcome.Kind {
			case CheckpointRejected:
				status = recorder.StatusCancelled
				failedStep = i
				break stepLoop
			case CheckpointApprovedWithNote:
				wfContext["checkpoint_note"] = outcome.Note
			case CheckpointEdit:
				wfContext["checkpoint_edits"] = outcome.Note
			}

		default:
			status = recorder.StatusFailed
			failedStep = i
			runErr = fmt.Sprintf("workflow: unsupported step kind %q", step.Kind)
			break stepLoop
		}
	}

	if sender != nil {
		sender.Close()
		<-consumeDone
	}
	if e.recorder != nil {
		if err := e.recorder.CloseRun(ctx, runID, status, runErr, wfContext); err != nil {
			e.logger.Error("close run failed", "run_id", runID, "error", err)
		}
	}

	return Result{RunID: runID, Status: status, Context: wfContext, FailedStep: failedStep, Error: runErr}, nil
}

func (e *Engine) runAgentStep(ctx context.Context, step Step, wfContext map[string]string, sender *events.Sender) error {
	desc, ok := e.agents[step.AgentName]
	if !ok {
		return fmt.Errorf("unknown agent %q", step.AgentName)
	}

	model := desc.Model
	if step.ModelOverride != "" {
		model = step.ModelOverride
	}
	if model == "" {
		model = e.defaultModel
	}

	pool, err := e.newPool(ctx)
	if err != nil {
		return fmt.Errorf("build pool for agent %q: %w", step.AgentName, err)
	}

	agentOpts := []agentloop.Option{
		agentloop.WithSystemPrompt(desc.SystemPrompt),
		agentloop.WithLimits(e.limits),
		agentloop.WithLogger(e.logger),
	}
	if e.llm != nil {
		agentOpts = append(agentOpts, agentloop.WithLLMClient(e.llm))
	}
	a := agentloop.New(e.llmEndpoint, model, pool, agentOpts...)
	if sender != nil {
		a.SetEventSender(sender)
	}

	taskText := substitute(step.TaskTemplate, wfContext)

	var out string
	if len(desc.ToolServers) > 0 {
		out, err = a.ChatWithServers(ctx, taskText, desc.ToolServers)
	} else {
		out, err = a.Chat(ctx, taskText)
	}
	if err != nil {
		return fmt.Errorf("agent %q: %w", step.AgentName, err)
	}

	wfContext[conventionalContextKey(desc.Name)] = out
	return nil
}

func (e *Engine) runCheckpointStep(ctx context.Context, step Step, wfContext map[string]string) (CheckpointOutcome, error) {
	contextValue := ""
	if step.ShowContextKey != "" {
		contextValue = wfContext[step.ShowContextKey]
	}
	return e.checkpoints.Handle(ctx, step.Message, contextValue)
}

// substitute performs literal {key} replacement against ctx, with no
// escape syntax and no expression language.
func substitute(template string, ctx map[string]string) string {
	out := template
	for k, v := range ctx {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
