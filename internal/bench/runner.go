package bench

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/agentrt/agentrt/internal/agentloop"
	"github.com/agentrt/agentrt/internal/config"
	"github.com/agentrt/agentrt/internal/events"
)

// PoolFactory builds a fresh tool pool for one case run. Kept as its own
// type (rather than importing workflow.PoolFactory) so bench has no
// dependency on the workflow package, matching the "no cyclic
// references between components" rule the rest of this runtime follows.
type PoolFactory func(ctx context.Context) (agentloop.ToolPool, error)

const defaultCaseTimeout = 60 * time.Second

// CaseResult is one case's outcome.
type CaseResult struct {
	CaseID                   string
	Tier                     int
	Passed                   bool
	Duration                 time.Duration
	Output                   string
	ToolCalls                []string
	HadError                 bool
	Error                    string
	MissingExpectedTools     []string
	UnexpectedForbiddenTools []string
}

// TierStats aggregates a tier's case results.
type TierStats struct {
	Total    int
	Passed   int
	PassRate float64
	P50      time.Duration
	P95      time.Duration
}

// SuiteResult is a full benchmark run.
type SuiteResult struct {
	Results   []CaseResult
	TierStats map[int]TierStats
}

// Runner executes Cases against fresh single-shot agents.
type Runner struct {
	llmEndpoint string
	model       string
	newPool     PoolFactory
	llm         agentloop.LLMClient
	limits      config.AgentLimitsConfig
	logger      *slog.Logger
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithLLMClient shares one LLMClient across every case instead of each
// case's Agent building its own HTTP client.
func WithLLMClient(c agentloop.LLMClient) Option {
	return func(r *Runner) { r.llm = c }
}

// WithLimits overrides the AgentLimitsConfig applied to every case's
// agent.
func WithLimits(limits config.AgentLimitsConfig) Option {
	return func(r *Runner) { r.limits = limits }
}

// WithLogger overrides the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l.With("component", "bench") }
}

// NewRunner builds a Runner talking to endpoint with the given default
// model.
func NewRunner(llmEndpoint, model string, newPool PoolFactory, opts ...Option) *Runner {
	r := &Runner{
		llmEndpoint: llmEndpoint,
		model:       model,
		newPool:     newPool,
		logger:      slog.Default().With("component", "bench"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunCase executes one case: builds an Agent over a fresh pool, attaches
// an event sender whose consumer aggregates tool calls and errors,
// invokes Chat (or ChatWithServers if the case names a server
// allowlist), and validates the outcome against expected/forbidden tools
// and the success criterion.
func (r *Runner) RunCase(ctx context.Context, c Case) CaseResult {
	result := CaseResult{CaseID: c.ID, Tier: c.Tier}

	pool, err := r.newPool(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	bus := events.NewBus()
	sender := bus.NewSender()
	recv := bus.Receiver()

	agg := &outcomeAggregator{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			e, ok := recv.Recv()
			if !ok {
				return
			}
			agg.apply(e)
		}
	}()

	agentOpts := []agentloop.Option{agentloop.WithLimits(r.limits), agentloop.WithLogger(r.logger)}
	if r.llm != nil {
		agentOpts = append(agentOpts, agentloop.WithLLMClient(r.llm))
	}
	a := agentloop.New(r.llmEndpoint, r.model, pool, agentOpts...)
	a.SetEventSender(sender)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCaseTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var output string
	if len(c.Servers) > 0 {
		output, err = a.ChatWithServers(callCtx, c.Prompt, c.Servers)
	} else {
		output, err = a.Chat(callCtx, c.Prompt)
	}
	result.Duration = time.Since(start)

	sender.Close()
	<-done

	result.Output = output
	result.ToolCalls = agg.toolCalls
	if err != nil {
		result.Error = err.Error()
	}
	result.HadError = agg.hadError || err != nil

	result.MissingExpectedTools = missingFrom(c.ExpectedTools, agg.toolCalls)
	result.UnexpectedForbiddenTools = presentIn(c.ForbiddenTools, agg.toolCalls)

	criterionOK := c.SuccessCriteria.Evaluate(Outcome{
		Output:    output,
		ToolCalls: agg.toolCalls,
		HadError:  result.HadError,
	})

	result.Passed = err == nil &&
		len(result.MissingExpectedTools) == 0 &&
		len(result.UnexpectedForbiddenTools) == 0 &&
		criterionOK
	return result
}

// RunSuite runs every case in order and aggregates per-tier statistics.
func (r *Runner) RunSuite(ctx context.Context, cases []Case) SuiteResult {
	results := make([]CaseResult, 0, len(cases))
	for _, c := range cases {
		results = append(results, r.RunCase(ctx, c))
	}
	return SuiteResult{Results: results, TierStats: aggregateTiers(results)}
}

// outcomeAggregator accumulates the events emitted by one case's agent.
// It is only ever touched from the single goroutine draining the case's
// Receiver, so it needs no internal lock.
type outcomeAggregator struct {
	toolCalls []string
	hadError  bool
}

func (a *outcomeAggregator) apply(e events.AgentEvent) {
	switch e.Kind {
	case events.KindToolStart:
		a.toolCalls = append(a.toolCalls, e.ToolName)
	case events.KindToolComplete:
		if e.ToolIsError {
			a.hadError = true
		}
	case events.KindError:
		a.hadError = true
	}
}

func missingFrom(expected, actual []string) []string {
	var missing []string
	for _, want := range expected {
		if !containsString(actual, want) {
			missing = append(missing, want)
		}
	}
	return missing
}

func presentIn(forbidden, actual []string) []string {
	var present []string
	for _, bad := range forbidden {
		if containsString(actual, bad) {
			present = append(present, bad)
		}
	}
	return present
}

func aggregateTiers(results []CaseResult) map[int]TierStats {
	byTier := make(map[int][]CaseResult)
	for _, res := range results {
		byTier[res.Tier] = append(byTier[res.Tier], res)
	}

	out := make(map[int]TierStats, len(byTier))
	for tier, rs := range byTier {
		durations := make([]time.Duration, len(rs))
		passed := 0
		for i, res := range rs {
			durations[i] = res.Duration
			if res.Passed {
				passed++
			}
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		out[tier] = TierStats{
			Total:    len(rs),
			Passed:   passed,
			PassRate: float64(passed) / float64(len(rs)),
			P50:      percentile(durations, 0.50),
			P95:      percentile(durations, 0.95),
		}
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
