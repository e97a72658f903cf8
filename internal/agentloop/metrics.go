package agentloop

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// loopMetrics mirrors the teacher's observability.Metrics field set
// (LLMRequestDuration/Counter, ToolExecutionCounter/Duration) scoped to
// this loop's own concerns.
type loopMetrics struct {
	llmRequestDuration *prometheus.HistogramVec
	llmRequestsTotal   *prometheus.CounterVec
	toolCallDuration   *prometheus.HistogramVec
	toolCallsTotal     *prometheus.CounterVec
	iterationsTotal    prometheus.Histogram
}

// sharedLoopMetrics registers once per process; many Agents run
// concurrently and each would otherwise trip promauto's duplicate-
// registration panic, as already worked around in toolpool and
// toolsdaemon.
var sharedLoopMetrics = sync.OnceValue(func() *loopMetrics {
	return &loopMetrics{
		llmRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentrt_llm_request_duration_seconds",
			Help: "LLM chat request duration.",
		}, []string{"model"}),
		llmRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_llm_requests_total",
			Help: "LLM chat requests by model and outcome.",
		}, []string{"model", "outcome"}),
		toolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentrt_tool_call_duration_seconds",
			Help: "Tool call duration by owning server.",
		}, []string{"server", "tool"}),
		toolCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_tool_calls_total",
			Help: "Tool calls by owning server and outcome.",
		}, []string{"server", "tool", "outcome"}),
		iterationsTotal: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrt_chat_iterations",
			Help:    "Iterations consumed per chat invocation.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
	}
})
