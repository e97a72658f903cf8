package selfheal

import (
	"fmt"

	"github.com/agentrt/agentrt/internal/events"
)

// GenerateFixStrategy returns a short, human-readable fix suggestion for a
// pattern's error kind, grounded on original_source/mcps/self-healing-mcp/
// src/strategies.rs's per-error-kind templates, trimmed to one paragraph
// each rather than the original's full markdown sections.
func GenerateFixStrategy(p Pattern) string {
	tool := toolOrWorkflow(p.ToolName)
	switch {
	case p.ErrorKind == events.ErrorKindTimeout:
		return fmt.Sprintf("increase %s's timeout and add retry with exponential backoff (%d occurrences)", tool, p.Occurrences)
	case p.ErrorKind == events.ErrorKindConnectionRefused:
		return fmt.Sprintf("add a health check before calling %s and auto-restart its tool server on refusal (%d occurrences)", tool, p.Occurrences)
	case p.ErrorKind == events.ErrorKindServerCrashed:
		return fmt.Sprintf("add a circuit breaker around %s and restart its tool server with backoff (%d occurrences)", tool, p.Occurrences)
	case p.ErrorKind == events.ErrorKindToolError && p.CorrelationScore > 0.7:
		return fmt.Sprintf("add input validation before calling %s; %d occurrences correlate at %.0f%%", tool, p.Occurrences, p.CorrelationScore*100)
	default:
		return fmt.Sprintf("collect more diagnostics for %s on %s before proposing a specific fix (%d occurrences)", p.ErrorKind, tool, p.Occurrences)
	}
}

// EstimateImpact returns a rough expected-impact range for a pattern's
// error kind, matching strategies.rs's estimate_impact tiers.
func EstimateImpact(kind events.ErrorKind, correlationScore float64) string {
	switch kind {
	case events.ErrorKindTimeout:
		if correlationScore > 0.8 {
			return "40-60% reduction in timeout errors"
		}
		return "20-40% reduction in timeout errors"
	case events.ErrorKindConnectionRefused:
		if correlationScore > 0.8 {
			return "70-80% reduction in connection errors"
		}
		return "50-70% reduction in connection errors"
	case events.ErrorKindServerCrashed:
		return "90% reduction in cascade failures (may not prevent all crashes)"
	case events.ErrorKindToolError:
		if correlationScore > 0.7 {
			return "50-70% reduction in tool errors"
		}
		return "30-50% reduction in tool errors"
	default:
		return "unknown impact, requires further analysis"
	}
}

// DeterminePriority ranks a pattern's urgency, matching strategies.rs's
// determine_priority tiers.
func DeterminePriority(kind events.ErrorKind, occurrences int, correlationScore float64) string {
	if kind == events.ErrorKindServerCrashed || occurrences > 20 {
		return "urgent"
	}
	if occurrences > 10 && correlationScore > 0.8 {
		return "high"
	}
	if occurrences > 5 && correlationScore > 0.6 {
		return "medium"
	}
	return "low"
}
