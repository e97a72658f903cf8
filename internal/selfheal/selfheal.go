// Package selfheal implements the improvement lifecycle the run recorder's
// schema carries but leaves unused: group recent tool failures into
// patterns, propose a fix strategy per pattern, and carry the resulting
// improvement rows through Proposed -> Applied -> Verified. Grounded on
// original_source/mcps/self-healing-mcp's detect_failure_patterns /
// propose_improvement / apply_improvement / verify_improvement handlers,
// trimmed to the status-transition operations the improvements table
// actually needs (the original's canary/sandbox "instructions" test modes
// and health dashboard generate prose, not table state, and are dropped).
package selfheal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentrt/agentrt/internal/events"
	"github.com/agentrt/agentrt/internal/recorder"
)

// Pattern is a recurring (error kind, tool) failure, aggregated from
// recorded tool_complete events.
type Pattern struct {
	ID               string
	ErrorKind        events.ErrorKind
	ToolName         string
	Occurrences      int
	FirstSeen        time.Time
	LastSeen         time.Time
	AffectedRuns     []string
	CorrelationScore float64
	SuggestedFix     string
	Priority         string
	ExpectedImpact   string
}

// DetectPatterns groups tool_complete failures recorded since sinceDays ago
// by (error kind, tool name), keeping only patterns with at least
// minOccurrences, most frequent first. affectedRuns on each pattern is
// capped at 10, matching the original's display truncation.
func DetectPatterns(ctx context.Context, store *recorder.Store, sinceDays, minOccurrences int) ([]Pattern, error) {
	since := time.Now().AddDate(0, 0, -sinceDays).UnixMilli()
	failures, err := store.FailedToolEventsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("selfheal: detect patterns: %w", err)
	}

	type key struct {
		errorKind events.ErrorKind
		toolName  string
	}
	grouped := make(map[key]*Pattern)
	var order []key

	for _, f := range failures {
		k := key{errorKind: events.ErrorKind(f.ErrorKind), toolName: f.ToolName}
		p, ok := grouped[k]
		if !ok {
			p = &Pattern{
				ID:        fmt.Sprintf("%s:%s", k.errorKind, k.toolName),
				ErrorKind: k.errorKind,
				ToolName:  k.toolName,
				FirstSeen: f.Timestamp,
			}
			grouped[k] = p
			order = append(order, k)
		}
		p.Occurrences++
		p.LastSeen = f.Timestamp
		if len(p.AffectedRuns) < 10 && !containsRun(p.AffectedRuns, f.RunID) {
			p.AffectedRuns = append(p.AffectedRuns, f.RunID)
		}
	}

	var patterns []Pattern
	for _, k := range order {
		p := grouped[k]
		if p.Occurrences < minOccurrences {
			continue
		}
		p.CorrelationScore = correlationScore(p.Occurrences)
		p.SuggestedFix = GenerateFixStrategy(*p)
		p.Priority = DeterminePriority(p.ErrorKind, p.Occurrences, p.CorrelationScore)
		p.ExpectedImpact = EstimateImpact(p.ErrorKind, p.CorrelationScore)
		patterns = append(patterns, *p)
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Occurrences > patterns[j].Occurrences })
	return patterns, nil
}

func containsRun(runs []string, id string) bool {
	for _, r := range runs {
		if r == id {
			return true
		}
	}
	return false
}

// correlationScore is a placeholder based on occurrence frequency, matching
// the original's own comment that this is a placeholder pending real
// statistical correlation analysis.
func correlationScore(occurrences int) float64 {
	switch {
	case occurrences > 10:
		return 0.9
	case occurrences > 5:
		return 0.7
	default:
		return 0.5
	}
}

// ProposeImprovements inserts one Proposed improvement row per pattern,
// returning the new improvement ids in the same order as patterns.
func ProposeImprovements(ctx context.Context, store *recorder.Store, patterns []Pattern) ([]string, error) {
	ids := make([]string, 0, len(patterns))
	for _, p := range patterns {
		category := "workflow"
		if p.ToolName != "" {
			category = "tool"
		}
		description := fmt.Sprintf("Fix %s errors for %s", p.ErrorKind, toolOrWorkflow(p.ToolName))
		id, err := store.RecordImprovement(ctx, category, description, p.AffectedRuns)
		if err != nil {
			return nil, fmt.Errorf("selfheal: propose improvement for pattern %s: %w", p.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func toolOrWorkflow(toolName string) string {
	if toolName == "" {
		return "workflow"
	}
	return toolName
}

// ApplyImprovement transitions an improvement to Applied, recording the
// changes actually made.
func ApplyImprovement(ctx context.Context, store *recorder.Store, improvementID, changesMade string) error {
	return store.ApplyImprovement(ctx, improvementID, changesMade)
}

// VerificationResult reports an improvement's measured before/after impact.
type VerificationResult struct {
	ImprovementID     string
	SuccessRateBefore float64
	SuccessRateAfter  float64
	RunsAnalyzed      int
	Recommendation    string
}

// VerifyImprovement compares run success rates in the windowDays before
// and after an improvement's applied_at timestamp, records the result on
// the improvement row, and transitions it to Verified. Mirrors the
// original's before/after windowing and recommendation tiers exactly.
func VerifyImprovement(ctx context.Context, store *recorder.Store, improvementID string, windowDays int) (VerificationResult, error) {
	imp, err := store.GetImprovement(ctx, improvementID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("selfheal: verify improvement: %w", err)
	}
	if imp.Status != recorder.ImprovementApplied {
		return VerificationResult{}, fmt.Errorf("selfheal: improvement %s is not Applied (status=%s)", improvementID, imp.Status)
	}

	windowMs := int64(windowDays) * 24 * 60 * 60 * 1000
	afterStart := imp.AppliedAt.UnixMilli()
	beforeStart := afterStart - windowMs

	beforeTotal, beforeSuccessful, err := store.CountRunsInWindow(ctx, beforeStart, afterStart)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("selfheal: verify improvement: before window: %w", err)
	}
	afterTotal, afterSuccessful, err := store.CountRunsInWindow(ctx, afterStart, afterStart+windowMs)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("selfheal: verify improvement: after window: %w", err)
	}

	rateBefore := successRate(beforeTotal, beforeSuccessful)
	rateAfter := successRate(afterTotal, afterSuccessful)
	recommendation := recommend(afterTotal, rateBefore, rateAfter)

	impact := map[string]any{
		"success_rate_before": rateBefore,
		"success_rate_after":  rateAfter,
		"runs_analyzed":       afterTotal,
		"recommendation":      recommendation,
	}
	if err := store.VerifyImprovement(ctx, improvementID, impact); err != nil {
		return VerificationResult{}, fmt.Errorf("selfheal: verify improvement: %w", err)
	}

	return VerificationResult{
		ImprovementID:     improvementID,
		SuccessRateBefore: rateBefore,
		SuccessRateAfter:  rateAfter,
		RunsAnalyzed:      afterTotal,
		Recommendation:    recommendation,
	}, nil
}

func successRate(total, successful int) float64 {
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total)
}

// recommend mirrors verify_improvement's recommendation tiers: too little
// data, improved, stable, slight degradation, or rollback.
func recommend(afterTotal int, before, after float64) string {
	switch {
	case afterTotal < 10:
		return fmt.Sprintf("insufficient data: only %d runs in measurement window", afterTotal)
	case after >= before+0.05:
		return fmt.Sprintf("keep: success rate improved from %.1f%% to %.1f%%", before*100, after*100)
	case after >= before-0.02:
		return fmt.Sprintf("keep: success rate stable at %.1f%% (before %.1f%%)", after*100, before*100)
	case after >= before-0.10:
		return fmt.Sprintf("monitor: success rate dropped %.1f points, continue watching", (before-after)*100)
	default:
		return fmt.Sprintf("rollback: success rate dropped %.1f points", (before-after)*100)
	}
}
