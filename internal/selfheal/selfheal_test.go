package selfheal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentrt/agentrt/internal/events"
	"github.com/agentrt/agentrt/internal/recorder"
)

func openTestStore(t *testing.T) *recorder.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "recorder.db")
	s, err := recorder.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recordFailures(t *testing.T, s *recorder.Store, runName, toolName string, kind events.ErrorKind, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		runID, err := s.StartRun(ctx, runName, "task", "qwen2.5")
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		bus := events.NewBus()
		sender := bus.NewSender()
		recv := bus.Receiver()
		sender.Send(events.ToolStart(toolName, nil))
		sender.Send(events.ToolComplete(toolName, "boom", time.Millisecond, true, kind))
		sender.Close()
		if err := s.Consume(ctx, runID, recv); err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if err := s.CloseRun(ctx, runID, recorder.StatusFailed, "boom", nil); err != nil {
			t.Fatalf("CloseRun: %v", err)
		}
	}
}

func TestDetectPatternsGroupsByErrorKindAndTool(t *testing.T) {
	s := openTestStore(t)
	recordFailures(t, s, "review", "github_pr_comment", events.ErrorKindConnectionRefused, 6)
	recordFailures(t, s, "review", "read_file", events.ErrorKindTimeout, 2)

	patterns, err := DetectPatterns(context.Background(), s, 7, 3)
	if err != nil {
		t.Fatalf("DetectPatterns: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("patterns = %+v, want exactly one pattern above the min-occurrences threshold", patterns)
	}
	p := patterns[0]
	if p.ErrorKind != events.ErrorKindConnectionRefused || p.ToolName != "github_pr_comment" {
		t.Errorf("pattern = %+v, want ConnectionRefused on github_pr_comment", p)
	}
	if p.Occurrences != 6 {
		t.Errorf("Occurrences = %d, want 6", p.Occurrences)
	}
	if p.ID != "ConnectionRefused:github_pr_comment" {
		t.Errorf("ID = %q, want ConnectionRefused:github_pr_comment", p.ID)
	}
	if p.SuggestedFix == "" {
		t.Error("SuggestedFix is empty")
	}
}

func TestDetectPatternsFiltersBelowThreshold(t *testing.T) {
	s := openTestStore(t)
	recordFailures(t, s, "review", "read_file", events.ErrorKindTimeout, 2)

	patterns, err := DetectPatterns(context.Background(), s, 7, 3)
	if err != nil {
		t.Fatalf("DetectPatterns: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("patterns = %+v, want none below min_occurrences", patterns)
	}
}

func TestProposeApplyVerifyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// "before" window: one successful run, then six failed ones.
	runOK, err := s.StartRun(ctx, "review", "task", "qwen2.5")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.CloseRun(ctx, runOK, recorder.StatusCompleted, "", nil); err != nil {
		t.Fatalf("CloseRun: %v", err)
	}
	recordFailures(t, s, "review", "github_pr_comment", events.ErrorKindConnectionRefused, 6)

	time.Sleep(2 * time.Millisecond)

	patterns, err := DetectPatterns(ctx, s, 7, 3)
	if err != nil {
		t.Fatalf("DetectPatterns: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("patterns = %+v, want one", patterns)
	}

	ids, err := ProposeImprovements(ctx, s, patterns)
	if err != nil {
		t.Fatalf("ProposeImprovements: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("ids = %+v, want one non-empty id", ids)
	}
	improvementID := ids[0]

	imp, err := s.GetImprovement(ctx, improvementID)
	if err != nil {
		t.Fatalf("GetImprovement: %v", err)
	}
	if imp.Status != recorder.ImprovementProposed {
		t.Errorf("Status = %q, want Proposed", imp.Status)
	}

	if err := ApplyImprovement(ctx, s, improvementID, "raised timeout, added retry"); err != nil {
		t.Fatalf("ApplyImprovement: %v", err)
	}

	time.Sleep(2 * time.Millisecond)

	// "after" window: two more successful runs.
	for i := 0; i < 2; i++ {
		runID, err := s.StartRun(ctx, "review", "task", "qwen2.5")
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		if err := s.CloseRun(ctx, runID, recorder.StatusCompleted, "", nil); err != nil {
			t.Fatalf("CloseRun: %v", err)
		}
	}

	result, err := VerifyImprovement(ctx, s, improvementID, 1)
	if err != nil {
		t.Fatalf("VerifyImprovement: %v", err)
	}
	if result.RunsAnalyzed == 0 {
		t.Error("RunsAnalyzed = 0, want at least the two after-window runs")
	}
	if result.Recommendation == "" {
		t.Error("Recommendation is empty")
	}

	imp, err = s.GetImprovement(ctx, improvementID)
	if err != nil {
		t.Fatalf("GetImprovement after verify: %v", err)
	}
	if imp.Status != recorder.ImprovementVerified {
		t.Errorf("Status = %q, want Verified", imp.Status)
	}
	if imp.ImpactJSON == "" {
		t.Error("ImpactJSON is empty after verify")
	}
}

func TestApplyImprovementRejectsWrongStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.RecordImprovement(ctx, "tool", "fix something", nil)
	if err != nil {
		t.Fatalf("RecordImprovement: %v", err)
	}
	if err := ApplyImprovement(ctx, s, id, "fixed"); err != nil {
		t.Fatalf("first ApplyImprovement: %v", err)
	}
	if err := ApplyImprovement(ctx, s, id, "fixed again"); err == nil {
		t.Error("expected an error applying an already-Applied improvement")
	}
}

func TestVerifyImprovementRejectsUnappliedStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.RecordImprovement(ctx, "tool", "fix something", nil)
	if err != nil {
		t.Fatalf("RecordImprovement: %v", err)
	}
	if _, err := VerifyImprovement(ctx, s, id, 7); err == nil {
		t.Error("expected an error verifying a Proposed (not yet Applied) improvement")
	}
}
