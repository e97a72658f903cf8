// Package recorder implements the run recorder: it consumes AgentEvents
// off an events.Receiver and persists runs,
// run_events, and run_metrics to a local SQLite store. Grounded on
// nevindra-oasis/store/sqlite.Store (single-connection pure-Go SQLite,
// CREATE TABLE IF NOT EXISTS migrations, structured-log-per-operation
// idiom) generalized from a RAG document/thread store to this runtime's
// run/event/metrics schema.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentrt/agentrt/internal/events"
)

// Status is a run's terminal or in-flight state.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// ImprovementStatus is an improvement row's position in the
// detect -> propose -> apply -> verify lifecycle.
type ImprovementStatus string

const (
	ImprovementProposed ImprovementStatus = "Proposed"
	ImprovementApplied  ImprovementStatus = "Applied"
	ImprovementVerified ImprovementStatus = "Verified"
	ImprovementRejected ImprovementStatus = "Rejected"
)

// Improvement is one row of the improvements table.
type Improvement struct {
	ID              string
	Category        string
	Description     string
	RelatedRunsJSON string
	ChangesMade     string
	ImpactJSON      string
	Status          ImprovementStatus
	CreatedAt       time.Time
	AppliedAt       time.Time
	VerifiedAt      time.Time
}

// Store persists runs and their events. Writes are serialized on a single
// mutex, matching the teacher's SetMaxOpenConns(1) single-connection
// discipline for the same reason: SQLite tolerates one writer at a time.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l.With("component", "recorder") }
}

// Open opens (creating if absent) the SQLite database at dbPath and
// ensures its schema exists.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default().With("component", "recorder")}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const currentSchemaVersion = 2

func (s *Store) init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			model TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms INTEGER,
			context_json TEXT,
			error TEXT,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event_data_json TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_metrics (
			run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			total_tool_calls INTEGER NOT NULL DEFAULT 0,
			successful INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			iterations INTEGER NOT NULL DEFAULT 0,
			tools_used_json TEXT,
			step_durations_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS improvements (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			description TEXT NOT NULL,
			related_runs_json TEXT,
			changes_made TEXT,
			impact_json TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			applied_at INTEGER,
			verified_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_started ON runs(workflow_name, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_step_time ON run_events(run_id, step_index, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_improvements_created ON improvements(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_improvements_category ON improvements(category)`,
		`CREATE INDEX IF NOT EXISTS idx_improvements_status ON improvements(status)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recorder: init schema: %w", err)
		}
	}

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("recorder: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return fmt.Errorf("recorder: seed schema_version: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("recorder: advance schema_version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying database handle for read-only inspection by
// callers that need to query run state directly (e.g. a status command).
func (s *Store) DB() *sql.DB { return s.db }

// StartRun inserts a Running run record and returns its id.
func (s *Store) StartRun(ctx context.Context, workflowName, task, model string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, task, status, model, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, workflowName, task, StatusRunning, model, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("recorder: start run: %w", err)
	}
	return id, nil
}

// CloseRun marks a run terminal, recording its final status, optional
// error, and context snapshot.
func (s *Store) CloseRun(ctx context.Context, runID string, status Status, errMsg string, contextSnapshot map[string]string) error {
	var contextJSON []byte
	if len(contextSnapshot) > 0 {
		var err error
		contextJSON, err = json.Marshal(contextSnapshot)
		if err != nil {
			return fmt.Errorf("recorder: encode context: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var startedAtMs int64
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, runID).Scan(&startedAtMs); err != nil {
		return fmt.Errorf("recorder: lookup run %s: %w", runID, err)
	}
	now := time.Now()
	durationMs := now.UnixMilli() - startedAtMs

	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?, context_json = ?, error = NULLIF(?, '') WHERE id = ?`,
		status, now.UnixMilli(), durationMs, string(contextJSON), errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("recorder: close run %s: %w", runID, err)
	}
	return nil
}

// runAccumulator tracks the per-run bookkeeping Consume maintains while
// draining a run's event stream: current_step_index, tools-used counts,
// per-step durations, iteration count.
type runAccumulator struct {
	currentStepIndex int
	totalToolCalls   int
	successful       int
	failed           int
	iterations       int
	toolsUsed        map[string]int
	stepDurations    map[int]time.Duration
	toolStarts       map[string]time.Time
}

func newRunAccumulator() *runAccumulator {
	return &runAccumulator{
		toolsUsed:     make(map[string]int),
		stepDurations: make(map[int]time.Duration),
		toolStarts:    make(map[string]time.Time),
	}
}

// Consume drains recv until every Sender attached to its Bus has closed,
// persisting one run_events row per received event (StepStarted included)
// and, once the stream ends, the aggregated run_metrics row.
func (s *Store) Consume(ctx context.Context, runID string, recv *events.Receiver) error {
	acc := newRunAccumulator()

	for {
		e, ok := recv.Recv()
		if !ok {
			break
		}

		switch e.Kind {
		case events.KindStepStarted:
			acc.currentStepIndex = e.StepIndex
			if err := s.insertEvent(ctx, runID, acc.currentStepIndex, e); err != nil {
				return err
			}

		case events.KindToolStart:
			acc.toolStarts[e.ToolName] = time.Now()
			if err := s.insertEvent(ctx, runID, acc.currentStepIndex, e); err != nil {
				return err
			}

		case events.KindToolComplete:
			acc.totalToolCalls++
			if e.ToolIsError {
				acc.failed++
			} else {
				acc.successful++
			}
			acc.toolsUsed[e.ToolName]++
			if start, ok := acc.toolStarts[e.ToolName]; ok {
				acc.stepDurations[acc.currentStepIndex] += time.Since(start)
				delete(acc.toolStarts, e.ToolName)
			} else {
				acc.stepDurations[acc.currentStepIndex] += e.ToolDuration
			}
			if err := s.insertEvent(ctx, runID, acc.currentStepIndex, e); err != nil {
				return err
			}

		case events.KindResponseComplete:
			acc.iterations += e.Iterations
			if err := s.insertEvent(ctx, runID, acc.currentStepIndex, e); err != nil {
				return err
			}

		default:
			if err := s.insertEvent(ctx, runID, acc.currentStepIndex, e); err != nil {
				return err
			}
		}
	}

	return s.writeMetrics(ctx, runID, acc)
}

func (s *Store) insertEvent(ctx context.Context, runID string, stepIndex int, e events.AgentEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("recorder: encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (id, run_id, step_index, event_type, event_data_json, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, stepIndex, string(e.Kind), string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recorder: insert run_event: %w", err)
	}
	return nil
}

func (s *Store) writeMetrics(ctx context.Context, runID string, acc *runAccumulator) error {
	toolsUsedJSON, err := json.Marshal(acc.toolsUsed)
	if err != nil {
		return fmt.Errorf("recorder: encode tools_used: %w", err)
	}
	stepDurationsMs := make(map[string]int64, len(acc.stepDurations))
	for step, d := range acc.stepDurations {
		stepDurationsMs[fmt.Sprintf("%d", step)] = d.Milliseconds()
	}
	stepDurationsJSON, err := json.Marshal(stepDurationsMs)
	if err != nil {
		return fmt.Errorf("recorder: encode step_durations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_metrics (run_id, total_tool_calls, successful, failed, iterations, tools_used_json, step_durations_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, acc.totalToolCalls, acc.successful, acc.failed, acc.iterations, string(toolsUsedJSON), string(stepDurationsJSON),
	)
	if err != nil {
		return fmt.Errorf("recorder: write run_metrics: %w", err)
	}
	return nil
}

// RecordImprovement inserts a new improvement suggestion row.
func (s *Store) RecordImprovement(ctx context.Context, category, description string, relatedRuns []string) (string, error) {
	relatedJSON, err := json.Marshal(relatedRuns)
	if err != nil {
		return "", fmt.Errorf("recorder: encode related_runs: %w", err)
	}
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO improvements (id, category, description, related_runs_json, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, category, description, string(relatedJSON), string(ImprovementProposed), time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("recorder: record improvement: %w", err)
	}
	return id, nil
}

// ApplyImprovement transitions an improvement from Proposed to Applied,
// recording the changes made and the application timestamp.
func (s *Store) ApplyImprovement(ctx context.Context, id, changesMade string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE improvements SET status = ?, changes_made = ?, applied_at = ? WHERE id = ? AND status = ?`,
		string(ImprovementApplied), changesMade, time.Now().UnixMilli(), id, string(ImprovementProposed),
	)
	if err != nil {
		return fmt.Errorf("recorder: apply improvement %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recorder: apply improvement %s: not found or not in Proposed status", id)
	}
	return nil
}

// VerifyImprovement transitions an Applied improvement to Verified,
// recording its measured impact.
func (s *Store) VerifyImprovement(ctx context.Context, id string, impact map[string]any) error {
	impactJSON, err := json.Marshal(impact)
	if err != nil {
		return fmt.Errorf("recorder: encode impact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE improvements SET status = ?, impact_json = ?, verified_at = ? WHERE id = ? AND status = ?`,
		string(ImprovementVerified), string(impactJSON), time.Now().UnixMilli(), id, string(ImprovementApplied),
	)
	if err != nil {
		return fmt.Errorf("recorder: verify improvement %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recorder: verify improvement %s: not found or not in Applied status", id)
	}
	return nil
}

// GetImprovement loads a single improvement row by id.
func (s *Store) GetImprovement(ctx context.Context, id string) (Improvement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		imp                              Improvement
		createdAtMs                      int64
		appliedAtMs, verifiedAtMs        sql.NullInt64
		changesMade, impactJSON, related sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, description, related_runs_json, changes_made, impact_json, status, created_at, applied_at, verified_at
		 FROM improvements WHERE id = ?`, id)
	if err := row.Scan(&imp.ID, &imp.Category, &imp.Description, &related, &changesMade, &impactJSON, &imp.Status, &createdAtMs, &appliedAtMs, &verifiedAtMs); err != nil {
		return Improvement{}, fmt.Errorf("recorder: get improvement %s: %w", id, err)
	}
	imp.RelatedRunsJSON = related.String
	imp.ChangesMade = changesMade.String
	imp.ImpactJSON = impactJSON.String
	imp.CreatedAt = time.UnixMilli(createdAtMs)
	if appliedAtMs.Valid {
		imp.AppliedAt = time.UnixMilli(appliedAtMs.Int64)
	}
	if verifiedAtMs.Valid {
		imp.VerifiedAt = time.UnixMilli(verifiedAtMs.Int64)
	}
	return imp, nil
}

// ListImprovements returns improvements in descending created_at order,
// optionally filtered by status. A zero limit returns all matches.
func (s *Store) ListImprovements(ctx context.Context, status ImprovementStatus, limit int) ([]Improvement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, category, description, related_runs_json, changes_made, impact_json, status, created_at, applied_at, verified_at
		FROM improvements`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recorder: list improvements: %w", err)
	}
	defer rows.Close()

	var out []Improvement
	for rows.Next() {
		var (
			imp                              Improvement
			createdAtMs                      int64
			appliedAtMs, verifiedAtMs        sql.NullInt64
			changesMade, impactJSON, related sql.NullString
		)
		if err := rows.Scan(&imp.ID, &imp.Category, &imp.Description, &related, &changesMade, &impactJSON, &imp.Status, &createdAtMs, &appliedAtMs, &verifiedAtMs); err != nil {
			return nil, fmt.Errorf("recorder: scan improvement: %w", err)
		}
		imp.RelatedRunsJSON = related.String
		imp.ChangesMade = changesMade.String
		imp.ImpactJSON = impactJSON.String
		imp.CreatedAt = time.UnixMilli(createdAtMs)
		if appliedAtMs.Valid {
			imp.AppliedAt = time.UnixMilli(appliedAtMs.Int64)
		}
		if verifiedAtMs.Valid {
			imp.VerifiedAt = time.UnixMilli(verifiedAtMs.Int64)
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

// CountRunsInWindow returns the total and successfully-completed run counts
// for runs started in [startMs, endMs), the before/after windows
// VerifyImprovement compares.
func (s *Store) CountRunsInWindow(ctx context.Context, startMs, endMs int64) (total, successful int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) FROM runs WHERE started_at >= ? AND started_at < ?`,
		string(StatusCompleted), startMs, endMs,
	)
	var successfulN sql.NullInt64
	if err := row.Scan(&total, &successfulN); err != nil {
		return 0, 0, fmt.Errorf("recorder: count runs in window: %w", err)
	}
	return total, int(successfulN.Int64), nil
}

// FailedToolEvent is one tool_complete failure event read back for pattern
// detection, joined with its owning run's id.
type FailedToolEvent struct {
	RunID     string
	ToolName  string
	ErrorKind string
	Timestamp time.Time
}

// FailedToolEventsSince returns every failed tool_complete event recorded
// at or after sinceMs, oldest first.
func (s *Store) FailedToolEventsSince(ctx context.Context, sinceMs int64) ([]FailedToolEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, event_data_json, timestamp FROM run_events
		 WHERE event_type = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		string(events.KindToolComplete), sinceMs,
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: query failed tool events: %w", err)
	}
	defer rows.Close()

	var out []FailedToolEvent
	for rows.Next() {
		var runID, payload string
		var ts int64
		if err := rows.Scan(&runID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("recorder: scan tool event: %w", err)
		}
		var decoded struct {
			ToolName      string `json:"ToolName"`
			ToolIsError   bool   `json:"ToolIsError"`
			ToolErrorKind string `json:"ToolErrorKind"`
		}
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			continue
		}
		if !decoded.ToolIsError {
			continue
		}
		out = append(out, FailedToolEvent{
			RunID:     runID,
			ToolName:  decoded.ToolName,
			ErrorKind: decoded.ToolErrorKind,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return out, rows.Err()
}
