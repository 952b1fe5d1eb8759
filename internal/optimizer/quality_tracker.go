package optimizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ExecutionMetrics is the raw per-session execution signal used to infer a
// success score for that session. Zero value is a successful, quiet run.
type ExecutionMetrics struct {
	Tokens               int
	Duration             float64
	ToolCalls            int
	Errors               int
	Retries              int
	HasApology           bool
	ExitCode             int
	HasNegativeKeywords  bool
}

// AgentExecutionMetrics is the per-agent execution record nested under one
// session's metrics row.
type AgentExecutionMetrics struct {
	AgentName              string
	ParentAgent             string
	TokensInput             int
	TokensOutput            int
	ExecutionTimeMS         int
	ToolCalls               int
	InlineScore             *float64
	EvalCompletion          *int
	EvalQuality             *int
	EvalTaskComplexity      *int
	EvalPromptSpecificity   *int
	SummaryDepth            int
	HistoryTurns            int
	ErrorMessage            string
}

// DepthStats summarizes one delegation depth's recorded outcomes.
type DepthStats struct {
	Count      int
	AvgTokens  float64
	AvgDuration float64
	AvgSuccess float64
}

// TaskTypeStats summarizes one task_type's recorded outcomes.
type TaskTypeStats struct {
	Count      int
	AvgSuccess float64
}

// Stats is QualityTracker.Stats's return value.
type Stats struct {
	TotalSessions int
	PeriodDays    int
	Profile       string
	ByDepth       map[Depth]DepthStats
	ByTaskType    map[string]TaskTypeStats
}

// ScoreBucketStats is one (score_bucket, depth) cell of TuningStats.
type ScoreBucketStats struct {
	Count      int
	AvgSuccess float64
	AvgTokens  float64
}

// DepthSummary is one depth's overall aggregate within TuningStats.
type DepthSummary struct {
	Count      int
	AvgSuccess float64
	MinScore   int
	MaxScore   int
	AvgScore   float64
}

// TuningStats is the SQL-side aggregation AutoTuner consumes; it never
// materializes individual rows so it stays cheap at any data volume.
type TuningStats struct {
	TotalRecords  int
	ByDepth       map[Depth]DepthSummary
	ByScoreBucket map[int]map[Depth]ScoreBucketStats
}

// defaultMetricsDBPath mirrors the Python original's MOCO_DATA_DIR-aware
// _default_db_path: honor an env override, else a data/optimizer directory
// relative to the working directory.
func defaultMetricsDBPath() string {
	if dir := os.Getenv("ORCHESTRION_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "optimizer", "metrics.db")
	}
	return filepath.Join("data", "optimizer", "metrics.db")
}

// QualityTracker persists every delegation decision and its outcome to a
// SQLite database, and answers the aggregate queries AutoTuner needs to
// decide whether and how to retune thresholds.
//
// Grounded on the Python original's QualityTracker (core/optimizer/quality_tracker.py).
type QualityTracker struct {
	db *sql.DB
}

// NewQualityTracker opens (creating if necessary) the metrics database at
// path, or at defaultMetricsDBPath if path is empty.
func NewQualityTracker(path string) (*QualityTracker, error) {
	if path == "" {
		path = defaultMetricsDBPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("optimizer: create metrics dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("optimizer: open metrics db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("optimizer: set wal mode: %w", err)
	}

	t := &QualityTracker{db: db}
	if err := t.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *QualityTracker) init(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			profile TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			task_summary TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT 'other',
			score_scope INTEGER NOT NULL DEFAULT 0,
			score_novelty REAL NOT NULL DEFAULT 0,
			score_risk INTEGER NOT NULL DEFAULT 0,
			score_complexity INTEGER NOT NULL DEFAULT 0,
			score_dependencies INTEGER NOT NULL DEFAULT 0,
			score_total INTEGER NOT NULL DEFAULT 0,
			depth TEXT NOT NULL DEFAULT 'flat',
			agents_selected TEXT,
			agents_skipped TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			duration_seconds REAL NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			success_inferred REAL NOT NULL DEFAULT 0,
			success_user INTEGER,
			ai_score REAL,
			thresholds_snapshot TEXT,
			task_complexity INTEGER,
			todo_used INTEGER,
			delegation_count INTEGER,
			input_length INTEGER,
			output_length INTEGER,
			prompt_specificity REAL,
			history_turns INTEGER,
			summary_depth INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_timestamp ON metrics(timestamp);
		CREATE INDEX IF NOT EXISTS idx_profile ON metrics(profile);
		CREATE INDEX IF NOT EXISTS idx_depth ON metrics(depth);
		CREATE INDEX IF NOT EXISTS idx_task_type ON metrics(task_type);

		CREATE TABLE IF NOT EXISTS agent_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id INTEGER NOT NULL REFERENCES metrics(id),
			agent_name TEXT NOT NULL,
			parent_agent TEXT,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			inline_score REAL,
			eval_completion INTEGER,
			eval_quality INTEGER,
			eval_task_complexity INTEGER,
			eval_prompt_specificity INTEGER,
			summary_depth INTEGER DEFAULT 0,
			history_turns INTEGER DEFAULT 0,
			error_message TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_request ON agent_executions(request_id);
		CREATE INDEX IF NOT EXISTS idx_agent_name ON agent_executions(agent_name);
	`)
	if err != nil {
		return fmt.Errorf("optimizer: init metrics schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (t *QualityTracker) Close() error { return t.db.Close() }

// Record inserts one session's outcome and returns its row ID, which
// RecordAgentExecution(s) use to attach per-agent detail.
func (t *QualityTracker) Record(ctx context.Context, profile, sessionID, taskSummary string, scores TaskScores, selection SelectionResult, execution ExecutionMetrics, thresholds Thresholds) (int64, error) {
	if len(taskSummary) > 200 {
		taskSummary = taskSummary[:200]
	}
	agentsSelected, _ := json.Marshal(selection.Agents)
	agentsSkipped, _ := json.Marshal(selection.Skipped)
	thresholdsJSON, _ := json.Marshal(thresholds)

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO metrics (
			timestamp, profile, session_id, task_summary, task_type,
			score_scope, score_novelty, score_risk, score_complexity, score_dependencies, score_total,
			depth, agents_selected, agents_skipped,
			tokens_used, duration_seconds, tool_calls, error_count, retry_count,
			success_inferred, thresholds_snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now(), profile, sessionID, taskSummary, scores.TaskType,
		scores.Scope, scores.Novelty, scores.Risk, scores.Complexity, scores.Dependencies, selection.TotalScore,
		selection.Depth, string(agentsSelected), string(agentsSkipped),
		execution.Tokens, execution.Duration, execution.ToolCalls, execution.Errors, execution.Retries,
		InferSuccess(execution), string(thresholdsJSON))
	if err != nil {
		return 0, fmt.Errorf("optimizer: record metrics: %w", err)
	}
	return res.LastInsertId()
}

// RecordAgentExecution inserts one agent's execution detail under requestID
// (the row ID Record returned for the parent session).
func (t *QualityTracker) RecordAgentExecution(ctx context.Context, requestID int64, agent AgentExecutionMetrics) (int64, error) {
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO agent_executions (
			request_id, agent_name, parent_agent, tokens_input, tokens_output, execution_time_ms,
			tool_calls, inline_score, eval_completion, eval_quality, eval_task_complexity,
			eval_prompt_specificity, summary_depth, history_turns, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, requestID, agent.AgentName, nullableString(agent.ParentAgent), agent.TokensInput, agent.TokensOutput,
		agent.ExecutionTimeMS, agent.ToolCalls, agent.InlineScore, agent.EvalCompletion, agent.EvalQuality,
		agent.EvalTaskComplexity, agent.EvalPromptSpecificity, agent.SummaryDepth, agent.HistoryTurns,
		nullableString(agent.ErrorMessage), time.Now())
	if err != nil {
		return 0, fmt.Errorf("optimizer: record agent execution: %w", err)
	}
	return res.LastInsertId()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InferSuccess estimates a [0, 1] success score for one session's
// execution signal. A non-zero exit code or a negative-sentiment keyword
// hit is a kill switch: the session is scored 0 regardless of anything
// else. Otherwise the score starts at 1 and is docked for errors
// (0.8 per error, up to 3), excess retries (-0.2 past 2), and an apology
// in the output (-0.2), floored at 0.
//
// Grounded on the Python original's QualityTracker._infer_success.
func InferSuccess(execution ExecutionMetrics) float64 {
	if execution.ExitCode != 0 || execution.HasNegativeKeywords {
		return 0.0
	}

	score := 1.0
	if execution.Errors > 0 {
		errs := execution.Errors
		if errs > 3 {
			errs = 3
		}
		score -= 0.8 * float64(errs)
	}
	if execution.Retries > 2 {
		score -= 0.2
	}
	if execution.HasApology {
		score -= 0.2
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Stats reports total sessions, per-depth, and per-task-type outcomes over
// the trailing days (optionally restricted to one profile).
func (t *QualityTracker) Stats(ctx context.Context, profile string, days int) (*Stats, error) {
	since := time.Now().AddDate(0, 0, -days)
	where := "WHERE timestamp >= ?"
	args := []any{since}
	if profile != "" {
		where += " AND profile = ?"
		args = append(args, profile)
	}

	var total int
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM metrics "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("optimizer: count sessions: %w", err)
	}

	byDepth := map[Depth]DepthStats{}
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT depth, COUNT(*), AVG(tokens_used), AVG(duration_seconds), AVG(success_inferred)
		FROM metrics %s GROUP BY depth
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("optimizer: depth stats: %w", err)
	}
	for rows.Next() {
		var depth Depth
		var s DepthStats
		if err := rows.Scan(&depth, &s.Count, &s.AvgTokens, &s.AvgDuration, &s.AvgSuccess); err != nil {
			rows.Close()
			return nil, err
		}
		byDepth[depth] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byTaskType := map[string]TaskTypeStats{}
	rows, err = t.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT task_type, COUNT(*), AVG(success_inferred) FROM metrics %s GROUP BY task_type
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("optimizer: task type stats: %w", err)
	}
	for rows.Next() {
		var taskType string
		var s TaskTypeStats
		if err := rows.Scan(&taskType, &s.Count, &s.AvgSuccess); err != nil {
			rows.Close()
			return nil, err
		}
		byTaskType[taskType] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Stats{
		TotalSessions: total,
		PeriodDays:    days,
		Profile:       profile,
		ByDepth:       byDepth,
		ByTaskType:    byTaskType,
	}, nil
}

// TuningStats aggregates everything AutoTuner needs directly in SQL, so a
// tuning run never has to load every individual session row into memory.
// scoreBucket groups score_total into buckets of width 5 (0-4, 5-9, ...).
func (t *QualityTracker) TuningStats(ctx context.Context, days int) (*TuningStats, error) {
	since := time.Now().AddDate(0, 0, -days)

	var total int
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM metrics WHERE timestamp >= ?", since).Scan(&total); err != nil {
		return nil, fmt.Errorf("optimizer: count tuning records: %w", err)
	}

	byScoreBucket := map[int]map[Depth]ScoreBucketStats{}
	rows, err := t.db.QueryContext(ctx, `
		SELECT depth, (score_total / 5) * 5 AS score_bucket, COUNT(*), AVG(success_inferred), AVG(tokens_used)
		FROM metrics WHERE timestamp >= ? GROUP BY depth, score_bucket
	`, since)
	if err != nil {
		return nil, fmt.Errorf("optimizer: score bucket stats: %w", err)
	}
	for rows.Next() {
		var depth Depth
		var bucket int
		var s ScoreBucketStats
		if err := rows.Scan(&depth, &bucket, &s.Count, &s.AvgSuccess, &s.AvgTokens); err != nil {
			rows.Close()
			return nil, err
		}
		if byScoreBucket[bucket] == nil {
			byScoreBucket[bucket] = map[Depth]ScoreBucketStats{}
		}
		byScoreBucket[bucket][depth] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byDepth := map[Depth]DepthSummary{}
	rows, err = t.db.QueryContext(ctx, `
		SELECT depth, COUNT(*), AVG(success_inferred), MIN(score_total), MAX(score_total), AVG(score_total)
		FROM metrics WHERE timestamp >= ? GROUP BY depth
	`, since)
	if err != nil {
		return nil, fmt.Errorf("optimizer: depth summary: %w", err)
	}
	for rows.Next() {
		var depth Depth
		var s DepthSummary
		if err := rows.Scan(&depth, &s.Count, &s.AvgSuccess, &s.MinScore, &s.MaxScore, &s.AvgScore); err != nil {
			rows.Close()
			return nil, err
		}
		byDepth[depth] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &TuningStats{
		TotalRecords:  total,
		ByDepth:       byDepth,
		ByScoreBucket: byScoreBucket,
	}, nil
}
