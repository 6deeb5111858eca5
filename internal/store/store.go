// Package store persists plans, execution records, sessions, and tool
// generations in a local SQLite database (pure-Go driver, no cgo).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"atlas/internal/logging"
	"atlas/internal/plan"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("opened database at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		tree_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	CREATE TABLE IF NOT EXISTS execution_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exec_plan ON execution_records(plan_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		goal TEXT NOT NULL,
		plan_id TEXT,
		answer TEXT,
		confidence REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);

	CREATE TABLE IF NOT EXISTS tool_generations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		purpose TEXT NOT NULL,
		source_path TEXT,
		accepted INTEGER NOT NULL,
		reject_reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_gen_tool ON tool_generations(tool_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// SavePlan inserts or updates a plan with its full task tree.
func (s *Store) SavePlan(p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, err := json.Marshal(p.Root)
	if err != nil {
		return fmt.Errorf("failed to marshal plan tree: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO plans (id, goal, status, tree_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tree_json = excluded.tree_json,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.Goal, string(p.Status()), string(tree), p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(id string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var goal, treeJSON string
	var createdAt time.Time
	err := s.db.QueryRow(
		`SELECT goal, tree_json, created_at FROM plans WHERE id = ?`, id,
	).Scan(&goal, &treeJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	var root plan.Task
	if err := json.Unmarshal([]byte(treeJSON), &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan tree: %w", err)
	}

	return &plan.Plan{ID: id, Goal: goal, Root: &root, CreatedAt: createdAt}, nil
}

// PlanSummary is a row in the plan listing.
type PlanSummary struct {
	ID        string
	Goal      string
	Status    string
	CreatedAt time.Time
}

// ListPlans returns the most recent plans, newest first.
func (s *Store) ListPlans(limit int) ([]PlanSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, goal, status, created_at FROM plans ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []PlanSummary
	for rows.Next() {
		var ps PlanSummary
		if err := rows.Scan(&ps.ID, &ps.Goal, &ps.Status, &ps.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// RecordExecution appends one task attempt record.
func (s *Store) RecordExecution(planID, taskID, strategy string, attempt int, durationMs int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO execution_records (plan_id, task_id, strategy, attempt, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		planID, taskID, strategy, attempt, durationMs, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ExecutionRecord is one persisted task attempt.
type ExecutionRecord struct {
	PlanID     string
	TaskID     string
	Strategy   string
	Attempt    int
	DurationMs int64
	Error      string
	CreatedAt  time.Time
}

// ListExecutions returns all attempt records for a plan, oldest first.
func (s *Store) ListExecutions(planID string) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT plan_id, task_id, strategy, attempt, duration_ms, COALESCE(error, ''), created_at
		FROM execution_records WHERE plan_id = ? ORDER BY id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		if err := rows.Scan(&r.PlanID, &r.TaskID, &r.Strategy, &r.Attempt, &r.DurationMs, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO sessions (id) VALUES (?)`, id)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// TouchSession updates a session's last-active time.
func (s *Store) TouchSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET last_active = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// Turn is one goal/answer exchange within a session.
type Turn struct {
	SessionID  string
	TurnNumber int
	Goal       string
	PlanID     string
	Answer     string
	Confidence float64
	CreatedAt  time.Time
}

// AppendTurn stores a turn and bumps the session's last-active time.
func (s *Store) AppendTurn(t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO turns (session_id, turn_number, goal, plan_id, answer, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.TurnNumber, t.Goal, t.PlanID, t.Answer, t.Confidence)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	_, _ = s.db.Exec(`UPDATE sessions SET last_active = CURRENT_TIMESTAMP WHERE id = ?`, t.SessionID)
	return nil
}

// RecentTurns returns the last n turns of a session, oldest first.
func (s *Store) RecentTurns(sessionID string, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 5
	}
	rows, err := s.db.Query(`
		SELECT session_id, turn_number, goal, COALESCE(plan_id, ''), COALESCE(answer, ''), COALESCE(confidence, 0), created_at
		FROM turns WHERE session_id = ?
		ORDER BY turn_number DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.TurnNumber, &t.Goal, &t.PlanID, &t.Answer, &t.Confidence, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecordToolGeneration stores the outcome of a regeneration attempt.
func (s *Store) RecordToolGeneration(toolName, purpose, sourcePath string, accepted bool, rejectReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acceptedInt := 0
	if accepted {
		acceptedInt = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_generations (tool_name, purpose, source_path, accepted, reject_reason)
		VALUES (?, ?, ?, ?, ?)`,
		toolName, purpose, sourcePath, acceptedInt, rejectReason)
	if err != nil {
		return fmt.Errorf("failed to record tool generation: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
