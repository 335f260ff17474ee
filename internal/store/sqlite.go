package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deliberate/internal/logging"
	"deliberate/internal/types"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable driver. Every record is kept as a JSON document
// next to the columns it is queried by.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Initializing SQLiteStore at path: %s", path)

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logging.StoreDebug("Database schema initialized successfully")
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		migrationDecisions,
		migrationGoals,
		migrationActivePlans,
		migrationArchivedPlans,
		migrationImmutability,
		migrationIndexes,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    goal_id TEXT NOT NULL DEFAULT '',
    strategy TEXT NOT NULL,
    selected_option TEXT NOT NULL,
    confidence REAL NOT NULL,
    created_at INTEGER NOT NULL,
    decision_data TEXT NOT NULL
);
`

const migrationGoals = `
CREATE TABLE IF NOT EXISTS goals (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    progress REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    goal_data TEXT NOT NULL
);
`

const migrationActivePlans = `
CREATE TABLE IF NOT EXISTS active_plans (
    goal_id TEXT PRIMARY KEY,
    plan_id TEXT NOT NULL UNIQUE,
    revision INTEGER NOT NULL,
    status TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    plan_data TEXT NOT NULL
);
`

const migrationArchivedPlans = `
CREATE TABLE IF NOT EXISTS archived_plans (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    plan_id TEXT NOT NULL UNIQUE,
    goal_id TEXT NOT NULL,
    revision INTEGER NOT NULL,
    status TEXT NOT NULL,
    archived_at INTEGER NOT NULL,
    plan_data TEXT NOT NULL
);
`

// Decisions and archived plans are write-once.
const migrationImmutability = `
CREATE TRIGGER IF NOT EXISTS decisions_no_update BEFORE UPDATE ON decisions
BEGIN SELECT RAISE(ABORT, 'decision history is append-only'); END;
CREATE TRIGGER IF NOT EXISTS decisions_no_delete BEFORE DELETE ON decisions
BEGIN SELECT RAISE(ABORT, 'decision history is append-only'); END;
CREATE TRIGGER IF NOT EXISTS archived_plans_no_update BEFORE UPDATE ON archived_plans
BEGIN SELECT RAISE(ABORT, 'archived plans are immutable'); END;
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_decisions_goal_id ON decisions(goal_id);
CREATE INDEX IF NOT EXISTS idx_archived_plans_goal_id ON archived_plans(goal_id);
`

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// DECISIONS
// =============================================================================

func (s *SQLiteStore) AppendDecision(ctx context.Context, result *types.DecisionResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("decision result must carry an id")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, goal_id, strategy, selected_option, confidence, created_at, decision_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		result.Context.GoalID,
		string(result.Strategy),
		result.SelectedOption.ID,
		result.Confidence,
		result.Timestamp.UnixNano(),
		string(data),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("decision %s: %w", result.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	logging.StoreDebug("appended decision %s", result.ID)
	return nil
}

func (s *SQLiteStore) Decision(ctx context.Context, id string) (*types.DecisionResult, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT decision_data FROM decisions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("decision", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}
	return decodeDecision(data)
}

func (s *SQLiteStore) Decisions(ctx context.Context, goalID string) ([]*types.DecisionResult, error) {
	var rows []string
	var err error
	if goalID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT decision_data FROM decisions ORDER BY seq`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT decision_data FROM decisions WHERE goal_id = ? ORDER BY seq`, goalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	out := make([]*types.DecisionResult, 0, len(rows))
	for _, data := range rows {
		d, err := decodeDecision(data)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeDecision(data string) (*types.DecisionResult, error) {
	var d types.DecisionResult
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}

// =============================================================================
// GOALS
// =============================================================================

func (s *SQLiteStore) SaveGoal(ctx context.Context, goal *types.Goal) error {
	if goal == nil || goal.ID == "" {
		return fmt.Errorf("goal must carry an id")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := loadGoal(ctx, tx, goal.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := mergeGoal(stored, goal)
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode goal: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO goals (id, status, progress, updated_at, goal_data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			updated_at = excluded.updated_at,
			goal_data = excluded.goal_data`,
		merged.ID, string(merged.Status), merged.Progress, time.Now().UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save goal: %w", err)
	}
	return tx.Commit()
}

func loadGoal(ctx context.Context, q sqlx.QueryerContext, id string) (*types.Goal, error) {
	var data string
	err := sqlx.GetContext(ctx, q, &data, `SELECT goal_data FROM goals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("goal", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load goal: %w", err)
	}
	var g types.Goal
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to decode goal: %w", err)
	}
	return &g, nil
}

func (s *SQLiteStore) Goal(ctx context.Context, id string) (*types.Goal, error) {
	return loadGoal(ctx, s.db, id)
}

func (s *SQLiteStore) Goals(ctx context.Context) ([]*types.Goal, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, `SELECT goal_data FROM goals ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	out := make([]*types.Goal, 0, len(rows))
	for _, data := range rows {
		var g types.Goal
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, fmt.Errorf("failed to decode goal: %w", err)
		}
		out = append(out, &g)
	}
	return out, nil
}

// =============================================================================
// PLANS
// =============================================================================

func decodePlan(data string) (*types.Plan, error) {
	var p types.Plan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &p, nil
}

func loadActive(ctx context.Context, q sqlx.QueryerContext, goalID string) (*types.Plan, error) {
	var data string
	err := sqlx.GetContext(ctx, q, &data, `SELECT plan_data FROM active_plans WHERE goal_id = ?`, goalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("active plan for goal", goalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active plan: %w", err)
	}
	return decodePlan(data)
}

func archiveTx(ctx context.Context, tx *sqlx.Tx, p *types.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_plans WHERE goal_id = ?`, p.GoalID); err != nil {
		return fmt.Errorf("failed to retire active plan: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_plans (plan_id, goal_id, revision, status, archived_at, plan_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.GoalID, p.Revision, string(p.Status), p.UpdatedAt.UnixNano(), string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("plan %s: %w", p.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to archive plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) archivedExists(ctx context.Context, q sqlx.QueryerContext, planID string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM archived_plans WHERE plan_id = ?`, planID); err != nil {
		return false, fmt.Errorf("failed to query archive: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) InstallPlan(ctx context.Context, plan *types.Plan) (*types.Plan, error) {
	if err := checkPlan(plan); err != nil {
		return nil, err
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if exists, err := s.archivedExists(ctx, tx, plan.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrDuplicate)
	}

	var retired *types.Plan
	prev, err := loadActive(ctx, tx, plan.GoalID)
	switch {
	case err == nil:
		if prev.ID == plan.ID {
			return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrDuplicate)
		}
		prev.Status = types.PlanSuperseded
		prev.UpdatedAt = time.Now()
		if err := archiveTx(ctx, tx, prev); err != nil {
			return nil, err
		}
		retired = prev
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO active_plans (goal_id, plan_id, revision, status, updated_at, plan_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		plan.GoalID, plan.ID, plan.Revision, string(plan.Status), plan.UpdatedAt.UnixNano(), string(data))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to install plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit plan install: %w", err)
	}
	logging.Store("installed plan %s for goal %s (revision %d)", plan.ID, plan.GoalID, plan.Revision)
	return retired, nil
}

func (s *SQLiteStore) ActivePlan(ctx context.Context, goalID string) (*types.Plan, error) {
	return loadActive(ctx, s.db, goalID)
}

func (s *SQLiteStore) Plan(ctx context.Context, planID string) (*types.Plan, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `
		SELECT plan_data FROM active_plans WHERE plan_id = ?
		UNION ALL
		SELECT plan_data FROM archived_plans WHERE plan_id = ?
		LIMIT 1`, planID, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return decodePlan(data)
}

func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *types.Plan) error {
	if err := checkPlan(plan); err != nil {
		return err
	}
	if exists, err := s.archivedExists(ctx, s.db, plan.ID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("plan %s is archived: %w", plan.ID, ErrImmutable)
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE active_plans SET status = ?, updated_at = ?, plan_data = ?
		WHERE goal_id = ? AND plan_id = ?`,
		string(plan.Status), plan.UpdatedAt.UnixNano(), string(data), plan.GoalID, plan.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("active plan", plan.ID)
	}
	return nil
}

func (s *SQLiteStore) ArchivePlan(ctx context.Context, goalID string, status types.PlanStatus) (*types.Plan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := loadActive(ctx, tx, goalID)
	if err != nil {
		return nil, err
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	if err := archiveTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit archive: %w", err)
	}
	logging.Store("archived plan %s for goal %s as %s", p.ID, goalID, status)
	return p, nil
}

func (s *SQLiteStore) ArchivedPlans(ctx context.Context, goalID string) ([]*types.Plan, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `
		SELECT plan_data FROM archived_plans WHERE goal_id = ? ORDER BY revision, seq`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived plans: %w", err)
	}
	out := make([]*types.Plan, 0, len(rows))
	for _, data := range rows {
		p, err := decodePlan(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	logging.StoreDebug("closing SQLiteStore %s", s.path)
	return s.db.Close()
}
