// Package store persists decision history, goals, the active-plan table and the
// plan archive.
//
// Decision results and archived plans are write-once: the store refuses to
// change them after they are recorded. Every reader receives a copy.
package store

import (
	"context"
	"errors"
	"fmt"

	"deliberate/internal/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write-once record already exists.
	ErrDuplicate = errors.New("already recorded")
	// ErrImmutable is returned when a caller tries to change an archived plan.
	ErrImmutable = errors.New("record is immutable")
)

// Store is the persistence surface used by the decision engine, the execution
// controller and the plan monitor.
type Store interface {
	// AppendDecision records a decision result. IDs are unique.
	AppendDecision(ctx context.Context, result *types.DecisionResult) error
	// Decision returns a recorded decision.
	Decision(ctx context.Context, id string) (*types.DecisionResult, error)
	// Decisions returns the history in append order, filtered by goal when goalID is set.
	Decisions(ctx context.Context, goalID string) ([]*types.DecisionResult, error)

	// SaveGoal inserts or updates a goal. Progress of an active goal never decreases.
	SaveGoal(ctx context.Context, goal *types.Goal) error
	Goal(ctx context.Context, id string) (*types.Goal, error)
	Goals(ctx context.Context) ([]*types.Goal, error)

	// InstallPlan makes plan the active plan of its goal. A previously active plan
	// is marked superseded and archived in the same transaction and returned.
	InstallPlan(ctx context.Context, plan *types.Plan) (previous *types.Plan, err error)
	// ActivePlan returns the active plan of a goal.
	ActivePlan(ctx context.Context, goalID string) (*types.Plan, error)
	// Plan returns a plan by id from the active table or the archive.
	Plan(ctx context.Context, planID string) (*types.Plan, error)
	// UpdatePlan replaces the stored copy of an active plan.
	UpdatePlan(ctx context.Context, plan *types.Plan) error
	// ArchivePlan retires the active plan of a goal with a final status.
	ArchivePlan(ctx context.Context, goalID string, status types.PlanStatus) (*types.Plan, error)
	// ArchivedPlans returns the archive of a goal, oldest first.
	ArchivedPlans(ctx context.Context, goalID string) ([]*types.Plan, error)

	Close() error
}

// Driver names.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns a store for the configured driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// mergeGoal applies the progress rule shared by every driver: while the stored
// goal is active its progress is never lowered.
func mergeGoal(stored, next *types.Goal) *types.Goal {
	out := next.Clone()
	if stored != nil && stored.Status == types.GoalActive && out.Progress < stored.Progress {
		out.Progress = stored.Progress
	}
	if out.Progress > 100 {
		out.Progress = 100
	}
	if out.Progress < 0 {
		out.Progress = 0
	}
	return &out
}

func checkPlan(plan *types.Plan) error {
	if plan == nil || plan.ID == "" || plan.GoalID == "" {
		return fmt.Errorf("plan must carry an id and a goal id")
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
