package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// MemoryStore keeps everything in process memory. It is the default driver and
// the one used by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions []*types.DecisionResult
	byID      map[string]int
	goals     map[string]*types.Goal
	goalOrder []string
	active    map[string]*types.Plan // goal id -> plan
	archive   map[string][]*types.Plan
	archived  map[string]*types.Plan // plan id -> plan
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		goals:    make(map[string]*types.Goal),
		active:   make(map[string]*types.Plan),
		archive:  make(map[string][]*types.Plan),
		archived: make(map[string]*types.Plan),
	}
}

func (s *MemoryStore) AppendDecision(ctx context.Context, result *types.DecisionResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if result == nil || result.ID == "" {
		return fmt.Errorf("decision result must carry an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[result.ID]; ok {
		return fmt.Errorf("decision %s: %w", result.ID, ErrDuplicate)
	}
	s.byID[result.ID] = len(s.decisions)
	s.decisions = append(s.decisions, result.Clone())
	logging.StoreDebug("appended decision %s (history=%d)", result.ID, len(s.decisions))
	return nil
}

func (s *MemoryStore) Decision(ctx context.Context, id string) (*types.DecisionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, notFound("decision", id)
	}
	return s.decisions[idx].Clone(), nil
}

func (s *MemoryStore) Decisions(ctx context.Context, goalID string) ([]*types.DecisionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DecisionResult
	for _, d := range s.decisions {
		if goalID == "" || d.Context.GoalID == goalID {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveGoal(ctx context.Context, goal *types.Goal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if goal == nil || goal.ID == "" {
		return fmt.Errorf("goal must carry an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.goals[goal.ID]
	if !ok {
		s.goalOrder = append(s.goalOrder, goal.ID)
	}
	s.goals[goal.ID] = mergeGoal(stored, goal)
	return nil
}

func (s *MemoryStore) Goal(ctx context.Context, id string) (*types.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, notFound("goal", id)
	}
	c := g.Clone()
	return &c, nil
}

func (s *MemoryStore) Goals(ctx context.Context) ([]*types.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Goal, 0, len(s.goalOrder))
	for _, id := range s.goalOrder {
		c := s.goals[id].Clone()
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) InstallPlan(ctx context.Context, plan *types.Plan) (*types.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPlan(plan); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.archived[plan.ID]; ok {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrDuplicate)
	}
	prev := s.active[plan.GoalID]
	if prev != nil && prev.ID == plan.ID {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrDuplicate)
	}

	var retired *types.Plan
	if prev != nil {
		retired = prev.Clone()
		retired.Status = types.PlanSuperseded
		retired.UpdatedAt = time.Now()
		s.archiveLocked(retired)
	}
	s.active[plan.GoalID] = plan.Clone()
	logging.Store("installed plan %s for goal %s (revision %d)", plan.ID, plan.GoalID, plan.Revision)
	return retired.Clone(), nil
}

func (s *MemoryStore) archiveLocked(p *types.Plan) {
	s.archive[p.GoalID] = append(s.archive[p.GoalID], p)
	s.archived[p.ID] = p
}

func (s *MemoryStore) ActivePlan(ctx context.Context, goalID string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.active[goalID]
	if !ok {
		return nil, notFound("active plan for goal", goalID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Plan(ctx context.Context, planID string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.active {
		if p.ID == planID {
			return p.Clone(), nil
		}
	}
	if p, ok := s.archived[planID]; ok {
		return p.Clone(), nil
	}
	return nil, notFound("plan", planID)
}

func (s *MemoryStore) UpdatePlan(ctx context.Context, plan *types.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPlan(plan); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archived[plan.ID]; ok {
		return fmt.Errorf("plan %s is archived: %w", plan.ID, ErrImmutable)
	}
	cur, ok := s.active[plan.GoalID]
	if !ok || cur.ID != plan.ID {
		return notFound("active plan", plan.ID)
	}
	s.active[plan.GoalID] = plan.Clone()
	return nil
}

func (s *MemoryStore) ArchivePlan(ctx context.Context, goalID string, status types.PlanStatus) (*types.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.active[goalID]
	if !ok {
		return nil, notFound("active plan for goal", goalID)
	}
	delete(s.active, goalID)
	p := cur.Clone()
	p.Status = status
	p.UpdatedAt = time.Now()
	s.archiveLocked(p)
	logging.Store("archived plan %s for goal %s as %s", p.ID, goalID, status)
	return p.Clone(), nil
}

func (s *MemoryStore) ArchivedPlans(ctx context.Context, goalID string) ([]*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := s.archive[goalID]
	out := make([]*types.Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
