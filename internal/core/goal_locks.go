package core

import "sync"

// goalLocks hands out one mutex per goal so the execution controller, the
// monitor and the facade never write a goal's records concurrently.
type goalLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newGoalLocks() *goalLocks {
	return &goalLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the goal's lock is held and returns its release.
func (g *goalLocks) Lock(goalID string) func() {
	g.mu.Lock()
	l, ok := g.locks[goalID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[goalID] = l
	}
	g.mu.Unlock()

	l.Lock()
	return l.Unlock
}
