package mangle

import (
	"fmt"
	"sort"
)

// PlanningSchema derives constraint conflicts and ordering cycles.
//
// Bounds are stored as integers in thousandths so the comparison stays on
// Mangle's number type.
const PlanningSchema = `
Decl constraint(C).
Decl requires(C, X).
Decl forbids(C, X).
Decl exclusive(X, Y).
Decl lower_bound(C, M, V).
Decl upper_bound(C, M, V).
Decl depends(S, D).
Decl conflict(A, B).
Decl precedes(A, B).
Decl cycle(S).

conflict(A, B) :- requires(A, X), forbids(B, X).
conflict(A, B) :- requires(A, X), requires(B, Y), exclusive(X, Y).
conflict(A, B) :- lower_bound(A, M, Lo), upper_bound(B, M, Hi), Hi < Lo.

precedes(D, S) :- depends(S, D).
precedes(A, C) :- precedes(A, B), depends(C, B).

cycle(S) :- precedes(S, S).
`

// Conflict is a pair of mutually exclusive constraints.
type Conflict struct {
	A, B string
}

// PlanningReport is the result of a consistency check.
type PlanningReport struct {
	Conflicts []Conflict
	Cycles    []string
}

// Consistent reports whether nothing was derived.
func (r *PlanningReport) Consistent() bool {
	return len(r.Conflicts) == 0 && len(r.Cycles) == 0
}

// CheckPlanning evaluates PlanningSchema over facts on a fresh engine.
// Results are sorted for deterministic error messages.
func CheckPlanning(facts []Fact) (*PlanningReport, error) {
	e := NewEngine(Config{AutoEval: false})
	if err := e.LoadSchemaString(PlanningSchema); err != nil {
		return nil, err
	}
	if err := e.AddFacts(facts); err != nil {
		return nil, fmt.Errorf("failed to assert planning facts: %w", err)
	}
	if err := e.Evaluate(); err != nil {
		return nil, err
	}

	report := &PlanningReport{}

	conflicts, err := e.GetFacts("conflict")
	if err != nil {
		return nil, err
	}
	seen := make(map[Conflict]bool)
	for _, f := range conflicts {
		a, _ := f.Args[0].(string)
		b, _ := f.Args[1].(string)
		if a > b {
			a, b = b, a
		}
		c := Conflict{A: a, B: b}
		if !seen[c] {
			seen[c] = true
			report.Conflicts = append(report.Conflicts, c)
		}
	}
	sort.Slice(report.Conflicts, func(i, j int) bool {
		if report.Conflicts[i].A != report.Conflicts[j].A {
			return report.Conflicts[i].A < report.Conflicts[j].A
		}
		return report.Conflicts[i].B < report.Conflicts[j].B
	})

	cycles, err := e.GetFacts("cycle")
	if err != nil {
		return nil, err
	}
	for _, f := range cycles {
		if s, ok := f.Args[0].(string); ok {
			report.Cycles = append(report.Cycles, s)
		}
	}
	sort.Strings(report.Cycles)

	return report, nil
}
