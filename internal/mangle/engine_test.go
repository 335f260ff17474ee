package mangle

import (
	"strings"
	"testing"
)

func TestEngineLoadSchemaString(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	if err := engine.LoadSchemaString(`Decl test_fact(X, Y).`); err != nil {
		t.Fatalf("LoadSchemaString() error = %v", err)
	}
	if err := engine.LoadSchemaString(`this is not datalog`); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEngineAddAndGetFacts(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	if err := engine.LoadSchemaString(`Decl person(Name, Age).`); err != nil {
		t.Fatalf("LoadSchemaString() error = %v", err)
	}

	facts := []Fact{
		{Predicate: "person", Args: []interface{}{"Alice", int64(30)}},
		{Predicate: "person", Args: []interface{}{"Bob", 25}},
	}
	if err := engine.AddFacts(facts); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}

	got, err := engine.GetFacts("person")
	if err != nil {
		t.Fatalf("GetFacts() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(got))
	}
	names := map[string]int64{}
	for _, f := range got {
		names[f.Args[0].(string)] = f.Args[1].(int64)
	}
	if names["Alice"] != 30 || names["Bob"] != 25 {
		t.Errorf("unexpected facts %v", names)
	}
	if engine.FactCount() != 2 {
		t.Errorf("FactCount = %d, want 2", engine.FactCount())
	}
}

func TestEngineRejectsUndeclaredAndArity(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	if err := engine.LoadSchemaString(`Decl item(Name).`); err != nil {
		t.Fatal(err)
	}
	if err := engine.AddFact("other", "x"); err == nil {
		t.Error("expected undeclared predicate error")
	}
	if err := engine.AddFact("item", "x", "y"); err == nil {
		t.Error("expected arity error")
	}
}

func TestEngineFactLimit(t *testing.T) {
	engine := NewEngine(Config{FactLimit: 1})
	if err := engine.LoadSchemaString(`Decl item(Name).`); err != nil {
		t.Fatal(err)
	}
	if err := engine.AddFact("item", "a"); err != nil {
		t.Fatal(err)
	}
	if err := engine.AddFact("item", "b"); err == nil || !strings.Contains(err.Error(), "fact limit") {
		t.Errorf("expected fact limit error, got %v", err)
	}
}

func TestEngineClear(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	if err := engine.LoadSchemaString(`Decl item(Name).`); err != nil {
		t.Fatal(err)
	}
	_ = engine.AddFact("item", "a")
	engine.Clear()
	got, _ := engine.GetFacts("item")
	if len(got) != 0 {
		t.Errorf("expected empty store after Clear, got %v", got)
	}
}

func TestFactString(t *testing.T) {
	f := Fact{Predicate: "requires", Args: []interface{}{"c1", "/gpu", int64(3)}}
	if got, want := f.String(), `requires("c1", /gpu, 3).`; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCheckPlanningConflicts(t *testing.T) {
	tests := []struct {
		name      string
		facts     []Fact
		conflicts []Conflict
	}{
		{
			name: "require vs forbid",
			facts: []Fact{
				{Predicate: "requires", Args: []interface{}{"require:cloud", "cloud"}},
				{Predicate: "forbids", Args: []interface{}{"forbid:cloud", "cloud"}},
			},
			conflicts: []Conflict{{A: "forbid:cloud", B: "require:cloud"}},
		},
		{
			name: "exclusive requirements",
			facts: []Fact{
				{Predicate: "requires", Args: []interface{}{"c1", "onprem"}},
				{Predicate: "requires", Args: []interface{}{"c2", "cloud"}},
				{Predicate: "exclusive", Args: []interface{}{"onprem", "cloud"}},
			},
			conflicts: []Conflict{{A: "c1", B: "c2"}},
		},
		{
			name: "bounds",
			facts: []Fact{
				{Predicate: "lower_bound", Args: []interface{}{"min:cost:200", "cost", int64(200000)}},
				{Predicate: "upper_bound", Args: []interface{}{"max:cost:100", "cost", int64(100000)}},
			},
			conflicts: []Conflict{{A: "max:cost:100", B: "min:cost:200"}},
		},
		{
			name: "compatible bounds",
			facts: []Fact{
				{Predicate: "lower_bound", Args: []interface{}{"min:cost:50", "cost", int64(50000)}},
				{Predicate: "upper_bound", Args: []interface{}{"max:cost:100", "cost", int64(100000)}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := CheckPlanning(tt.facts)
			if err != nil {
				t.Fatalf("CheckPlanning() error = %v", err)
			}
			if len(report.Conflicts) != len(tt.conflicts) {
				t.Fatalf("conflicts = %v, want %v", report.Conflicts, tt.conflicts)
			}
			for i := range tt.conflicts {
				if report.Conflicts[i] != tt.conflicts[i] {
					t.Errorf("conflict[%d] = %v, want %v", i, report.Conflicts[i], tt.conflicts[i])
				}
			}
		})
	}
}

func TestCheckPlanningCycles(t *testing.T) {
	acyclic := []Fact{
		{Predicate: "depends", Args: []interface{}{"b", "a"}},
		{Predicate: "depends", Args: []interface{}{"c", "b"}},
	}
	report, err := CheckPlanning(acyclic)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Consistent() {
		t.Errorf("expected consistent report, got %+v", report)
	}

	cyclic := append(acyclic, Fact{Predicate: "depends", Args: []interface{}{"a", "c"}})
	report, err = CheckPlanning(cyclic)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Cycles) != 3 || report.Cycles[0] != "a" {
		t.Errorf("expected cycle over a,b,c, got %v", report.Cycles)
	}
}
