package planner

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// WORLD MODEL
// =============================================================================

// Operator is a primitive action with STRIPS preconditions and effects.
type Operator struct {
	Name          string        `yaml:"name"`
	Preconditions []string      `yaml:"preconditions,omitempty"`
	Add           []string      `yaml:"add,omitempty"`
	Delete        []string      `yaml:"delete,omitempty"`
	Duration      time.Duration `yaml:"duration,omitempty"`
	Cost          float64       `yaml:"cost,omitempty"`
	Uncertainty   float64       `yaml:"uncertainty,omitempty"`
	Resource      string        `yaml:"resource,omitempty"`
}

// stepCost is the search cost of applying the operator. Free operators still
// cost one unit so shorter plans win ties.
func (o *Operator) stepCost() float64 {
	if o.Cost > 0 {
		return o.Cost
	}
	return 1
}

// DecompositionStrategy says how a method orders its subtasks.
type DecompositionStrategy string

const (
	// Temporal runs subtasks one after another in the listed order.
	Temporal DecompositionStrategy = "/temporal"
	// Functional leaves subtasks unordered.
	Functional DecompositionStrategy = "/functional"
	// ResourceBased serialises subtasks that use the same resource.
	ResourceBased DecompositionStrategy = "/resource"
	// DependencyBased orders subtasks by the method's explicit edges.
	DependencyBased DecompositionStrategy = "/dependency"
)

// Method decomposes a compound task into subtasks.
type Method struct {
	Name          string                `yaml:"name"`
	Task          string                `yaml:"task"`
	Strategy      DecompositionStrategy `yaml:"strategy,omitempty"`
	Preconditions []string              `yaml:"preconditions,omitempty"`
	Subtasks      []string              `yaml:"subtasks"`
	// After maps a subtask to the subtasks it must follow (DependencyBased only).
	After map[string][]string `yaml:"after,omitempty"`
}

// Domain is the planner's world model.
type Domain struct {
	Operators    []Operator `yaml:"operators"`
	Methods      []Method   `yaml:"methods"`
	InitialState []string   `yaml:"initial_state"`

	ops     map[string]*Operator
	methods map[string][]*Method
}

// LoadDomain reads a YAML domain file.
func LoadDomain(path string) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain file: %w", err)
	}
	var d Domain
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse domain file: %w", err)
	}
	if err := d.Index(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Index validates the domain and builds the lookup tables. It must be called
// after the domain is built by hand.
func (d *Domain) Index() error {
	d.ops = make(map[string]*Operator, len(d.Operators))
	d.methods = make(map[string][]*Method)
	for i := range d.Operators {
		op := &d.Operators[i]
		if op.Name == "" {
			return fmt.Errorf("operator %d has no name", i)
		}
		if _, dup := d.ops[op.Name]; dup {
			return fmt.Errorf("duplicate operator %q", op.Name)
		}
		d.ops[op.Name] = op
	}
	for i := range d.Methods {
		m := &d.Methods[i]
		if m.Task == "" || len(m.Subtasks) == 0 {
			return fmt.Errorf("method %q needs a task and subtasks", m.Name)
		}
		if _, clash := d.ops[m.Task]; clash {
			return fmt.Errorf("method %q decomposes primitive task %q", m.Name, m.Task)
		}
		if m.Strategy == "" {
			m.Strategy = Temporal
		}
		d.methods[m.Task] = append(d.methods[m.Task], m)
	}
	return nil
}

func (d *Domain) operator(name string) (*Operator, bool) {
	if d == nil || d.ops == nil {
		return nil, false
	}
	op, ok := d.ops[name]
	return op, ok
}

func (d *Domain) methodsFor(task string) []*Method {
	if d == nil {
		return nil
	}
	return d.methods[task]
}

// achievers returns the operators that add fact, sorted by name.
func (d *Domain) achievers(fact string) []*Operator {
	if d == nil {
		return nil
	}
	var out []*Operator
	for i := range d.Operators {
		for _, a := range d.Operators[i].Add {
			if a == fact {
				out = append(out, &d.Operators[i])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// STATE
// =============================================================================

// State is a set of ground facts.
type State map[string]bool

// NewState builds a state from facts.
func NewState(facts ...string) State {
	s := make(State, len(facts))
	for _, f := range facts {
		s[f] = true
	}
	return s
}

// Holds reports whether every fact is true in s.
func (s State) Holds(facts []string) bool {
	for _, f := range facts {
		if !s[f] {
			return false
		}
	}
	return true
}

// Apply returns the successor state after op.
func (s State) Apply(op *Operator) State {
	next := make(State, len(s)+len(op.Add))
	for f := range s {
		next[f] = true
	}
	for _, f := range op.Delete {
		delete(next, f)
	}
	for _, f := range op.Add {
		next[f] = true
	}
	return next
}

// Key is a canonical string for the state.
func (s State) Key() string {
	facts := make([]string, 0, len(s))
	for f := range s {
		facts = append(facts, f)
	}
	sort.Strings(facts)
	return strings.Join(facts, "\x00")
}

// knows reports whether task is an operator or has methods.
func (d *Domain) knows(task string) bool {
	if _, ok := d.operator(task); ok {
		return true
	}
	return len(d.methodsFor(task)) > 0
}
