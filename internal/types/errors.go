package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrInvalidContext         = errors.New("invalid decision context")
	ErrNoViableOptions        = errors.New("no viable options")
	ErrEthicallyBlocked       = errors.New("all options ethically blocked")
	ErrGoalTooComplex         = errors.New("goal too complex")
	ErrUnreachable            = errors.New("goal unreachable")
	ErrConflictingConstraints = errors.New("conflicting constraints")
	ErrDependencyUnmet        = errors.New("dependency unmet")
	ErrStepFailed             = errors.New("step failed")
	ErrPlanCancelled          = errors.New("plan cancelled")
)

// Error carries the originating ids of a failure alongside its kind.
type Error struct {
	Kind      error
	ContextID string
	GoalID    string
	PlanID    string
	StepID    string
	Detail    string
	Err       error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	var ids []string
	if e.ContextID != "" {
		ids = append(ids, "context="+e.ContextID)
	}
	if e.GoalID != "" {
		ids = append(ids, "goal="+e.GoalID)
	}
	if e.PlanID != "" {
		ids = append(ids, "plan="+e.PlanID)
	}
	if e.StepID != "" {
		ids = append(ids, "step="+e.StepID)
	}
	if len(ids) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ids, " "))
		b.WriteString("]")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause so errors.Is reaches both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error of the given kind with a formatted detail message.
func NewError(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WithContext sets the originating context id.
func (e *Error) WithContext(id string) *Error { e.ContextID = id; return e }

// WithGoal sets the originating goal id.
func (e *Error) WithGoal(id string) *Error { e.GoalID = id; return e }

// WithPlan sets the originating plan id.
func (e *Error) WithPlan(id string) *Error { e.PlanID = id; return e }

// WithStep sets the originating step id.
func (e *Error) WithStep(id string) *Error { e.StepID = id; return e }

// Wrap sets the underlying cause.
func (e *Error) Wrap(err error) *Error { e.Err = err; return e }

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
