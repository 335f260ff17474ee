package logging

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES - Maps to Mangle predicates
// =============================================================================

// AuditEventType defines the type of audit event (maps to Mangle predicate)
type AuditEventType string

const (
	// Decision lifecycle -> decision_event/5
	AuditDecisionStart    AuditEventType = "decision_start"
	AuditDecisionComplete AuditEventType = "decision_complete"
	AuditDecisionError    AuditEventType = "decision_error"
	AuditEthicsBlock      AuditEventType = "ethics_block"
	AuditEthicsOverride   AuditEventType = "ethics_override"

	// Plan lifecycle -> plan_event/5
	AuditPlanCreated    AuditEventType = "plan_created"
	AuditPlanReplanning AuditEventType = "plan_replanning"
	AuditPlanAdapted    AuditEventType = "plan_adapted"
	AuditPlanCompleted  AuditEventType = "plan_completed"
	AuditPlanFailed     AuditEventType = "plan_failed"

	// Execution -> step_event/6
	AuditStepCompleted AuditEventType = "step_completed"
	AuditStepFailed    AuditEventType = "step_failed"
	AuditExecAborted   AuditEventType = "execution_aborted"
)

// AuditEvent represents a structured audit log entry that can be parsed to Mangle.
type AuditEvent struct {
	Timestamp  int64
	EventType  AuditEventType
	GoalID     string
	PlanID     string
	DecisionID string
	StepID     string
	Success    bool
	DurationMs int64
	Error      string
	Message    string
}

// AuditLogger writes audit events to the audit category with a pre-formatted Mangle fact.
type AuditLogger struct {
	goalID string
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditForGoal returns an audit logger that stamps every event with goalID.
func AuditForGoal(goalID string) *AuditLogger {
	return &AuditLogger{goalID: goalID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	l := Get(CategoryAudit)
	if l.sugar == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.GoalID == "" {
		event.GoalID = a.goalID
	}
	l.sugar.Infow(event.Message,
		"event", string(event.EventType),
		"goal", event.GoalID,
		"plan", event.PlanID,
		"decision", event.DecisionID,
		"step", event.StepID,
		"success", event.Success,
		"mangle", generateMangleFact(event),
	)
}

// generateMangleFact creates a Mangle-compatible fact string from an event
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditDecisionStart, AuditDecisionComplete, AuditDecisionError, AuditEthicsBlock, AuditEthicsOverride:
		return fmt.Sprintf("decision_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.DecisionID), escapeString(e.GoalID), e.Success)

	case AuditPlanCreated, AuditPlanReplanning, AuditPlanAdapted, AuditPlanCompleted, AuditPlanFailed:
		return fmt.Sprintf("plan_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.PlanID), escapeString(e.GoalID), e.Success)

	case AuditStepCompleted, AuditStepFailed, AuditExecAborted:
		return fmt.Sprintf("step_event(%d, /%s, \"%s\", \"%s\", %v, %d).",
			e.Timestamp, e.EventType, escapeString(e.PlanID), escapeString(e.StepID), e.Success, e.DurationMs)

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.Message), e.Success)
	}
}

func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// DecisionEvent logs a decision lifecycle event
func (a *AuditLogger) DecisionEvent(eventType AuditEventType, decisionID, goalID string, success bool, msg string) {
	a.Log(AuditEvent{
		EventType:  eventType,
		DecisionID: decisionID,
		GoalID:     goalID,
		Success:    success,
		Message:    msg,
	})
}

// PlanEvent logs a plan lifecycle event
func (a *AuditLogger) PlanEvent(eventType AuditEventType, planID, goalID string, success bool, msg string) {
	a.Log(AuditEvent{
		EventType: eventType,
		PlanID:    planID,
		GoalID:    goalID,
		Success:   success,
		Message:   msg,
	})
}

// StepEvent logs a step outcome
func (a *AuditLogger) StepEvent(eventType AuditEventType, planID, stepID string, duration time.Duration, errMsg string) {
	a.Log(AuditEvent{
		EventType:  eventType,
		PlanID:     planID,
		StepID:     stepID,
		Success:    errMsg == "",
		DurationMs: duration.Milliseconds(),
		Error:      errMsg,
		Message:    fmt.Sprintf("step %s %s (%dms)", stepID, eventType, duration.Milliseconds()),
	})
}
