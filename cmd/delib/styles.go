package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"deliberate/internal/execution"
	"deliberate/internal/types"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary     = lipgloss.Color("#8BC34A") // Lime Green
	Accent      = lipgloss.Color("#2196F3") // Blue
	Muted       = lipgloss.Color("#6b7785")
	Destructive = lipgloss.Color("#e53935") // Red
	Warning     = lipgloss.Color("#FFC107") // Yellow
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Primary)
	HeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	LabelStyle   = lipgloss.NewStyle().Foreground(Muted).Width(14)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	SuccessStyle = lipgloss.NewStyle().Foreground(Primary)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Destructive).Bold(true)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1)
)

// statusStyle colours a lifecycle status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(types.GoalAchieved), string(types.PlanCompleted), string(types.StepCompleted), string(execution.StatusCompleted):
		return SuccessStyle
	case string(types.GoalFailed), string(types.PlanFailed), string(types.PlanAborted), string(types.StepFailed):
		return ErrorStyle
	case string(types.PlanSuperseded), string(types.PlanCancelled), string(types.StepSkipped):
		return MutedStyle
	default:
		return WarningStyle
	}
}

func field(label, value string) string {
	return LabelStyle.Render(label) + " " + value
}

// =============================================================================
// RENDERERS
// =============================================================================

func renderDecision(r *types.DecisionResult) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Decision "+r.ID) + "\n")
	b.WriteString(field("strategy", string(r.Strategy)) + "\n")
	b.WriteString(field("selected", fmt.Sprintf("%s (%s)", HeaderStyle.Render(r.SelectedOption.ID), r.SelectedOption.Description)) + "\n")
	b.WriteString(field("score", fmt.Sprintf("%.3f", r.SelectedOption.Score)) + "\n")
	b.WriteString(field("ethics", fmt.Sprintf("%.3f", r.SelectedOption.EthicalScore)) + "\n")
	b.WriteString(field("confidence", fmt.Sprintf("%.2f", r.Confidence)) + "\n")
	if len(r.Ranking) > 0 {
		b.WriteString(field("ranking", strings.Join(r.Ranking, " > ")) + "\n")
	}
	for _, ex := range r.Excluded {
		b.WriteString(field("excluded", ErrorStyle.Render(ex.OptionID)+" "+MutedStyle.Render(ex.Reason)) + "\n")
	}
	if r.Override != nil {
		b.WriteString(field("override", WarningStyle.Render(r.Override.ApprovedBy+": "+r.Override.Reason)) + "\n")
	}
	if len(r.ExecutionPlan.Steps) > 0 {
		b.WriteString("\n" + HeaderStyle.Render("Execution plan") + "\n")
		b.WriteString(renderSteps(r.ExecutionPlan.Steps, nil))
	}
	if r.Reasoning != "" {
		b.WriteString("\n" + MutedStyle.Render(r.Reasoning) + "\n")
	}
	return PanelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderPlan(p *types.Plan) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Plan %s (rev %d)", p.ID, p.Revision)) + "\n")
	b.WriteString(field("goal", p.GoalID) + "\n")
	b.WriteString(field("status", statusStyle(string(p.Status)).Render(string(p.Status))) + "\n")
	b.WriteString(field("strategy", string(p.Strategy)) + "\n")
	b.WriteString(field("horizon", string(p.Horizon)) + "\n")
	b.WriteString(field("duration", p.EstimatedDuration.String()) + "\n")
	b.WriteString(field("cost", fmt.Sprintf("%.2f", p.EstimatedCost)) + "\n")
	b.WriteString(field("confidence", fmt.Sprintf("%.2f", p.Confidence)) + "\n")
	b.WriteString("\n" + HeaderStyle.Render("Steps") + "\n")
	b.WriteString(renderSteps(p.Steps, p.Schedule))
	if len(p.Checkpoints) > 0 {
		b.WriteString("\n" + HeaderStyle.Render("Checkpoints") + "\n")
		for _, cp := range p.Checkpoints {
			b.WriteString(fmt.Sprintf("  after %s  %s\n", cp.StepID, MutedStyle.Render(cp.Reason)))
		}
	}
	if len(p.Contingencies) > 0 {
		b.WriteString("\n" + HeaderStyle.Render("Contingencies") + "\n")
		for _, c := range p.Contingencies {
			line := fmt.Sprintf("  %s -> %s", c.Trigger, c.Action)
			if c.Condition != "" {
				line += MutedStyle.Render(" when " + c.Condition)
			}
			b.WriteString(line + "\n")
		}
	}
	return PanelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderSteps(steps []types.Step, schedule map[string]types.Window) string {
	var b strings.Builder
	var origin time.Time
	for _, w := range schedule {
		if origin.IsZero() || w.Start.Before(origin) {
			origin = w.Start
		}
	}
	for _, s := range steps {
		status := s.Status
		if status == "" {
			status = types.StepPending
		}
		line := fmt.Sprintf("  %-4s %-28s %s", s.ID, s.Action, statusStyle(string(status)).Render(string(status)))
		if w, ok := schedule[s.ID]; ok {
			line += MutedStyle.Render(fmt.Sprintf("  +%s..+%s", w.Start.Sub(origin), w.End.Sub(origin)))
		}
		if len(s.Dependencies) > 0 {
			line += MutedStyle.Render("  after " + strings.Join(s.Dependencies, ","))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func renderReport(r *execution.Report) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Execution") + "\n")
	b.WriteString(field("status", statusStyle(string(r.Status)).Render(string(r.Status))) + "\n")
	if r.PlanID != "" {
		b.WriteString(field("plan", r.PlanID) + "\n")
	}
	if r.DecisionID != "" {
		b.WriteString(field("decision", r.DecisionID) + "\n")
	}
	b.WriteString(field("replans", fmt.Sprintf("%d", r.Replans)) + "\n")
	ids := make([]string, 0, len(r.Steps))
	for id := range r.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := r.Steps[id]
		b.WriteString(fmt.Sprintf("  %-12s %s %s\n", id, statusStyle(string(st)).Render(string(st)),
			MutedStyle.Render(fmt.Sprintf("attempts=%d", r.Attempts[id]))))
	}
	if r.Err != nil {
		b.WriteString(ErrorStyle.Render(r.Err.Error()) + "\n")
	}
	return PanelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderGoal(g *types.Goal) string {
	return fmt.Sprintf("%s %s %s", HeaderStyle.Render(g.ID),
		statusStyle(string(g.Status)).Render(string(g.Status)),
		MutedStyle.Render(fmt.Sprintf("progress=%.0f%%", g.Progress)))
}
