package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"deliberate/internal/bus"
	"deliberate/internal/core"
	"deliberate/internal/decision"
	"deliberate/internal/execution"
	"deliberate/internal/logging"
	"deliberate/internal/monitor"
	"deliberate/internal/types"

	"github.com/spf13/cobra"
)

var (
	failSteps  []string
	monitorRun bool
)

// runCmd plans and executes a goal against a simulated runner
var runCmd = &cobra.Command{
	Use:   "run [goal.yaml]",
	Short: "Plan, execute and monitor a goal",
	Long: `Creates a plan for the goal and executes it step by step with a
simulated runner. Steps named by --fail always fail, which exercises the
plan's contingencies. With --monitor the plan monitor keeps sampling the
execution until the goal is achieved or fails.

Example:
  delib run release.yaml
  delib run release.yaml --fail deploy --monitor`,
	Args: cobra.ExactArgs(1),
	RunE: runGoal,
}

// simulatedRunner completes every step except those listed in fail.
type simulatedRunner struct {
	fail map[string]bool
}

func newSimulatedRunner(actions []string) *simulatedRunner {
	r := &simulatedRunner{fail: make(map[string]bool, len(actions))}
	for _, a := range actions {
		r.fail[a] = true
	}
	return r
}

func (r *simulatedRunner) RunStep(ctx context.Context, step types.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.fail[step.Action] || r.fail[step.ID] {
		return fmt.Errorf("simulated failure of %s", step.Action)
	}
	logging.ExecutionDebug("simulated %s (%s)", step.ID, step.Action)
	return nil
}

// simulatedOptions offers a proceed or hold choice to decision steps, which
// carry no candidates of their own.
var simulatedOptions = decision.GeneratorFunc(func(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error) {
	if len(dc.Candidates) > 0 {
		return decision.CandidateGenerator{}.Generate(ctx, dc)
	}
	return []types.DecisionOption{
		{ID: "proceed", Description: "carry on with " + dc.Situation, ExpectedValue: 0.7, Risk: 0.2, Confidence: 0.6},
		{ID: "hold", Description: "hold off on " + dc.Situation, ExpectedValue: 0.3, Risk: 0.05, Confidence: 0.8},
	}, nil
})

func runGoal(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	goal, horizon, domain, err := loadGoal(args[0])
	if err != nil {
		return err
	}

	c, err := openCore(ctx, core.Options{
		Domain:    domain,
		Runner:    newSimulatedRunner(failSteps),
		Generator: simulatedOptions,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	rec := bus.NewRecorder(c.Bus())

	out := cmd.OutOrStdout()
	plan, err := c.CreatePlan(ctx, goal, horizon)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	fmt.Fprintln(out, renderPlan(plan))

	report, err := c.ExecutePlan(ctx, plan.ID)
	if report != nil {
		fmt.Fprintln(out, renderReport(report))
	}
	if err != nil && report == nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	if monitorRun && report.Status == execution.StatusCompleted {
		if err := watch(ctx, c, report.PlanID, out); err != nil {
			return err
		}
	}

	stored, gerr := c.Goal(ctx, goal.ID)

	// Close drains the bus so the timeline is complete.
	c.Close()
	printTimeline(out, rec.Events())
	if gerr == nil {
		fmt.Fprintln(out, renderGoal(stored))
	}
	if report.Status != execution.StatusCompleted {
		return fmt.Errorf("goal %s: execution %s", goal.ID, report.Status)
	}
	return nil
}

// watch monitors planID until the goal settles. A plan already retired by
// execution needs no monitoring.
func watch(ctx context.Context, c *core.Core, planID string, out io.Writer) error {
	handle, err := c.MonitorExecution(ctx, planID)
	if errors.Is(err, types.ErrInvalidContext) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor failed: %w", err)
	}
	outcome, err := handle.Wait(ctx)
	if outcome == monitor.OutcomeRunning {
		handle.Stop()
		return err
	}
	fmt.Fprintln(out, field("monitor", statusStyle(string(outcome)).Render(string(outcome))+
		MutedStyle.Render(fmt.Sprintf("  replans=%d", handle.Replans()))))
	if outcome == monitor.OutcomeFailed {
		return fmt.Errorf("goal failed under monitoring: %w", err)
	}
	return nil
}

func printTimeline(out io.Writer, events []bus.Event) {
	if len(events) == 0 {
		return
	}
	fmt.Fprintln(out, HeaderStyle.Render("Timeline"))
	for _, ev := range events {
		subject := ev.PlanID
		if ev.StepID != "" {
			subject += "/" + ev.StepID
		}
		fmt.Fprintf(out, "  %s %-26s %s %s\n", MutedStyle.Render(ev.Timestamp.Format("15:04:05.000")),
			string(ev.Topic), subject, MutedStyle.Render(ev.Message))
	}
}
