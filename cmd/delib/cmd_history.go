package main

import (
	"errors"
	"fmt"

	"deliberate/internal/core"
	"deliberate/internal/store"

	"github.com/spf13/cobra"
)

// historyCmd shows recorded decisions and plans
var historyCmd = &cobra.Command{
	Use:   "history [goal]",
	Short: "Show the decision history and plan revisions",
	Long: `Lists recorded decisions, oldest first. With a goal id it also shows
the goal's status, its active plan and every archived plan revision.
History only survives between runs with the sqlite store.

Example:
  delib history --store sqlite
  delib history release --store sqlite --db data/deliberate.db`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	goalID := ""
	if len(args) == 1 {
		goalID = args[0]
	}

	c, err := openCore(ctx, core.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if goalID != "" {
		goal, err := c.Goal(ctx, goalID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown goal %s", goalID)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, renderGoal(goal))

		active, archived, err := c.PlanHistory(ctx, goalID)
		if err != nil {
			return err
		}
		for _, p := range archived {
			fmt.Fprintf(out, "  rev %-3d %s %s\n", p.Revision, p.ID, statusStyle(string(p.Status)).Render(string(p.Status)))
		}
		if active != nil {
			fmt.Fprintf(out, "  rev %-3d %s %s\n", active.Revision, active.ID, statusStyle(string(active.Status)).Render(string(active.Status)))
		}
	}

	decisions, err := c.History(ctx, goalID)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(out, MutedStyle.Render("no decisions recorded"))
		return nil
	}
	fmt.Fprintln(out, HeaderStyle.Render("Decisions"))
	for _, d := range decisions {
		fmt.Fprintf(out, "  %s %s -> %s %s\n",
			MutedStyle.Render(d.Timestamp.Format("2006-01-02 15:04:05")),
			d.Context.Situation, d.SelectedOption.ID,
			MutedStyle.Render(fmt.Sprintf("confidence=%.2f", d.Confidence)))
	}
	return nil
}
