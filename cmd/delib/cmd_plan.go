package main

import (
	"fmt"

	"deliberate/internal/core"
	"deliberate/internal/planner"
	"deliberate/internal/types"

	"github.com/spf13/cobra"
)

var (
	domainPath  string
	horizonFlag string
)

// planCmd decomposes a goal into a plan
var planCmd = &cobra.Command{
	Use:   "plan [goal.yaml]",
	Short: "Create a plan for a goal",
	Long: `Decomposes a goal into an ordered, scheduled plan and installs it as the
goal's active plan. Goals with subgoals or an HTN task use hierarchical
decomposition; goals with a desired state use STRIPS or partial-order
planning over the operators of --domain.

Example:
  delib plan release.yaml
  delib plan deploy.yaml --domain ops.yaml --horizon long`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	goal, horizon, domain, err := loadGoal(args[0])
	if err != nil {
		return err
	}

	c, err := openCore(ctx, core.Options{Domain: domain})
	if err != nil {
		return err
	}
	defer c.Close()

	plan, err := c.CreatePlan(ctx, goal, horizon)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, plan)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderPlan(plan))
	return nil
}

// loadGoal reads the goal file and the shared --horizon and --domain flags.
func loadGoal(path string) (*types.Goal, types.TimeHorizon, *planner.Domain, error) {
	var goal types.Goal
	if err := readYAML(path, &goal); err != nil {
		return nil, "", nil, err
	}
	horizon, err := parseHorizon(horizonFlag)
	if err != nil {
		return nil, "", nil, err
	}
	var domain *planner.Domain
	if domainPath != "" {
		domain, err = planner.LoadDomain(domainPath)
		if err != nil {
			return nil, "", nil, err
		}
	}
	return &goal, horizon, domain, nil
}
