package main

import (
	"encoding/json"
	"fmt"
	"os"

	"deliberate/internal/core"
	"deliberate/internal/logging"
	"deliberate/internal/types"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var jsonOutput bool

// decideCmd scores the options of a decision context
var decideCmd = &cobra.Command{
	Use:   "decide [context.yaml]",
	Short: "Select an option for a decision context",
	Long: `Reads a decision context (situation, candidates, stakeholders, horizon)
and selects an option with the configured or requested strategy. Options
scoring below the ethical floor are excluded.

Example:
  delib decide rollout.yaml
  delib decide rollout.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecide,
}

func runDecide(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var dc types.DecisionContext
	if err := readYAML(args[0], &dc); err != nil {
		return err
	}
	logging.Decision("CLI decide: %s (%d candidates)", args[0], len(dc.Candidates))

	c, err := openCore(ctx, core.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.MakeDecision(ctx, dc)
	if err != nil {
		return fmt.Errorf("decision failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, result)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderDecision(result))
	return nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
