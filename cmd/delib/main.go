// Package main implements the delib CLI.
//
// delib drives the decision and planning core from the command line:
//
//	delib decide context.yaml      # score options and pick one
//	delib plan goal.yaml           # decompose a goal into a plan
//	delib run goal.yaml            # plan, execute and monitor a goal
//	delib history [goal]           # show recorded decisions and plans
//	delib config init              # write the default configuration
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deliberate/internal/config"
	"deliberate/internal/core"
	"deliberate/internal/logging"
	"deliberate/internal/types"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	storeDriver string
	storePath   string
	timeout     time.Duration

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "delib",
	Short: "delib - autonomous decision making and planning",
	Long: `delib scores decision options under ethical constraints, decomposes
goals into scheduled plans and executes them with checkpoints,
contingencies and deviation-driven replanning.

Decisions are scored by MCDA, game theory, Monte Carlo tree search,
Bayesian updating or risk adjustment. Plans come from HTN decomposition,
STRIPS A* search or partial-order planning.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if storeDriver != "" {
			loaded.Store.Driver = storeDriver
		}
		if storePath != "" {
			loaded.Store.Path = storePath
		}
		if verbose {
			loaded.Logging.DebugMode = true
			loaded.Logging.Level = "debug"
		}
		if err := logging.Initialize(loaded.Logging.ToLogging()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "deliberate.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Store driver: memory or sqlite (default from config)")
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "", "SQLite database path (default from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	planCmd.Flags().StringVar(&domainPath, "domain", "", "Planning domain YAML (operators, methods, initial state)")
	planCmd.Flags().StringVar(&horizonFlag, "horizon", "medium", "Time horizon: immediate, short, medium, long, strategic")
	planCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the plan as JSON")

	runCmd.Flags().StringVar(&domainPath, "domain", "", "Planning domain YAML (operators, methods, initial state)")
	runCmd.Flags().StringVar(&horizonFlag, "horizon", "medium", "Time horizon: immediate, short, medium, long, strategic")
	runCmd.Flags().StringSliceVar(&failSteps, "fail", nil, "Step actions the simulated runner fails")
	runCmd.Flags().BoolVar(&monitorRun, "monitor", false, "Keep monitoring after execution until the goal settles")

	decideCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandContext returns a context bounded by --timeout and cancelled on
// SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

// openCore builds a core from the loaded config.
func openCore(ctx context.Context, opts core.Options) (*core.Core, error) {
	opts.Config = cfg
	if _, err := os.Stat(configPath); err == nil {
		opts.ConfigPath = configPath
	}
	return core.New(ctx, opts)
}

// parseHorizon accepts a horizon with or without its leading slash.
func parseHorizon(s string) (types.TimeHorizon, error) {
	h := types.TimeHorizon("/" + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "/"))
	if !h.Valid() {
		return "", fmt.Errorf("unknown horizon %q", s)
	}
	return h, nil
}
