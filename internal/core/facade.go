// Package core wires the decision engine, planner, execution controller, plan
// monitor and learning feedback into one facade. It owns the event bus, the
// store and the per-goal write locks every component shares.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/config"
	"deliberate/internal/decision"
	"deliberate/internal/ethics"
	"deliberate/internal/execution"
	"deliberate/internal/learning"
	"deliberate/internal/logging"
	"deliberate/internal/monitor"
	"deliberate/internal/planner"
	"deliberate/internal/store"
	"deliberate/internal/types"
)

// Options configures a Core. Only Config is required.
type Options struct {
	Config *config.Config
	// ConfigPath enables hot reload of ethical weights when set.
	ConfigPath string
	// Store overrides the store opened from Config.Store.
	Store store.Store

	Generator   decision.Generator
	Domain      *planner.Domain
	Runner      execution.StepRunner
	Checkpoints execution.CheckpointHandler
	// Metrics overrides the execution tracker as the monitor's metric source.
	Metrics monitor.MetricSource
	// Sinks overrides the learning sinks built from Config.Learning.
	Sinks []learning.Sink
	Clock func() time.Time
}

// Core is the engine facade.
type Core struct {
	cfg       *config.Config
	store     store.Store
	ownsStore bool
	bus       *bus.Bus
	locks     *goalLocks
	now       func() time.Time

	evaluator  *ethics.Evaluator
	engine     *decision.Engine
	planner    *planner.Planner
	controller *execution.Controller
	monitor    *monitor.Monitor

	notifier   *learning.Notifier
	closeSinks func() error
	watcher    *config.Watcher
	unsubTrace func()

	closeOnce sync.Once
}

// New builds and wires a Core. Close releases everything it started.
func New(ctx context.Context, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Core{
		cfg:        cfg,
		store:      opts.Store,
		locks:      newGoalLocks(),
		now:        opts.Clock,
		closeSinks: func() error { return nil },
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.store == nil {
		st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
		}
		c.store = st
		c.ownsStore = true
	}
	c.bus = bus.New(cfg.Bus.BufferSize)
	c.unsubTrace = c.bus.Subscribe(trace)

	c.evaluator = ethics.NewEvaluator(cfg.ActiveEthicsWeights())
	c.engine = decision.NewEngine(cfg, c.evaluator, c.store)
	c.engine.SetPublisher(c.bus)
	if opts.Generator != nil {
		c.engine.SetGenerator(opts.Generator)
	}

	c.planner = planner.NewPlanner(cfg, opts.Domain)
	c.planner.SetClock(c.now)

	c.controller = execution.NewController(cfg, opts.Runner, c.store)
	c.controller.SetPublisher(c.bus)
	c.controller.SetLocker(c.locks)
	c.controller.SetReplanner(c)
	c.controller.SetDecider(c.engine)
	if opts.Checkpoints != nil {
		c.controller.SetCheckpointHandler(opts.Checkpoints)
	}
	if opts.Runner != nil {
		c.engine.SetHandoff(func(ctx context.Context, r *types.DecisionResult) error {
			_, err := c.controller.ExecuteDecision(ctx, r)
			return err
		})
	}

	var source monitor.MetricSource = c.controller.Tracker()
	if opts.Metrics != nil {
		source = opts.Metrics
	}
	c.monitor = monitor.New(cfg, c.store, source)
	c.monitor.SetPublisher(c.bus)
	c.monitor.SetLocker(c.locks)
	c.monitor.SetReplanner(c)
	c.monitor.SetClock(c.now)

	if cfg.Learning.Enabled {
		sinks := opts.Sinks
		if sinks == nil {
			sinks, c.closeSinks = learning.SinksFromConfig(cfg)
		}
		c.notifier = learning.NewNotifier(c.bus, cfg.GetLearningTimeout(), cfg.Bus.BufferSize, sinks...)
	}

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", opts.ConfigPath, err)
		}
		w.OnReload(c.applyConfig)
		if err := w.Start(ctx); err != nil {
			w.Stop()
			c.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", opts.ConfigPath, err)
		}
		c.watcher = w
	}

	logging.Get(logging.CategoryBoot).Info("core ready (store=%s learning=%v)", cfg.Store.Driver, cfg.Learning.Enabled)
	return c, nil
}

// applyConfig swaps in settings that are safe to change while running.
func (c *Core) applyConfig(next *config.Config) {
	w := next.ActiveEthicsWeights()
	c.evaluator.SetWeights(w)
	logging.Get(logging.CategoryConfig).Info("ethical weights reloaded (context=%s)", next.Ethics.CulturalContext)
}

func trace(ev bus.Event) {
	logging.Get(logging.CategoryBus).Debug("%s goal=%s plan=%s decision=%s step=%s %s",
		ev.Topic, ev.GoalID, ev.PlanID, ev.DecisionID, ev.StepID, ev.Message)
}

// Close stops monitors, the watcher and learning delivery, drains the bus and
// closes an owned store.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.monitor.StopAll()
		if c.watcher != nil {
			c.watcher.Stop()
		}
		c.unsubTrace()
		c.bus.Close()
		if c.notifier != nil {
			c.notifier.Close()
		}
		if cerr := c.closeSinks(); cerr != nil {
			err = cerr
		}
		if c.ownsStore {
			if cerr := c.store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Config returns the active configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// Store returns the shared store.
func (c *Core) Store() store.Store { return c.store }

// Bus returns the event bus.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Engine returns the decision engine.
func (c *Core) Engine() *decision.Engine { return c.engine }

// Planner returns the planner.
func (c *Core) Planner() *planner.Planner { return c.planner }

// Controller returns the execution controller.
func (c *Core) Controller() *execution.Controller { return c.controller }
