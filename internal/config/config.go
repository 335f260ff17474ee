package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all deliberate configuration.
type Config struct {
	Name string `yaml:"name"`

	Decision  DecisionConfig  `yaml:"decision"`
	Ethics    EthicsConfig    `yaml:"ethics"`
	Planner   PlannerConfig   `yaml:"planner"`
	Execution ExecutionConfig `yaml:"execution"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Store     StoreConfig     `yaml:"store"`
	Learning  LearningConfig  `yaml:"learning"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CriterionConfig weights one MCDA criterion.
type CriterionConfig struct {
	Weight    float64 `yaml:"weight"`
	Direction string  `yaml:"direction"` // benefit, cost
}

// MCTSConfig tunes the Monte Carlo tree search strategy.
type MCTSConfig struct {
	Iterations  int     `yaml:"iterations"`
	Workers     int     `yaml:"workers"`
	MaxDepth    int     `yaml:"max_depth"`
	Exploration float64 `yaml:"exploration"`
	Discount    float64 `yaml:"discount"`
	Seed        int64   `yaml:"seed"`
}

// DecisionConfig configures the decision engine.
type DecisionConfig struct {
	DefaultStrategy       string                     `yaml:"default_strategy"` // /mcda, /game_theory, /mcts, /bayesian, /risk_adjusted
	Criteria              map[string]CriterionConfig `yaml:"criteria"`
	RiskTolerance         float64                    `yaml:"risk_tolerance"`
	HandoffConfidence     float64                    `yaml:"handoff_confidence"`
	CheckpointUncertainty float64                    `yaml:"checkpoint_uncertainty"`
	MonitoringPeriod      string                     `yaml:"monitoring_period"`
	Timeout               string                     `yaml:"timeout"`
	FictitiousPlayRounds  int                        `yaml:"fictitious_play_rounds"`
	MCTS                  MCTSConfig                 `yaml:"mcts"`
}

// EthicsWeights are the principle weights of one cultural-context profile.
type EthicsWeights struct {
	NonMaleficence float64 `yaml:"non_maleficence"`
	Autonomy       float64 `yaml:"autonomy"`
	Fairness       float64 `yaml:"fairness"`
	Transparency   float64 `yaml:"transparency"`
}

// EthicsConfig configures the ethical evaluator.
type EthicsConfig struct {
	Floor           float64                  `yaml:"floor"`
	CulturalContext string                   `yaml:"cultural_context"`
	Profiles        map[string]EthicsWeights `yaml:"profiles"`
}

// PlannerConfig configures goal decomposition.
type PlannerConfig struct {
	DefaultStrategy     string `yaml:"default_strategy"` // /htn, /strips, /pop
	MaxDepth            int    `yaml:"max_depth"`
	MaxExpansions       int    `yaml:"max_expansions"`
	MaxBacktracks       int    `yaml:"max_backtracks"`
	DefaultStepDuration string `yaml:"default_step_duration"`
	Timeout             string `yaml:"timeout"`
}

// ExecutionConfig configures the execution controller.
type ExecutionConfig struct {
	StepTimeout string `yaml:"step_timeout"`
	MaxRetries  int    `yaml:"max_retries"`
	// MaxReplans caps contingency and checkpoint replans per run when the
	// plan's adaptation policy sets no limit.
	MaxReplans int `yaml:"max_replans"`
}

// MonitorConfig configures the plan monitor.
type MonitorConfig struct {
	Period             string             `yaml:"period"`
	DeviationTolerance float64            `yaml:"deviation_tolerance"`
	AlertThresholds    map[string]float64 `yaml:"alert_thresholds"`
}

// StoreConfig selects and configures the persistence driver.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite
	Path   string `yaml:"path"`
}

// RedisConfig configures the Redis learning publisher.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// LearningConfig configures learning feedback delivery.
type LearningConfig struct {
	Enabled bool        `yaml:"enabled"`
	Timeout string      `yaml:"timeout"`
	Redis   RedisConfig `yaml:"redis"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// DefaultEthicsWeights returns the default principle weights.
func DefaultEthicsWeights() EthicsWeights {
	return EthicsWeights{
		NonMaleficence: 1.5,
		Autonomy:       1.2,
		Fairness:       1.0,
		Transparency:   0.8,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "deliberate",

		Decision: DecisionConfig{
			DefaultStrategy: "/mcda",
			Criteria: map[string]CriterionConfig{
				"expected_value": {Weight: 0.4, Direction: "benefit"},
				"risk":           {Weight: 0.3, Direction: "cost"},
				"resource_cost":  {Weight: 0.15, Direction: "cost"},
				"confidence":     {Weight: 0.15, Direction: "benefit"},
			},
			RiskTolerance:         0.5,
			HandoffConfidence:     0.8,
			CheckpointUncertainty: 0.4,
			MonitoringPeriod:      "60s",
			Timeout:               "30s",
			FictitiousPlayRounds:  2000,
			MCTS: MCTSConfig{
				Iterations:  500,
				Workers:     4,
				MaxDepth:    5,
				Exploration: 1.4142135623730951,
				Discount:    0.9,
				Seed:        1,
			},
		},

		Ethics: EthicsConfig{
			Floor:           0.4,
			CulturalContext: "default",
			Profiles: map[string]EthicsWeights{
				"default": DefaultEthicsWeights(),
			},
		},

		Planner: PlannerConfig{
			DefaultStrategy:     "/htn",
			MaxDepth:            5,
			MaxExpansions:       10000,
			MaxBacktracks:       1000,
			DefaultStepDuration: "1m",
			Timeout:             "30s",
		},

		Execution: ExecutionConfig{
			StepTimeout: "5m",
			MaxRetries:  3,
			MaxReplans:  3,
		},

		Monitor: MonitorConfig{
			Period:             "60s",
			DeviationTolerance: 0,
			AlertThresholds: map[string]float64{
				"error_rate":    0.1,
				"schedule_slip": 0.25,
				"cost_overrun":  0.2,
			},
		},

		Store: StoreConfig{
			Driver: "memory",
			Path:   "data/deliberate.db",
		},

		Learning: LearningConfig{
			Enabled: true,
			Timeout: "5s",
			Redis: RedisConfig{
				Enabled: false,
				Addr:    "localhost:6379",
				DB:      0,
				Channel: "deliberate:feedback",
			},
		},

		Bus: BusConfig{
			BufferSize: 256,
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("DELIB_DB"); path != "" {
		c.Store.Path = path
		if c.Store.Driver == "" || c.Store.Driver == "memory" {
			c.Store.Driver = "sqlite"
		}
	}
	if driver := os.Getenv("DELIB_STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if addr := os.Getenv("DELIB_REDIS_ADDR"); addr != "" {
		c.Learning.Redis.Addr = addr
		c.Learning.Redis.Enabled = true
	}
	if ctx := os.Getenv("DELIB_ETHICS_CONTEXT"); ctx != "" {
		c.Ethics.CulturalContext = ctx
	}
	if lvl := os.Getenv("DELIB_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
		c.Logging.DebugMode = true
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetDecisionTimeout returns the per-decision timeout as a duration.
func (c *Config) GetDecisionTimeout() time.Duration {
	return parseDuration(c.Decision.Timeout, 30*time.Second)
}

// GetDecisionMonitoringPeriod returns the sampling period attached to decisions.
func (c *Config) GetDecisionMonitoringPeriod() time.Duration {
	return parseDuration(c.Decision.MonitoringPeriod, 60*time.Second)
}

// GetPlannerTimeout returns the planning timeout as a duration.
func (c *Config) GetPlannerTimeout() time.Duration {
	return parseDuration(c.Planner.Timeout, 30*time.Second)
}

// GetDefaultStepDuration returns the duration assumed for steps without an estimate.
func (c *Config) GetDefaultStepDuration() time.Duration {
	return parseDuration(c.Planner.DefaultStepDuration, time.Minute)
}

// GetStepTimeout returns the per-step execution timeout as a duration.
func (c *Config) GetStepTimeout() time.Duration {
	return parseDuration(c.Execution.StepTimeout, 5*time.Minute)
}

// GetMonitorPeriod returns the plan monitor sampling period.
func (c *Config) GetMonitorPeriod() time.Duration {
	return parseDuration(c.Monitor.Period, 60*time.Second)
}

// GetLearningTimeout returns the learning delivery timeout.
func (c *Config) GetLearningTimeout() time.Duration {
	return parseDuration(c.Learning.Timeout, 5*time.Second)
}

// ActiveEthicsWeights returns the weights of the selected cultural-context profile,
// falling back to the default profile and then to the built-in weights.
func (c *Config) ActiveEthicsWeights() EthicsWeights {
	if w, ok := c.Ethics.Profiles[c.Ethics.CulturalContext]; ok {
		return w
	}
	if w, ok := c.Ethics.Profiles["default"]; ok {
		return w
	}
	return DefaultEthicsWeights()
}

// Valid strategy and driver names.
var (
	ValidDecisionStrategies = []string{"/mcda", "/game_theory", "/mcts", "/bayesian", "/risk_adjusted"}
	ValidPlanStrategies     = []string{"/htn", "/strips", "/pop"}
	ValidStoreDrivers       = []string{"memory", "sqlite"}
)

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidDecisionStrategies, c.Decision.DefaultStrategy) {
		return fmt.Errorf("invalid decision strategy: %s (valid: %v)", c.Decision.DefaultStrategy, ValidDecisionStrategies)
	}
	if !contains(ValidPlanStrategies, c.Planner.DefaultStrategy) {
		return fmt.Errorf("invalid planner strategy: %s (valid: %v)", c.Planner.DefaultStrategy, ValidPlanStrategies)
	}
	if !contains(ValidStoreDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidStoreDrivers)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("sqlite store requires a path")
	}
	if c.Ethics.Floor < 0 || c.Ethics.Floor > 1 {
		return fmt.Errorf("ethics floor must be within [0,1], got %v", c.Ethics.Floor)
	}
	if c.Decision.RiskTolerance < 0 || c.Decision.RiskTolerance > 1 {
		return fmt.Errorf("risk tolerance must be within [0,1], got %v", c.Decision.RiskTolerance)
	}
	for name, w := range c.Ethics.Profiles {
		if w.NonMaleficence < 0 || w.Autonomy < 0 || w.Fairness < 0 || w.Transparency < 0 {
			return fmt.Errorf("ethics profile %q has a negative weight", name)
		}
		if w.NonMaleficence+w.Autonomy+w.Fairness+w.Transparency == 0 {
			return fmt.Errorf("ethics profile %q has all-zero weights", name)
		}
	}
	for name, cr := range c.Decision.Criteria {
		if cr.Weight < 0 {
			return fmt.Errorf("criterion %q has a negative weight", name)
		}
		if cr.Direction != "" && cr.Direction != "benefit" && cr.Direction != "cost" {
			return fmt.Errorf("criterion %q has invalid direction %q", name, cr.Direction)
		}
	}
	if c.Planner.MaxDepth <= 0 {
		return fmt.Errorf("planner max_depth must be positive")
	}
	if c.Planner.MaxExpansions <= 0 {
		return fmt.Errorf("planner max_expansions must be positive")
	}
	if c.Execution.MaxRetries < 0 || c.Execution.MaxReplans < 0 {
		return fmt.Errorf("execution max_retries and max_replans must be non-negative")
	}
	if c.Monitor.DeviationTolerance < 0 {
		return fmt.Errorf("monitor deviation_tolerance must be non-negative")
	}
	return nil
}
