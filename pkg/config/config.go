// Package config loads the Council's configuration surface from
// a YAML file, with environment variable overrides for the values an
// operator most often needs to change per-deployment without editing the
// file on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the Council core.
type Config struct {
	Council      CouncilConfig      `yaml:"council"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	CAWS         CAWSConfig         `yaml:"caws"`
	Bus          BusConfig          `yaml:"bus"`
	Retry        RetryConfig        `yaml:"retry"`
	Store        StoreConfig        `yaml:"store"`
}

type CouncilConfig struct {
	JudgeDeadlineMs   int64    `yaml:"judge_deadline_ms"`
	OverallDeadlineMs int64    `yaml:"overall_deadline_ms"`
	QuorumRatio       float64  `yaml:"quorum_ratio"`
	MinMass           float64  `yaml:"min_mass"`
	CriticalWeight    float64  `yaml:"critical_weight"`
	TieBreakOrder     []string `yaml:"tie_break_order"`
}

type OrchestratorConfig struct {
	MaxModifyIterations int `yaml:"max_modify_iterations"`
}

type CAWSConfig struct {
	DefaultBudgets    DefaultBudgets    `yaml:"default_budgets"`
	MandatoryGates    []string          `yaml:"mandatory_gates"`
	QualityThresholds QualityThresholds `yaml:"quality_thresholds"`
}

type DefaultBudgets struct {
	MaxFiles int `yaml:"max_files"`
	MaxLOC   int `yaml:"max_loc"`
}

// QualityThresholds parameterizes the caws.BuildQualityGates checks
// (test_coverage, mutation_testing). Those gates are always evaluated;
// caws.mandatory_gates only decides which of them are mandatory.
// Defaults mirror caws.DefaultQualityThresholds().
type QualityThresholds struct {
	MinCoveragePct      float64 `yaml:"min_coverage_pct"`
	MinMutationScorePct float64 `yaml:"min_mutation_score_pct"`
}

type BusConfig struct {
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity"`
}

type RetryConfig struct {
	Transport TransportRetryConfig `yaml:"transport"`
}

type TransportRetryConfig struct {
	BaseMs      int64   `yaml:"base_ms"`
	Factor      float64 `yaml:"factor"`
	MaxAttempts int     `yaml:"max_attempts"`
	JitterPct   float64 `yaml:"jitter_pct"`
}

// StoreConfig selects and configures the PersistentStore backend. It is not
// a policy knob like the Council/CAWS/bus settings, but every deployment
// needs it, so it rides along in the same file rather than a separate
// config surface.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory", "postgres", "sqlite"
	DSN    string `yaml:"dsn"`
}

// Default returns the stock configuration every knob falls back to.
func Default() Config {
	return Config{
		Council: CouncilConfig{
			JudgeDeadlineMs:   30_000,
			OverallDeadlineMs: 60_000,
			QuorumRatio:       0.6,
			MinMass:           0.25,
			CriticalWeight:    0.8,
			TieBreakOrder:     []string{"reject", "modify", "accept"},
		},
		Orchestrator: OrchestratorConfig{MaxModifyIterations: 5},
		CAWS: CAWSConfig{
			DefaultBudgets:    DefaultBudgets{MaxFiles: 25, MaxLOC: 1000},
			QualityThresholds: QualityThresholds{MinCoveragePct: 80, MinMutationScorePct: 60},
		},
		Bus:   BusConfig{SubscriberQueueCapacity: 1024},
		Retry: RetryConfig{Transport: TransportRetryConfig{BaseMs: 250, Factor: 2, MaxAttempts: 3, JitterPct: 0.2}},
		Store: StoreConfig{Driver: "memory"},
	}
}

// ErrConfigInvalid marks a configuration the rest of the system must not
// run with (CLI exit code 5).
var ErrConfigInvalid = errors.New("config invalid")

// Load reads path, merges it over Default(), applies environment overrides,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COUNCIL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("COUNCIL_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("COUNCIL_QUORUM_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Council.QuorumRatio = f
		}
	}
	if v := os.Getenv("COUNCIL_MAX_MODIFY_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxModifyIterations = n
		}
	}
}

// Validate checks the invariants the rest of the system assumes: ratios in
// range, non-empty tie-break order, a recognized store driver.
func (c Config) Validate() error {
	if c.Council.QuorumRatio <= 0 || c.Council.QuorumRatio > 1 {
		return fmt.Errorf("%w: council.quorum_ratio must be in (0,1], got %v", ErrConfigInvalid, c.Council.QuorumRatio)
	}
	if c.Council.MinMass < 0 || c.Council.MinMass > 1 {
		return fmt.Errorf("%w: council.min_mass must be in [0,1], got %v", ErrConfigInvalid, c.Council.MinMass)
	}
	if len(c.Council.TieBreakOrder) == 0 {
		return fmt.Errorf("%w: council.tie_break_order must not be empty", ErrConfigInvalid)
	}
	if c.Orchestrator.MaxModifyIterations <= 0 {
		return fmt.Errorf("%w: orchestrator.max_modify_iterations must be positive", ErrConfigInvalid)
	}
	if c.CAWS.DefaultBudgets.MaxFiles <= 0 || c.CAWS.DefaultBudgets.MaxLOC <= 0 {
		return fmt.Errorf("%w: caws.default_budgets must be positive", ErrConfigInvalid)
	}
	if c.CAWS.QualityThresholds.MinCoveragePct < 0 || c.CAWS.QualityThresholds.MinCoveragePct > 100 {
		return fmt.Errorf("%w: caws.quality_thresholds.min_coverage_pct must be in [0,100], got %v", ErrConfigInvalid, c.CAWS.QualityThresholds.MinCoveragePct)
	}
	if c.CAWS.QualityThresholds.MinMutationScorePct < 0 || c.CAWS.QualityThresholds.MinMutationScorePct > 100 {
		return fmt.Errorf("%w: caws.quality_thresholds.min_mutation_score_pct must be in [0,100], got %v", ErrConfigInvalid, c.CAWS.QualityThresholds.MinMutationScorePct)
	}
	if c.Bus.SubscriberQueueCapacity <= 0 {
		return fmt.Errorf("%w: bus.subscriber_queue_capacity must be positive", ErrConfigInvalid)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver %q is not one of memory|postgres|sqlite", ErrConfigInvalid, c.Store.Driver)
	}
	return nil
}
