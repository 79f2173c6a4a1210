// Package config holds all atomforge configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete pipeline configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Oracle configuration
	Oracle OracleConfig `yaml:"oracle"`

	// Atomization limits
	Atomize AtomizeConfig `yaml:"atomize"`

	// Wave execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Graph construction settings
	Graph GraphConfig `yaml:"graph"`

	// Review routing settings
	Review ReviewConfig `yaml:"review"`

	// Architecture layering rules for component validation
	Architecture ArchitectureConfig `yaml:"architecture"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Pattern retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// OracleConfig configures the code oracle client.
type OracleConfig struct {
	Provider    string `yaml:"provider"` // openai | anthropic | gemini | scripted
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxInFlight int    `yaml:"max_in_flight"`
	MaxRetries  int    `yaml:"max_retries"` // transport retries, not attempts
}

// AtomizeConfig bounds the atomicity contract.
type AtomizeConfig struct {
	LOCCap                   int     `yaml:"loc_cap"`
	IrreducibleLOCCap        int     `yaml:"irreducible_loc_cap"`
	ComplexityCap            float64 `yaml:"complexity_cap"`
	ContextCompletenessFloor float64 `yaml:"context_completeness_floor"`
}

// ExecutionConfig bounds wave execution and retries.
type ExecutionConfig struct {
	MaxConcurrencyPerWave int       `yaml:"max_concurrency_per_wave"`
	MaxAttemptsPerAtom    int       `yaml:"max_attempts_per_atom"`
	TemperatureSchedule   []float64 `yaml:"temperature_schedule"`
	WaveFailureAbortRatio float64   `yaml:"wave_failure_abort_ratio"`
	Level1TimeoutMS       int       `yaml:"level1_timeout_ms"`
	WaveAtomBudgetMS      int       `yaml:"wave_atom_budget_ms"` // per-atom share of the wave timeout
	WaveTimeoutCapMS      int       `yaml:"wave_timeout_cap_ms"`
	PlanDeadlineMS        int       `yaml:"plan_deadline_ms"`
	CancelGraceMS         int       `yaml:"cancel_grace_ms"`
}

// GraphConfig bounds cycle breaking.
type GraphConfig struct {
	CycleBreakWarnRatio  float64 `yaml:"cycle_break_warn_ratio"`
	CycleBreakAbortRatio float64 `yaml:"cycle_break_abort_ratio"`
}

// ReviewConfig bounds review routing.
type ReviewConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// ArchitectureConfig declares layering rules for Level-3 validation.
// Layers maps module path prefixes to layer names; Forbidden lists
// (from_layer, to_layer) pairs: modules in from_layer must not import
// modules in to_layer.
type ArchitectureConfig struct {
	Layers    map[string]string `yaml:"layers"`
	Forbidden []LayerRule       `yaml:"forbidden"`
}

// LayerRule forbids imports from one layer into another.
type LayerRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// StoreConfig configures sqlite persistence.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetrievalConfig configures the pattern bank.
type RetrievalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Embedder string `yaml:"embedder"` // local | genai
	TopK     int    `yaml:"top_k"`
}

// LoggingConfig controls the category logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "atomforge",
		Version: "0.3.0",

		Oracle: OracleConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			TimeoutMS:   60000,
			MaxInFlight: 8,
			MaxRetries:  3,
		},

		Atomize: AtomizeConfig{
			LOCCap:                   10,
			IrreducibleLOCCap:        15,
			ComplexityCap:            3.0,
			ContextCompletenessFloor: 0.95,
		},

		Execution: ExecutionConfig{
			MaxConcurrencyPerWave: 100,
			MaxAttemptsPerAtom:    3,
			TemperatureSchedule:   []float64{0.7, 0.5, 0.3},
			WaveFailureAbortRatio: 0.30,
			Level1TimeoutMS:       30000,
			WaveAtomBudgetMS:      45000,
			WaveTimeoutCapMS:      3600000,
			PlanDeadlineMS:        14400000,
			CancelGraceMS:         60000,
		},

		Graph: GraphConfig{
			CycleBreakWarnRatio:  0.05,
			CycleBreakAbortRatio: 0.20,
		},

		Review: ReviewConfig{
			ConfidenceThreshold: 0.7,
		},

		Store: StoreConfig{
			Enabled: true,
			Path:    ".forge/atomforge.db",
		},

		Retrieval: RetrievalConfig{
			Enabled:  true,
			Path:     ".forge/patterns.db",
			Embedder: "local",
			TopK:     3,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from a yaml file, layering it over defaults and
// applying FORGE_* environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FORGE_* environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_ORACLE_PROVIDER"); v != "" {
		c.Oracle.Provider = v
	}
	if v := os.Getenv("FORGE_ORACLE_MODEL"); v != "" {
		c.Oracle.Model = v
	}
	if v := os.Getenv("FORGE_ORACLE_BASE_URL"); v != "" {
		c.Oracle.BaseURL = v
	}
	if v := os.Getenv("FORGE_ORACLE_API_KEY"); v != "" {
		c.Oracle.APIKey = v
	}
	if v := os.Getenv("FORGE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxConcurrencyPerWave = n
		}
	}
	if v := os.Getenv("FORGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxAttemptsPerAtom = n
		}
	}
	if v := os.Getenv("FORGE_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Review.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("FORGE_TEMPERATURE_SCHEDULE"); v != "" {
		var schedule []float64
		for _, part := range strings.Split(v, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				schedule = nil
				break
			}
			schedule = append(schedule, f)
		}
		if len(schedule) > 0 {
			c.Execution.TemperatureSchedule = schedule
		}
	}
	if v := os.Getenv("FORGE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	if c.Atomize.LOCCap <= 0 {
		return fmt.Errorf("atomize.loc_cap must be positive, got %d", c.Atomize.LOCCap)
	}
	if c.Atomize.IrreducibleLOCCap < c.Atomize.LOCCap {
		return fmt.Errorf("atomize.irreducible_loc_cap (%d) must be >= loc_cap (%d)",
			c.Atomize.IrreducibleLOCCap, c.Atomize.LOCCap)
	}
	if c.Atomize.ComplexityCap <= 0 {
		return fmt.Errorf("atomize.complexity_cap must be positive")
	}
	if c.Atomize.ContextCompletenessFloor < 0 || c.Atomize.ContextCompletenessFloor > 1 {
		return fmt.Errorf("atomize.context_completeness_floor must be in [0,1]")
	}
	if c.Execution.MaxConcurrencyPerWave <= 0 {
		return fmt.Errorf("execution.max_concurrency_per_wave must be positive")
	}
	if c.Execution.MaxAttemptsPerAtom <= 0 {
		return fmt.Errorf("execution.max_attempts_per_atom must be positive")
	}
	if len(c.Execution.TemperatureSchedule) == 0 {
		return fmt.Errorf("execution.temperature_schedule must not be empty")
	}
	for _, t := range c.Execution.TemperatureSchedule {
		if t < 0 || t > 1 {
			return fmt.Errorf("temperature %v out of range [0,1]", t)
		}
	}
	if c.Execution.WaveFailureAbortRatio < 0 || c.Execution.WaveFailureAbortRatio > 1 {
		return fmt.Errorf("execution.wave_failure_abort_ratio must be in [0,1]")
	}
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 1 {
		return fmt.Errorf("review.confidence_threshold must be in [0,1]")
	}
	if c.Graph.CycleBreakWarnRatio < 0 || c.Graph.CycleBreakWarnRatio > 1 {
		return fmt.Errorf("graph.cycle_break_warn_ratio must be in [0,1]")
	}
	if c.Graph.CycleBreakAbortRatio < c.Graph.CycleBreakWarnRatio {
		return fmt.Errorf("graph.cycle_break_abort_ratio must be >= warn ratio")
	}
	return nil
}

// OracleTimeout returns the per-call oracle deadline.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutMS) * time.Millisecond
}

// Level1Timeout returns the per-atom Level 1 validation deadline.
func (c *Config) Level1Timeout() time.Duration {
	return time.Duration(c.Execution.Level1TimeoutMS) * time.Millisecond
}

// WaveTimeout returns the deadline for a wave of n atoms:
// min(cap, n * per-atom budget).
func (c *Config) WaveTimeout(atoms int) time.Duration {
	budget := time.Duration(atoms) * time.Duration(c.Execution.WaveAtomBudgetMS) * time.Millisecond
	cap := time.Duration(c.Execution.WaveTimeoutCapMS) * time.Millisecond
	if budget > cap {
		return cap
	}
	if budget <= 0 {
		return cap
	}
	return budget
}

// PlanDeadline returns the hard plan cap.
func (c *Config) PlanDeadline() time.Duration {
	return time.Duration(c.Execution.PlanDeadlineMS) * time.Millisecond
}

// CancelGrace returns the bounded cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Execution.CancelGraceMS) * time.Millisecond
}

// Temperature returns the oracle temperature for a 1-based attempt number.
// A schedule shorter than the attempt count reuses its last entry.
func (c *Config) Temperature(attempt int) float64 {
	s := c.Execution.TemperatureSchedule
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s) {
		return s[len(s)-1]
	}
	return s[attempt-1]
}
