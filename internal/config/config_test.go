package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_SpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 100, cfg.Execution.MaxConcurrencyPerWave)
	assert.Equal(t, 3, cfg.Execution.MaxAttemptsPerAtom)
	assert.Equal(t, []float64{0.7, 0.5, 0.3}, cfg.Execution.TemperatureSchedule)
	assert.Equal(t, 10, cfg.Atomize.LOCCap)
	assert.Equal(t, 15, cfg.Atomize.IrreducibleLOCCap)
	assert.Equal(t, 3.0, cfg.Atomize.ComplexityCap)
	assert.Equal(t, 0.95, cfg.Atomize.ContextCompletenessFloor)
	assert.Equal(t, 0.7, cfg.Review.ConfidenceThreshold)
	assert.Equal(t, 0.30, cfg.Execution.WaveFailureAbortRatio)
	assert.Equal(t, 60000, cfg.Oracle.TimeoutMS)
	assert.Equal(t, 0.05, cfg.Graph.CycleBreakWarnRatio)
	assert.Equal(t, 14400000, cfg.Execution.PlanDeadlineMS)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	content := `
execution:
  max_concurrency_per_wave: 4
  temperature_schedule: [0.9, 0.4]
review:
  confidence_threshold: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Execution.MaxConcurrencyPerWave)
	assert.Equal(t, []float64{0.9, 0.4}, cfg.Execution.TemperatureSchedule)
	assert.Equal(t, 0.5, cfg.Review.ConfidenceThreshold)
	// Untouched values keep their defaults.
	assert.Equal(t, 3, cfg.Execution.MaxAttemptsPerAtom)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Execution.MaxConcurrencyPerWave, cfg.Execution.MaxConcurrencyPerWave)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FORGE_MAX_CONCURRENCY", "7")
	t.Setenv("FORGE_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("FORGE_TEMPERATURE_SCHEDULE", "0.8, 0.6, 0.2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Execution.MaxConcurrencyPerWave)
	assert.Equal(t, 0.9, cfg.Review.ConfidenceThreshold)
	assert.Equal(t, []float64{0.8, 0.6, 0.2}, cfg.Execution.TemperatureSchedule)
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Atomize.LOCCap = 0 },
		func(c *Config) { c.Atomize.IrreducibleLOCCap = 5 },
		func(c *Config) { c.Execution.TemperatureSchedule = nil },
		func(c *Config) { c.Execution.TemperatureSchedule = []float64{1.5} },
		func(c *Config) { c.Review.ConfidenceThreshold = 2 },
		func(c *Config) { c.Execution.WaveFailureAbortRatio = -0.1 },
		func(c *Config) { c.Graph.CycleBreakAbortRatio = 0.01 },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "case %d should fail validation", i)
	}
}

func TestTemperature_ScheduleAndClamp(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.7, cfg.Temperature(1))
	assert.Equal(t, 0.5, cfg.Temperature(2))
	assert.Equal(t, 0.3, cfg.Temperature(3))
	// Past the schedule end: reuse the last entry.
	assert.Equal(t, 0.3, cfg.Temperature(4))
	assert.Equal(t, 0.7, cfg.Temperature(0))
}

func TestWaveTimeout_MinOfCapAndBudget(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 45*time.Second, cfg.WaveTimeout(1))
	assert.Equal(t, 450*time.Second, cfg.WaveTimeout(10))
	// 100 atoms * 45s > 1h cap.
	assert.Equal(t, time.Hour, cfg.WaveTimeout(100))
}
