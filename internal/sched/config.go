package sched

import (
	goerrors "errors"
	"io/fs"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/pingcap/errors"
)

// Config mirrors config.yml
type Config struct {
	TickMS         int `yaml:"tick_ms"`         // 5 (by default), period of the timer interrupt
	SliceTicks     int `yaml:"slice_ticks"`     // 5 (by default), default time slice
	PriorityLevels int `yaml:"priority_levels"` // 1 (by default) = strict FIFO
	MaxTasks       int `yaml:"max_tasks"`       // 64 (by default), tracked task capacity
	TraceDepth     int `yaml:"trace_depth"`     // 256 (by default), event ring size
}

// DefaultConfig is used when the config file is not found.
func DefaultConfig() Config {
	return Config{
		TickMS:         5,
		SliceTicks:     5,
		PriorityLevels: 1,
		MaxTasks:       64,
		TraceDepth:     256,
	}
}

// Load reads YAML and overrides defaults; empty path or a missing file means
// defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if goerrors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Trace(err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), errors.Annotatef(err, "parse %s", path)
	}
	return cfg.clamped(), nil
}

// clamped applies the sanity clamps.
func (c Config) clamped() Config {
	def := DefaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = def.TickMS
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = def.SliceTicks
	}
	if c.PriorityLevels <= 0 {
		c.PriorityLevels = def.PriorityLevels
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = def.MaxTasks
	}
	if c.TraceDepth <= 0 {
		c.TraceDepth = def.TraceDepth
	}
	return c
}
