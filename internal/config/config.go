// Package config loads the scheduler's tunables from an optional YAML file.
// Connection settings (DATABASE_URL, PORT) stay in the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	Scheduler Scheduler `yaml:"scheduler"`
}

// Scheduler holds the periodic-job tunables.
type Scheduler struct {
	TickSeconds            int `yaml:"tick_seconds"`
	ReminderLookaheadHours int `yaml:"reminder_lookahead_hours"`
	BatchLimit             int `yaml:"batch_limit"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			TickSeconds:            30,
			ReminderLookaheadHours: 24,
			BatchLimit:             100,
		},
	}
}

// Load reads a YAML config file, applying defaults for missing fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 30
	}
	if cfg.Scheduler.ReminderLookaheadHours <= 0 {
		cfg.Scheduler.ReminderLookaheadHours = 24
	}
	if cfg.Scheduler.BatchLimit <= 0 {
		cfg.Scheduler.BatchLimit = 100
	}
	return cfg, nil
}

// Tick returns the job interval as a duration.
func (s Scheduler) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// ReminderLookahead returns the reminder window as a duration.
func (s Scheduler) ReminderLookahead() time.Duration {
	return time.Duration(s.ReminderLookaheadHours) * time.Hour
}
