package scheduler

import (
	"time"

	"github.com/smallbiznis/headliner/internal/config"
)

// Config controls timer cadences, the sweep loop, and fire guarding.
type Config struct {
	// SweepInterval is the RunForever period.
	SweepInterval time.Duration
	PollInterval  time.Duration
	FireTimeout   time.Duration
	JobTimeout    time.Duration
	// Disabled keeps the registry empty; sweeps and timers run elsewhere.
	Disabled bool
	// LockFraction of the timer period a claimed fire stays locked.
	LockFraction float64
	// EnabledJobs restricts the sweep; empty runs every job.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Minute,
		PollInterval:  5 * time.Minute,
		FireTimeout:   45 * time.Second,
		JobTimeout:    30 * time.Second,
		LockFraction:  0.9,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = defaults.FireTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockFraction <= 0 || c.LockFraction >= 1 {
		c.LockFraction = defaults.LockFraction
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		SweepInterval: cfg.Scheduler.SweepInterval,
		PollInterval:  cfg.Scheduler.PollInterval,
		FireTimeout:   cfg.Scheduler.FireTimeout,
		Disabled:      !cfg.Scheduler.Enabled,
		EnabledJobs:   cfg.Scheduler.Jobs,
	}.withDefaults()
}
