package scheduler

import (
	"time"
)

// Config controls engine intervals and concurrency.
type Config struct {
	ScanInterval      time.Duration
	AbandonThreshold  time.Duration
	WorkerConcurrency int
	QueueSize         int
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:      5 * time.Minute,
		AbandonThreshold:  time.Hour,
		WorkerConcurrency: 4,
		QueueSize:         256,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaults.ScanInterval
	}
	if c.AbandonThreshold <= 0 {
		c.AbandonThreshold = defaults.AbandonThreshold
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = defaults.WorkerConcurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	return c
}
