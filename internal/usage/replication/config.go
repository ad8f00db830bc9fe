package replication

import "time"

// Config bounds a single replication pass.
type Config struct {
	BatchSize  int
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:  500,
		RunTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}
