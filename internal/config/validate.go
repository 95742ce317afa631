package config

import (
	"errors"
	"fmt"
)

func (c *Config) Validate() error {
	if c.Pipeline.BaseURL == "" {
		return errors.New("pipeline.base_url is required")
	}
	if len(c.Pipeline.Stages) == 0 {
		return errors.New("pipeline.stages must define at least one stage")
	}
	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		if s == "" {
			return errors.New("pipeline.stages contains an empty stage name")
		}
		if seen[s] {
			return fmt.Errorf("pipeline.stages contains duplicate stage '%s'", s)
		}
		seen[s] = true
	}
	if c.Pipeline.RequestTimeout < 0 {
		return errors.New("pipeline.request_timeout must not be negative")
	}

	if c.Scheduler.Concurrency <= 0 {
		return errors.New("scheduler.concurrency must be a positive integer")
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.MaxPollFailures < 0 {
		return errors.New("scheduler.max_poll_failures must not be negative")
	}

	return nil
}
