// Package ingestion assembles the tag-read pipeline: raw broker messages are
// parsed, enriched against the tag registry, counted, archived, and fanned
// out to live subscribers.
package ingestion

import (
	"fmt"
)

// UnknownTagPolicy decides what happens to reads whose tag has no registry
// entry.
type UnknownTagPolicy string

const (
	// UnknownTagDrop discards unregistered reads entirely.
	UnknownTagDrop UnknownTagPolicy = "drop"
	// UnknownTagFallback publishes unregistered reads with the tag id
	// standing in for the display name.
	UnknownTagFallback UnknownTagPolicy = "fallback"
)

// StatsPolicy decides which reads update the per-tag counters.
type StatsPolicy string

const (
	// StatsStrict only counts tags whose statistic row was pre-created by
	// registration; everything else passes through uncounted.
	StatsStrict StatsPolicy = "strict"
	// StatsPermissive counts every read, creating the statistic row on
	// first sight.
	StatsPermissive StatsPolicy = "permissive"
)

// Config tunes the pipeline policies and concurrency.
type Config struct {
	UnknownTagPolicy UnknownTagPolicy `yaml:"unknown_tag_policy"`
	StatsPolicy      StatsPolicy      `yaml:"stats_policy"`
	NumWorkers       int              `yaml:"num_workers"`
}

// NewConfigDefaults returns the default pipeline behaviour: publish unknown
// tags and count everything.
func NewConfigDefaults() Config {
	return Config{
		UnknownTagPolicy: UnknownTagFallback,
		StatsPolicy:      StatsPermissive,
		NumWorkers:       4,
	}
}

// Validate normalizes empty policies to their defaults and rejects unknown
// policy names.
func (c *Config) Validate() error {
	defaults := NewConfigDefaults()
	if c.UnknownTagPolicy == "" {
		c.UnknownTagPolicy = defaults.UnknownTagPolicy
	}
	if c.StatsPolicy == "" {
		c.StatsPolicy = defaults.StatsPolicy
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = defaults.NumWorkers
	}
	switch c.UnknownTagPolicy {
	case UnknownTagDrop, UnknownTagFallback:
	default:
		return fmt.Errorf("unknown tag policy %q", c.UnknownTagPolicy)
	}
	switch c.StatsPolicy {
	case StatsStrict, StatsPermissive:
	default:
		return fmt.Errorf("unknown stats policy %q", c.StatsPolicy)
	}
	return nil
}
