package syncer

import (
	"fmt"
	"math"
	"time"

	"github.com/roach88/floorstate/internal/keypath"
)

// Priority names understood by DefaultPriorities.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// RetryPolicy controls backoff between failed attempts.
type RetryPolicy struct {
	// MaxRetries is the number of failed attempts after which an item is
	// marked failed.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// Backoff returns the delay before attempt n+1 after n failures:
// min(BaseDelay * BackoffMultiplier^(n-1), MaxDelay) plus jitter * 10% of
// that. jitter must be in [0, 1).
func (p RetryPolicy) Backoff(n int, jitter float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(n-1))
	if ceiling := float64(p.MaxDelay); p.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}
	return time.Duration(d + d*0.1*jitter)
}

// Config configures an Engine.
type Config struct {
	BatchSize int
	// SyncDelay is the debounce window.
	SyncDelay time.Duration
	Retry     RetryPolicy
	// Priorities maps priority names to ranks; lower ranks sync first.
	Priorities map[string]int
	// Fields maps store paths to remote field names. A key ending in ".*"
	// covers every path below it.
	Fields map[keypath.Path]string
	// PathPriorities assigns a priority name to writes under a path
	// pattern. Unlisted paths use PriorityNormal.
	PathPriorities map[keypath.Path]string
}

// DefaultPriorities returns high=0, normal=1, low=2.
func DefaultPriorities() map[string]int {
	return map[string]int{PriorityHigh: 0, PriorityNormal: 1, PriorityLow: 2}
}

// DefaultConfig returns the engine defaults with an empty field map.
func DefaultConfig() Config {
	return Config{
		BatchSize: 10,
		SyncDelay: time.Second,
		Retry: RetryPolicy{
			MaxRetries:        3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
		Priorities: DefaultPriorities(),
		Fields:     map[keypath.Path]string{},
	}
}

func (c Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("max retries must be positive, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %g", c.Retry.BackoffMultiplier)
	}
	if _, ok := c.Priorities[PriorityNormal]; !ok {
		return fmt.Errorf("priorities must define %q", PriorityNormal)
	}
	for p, name := range c.PathPriorities {
		if _, ok := c.Priorities[name]; !ok {
			return fmt.Errorf("path %s: unknown priority %q", p, name)
		}
	}
	return nil
}
