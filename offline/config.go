package offline

import (
	"fmt"
	"time"
)

// OrderingPolicy decides what happens to the rest of an endpoint family
// once one of its actions is dead-lettered.
type OrderingPolicy string

const (
	// PolicyContinue drains later actions of the family regardless.
	PolicyContinue OrderingPolicy = "continue"
	// PolicyHalt stops draining the family while it has dead letters, so its
	// actions are never applied out of order.
	PolicyHalt OrderingPolicy = "halt"
)

// Config holds the retry and ordering policy of a Queue.
type Config struct {
	// MaxRetries is the number of attempts before an action is dead-lettered.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
	// ActionTimeout bounds each attempt.
	ActionTimeout time.Duration
	DefaultPolicy OrderingPolicy
	// FamilyPolicies overrides DefaultPolicy per endpoint family.
	FamilyPolicies map[string]OrderingPolicy
}

// DefaultConfig returns base 1s, factor 2, cap 60s, five attempts and the
// continue policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		Multiplier:    2,
		ActionTimeout: 30 * time.Second,
		DefaultPolicy: PolicyContinue,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = d.DefaultPolicy
	}
	return c
}

func (c Config) validate() error {
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("offline: jitter %v out of range [0, 1)", c.Jitter)
	}
	for family, p := range c.FamilyPolicies {
		if p != PolicyContinue && p != PolicyHalt {
			return fmt.Errorf("offline: unknown ordering policy %q for family %q", p, family)
		}
	}
	if c.DefaultPolicy != PolicyContinue && c.DefaultPolicy != PolicyHalt {
		return fmt.Errorf("offline: unknown ordering policy %q", c.DefaultPolicy)
	}
	return nil
}

// PolicyFor returns the ordering policy of family.
func (c Config) PolicyFor(family string) OrderingPolicy {
	if p, ok := c.FamilyPolicies[family]; ok {
		return p
	}
	return c.DefaultPolicy
}
