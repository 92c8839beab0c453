package webhooks

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the backoff schedule for transient delivery
// failures.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFraction spreads retries by adding up to this fraction of the
	// computed delay, so a burst of failures does not retry in lockstep.
	JitterFraction float64
}

// DefaultRetryConfig returns the delivery retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      30 * time.Second,
		MaxDelay:          1 * time.Hour,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// RetryPolicy computes exponential backoff delays with a cap and jitter.
// Successive delays for the same attempt are non-decreasing up to the cap:
// the jitter never exceeds the growth step.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unusable config values with
// defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.JitterFraction < 0 || config.JitterFraction >= 1.0 {
		config.JitterFraction = def.JitterFraction
	}
	return &RetryPolicy{config: config}
}

// MaxAttempts returns the total send budget per delivery attempt record.
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// NextRetryDelay returns the wait before send number attempts+1.
// delay = initial * multiplier^(attempts-1), capped, plus jitter.
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	base := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if base > float64(p.config.MaxDelay) {
		base = float64(p.config.MaxDelay)
	}

	delay := base
	if p.config.JitterFraction > 0 {
		delay += rand.Float64() * p.config.JitterFraction * base
	}
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetryTime returns the absolute retry time computed from now.
func (p *RetryPolicy) NextRetryTime(now time.Time, attempts int) time.Time {
	return now.Add(p.NextRetryDelay(attempts))
}
