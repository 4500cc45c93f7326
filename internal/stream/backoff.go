package stream

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures reconnect behavior.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of reconnect attempts (default: 5)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // Maximum delay between attempts (default: 30s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 1 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	return out
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	// baseDelay * 2^attempt, capped at MaxDelay
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		// Random value in range [-jitter, +jitter]
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)
		if delay < 0 {
			delay = 0
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
