package wsclient

import (
	"math"
	"math/rand"
	"time"
)

// Jitter selects how randomness is applied on top of the computed
// backoff delay.
type Jitter int

const (
	JitterFull Jitter = iota
	JitterNone
)

// BackoffConfig controls client reconnect timing, generalized from
// connwatch.BackoffConfig's startup-retry schedule to: delay =
// min(maxDelay, initialDelay*2^(attempt-1)), then jitter.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       Jitter
}

// DefaultBackoffConfig returns the client's default schedule, starting
// at 250ms and capped at 30s. These values differ from
// connwatch.DefaultBackoffConfig, which runs from 2s to 60s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		Jitter:       JitterFull,
	}
}

// Delay computes the backoff delay for the given 1-indexed attempt
// number, applying jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	base := float64(c.InitialDelay) * math.Pow(2, float64(attempt-1))
	capped := math.Min(base, float64(c.MaxDelay))
	if capped < 0 {
		capped = 0
	}

	switch c.Jitter {
	case JitterNone:
		return time.Duration(capped)
	default:
		return time.Duration(rand.Float64() * capped)
	}
}
