package jobqueue

import (
	"math/rand"
	"time"
)

// BackoffConfig bounds the exponential retry delay.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 2 * time.Second,
		MaxDelay:  10 * time.Minute,
	}
}

// Delay returns the capped exponential delay for a 1-based attempt,
// without jitter.
func (cfg BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBackoff().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultBackoff().MaxDelay
	}

	// base * 2^(attempt-1); doubling stops at the cap, so it cannot overflow
	if cfg.BaseDelay >= cfg.MaxDelay {
		return cfg.MaxDelay
	}
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > cfg.MaxDelay/2 {
			return cfg.MaxDelay
		}
		delay *= 2
	}
	return delay
}

// NextRetryAt computes the next retry time using exponential backoff with
// full jitter: a random point in [0, Delay(attempt)].
func NextRetryAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	delay := cfg.Delay(attempt)
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))
	return now.Add(jitter).UTC()
}
