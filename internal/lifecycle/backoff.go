package lifecycle

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/KennLDN/mc-panel-docker/internal/config"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 30 * time.Second
	DefaultJitter       = 0.1
	DefaultMaxAttempts  = 10
)

// BackoffPolicy is the reconnect schedule. The k-th delay is
// min(InitialDelay*Multiplier^(k-1), MaxDelay) scaled by a uniform factor in [1-Jitter, 1+Jitter].
type BackoffPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
	MaxAttempts  int
}

// DefaultBackoffPolicy returns 1s doubling to 30s with 10% jitter and 10 attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       DefaultJitter,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// PolicyFromConfig fills unset fields with defaults.
func PolicyFromConfig(cfg config.BackoffConfig) BackoffPolicy {
	p := DefaultBackoffPolicy()

	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}

	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}

	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}

	if cfg.Jitter > 0 {
		p.Jitter = cfg.Jitter
	}

	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}

	return p
}

// newBackOff returns a fresh schedule positioned at the first attempt.
func (p BackoffPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()

	return b
}

// Bounds returns the inclusive delay range for attempt k (1-based).
func (p BackoffPolicy) Bounds(k int) (time.Duration, time.Duration) {
	base := float64(p.InitialDelay)
	for i := 1; i < k && base < float64(p.MaxDelay); i++ {
		base *= p.Multiplier
	}

	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	return time.Duration(math.Round(base * (1 - p.Jitter))), time.Duration(math.Round(base * (1 + p.Jitter)))
}
