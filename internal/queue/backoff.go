package queue

import (
	"time"

	"github.com/orrn/labelspool/internal/config"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = time.Minute
)

// BackoffPolicy gives the wait before the next attempt after attempt number
// attempt (1-based) failed.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles from Initial on every failure, capped at Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	return min(delay, limit)
}

// FixedBackoff waits Interval between every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	return max(b.Interval, 0)
}

// BackoffFromConfig picks the policy named by cfg.Backoff.
func BackoffFromConfig(cfg config.QueueConfig) BackoffPolicy {
	if cfg.Backoff == "fixed" {
		return FixedBackoff{Interval: cfg.RetryDelay}
	}
	return ExponentialBackoff{Initial: cfg.RetryDelay, Max: cfg.MaxRetryDelay}
}
