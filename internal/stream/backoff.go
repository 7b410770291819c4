package stream

import (
	"errors"
	"time"

	"tradedeck/config"
)

// ErrRetriesExhausted is returned once the reconnect policy has spent all of
// its attempts. It is a terminal failure: no further automatic attempts are
// made until an explicit reconnect.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// ReconnectPolicy decides if and when a dropped connection is re-established.
// Delays grow exponentially with the attempt number and are capped at
// MaxDelay; attempts beyond MaxAttempts are refused.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  int
}

// PolicyFromConfig builds a policy from the retry configuration block.
func PolicyFromConfig(cfg config.RetryConfig) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.BackoffMultiplier,
	}
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
// ok is false once the policy is exhausted.
func (p ReconnectPolicy) Delay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}

	delay = p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(p.Multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}
