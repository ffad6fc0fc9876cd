package pubflow

import (
	"time"

	"github.com/petrijr/pubflow/internal/backoff"
)

// Retries describes how often a step is attempted and how long the engine
// sleeps between attempts. Build one with Retry and pass Policy() to
// FlowBuilder.StepWithRetry.
type Retries struct {
	attempts   int
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// Retry allows up to attempts calls of a step, the first one included.
// Values below 1 mean a single attempt.
func Retry(attempts int) Retries {
	return Retries{attempts: max(attempts, 1)}
}

// Exponential waits initial before the first retry and multiplies the wait
// by factor (2 when factor <= 0) up to ceiling. A ceiling <= 0 is uncapped.
func (r Retries) Exponential(initial time.Duration, factor float64, ceiling time.Duration) Retries {
	if factor <= 0 {
		factor = 2
	}
	r.initial, r.multiplier, r.max = initial, factor, ceiling
	return r
}

// Constant waits delay between every attempt.
func (r Retries) Constant(delay time.Duration) Retries {
	r.initial, r.multiplier, r.max = delay, 1, 0
	return r
}

// Immediate retries without sleeping.
func (r Retries) Immediate() Retries {
	r.initial, r.multiplier, r.max = 0, 0, 0
	return r
}

// Policy returns the engine's form of r.
func (r Retries) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       r.attempts,
		InitialBackoff:    r.initial,
		MaxBackoff:        r.max,
		BackoffMultiplier: r.multiplier,
	}
}

// Delays lists the sleeps the engine will take between attempts, one per
// retry.
func (r Retries) Delays() []time.Duration {
	strategy := backoff.FromRetryPolicy(r.Policy())
	out := make([]time.Duration, 0, r.attempts-1)
	for n := 1; n < r.attempts; n++ {
		out = append(out, strategy.Delay(n))
	}
	return out
}
